// Package s3 provides the S3-backed ObjectStore implementation.
package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/valkyriedata/shardfs"
	"github.com/valkyriedata/shardfs/internal/util"
)

// Config holds configuration for the S3 object store.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// Region is the AWS region.
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// KeyPrefix is prepended to every key as "<prefix>/<key>" when non-empty.
	KeyPrefix string

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO).
	ForcePathStyle bool
}

// Store is an S3-backed implementation of [shardfs.ObjectStore].
type Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	logger    util.Logger
}

// New creates an S3 store with an existing client.
func New(client *s3.Client, config Config) *Store {
	return &Store{
		client:    client,
		bucket:    config.Bucket,
		keyPrefix: config.KeyPrefix,
		logger:    util.GetLogger("S3Store"),
	}
}

// NewFromConfig creates an S3 store by building a client from config using
// the SDK's default credential chain.
func NewFromConfig(ctx context.Context, config Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if config.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
		})
	}
	if config.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return New(s3.NewFromConfig(awsCfg, s3Opts...), config), nil
}

// fullKey returns the remote key for a mount-relative key.
func (s *Store) fullKey(key string) string {
	if s.keyPrefix == "" {
		return key
	}
	return s.keyPrefix + "/" + key
}

// GetRange reads [offset, offset+length-1] from the object at key. A short
// result at end of object is returned as-is. Transient failures satisfy
// [shardfs.IsTransient]; a missing object wraps [shardfs.ErrNotFound].
func (s *Store) GetRange(ctx context.Context, key string, offset, length uint64) ([]byte, error) {
	fullKey := s.fullKey(key)
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("s3 get object range %s: %w", fullKey, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(fmt.Errorf("read s3 object body %s: %w", fullKey, err))
	}

	return data, nil
}

// List returns up to maxKeys objects under the configured prefix, in key
// order, with the prefix stripped. The second return reports truncation,
// which callers surface as a warning rather than an error.
func (s *Store) List(ctx context.Context, maxKeys int) ([]shardfs.ObjectInfo, bool, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(int32(maxKeys)),
	}
	if s.keyPrefix != "" {
		input.Prefix = aws.String(s.keyPrefix + "/")
	}

	resp, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, false, classify(fmt.Errorf("s3 list objects: %w", err))
	}

	objects := make([]shardfs.ObjectInfo, 0, len(resp.Contents))
	for _, obj := range resp.Contents {
		key := aws.ToString(obj.Key)
		if s.keyPrefix != "" {
			prefixLen := len(s.keyPrefix) + 1
			if len(key) < prefixLen {
				continue
			}
			key = key[prefixLen:]
		}
		if key == "" {
			continue
		}
		objects = append(objects, shardfs.ObjectInfo{
			Key:  key,
			Size: uint64(aws.ToInt64(obj.Size)),
		})
	}

	return objects, aws.ToBool(resp.IsTruncated), nil
}

var _ shardfs.ObjectStore = (*Store)(nil)
