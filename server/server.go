// Package server wires the subsystems together and manages the mount
// lifecycle.
package server

import (
	"context"
	"fmt"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/valkyriedata/shardfs"
	"github.com/valkyriedata/shardfs/cache"
	"github.com/valkyriedata/shardfs/config"
	shardfuse "github.com/valkyriedata/shardfs/fuse"
	"github.com/valkyriedata/shardfs/internal/util"
	"github.com/valkyriedata/shardfs/metrics"
	"github.com/valkyriedata/shardfs/predictor"
	s3store "github.com/valkyriedata/shardfs/store/s3"
	"github.com/valkyriedata/shardfs/worker"
)

// listMaxKeys caps the startup listing; beyond it the listing is truncated
// and logged as a warning.
const listMaxKeys = 1000

// Server owns the full component stack. Construction order is store →
// cache → pool → predictor → façade; Shutdown runs the reverse.
type Server struct {
	cfg       *config.Config
	store     shardfs.ObjectStore
	cache     *cache.Store
	pool      *worker.Pool
	predictor *predictor.Predictor
	facade    *shardfuse.Facade
	metrics   *metrics.Server

	fuseServer *gofuse.Server
	logger     util.Logger
}

// New builds the stack from cfg. The remote client is created eagerly so
// credential problems surface before mounting.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	logger := util.GetLogger("Server")

	store, err := s3store.NewFromConfig(ctx, s3store.Config{
		Bucket:         cfg.Bucket,
		Region:         cfg.Region,
		Endpoint:       cfg.Endpoint,
		KeyPrefix:      cfg.S3Prefix,
		ForcePathStyle: cfg.ForcePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}

	c := cache.New(cfg.CacheSize)
	pool := worker.NewPool(store, c, cfg.Workers, nil)
	pred := predictor.New(c, pool, cfg.Lookahead, cfg.ChunkSize)

	if cfg.ManifestPath != "" {
		if err := pred.LoadManifest(cfg.ManifestPath); err != nil {
			logger.Warn().Err(err).Str("path", cfg.ManifestPath).
				Msg("Manifest unavailable, falling back to sequential heuristic")
		}
	}

	facade := shardfuse.NewFacade(c, pool, pred, cfg.ChunkSize)

	return &Server{
		cfg:       cfg,
		store:     store,
		cache:     c,
		pool:      pool,
		predictor: pred,
		facade:    facade,
		metrics:   metrics.NewServer(cfg.MetricsPort, pool, pred, c),
		logger:    logger,
	}, nil
}

// Start spawns workers, predictor and metrics, pre-populates the listing,
// and mounts the filesystem.
func (s *Server) Start(ctx context.Context) error {
	s.pool.Start()
	s.predictor.Start()
	s.metrics.Start()

	if s.cfg.EnableTracing {
		s.logger.Info().Str("output", s.cfg.TraceOutput).Msg("Tracing requested (not collected in this build)")
	}

	s.populateListing(ctx)

	raw := shardfuse.NewRaw(s.facade,
		time.Duration(s.cfg.AttrTimeout*float64(time.Second)),
		time.Duration(s.cfg.EntryTimeout*float64(time.Second)),
	)
	srv, err := gofuse.NewServer(raw, s.cfg.MountPoint, &gofuse.MountOptions{
		Name:   "shardfs",
		FsName: "shardfs",
		Debug:  s.cfg.LogLvl == util.TraceLevel,
		Logger: util.NewLogLogger("FuseServer", util.DebugLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to mount at %s: %w", s.cfg.MountPoint, err)
	}
	s.fuseServer = srv

	go srv.Serve()
	if err := srv.WaitMount(); err != nil {
		return fmt.Errorf("mount did not come up: %w", err)
	}

	s.logger.Info().
		Str("mountpoint", s.cfg.MountPoint).
		Str("bucket", s.cfg.Bucket).
		Int("workers", s.cfg.Workers).
		Msg("Filesystem mounted")
	return nil
}

// populateListing seeds the metadata map with real object sizes so the
// directory listing is useful before any file is opened.
func (s *Server) populateListing(ctx context.Context) {
	objects, truncated, err := s.store.List(ctx, listMaxKeys)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Listing failed; directory fills in as keys are opened")
		return
	}
	if truncated {
		s.logger.Warn().Int("max", listMaxKeys).Msg("Listing truncated")
	}
	for _, obj := range objects {
		s.facade.RegisterKey(obj.Key, obj.Size)
	}
	s.logger.Info().Int("objects", len(objects)).Msg("Listing loaded")
}

// Wait blocks until the filesystem is unmounted.
func (s *Server) Wait() {
	if s.fuseServer != nil {
		s.fuseServer.Wait()
	}
}

// Shutdown unmounts and stops the components in reverse dependency order:
// predictor, then workers, then metrics. In-flight transfers run to
// completion.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("Shutting down")

	if s.fuseServer != nil {
		if err := s.fuseServer.Unmount(); err != nil {
			s.logger.Error().Err(err).Msg("Unmount failed")
		}
	}

	s.predictor.Stop()
	s.pool.Shutdown()
	s.metrics.Shutdown()

	s.logger.Info().Msg("Shutdown complete")
}
