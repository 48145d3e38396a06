// Package fuse binds the cache, worker pool, and predictor to the kernel
// via the raw FUSE wire protocol, presenting the remote bucket as a flat
// read-only directory.
package fuse

import (
	"errors"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/valkyriedata/shardfs"
	"github.com/valkyriedata/shardfs/cache"
	"github.com/valkyriedata/shardfs/internal/util"
)

// DefaultFileSize is assumed for a key first seen at open time, until a
// listing or a real read refines it.
const DefaultFileSize = 1 << 30 // 1 GiB

// ErrIO is returned by the façade when a synchronous transfer fails; the
// FUSE layer surfaces it as EIO.
var ErrIO = errors.New("remote read failed")

// Submitter issues urgent transfers on cache misses; satisfied by the
// worker pool.
type Submitter interface {
	Submit(key string, offset, length uint64, pri shardfs.Priority) *shardfs.Handle
}

// AccessNotifier receives file-open events; satisfied by the predictor.
type AccessNotifier interface {
	OnFileAccessed(key string)
}

// Facade translates file reads into chunk lookups, synchronous misses, and
// access notifications. It owns the key→size metadata map backing the
// directory listing.
type Facade struct {
	cache     *cache.Store
	pool      Submitter
	predictor AccessNotifier
	chunkSize uint64
	sizes     *xsync.Map[string, uint64]
	logger    util.Logger
}

// NewFacade wires the façade to its collaborators. The predictor may be
// nil in tests.
func NewFacade(c *cache.Store, pool Submitter, predictor AccessNotifier, chunkSize uint64) *Facade {
	return &Facade{
		cache:     c,
		pool:      pool,
		predictor: predictor,
		chunkSize: chunkSize,
		sizes:     xsync.NewMap[string, uint64](),
		logger:    util.GetLogger("Facade"),
	}
}

// RegisterKey records a key and its size in the metadata map.
func (f *Facade) RegisterKey(key string, size uint64) {
	f.sizes.Store(key, size)
}

// SizeOf returns the recorded size for key.
func (f *Facade) SizeOf(key string) (uint64, bool) {
	return f.sizes.Load(key)
}

// Keys returns the current key set, for directory listings.
func (f *Facade) Keys() []string {
	keys := make([]string, 0, f.sizes.Size())
	f.sizes.Range(func(key string, _ uint64) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Open registers the key with a default size if unseen and notifies the
// predictor. Called once per kernel open.
func (f *Facade) Open(key string) {
	f.sizes.LoadOrStore(key, DefaultFileSize)
	if f.predictor != nil {
		f.predictor.OnFileAccessed(key)
	}
}

// ReadAt copies up to len(dest) bytes of key starting at off. Misses block
// on an URGENT transfer. Returns the bytes copied; a count short of
// len(dest) with a nil error means end of object.
func (f *Facade) ReadAt(key string, dest []byte, off uint64) (int, error) {
	total := 0
	for total < len(dest) {
		chunkOff := off / f.chunkSize * f.chunkSize
		within := off - chunkOff

		chunk, ok := f.cache.Get(key, chunkOff)
		if !ok {
			handle := f.pool.Submit(key, chunkOff, f.chunkSize, shardfs.PriorityUrgent)
			if !handle.Wait() {
				f.logger.Error().Str("key", key).Uint64("offset", chunkOff).Msg("Urgent transfer failed")
				return total, ErrIO
			}
			chunk, ok = f.cache.Get(key, chunkOff)
			if !ok {
				// admitted and already evicted before we could read it
				f.logger.Error().Str("key", key).Uint64("offset", chunkOff).Msg("Chunk missing after transfer")
				return total, ErrIO
			}
		}

		f.cache.Access(key, chunkOff)

		if uint64(len(chunk.Payload)) < f.chunkSize {
			// a short chunk is the object's last; its end is the object's size
			f.sizes.Store(key, chunkOff+uint64(len(chunk.Payload)))
		}

		if within >= uint64(len(chunk.Payload)) {
			// short chunk ends before the requested offset: end of object
			break
		}

		n := copy(dest[total:], chunk.Payload[within:])
		total += n
		off += uint64(n)

		if uint64(len(chunk.Payload)) < f.chunkSize {
			// short chunk is the object's last; nothing past it
			break
		}
	}
	return total, nil
}
