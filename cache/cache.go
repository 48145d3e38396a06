// Package cache implements the chunked two-zone in-memory store. Files live
// in either the HOT zone (read at least once, evicted least-recently-touched
// first) or the PREFETCH zone (speculative, evicted in insertion order and
// always before HOT). Admission never fails: the store evicts until the new
// payload fits, over-committing only for a single chunk larger than the
// whole budget.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valkyriedata/shardfs"
	"github.com/valkyriedata/shardfs/internal/util"
)

var base = time.Now()

// nowMicros is a monotonic microsecond clock for chunk access stamps.
func nowMicros() int64 {
	return time.Since(base).Microseconds()
}

// Chunk is a snapshot of one cached chunk. Payload is shared with the
// store and must not be mutated by callers.
type Chunk struct {
	Payload    []byte
	LastAccess int64 // monotonic microseconds
}

type chunk struct {
	payload    []byte
	lastAccess atomic.Int64
}

func newChunk(payload []byte) *chunk {
	c := &chunk{payload: payload}
	c.lastAccess.Store(nowMicros())
	return c
}

// entry is one key's presence in the cache: its chunk map, zone, and
// position in that zone's tracker.
type entry struct {
	key    string
	zone   shardfs.Zone
	chunks map[uint64]*chunk
	bytes  uint64        // sum of chunk payload sizes, maintained on mutation
	elem   *list.Element // node in hot or prefetch tracker
	mu     sync.RWMutex  // guards chunks
}

// Stats is a point-in-time snapshot of store occupancy.
type Stats struct {
	CurrentSize  uint64
	MaxSize      uint64
	HotSize      uint64
	PrefetchSize uint64
	NumFiles     int
	NumChunks    int
}

// Store is the two-zone chunk cache. All methods are safe for concurrent
// use. Lock order is store-wide then per-entry.
type Store struct {
	budget uint64
	used   uint64
	files  map[string]*entry
	// hot tracks HOT entries in insertion/promotion order; eviction scans
	// it for the entry whose least-recently-touched chunk is oldest.
	hot *list.List
	// prefetch tracks PREFETCH entries in insertion order; eviction pops
	// the front.
	prefetch *list.List
	mu       sync.RWMutex
	logger   util.Logger
}

// New creates a Store with the given byte budget.
func New(budget uint64) *Store {
	return &Store{
		budget:   budget,
		files:    make(map[string]*entry),
		hot:      list.New(),
		prefetch: list.New(),
		logger:   util.GetLogger("Cache"),
	}
}

// Insert admits a chunk for key at chunkOffset, evicting as needed to stay
// inside the budget. Creates the file entry in the given zone if absent;
// an existing entry keeps its current zone. Overwriting a chunk adjusts
// occupancy by the size delta.
func (s *Store) Insert(key string, chunkOffset uint64, payload []byte, zone shardfs.Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Size of what this admission really adds, accounting for overwrite.
	newSize := uint64(len(payload))
	oldSize := uint64(0)
	if e, ok := s.files[key]; ok {
		e.mu.RLock()
		if old, ok := e.chunks[chunkOffset]; ok {
			oldSize = uint64(len(old.payload))
		}
		e.mu.RUnlock()
	}
	if newSize > oldSize {
		s.evictForLocked(newSize - oldSize)
	}

	e, ok := s.files[key]
	if !ok {
		e = &entry{
			key:    key,
			zone:   zone,
			chunks: make(map[uint64]*chunk),
		}
		switch zone {
		case shardfs.ZoneHot:
			e.elem = s.hot.PushBack(e)
		default:
			e.elem = s.prefetch.PushBack(e)
		}
		s.files[key] = e
	}

	e.mu.Lock()
	if old, ok := e.chunks[chunkOffset]; ok {
		// overwrite: retire the old payload's bytes
		e.bytes -= uint64(len(old.payload))
		s.used -= uint64(len(old.payload))
	}
	e.chunks[chunkOffset] = newChunk(payload)
	e.bytes += newSize
	e.mu.Unlock()

	s.used += newSize

	s.logger.Trace().
		Str("key", key).
		Uint64("offset", chunkOffset).
		Int("size", len(payload)).
		Stringer("zone", e.zone).
		Uint64("used", s.used).
		Msg("Chunk admitted")
}

// Get returns a snapshot of the chunk at (key, chunkOffset). It does not
// refresh recency; use Access to record a hit.
func (s *Store) Get(key string, chunkOffset uint64) (Chunk, bool) {
	s.mu.RLock()
	e, ok := s.files[key]
	if !ok {
		s.mu.RUnlock()
		return Chunk{}, false
	}

	e.mu.RLock()
	c, ok := e.chunks[chunkOffset]
	e.mu.RUnlock()
	s.mu.RUnlock()

	if !ok {
		return Chunk{}, false
	}
	return Chunk{Payload: c.payload, LastAccess: c.lastAccess.Load()}, true
}

// Access records a hit on (key, chunkOffset): refreshes the chunk's access
// stamp and promotes the file from PREFETCH to HOT if needed.
func (s *Store) Access(key string, chunkOffset uint64) {
	s.mu.RLock()
	e, ok := s.files[key]
	if !ok {
		s.mu.RUnlock()
		return
	}

	e.mu.RLock()
	if c, ok := e.chunks[chunkOffset]; ok {
		c.lastAccess.Store(nowMicros())
	}
	e.mu.RUnlock()

	needsPromotion := e.zone == shardfs.ZonePrefetch
	s.mu.RUnlock()

	if !needsPromotion {
		return
	}

	// Tracker mutation needs the exclusive lock; re-check under it since
	// another accessor may have promoted (or eviction removed) the entry.
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok = s.files[key]
	if !ok || e.zone != shardfs.ZonePrefetch {
		return
	}
	s.prefetch.Remove(e.elem)
	e.zone = shardfs.ZoneHot
	e.elem = s.hot.PushBack(e)

	s.logger.Debug().Str("key", key).Msg("Promoted to HOT")
}

// Contains reports whether key has any cached chunks.
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.files[key]
	return ok
}

// ZoneOf returns the key's current zone. The second return is false when
// the key is not cached.
func (s *Store) ZoneOf(key string) (shardfs.Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.files[key]
	if !ok {
		return 0, false
	}
	return e.zone, true
}

// Stats returns a snapshot of occupancy and zone totals.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		CurrentSize: s.used,
		MaxSize:     s.budget,
		NumFiles:    len(s.files),
	}
	for _, e := range s.files {
		e.mu.RLock()
		stats.NumChunks += len(e.chunks)
		if e.zone == shardfs.ZoneHot {
			stats.HotSize += e.bytes
		} else {
			stats.PrefetchSize += e.bytes
		}
		e.mu.RUnlock()
	}
	return stats
}

// evictForLocked frees space for incoming bytes. PREFETCH entries go first
// in insertion order; then HOT entries by oldest least-recently-touched
// chunk. If both trackers drain and the admission still exceeds the budget,
// it is admitted anyway (single oversized chunk).
func (s *Store) evictForLocked(incoming uint64) {
	for s.used+incoming > s.budget {
		if front := s.prefetch.Front(); front != nil {
			s.removeLocked(front.Value.(*entry))
			continue
		}
		if victim := s.oldestHotLocked(); victim != nil {
			s.removeLocked(victim)
			continue
		}
		// Cache is empty; nothing left to evict.
		if incoming > s.budget {
			s.logger.Warn().
				Uint64("size", incoming).
				Uint64("budget", s.budget).
				Msg("Admitting chunk larger than cache budget")
		}
		return
	}
}

// oldestHotLocked scans the HOT tracker for the entry whose
// least-recently-touched chunk is oldest. Ties fall to the earlier tracker
// position (strict less-than while scanning front to back).
func (s *Store) oldestHotLocked() *entry {
	var victim *entry
	oldest := int64(1<<63 - 1)

	for el := s.hot.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		e.mu.RLock()
		for _, c := range e.chunks {
			if ts := c.lastAccess.Load(); ts < oldest {
				oldest = ts
				victim = e
			}
		}
		e.mu.RUnlock()
	}
	return victim
}

// removeLocked evicts an entry and all its chunks.
func (s *Store) removeLocked(e *entry) {
	switch e.zone {
	case shardfs.ZoneHot:
		s.hot.Remove(e.elem)
	default:
		s.prefetch.Remove(e.elem)
	}
	delete(s.files, e.key)
	s.used -= e.bytes

	s.logger.Debug().
		Str("key", e.key).
		Stringer("zone", e.zone).
		Uint64("freed", e.bytes).
		Msg("Evicted")
}
