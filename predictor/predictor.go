// Package predictor watches file-access events and speculatively enqueues
// transfers for the keys most likely to be read next, either from a
// user-supplied ordered manifest or from a sequential-naming heuristic.
package predictor

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valkyriedata/shardfs"
	"github.com/valkyriedata/shardfs/internal/util"
)

// tick is the cadence of the prediction loop.
const tick = 50 * time.Millisecond

// sequentialPattern matches "prefix, digit run, suffix starting with a dot".
// The prefix is non-greedy so the digit run captures the whole trailing
// number ("shard_042.bin" captures "042", not "2").
var sequentialPattern = regexp.MustCompile(`^(.*?)(\d+)(\..*)$`)

// NextSequential derives the sequential successor of a filename:
// "shard_042.bin" -> "shard_043.bin". Zero padding is preserved; a
// successor that outgrows the original width takes its natural form
// ("999" -> "1000"). The second return is false when the name has no
// trailing numeric field or the number does not parse.
func NextSequential(filename string) (string, bool) {
	m := sequentialPattern.FindStringSubmatch(filename)
	if m == nil {
		return "", false
	}
	prefix, digits, suffix := m[1], m[2], m[3]

	n, err := strconv.Atoi(digits)
	if err != nil {
		// malformed or overflowing digit run
		return "", false
	}

	return fmt.Sprintf("%s%0*d%s", prefix, len(digits), n+1, suffix), true
}

// Cache is the slice of the cache store the predictor consults.
type Cache interface {
	Contains(key string) bool
}

// Submitter issues transfer tasks; satisfied by the worker pool.
type Submitter interface {
	Submit(key string, offset, length uint64, pri shardfs.Priority) *shardfs.Handle
}

// Stats is a snapshot of the predictor's monotone counters.
type Stats struct {
	PredictionsMade  uint64
	ManifestHits     uint64
	PatternHits      uint64
	PrefetchesIssued uint64
}

type pendingPrefetch struct {
	key    string
	handle *shardfs.Handle
}

// Predictor is a single background actor. OnFileAccessed is cheap and
// non-blocking; all remote work happens on the loop goroutine via the
// worker pool.
type Predictor struct {
	cache     Cache
	pool      Submitter
	lookahead int
	chunkSize uint64

	// last-accessed slot; latest writer wins
	accessMu     sync.Mutex
	lastAccessed string

	manifest     []string
	manifestMode bool

	// keys with prefetches currently in flight, plus their handles for
	// reaping once resolved
	inFlightMu sync.Mutex
	inFlight   map[string]struct{}
	pending    []pendingPrefetch

	predictionsMade  atomic.Uint64
	manifestHits     atomic.Uint64
	patternHits      atomic.Uint64
	prefetchesIssued atomic.Uint64

	stop    chan struct{}
	stopped sync.Once
	done    chan struct{}
	logger  util.Logger
}

// New creates a predictor that prefetches the first chunkSize bytes of up
// to lookahead successor keys per access event.
func New(c Cache, pool Submitter, lookahead int, chunkSize uint64) *Predictor {
	return &Predictor{
		cache:     c,
		pool:      pool,
		lookahead: lookahead,
		chunkSize: chunkSize,
		inFlight:  make(map[string]struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    util.GetLogger("Predictor"),
	}
}

// Start spawns the prediction loop.
func (p *Predictor) Start() {
	go p.loop()
	p.logger.Info().Int("lookahead", p.lookahead).Msg("Predictor started")
}

// Stop signals the loop and waits for it to exit. Idempotent. In-flight
// prefetches are not cancelled; workers still deliver them and the cache
// absorbs the late admissions.
func (p *Predictor) Stop() {
	p.stopped.Do(func() {
		close(p.stop)
		<-p.done
		p.logger.Info().Msg("Predictor stopped")
	})
}

// OnFileAccessed records key as the most recently opened file. Last writer
// wins; no I/O happens on the caller's goroutine.
func (p *Predictor) OnFileAccessed(key string) {
	p.accessMu.Lock()
	p.lastAccessed = key
	p.accessMu.Unlock()
}

// LoadManifest reads an ordered key list: one key per line, whitespace
// trimmed, blank lines and #-comments skipped. A non-empty manifest
// switches the predictor to manifest mode; failure to open the file leaves
// the previous state untouched and is the caller's to report.
func (p *Predictor) LoadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}

	var manifest []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		manifest = append(manifest, line)
	}

	p.manifest = manifest
	p.manifestMode = len(manifest) > 0

	p.logger.Info().Int("entries", len(manifest)).Str("path", path).Msg("Manifest loaded")
	return nil
}

// Stats returns a snapshot of the prediction counters.
func (p *Predictor) Stats() Stats {
	return Stats{
		PredictionsMade:  p.predictionsMade.Load(),
		ManifestHits:     p.manifestHits.Load(),
		PatternHits:      p.patternHits.Load(),
		PrefetchesIssued: p.prefetchesIssued.Load(),
	}
}

func (p *Predictor) loop() {
	defer close(p.done)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		p.reap()

		p.accessMu.Lock()
		current := p.lastAccessed
		p.accessMu.Unlock()
		if current == "" {
			continue
		}

		p.predictAndPrefetch(current)
	}
}

// reap drops resolved completion handles and releases their keys from the
// in-flight set. Bounds memory across long runs.
func (p *Predictor) reap() {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()

	remaining := p.pending[:0]
	for _, pf := range p.pending {
		if pf.handle.Ready() {
			delete(p.inFlight, pf.key)
		} else {
			remaining = append(remaining, pf)
		}
	}
	p.pending = remaining
}

// predictAndPrefetch produces up to lookahead candidate keys after key and
// submits a NORMAL transfer for each one not already cached or in flight.
func (p *Predictor) predictAndPrefetch(key string) {
	p.predictionsMade.Add(1)

	var candidates []string

	if p.manifestMode {
		pos := p.findInManifest(key)
		if pos < 0 {
			return
		}
		for i := pos + 1; i <= pos+p.lookahead && i < len(p.manifest); i++ {
			candidates = append(candidates, p.manifest[i])
		}
		if len(candidates) > 0 {
			p.manifestHits.Add(1)
		}
	} else {
		current := key
		for i := 0; i < p.lookahead; i++ {
			next, ok := NextSequential(current)
			if !ok {
				break
			}
			candidates = append(candidates, next)
			current = next
		}
		if len(candidates) > 0 {
			p.patternHits.Add(1)
		}
	}

	for _, candidate := range candidates {
		if p.cache.Contains(candidate) {
			continue
		}

		p.inFlightMu.Lock()
		if _, busy := p.inFlight[candidate]; busy {
			p.inFlightMu.Unlock()
			continue
		}
		p.inFlight[candidate] = struct{}{}
		p.inFlightMu.Unlock()

		handle := p.pool.Submit(candidate, 0, p.chunkSize, shardfs.PriorityNormal)

		p.inFlightMu.Lock()
		p.pending = append(p.pending, pendingPrefetch{key: candidate, handle: handle})
		p.inFlightMu.Unlock()

		p.prefetchesIssued.Add(1)
		p.logger.Debug().Str("key", candidate).Msg("Prefetch issued")
	}
}

func (p *Predictor) findInManifest(key string) int {
	for i, k := range p.manifest {
		if k == key {
			return i
		}
	}
	return -1
}
