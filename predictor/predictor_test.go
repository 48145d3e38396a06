package predictor

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkyriedata/shardfs"
)

func TestNextSequential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"zero padded", "shard_042.bin", "shard_043.bin", true},
		{"wide padding", "data_0001.tar", "data_0002.tar", true},
		{"no padding", "chunk9.bin", "chunk10.bin", true},
		{"width expansion", "shard_999.bin", "shard_1000.bin", true},
		{"padding rollover", "shard_099.bin", "shard_100.bin", true},
		{"no numeric field", "random_file.bin", "", false},
		{"no suffix", "shard_042", "", false},
		{"digits only in prefix word", "a1b2.bin", "a1b3.bin", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := NextSequential(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextSequential_Deterministic(t *testing.T) {
	t.Parallel()

	first, ok := NextSequential("shard_007.bin")
	require.True(t, ok)
	for range 10 {
		again, ok := NextSequential("shard_007.bin")
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

// fakeCache reports a fixed set of cached keys.
type fakeCache struct {
	mu     sync.Mutex
	cached map[string]bool
}

func (f *fakeCache) Contains(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached[key]
}

// fakeSubmitter records submissions and hands back unresolved handles.
type fakeSubmitter struct {
	mu      sync.Mutex
	submits []string
	handles map[string]*shardfs.Handle
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{handles: make(map[string]*shardfs.Handle)}
}

func (f *fakeSubmitter) Submit(key string, offset, length uint64, pri shardfs.Priority) *shardfs.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, key)
	h := shardfs.NewHandle()
	f.handles[key] = h
	return h
}

func (f *fakeSubmitter) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submits...)
}

func (f *fakeSubmitter) resolve(key string, ok bool) {
	f.mu.Lock()
	h := f.handles[key]
	f.mu.Unlock()
	h.Resolve(ok)
}

func newTestPredictor(lookahead int) (*Predictor, *fakeCache, *fakeSubmitter) {
	c := &fakeCache{cached: make(map[string]bool)}
	s := newFakeSubmitter()
	return New(c, s, lookahead, 4096), c, s
}

func TestPredict_HeuristicLookahead(t *testing.T) {
	t.Parallel()

	p, _, s := newTestPredictor(3)
	p.predictAndPrefetch("shard_001.bin")

	assert.Equal(t, []string{"shard_002.bin", "shard_003.bin", "shard_004.bin"}, s.submitted())

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.PredictionsMade)
	assert.Equal(t, uint64(1), stats.PatternHits)
	assert.Equal(t, uint64(3), stats.PrefetchesIssued)
	assert.Equal(t, uint64(0), stats.ManifestHits)
}

func TestPredict_HeuristicNonSequentialName(t *testing.T) {
	t.Parallel()

	p, _, s := newTestPredictor(3)
	p.predictAndPrefetch("README")

	assert.Empty(t, s.submitted())
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.PredictionsMade)
	assert.Equal(t, uint64(0), stats.PatternHits)
}

func TestPredict_ManifestMode(t *testing.T) {
	t.Parallel()

	p, _, s := newTestPredictor(3)
	p.manifest = []string{"a", "b", "c", "d", "e"}
	p.manifestMode = true

	p.predictAndPrefetch("a")
	assert.Equal(t, []string{"b", "c", "d"}, s.submitted())

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.ManifestHits)
	assert.Equal(t, uint64(0), stats.PatternHits)
}

func TestPredict_ManifestClippedAtEnd(t *testing.T) {
	t.Parallel()

	p, _, s := newTestPredictor(3)
	p.manifest = []string{"a", "b", "c"}
	p.manifestMode = true

	p.predictAndPrefetch("b")
	assert.Equal(t, []string{"c"}, s.submitted())
}

func TestPredict_ManifestUnknownKey(t *testing.T) {
	t.Parallel()

	p, _, s := newTestPredictor(3)
	p.manifest = []string{"a", "b"}
	p.manifestMode = true

	p.predictAndPrefetch("zzz")
	assert.Empty(t, s.submitted())
	assert.Equal(t, uint64(0), p.Stats().ManifestHits)
}

func TestPredict_SkipsCachedKeys(t *testing.T) {
	t.Parallel()

	p, c, s := newTestPredictor(3)
	c.cached["shard_002.bin"] = true

	p.predictAndPrefetch("shard_001.bin")
	assert.Equal(t, []string{"shard_003.bin", "shard_004.bin"}, s.submitted())
}

func TestPredict_InFlightDeduplication(t *testing.T) {
	t.Parallel()

	p, _, s := newTestPredictor(3)
	p.manifest = []string{"a", "b", "c", "d", "e"}
	p.manifestMode = true

	// two back-to-back passes over the same access event
	p.predictAndPrefetch("a")
	p.predictAndPrefetch("a")

	assert.Equal(t, []string{"b", "c", "d"}, s.submitted(),
		"at most one in-flight task per key")
}

func TestReap_ReleasesResolvedKeys(t *testing.T) {
	t.Parallel()

	p, _, s := newTestPredictor(1)
	p.manifest = []string{"a", "b"}
	p.manifestMode = true

	p.predictAndPrefetch("a")
	require.Equal(t, []string{"b"}, s.submitted())

	// unresolved: still deduplicated
	p.reap()
	p.predictAndPrefetch("a")
	require.Equal(t, []string{"b"}, s.submitted())

	// resolved: reap frees the key for a fresh prefetch
	s.resolve("b", true)
	p.reap()
	p.predictAndPrefetch("a")
	assert.Equal(t, []string{"b", "b"}, s.submitted())
}

func TestLoadManifest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "manifest.txt")
	content := "# training order\n\n  shard_001.bin  \nshard_002.bin\n\n# trailer\nshard_003.bin\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p, _, _ := newTestPredictor(3)
	require.NoError(t, p.LoadManifest(path))

	assert.Equal(t, []string{"shard_001.bin", "shard_002.bin", "shard_003.bin"}, p.manifest)
	assert.True(t, p.manifestMode)
}

func TestLoadManifest_MissingFile(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPredictor(3)
	err := p.LoadManifest(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
	assert.False(t, p.manifestMode, "failed load leaves heuristic mode in place")
}

func TestLoadManifest_EmptyFileDisablesManifestMode(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(path, []byte("# only comments\n\n"), 0o644))

	p, _, _ := newTestPredictor(3)
	require.NoError(t, p.LoadManifest(path))
	assert.False(t, p.manifestMode)
}

func TestLoop_PicksUpAccessEvents(t *testing.T) {
	t.Parallel()

	p, _, s := newTestPredictor(2)
	p.Start()
	defer p.Stop()

	p.OnFileAccessed("shard_010.bin")

	require.Eventually(t, func() bool {
		subs := s.submitted()
		return len(subs) >= 2
	}, time.Second, 10*time.Millisecond)

	subs := s.submitted()
	assert.Equal(t, "shard_011.bin", subs[0])
	assert.Equal(t, "shard_012.bin", subs[1])
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPredictor(1)
	p.Start()
	p.Stop()
	p.Stop()
}

func TestOnFileAccessed_LastWriterWins(t *testing.T) {
	t.Parallel()

	p, _, s := newTestPredictor(1)
	p.manifest = []string{"a", "b", "x", "y"}
	p.manifestMode = true

	p.OnFileAccessed("a")
	p.OnFileAccessed("x")

	p.accessMu.Lock()
	current := p.lastAccessed
	p.accessMu.Unlock()
	require.Equal(t, "x", current)

	p.predictAndPrefetch(current)
	assert.Equal(t, []string{"y"}, s.submitted())
}
