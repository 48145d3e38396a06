package fuse

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkyriedata/shardfs"
	"github.com/valkyriedata/shardfs/cache"
)

const testChunkSize = 1024

// workerStub stands in for the pool: it serves Submit synchronously from
// an in-memory object map and admits into the real cache, the way a worker
// would.
type workerStub struct {
	mu      sync.Mutex
	objects map[string][]byte
	cache   *cache.Store
	submits []uint64 // offsets, for miss accounting
}

func (w *workerStub) Submit(key string, offset, length uint64, pri shardfs.Priority) *shardfs.Handle {
	w.mu.Lock()
	w.submits = append(w.submits, offset)
	data, ok := w.objects[key]
	w.mu.Unlock()

	h := shardfs.NewHandle()
	if !ok || offset >= uint64(len(data)) {
		h.Resolve(false)
		return h
	}

	end := min(offset+length, uint64(len(data)))
	zone := shardfs.ZonePrefetch
	if pri == shardfs.PriorityUrgent {
		zone = shardfs.ZoneHot
	}
	w.cache.Insert(key, offset, data[offset:end], zone)
	h.Resolve(true)
	return h
}

// notifierStub records access notifications.
type notifierStub struct {
	mu   sync.Mutex
	keys []string
}

func (n *notifierStub) OnFileAccessed(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys = append(n.keys, key)
}

func newTestFacade(objects map[string][]byte) (*Facade, *workerStub, *notifierStub) {
	c := cache.New(1 << 20)
	w := &workerStub{objects: objects, cache: c}
	n := &notifierStub{}
	return NewFacade(c, w, n, testChunkSize), w, n
}

// pattern returns deterministic but non-repeating content.
func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestReadAt_MissThenHit(t *testing.T) {
	t.Parallel()

	data := pattern(testChunkSize)
	f, w, _ := newTestFacade(map[string][]byte{"f": data})

	buf := make([]byte, 100)
	n, err := f.ReadAt("f", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[:100], buf)
	assert.Len(t, w.submits, 1, "first read misses and submits one urgent task")

	n, err = f.ReadAt("f", buf, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[100:200], buf)
	assert.Len(t, w.submits, 1, "second read of the same chunk is a pure hit")
}

func TestReadAt_SpansChunks(t *testing.T) {
	t.Parallel()

	data := pattern(3 * testChunkSize)
	f, w, _ := newTestFacade(map[string][]byte{"f": data})

	buf := make([]byte, 2*testChunkSize)
	n, err := f.ReadAt("f", buf, testChunkSize/2)
	require.NoError(t, err)
	assert.Equal(t, 2*testChunkSize, n)
	assert.Equal(t, data[testChunkSize/2:testChunkSize/2+2*testChunkSize], buf)
	assert.Equal(t, []uint64{0, testChunkSize, 2 * testChunkSize}, w.submits)
}

func TestReadAt_ShortObjectReturnsEOF(t *testing.T) {
	t.Parallel()

	data := pattern(testChunkSize + 100)
	f, _, _ := newTestFacade(map[string][]byte{"f": data})

	buf := make([]byte, testChunkSize)
	n, err := f.ReadAt("f", buf, testChunkSize)
	require.NoError(t, err)
	assert.Equal(t, 100, n, "read stops at end of object")
	assert.Equal(t, data[testChunkSize:], buf[:n])
}

func TestReadAt_OffsetPastEndOfShortChunk(t *testing.T) {
	t.Parallel()

	data := pattern(50)
	f, _, _ := newTestFacade(map[string][]byte{"f": data})

	// warm the only chunk
	buf := make([]byte, 50)
	_, err := f.ReadAt("f", buf, 0)
	require.NoError(t, err)

	n, err := f.ReadAt("f", buf, 80)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadAt_TransferFailure(t *testing.T) {
	t.Parallel()

	f, _, _ := newTestFacade(map[string][]byte{})

	buf := make([]byte, 10)
	_, err := f.ReadAt("ghost", buf, 0)
	assert.ErrorIs(t, err, ErrIO)
}

func TestReadAt_PromotesToHot(t *testing.T) {
	t.Parallel()

	data := pattern(testChunkSize)
	c := cache.New(1 << 20)
	w := &workerStub{objects: map[string][]byte{"f": data}, cache: c}
	f := NewFacade(c, w, nil, testChunkSize)

	// speculative admission, as if a prefetch landed
	c.Insert("f", 0, data, shardfs.ZonePrefetch)

	buf := make([]byte, 10)
	_, err := f.ReadAt("f", buf, 0)
	require.NoError(t, err)

	zone, ok := c.ZoneOf("f")
	require.True(t, ok)
	assert.Equal(t, shardfs.ZoneHot, zone, "a real read promotes the prefetched file")
}

func TestOpen_RegistersDefaultSizeAndNotifies(t *testing.T) {
	t.Parallel()

	f, _, n := newTestFacade(map[string][]byte{})

	f.Open("fresh-key")

	size, ok := f.SizeOf("fresh-key")
	require.True(t, ok)
	assert.Equal(t, uint64(DefaultFileSize), size)
	assert.Equal(t, []string{"fresh-key"}, n.keys)
}

func TestOpen_KeepsListedSize(t *testing.T) {
	t.Parallel()

	f, _, _ := newTestFacade(map[string][]byte{})
	f.RegisterKey("shard_001.bin", 12345)

	f.Open("shard_001.bin")

	size, ok := f.SizeOf("shard_001.bin")
	require.True(t, ok)
	assert.Equal(t, uint64(12345), size, "a listed size is not clobbered by open")
}

func TestKeys_ReflectsRegistrations(t *testing.T) {
	t.Parallel()

	f, _, _ := newTestFacade(map[string][]byte{})
	assert.Empty(t, f.Keys())

	f.RegisterKey("a", 1)
	f.RegisterKey("b", 2)
	assert.ElementsMatch(t, []string{"a", "b"}, f.Keys())
}

func TestReadAt_ExactChunkBoundary(t *testing.T) {
	t.Parallel()

	data := pattern(2 * testChunkSize)
	f, _, _ := newTestFacade(map[string][]byte{"f": data})

	buf := make([]byte, testChunkSize)
	n, err := f.ReadAt("f", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, testChunkSize, n)
	assert.True(t, bytes.Equal(data[:testChunkSize], buf))
}
