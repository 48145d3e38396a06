// Package worker implements the fixed pool of transfer workers that drains
// the priority queue, performs ranged reads from the remote store, and
// admits the results into the cache.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valkyriedata/shardfs"
	"github.com/valkyriedata/shardfs/cache"
	"github.com/valkyriedata/shardfs/config"
	"github.com/valkyriedata/shardfs/internal/util"
	"github.com/valkyriedata/shardfs/queue"
)

// Task is one byte-range transfer. Created by Submit, owned by the queue
// until a worker consumes it; its handle resolves exactly once.
type Task struct {
	ID       string
	Key      string
	Offset   uint64
	Length   uint64
	Priority shardfs.Priority
	handle   *shardfs.Handle
}

// Stats is a snapshot of the pool's monotone transfer counters.
type Stats struct {
	Total           uint64
	Successful      uint64
	Failed          uint64
	BytesDownloaded uint64
}

// Pool is a fixed-size set of workers sharing one priority queue.
type Pool struct {
	store   shardfs.ObjectStore
	cache   *cache.Store
	tasks   *queue.Queue[*Task]
	workers int

	urgentTimeout   time.Duration
	prefetchTimeout time.Duration
	urgentRetries   int

	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	bytes      atomic.Uint64

	wg       sync.WaitGroup
	shutdown atomic.Bool
	logger   util.Logger
}

// Options tunes pool deadlines and retry budgets. Zero values take the
// defaults from the transfer contract (5s/3 retries urgent, 3s/fail-fast
// otherwise).
type Options struct {
	UrgentTimeout   time.Duration
	PrefetchTimeout time.Duration
	UrgentRetries   int
}

// NewPool creates a pool of `workers` goroutines reading from store and
// admitting into c. Call Start to spawn them.
func NewPool(store shardfs.ObjectStore, c *cache.Store, workers int, opts *Options) *Pool {
	p := &Pool{
		store:           store,
		cache:           c,
		tasks:           queue.New[*Task](),
		workers:         workers,
		urgentTimeout:   config.UrgentTimeoutMs * time.Millisecond,
		prefetchTimeout: config.PrefetchTimeoutMs * time.Millisecond,
		urgentRetries:   config.UrgentMaxRetries,
		logger:          util.GetLogger("WorkerPool"),
	}
	if opts != nil {
		if opts.UrgentTimeout > 0 {
			p.urgentTimeout = opts.UrgentTimeout
		}
		if opts.PrefetchTimeout > 0 {
			p.prefetchTimeout = opts.PrefetchTimeout
		}
		if opts.UrgentRetries > 0 {
			p.urgentRetries = opts.UrgentRetries
		}
	}
	return p
}

// Start spawns the workers.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.logger.Info().Int("workers", p.workers).Msg("Worker pool started")
}

// Submit enqueues a transfer of [offset, offset+length-1] for key and
// returns its completion handle. After Shutdown the task is rejected and
// the returned handle is already resolved to failure.
func (p *Pool) Submit(key string, offset, length uint64, pri shardfs.Priority) *shardfs.Handle {
	task := &Task{
		ID:       uuid.NewString(),
		Key:      key,
		Offset:   offset,
		Length:   length,
		Priority: pri,
		handle:   shardfs.NewHandle(),
	}

	if p.shutdown.Load() || !p.tasks.Push(task, pri) {
		return shardfs.FailedHandle()
	}

	p.logger.Trace().
		Str("task", task.ID).
		Str("key", key).
		Uint64("offset", offset).
		Stringer("priority", pri).
		Msg("Task submitted")
	return task.handle
}

// Shutdown closes the queue and joins all workers. Idempotent. Tasks
// already in flight run to completion and resolve their handles.
func (p *Pool) Shutdown() {
	if p.shutdown.Swap(true) {
		return
	}
	p.tasks.Shutdown()
	p.wg.Wait()
	p.logger.Info().Msg("All workers stopped")
}

// Stats returns a snapshot of the transfer counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Total:           p.total.Load(),
		Successful:      p.successful.Load(),
		Failed:          p.failed.Load(),
		BytesDownloaded: p.bytes.Load(),
	}
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()

	for {
		task, ok := p.tasks.Pop()
		if !ok {
			return
		}
		task.handle.Resolve(p.download(id, task))
	}
}

// download performs the ranged read, with the retry budget and deadline of
// the task's priority, and admits the result into the cache.
func (p *Pool) download(workerID int, task *Task) bool {
	p.total.Add(1)

	timeout := p.prefetchTimeout
	attempts := 1 + config.PrefetchMaxRetries
	if task.Priority == shardfs.PriorityUrgent {
		timeout = p.urgentTimeout
		attempts = 1 + p.urgentRetries
	}

	var payload []byte
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// brief backoff before re-dialing the store
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		payload, err = p.store.GetRange(ctx, task.Key, task.Offset, task.Length)
		cancel()

		if err == nil || !shardfs.IsTransient(err) {
			break
		}
		p.logger.Debug().
			Str("task", task.ID).
			Str("key", task.Key).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Transient transfer failure")
	}

	if err != nil {
		if task.Priority == shardfs.PriorityUrgent {
			p.logger.Error().
				Int("worker", workerID).
				Str("key", task.Key).
				Uint64("offset", task.Offset).
				Err(err).
				Msg("Transfer failed")
		}
		p.failed.Add(1)
		return false
	}

	if len(payload) == 0 {
		p.logger.Warn().Str("key", task.Key).Msg("Transfer returned no bytes")
		p.failed.Add(1)
		return false
	}

	// A short payload at end of object is still a success; it is admitted
	// at its real size.
	zone := shardfs.ZonePrefetch
	if task.Priority == shardfs.PriorityUrgent {
		zone = shardfs.ZoneHot
	}
	p.cache.Insert(task.Key, task.Offset, payload, zone)

	p.successful.Add(1)
	p.bytes.Add(uint64(len(payload)))
	return true
}
