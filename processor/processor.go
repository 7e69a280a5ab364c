package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/teamfinder/statcache/config"
	"github.com/teamfinder/statcache/logger"
	"github.com/teamfinder/statcache/resilience"
)

var (
	// ErrQueueFull is returned synchronously when the bounded queue is at
	// capacity. The caller applies its own fallback; nothing blocks.
	ErrQueueFull = errors.New("processor: queue is full")

	// ErrNotRunning is returned when enqueueing before Start or after Stop.
	ErrNotRunning = errors.New("processor: not running")

	// ErrShutdown resolves every handle whose task was cancelled by a
	// forced shutdown.
	ErrShutdown = errors.New("processor: shut down before task completed")
)

// highWaterMark is the queue occupancy fraction above which the processor
// reports unhealthy.
const highWaterMark = 0.8

// Processor runs background tasks from a bounded priority queue on a fixed
// worker pool, with per-task timeouts, capped exponential retry, and a
// dead-letter ring for tasks that exhaust their budget.
type Processor struct {
	cfg       config.ProcessorConfig
	backoff   resilience.BackoffConfig
	retryable func(error) bool
	log       logger.Logger

	queue *queue
	sem   *semaphore.Weighted
	dead  *deadLetter

	running   atomic.Bool
	stopCh    chan struct{}
	workerCtx context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	workersAlive atomic.Int32
	inFlight     atomic.Int32

	mu          sync.Mutex
	processed   int
	failed      int
	retried     int
	totalMs     float64
	startedOnce sync.Once
}

// New constructs a Processor. retryable decides whether a task error is
// worth re-enqueueing; nil retries everything except permanent shutdown. The
// processor is inert until Start.
func New(cfg config.ProcessorConfig, backoff resilience.BackoffConfig, retryable func(error) bool, log logger.Logger) *Processor {
	return &Processor{
		cfg:       cfg,
		backoff:   backoff,
		retryable: retryable,
		log:       log.WithPrefix("processor"),
		queue:     newQueue(cfg.QueueSize),
		sem:       semaphore.NewWeighted(int64(cfg.SemaphoreLimit)),
		dead:      newDeadLetter(100),
	}
}

// Start launches the worker pool. Calling Start twice is a no-op.
func (p *Processor) Start(ctx context.Context) {
	p.startedOnce.Do(func() {
		p.workerCtx, p.cancel = context.WithCancel(ctx)
		p.stopCh = make(chan struct{})
		p.running.Store(true)
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.workerLoop(fmt.Sprintf("worker-%d", i))
		}
		p.log.Info("started with %d workers, queue capacity %d", p.cfg.Workers, p.cfg.QueueSize)
	})
}

// Enqueue submits a unit of work at the given priority and returns its
// future. Capacity and lifecycle violations surface synchronously.
func (p *Processor) Enqueue(unit Unit, priority Priority) (*Handle, error) {
	if !p.running.Load() {
		return nil, ErrNotRunning
	}
	t := newTask(unit, priority)
	if err := p.queue.push(t); err != nil {
		return nil, err
	}
	p.log.Trace("enqueued task %s at %s", t.id, priority)
	return t.handle, nil
}

// Stop halts intake, attempts a graceful drain bounded by the configured
// drain timeout, then cancels whatever remains. Every outstanding handle
// resolves: drained tasks with their outcome, cancelled ones with
// ErrShutdown.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.log.Info("stopping, draining %d queued tasks", p.queue.len())

	drainCtx, cancel := context.WithTimeout(ctx, p.cfg.DrainTimeout)
	defer cancel()
	drained := p.waitIdle(drainCtx)
	if !drained {
		p.log.Warn("drain timed out with %d tasks queued, cancelling", p.queue.len())
	}

	// Stop workers. On a clean drain they exit with nothing in hand; on a
	// failed drain the context cancellation aborts in-flight units.
	close(p.stopCh)
	p.cancel()
	p.wg.Wait()

	for _, t := range p.queue.drain() {
		t.handle.resolve(nil, ErrShutdown)
	}
	p.log.Info("stopped")
	if !drained {
		return fmt.Errorf("processor: drain timed out after %s", p.cfg.DrainTimeout)
	}
	return nil
}

// waitIdle blocks until the queue is empty and no task is executing, or ctx
// expires.
func (p *Processor) waitIdle(ctx context.Context) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.queue.len() == 0 && p.inFlight.Load() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (p *Processor) workerLoop(name string) {
	defer p.wg.Done()
	p.workersAlive.Add(1)
	defer p.workersAlive.Add(-1)
	p.log.Debug("%s started", name)

	for {
		select {
		case <-p.stopCh:
			p.log.Debug("%s stopped", name)
			return
		case <-p.queue.notify:
			t := p.queue.pop()
			if t == nil {
				continue
			}
			p.execute(t, name)
		}
	}
}

func (p *Processor) execute(t *task, worker string) {
	if err := p.sem.Acquire(p.workerCtx, 1); err != nil {
		t.handle.resolve(nil, ErrShutdown)
		return
	}
	defer p.sem.Release(1)

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	start := time.Now()
	tctx, cancel := context.WithTimeout(p.workerCtx, p.cfg.TaskTimeout)
	result, err := t.unit(tctx)
	timedOut := tctx.Err() == context.DeadlineExceeded
	cancel()

	if err == nil {
		t.handle.resolve(result, nil)
		p.mu.Lock()
		p.processed++
		p.totalMs += float64(time.Since(start).Microseconds()) / 1000.0
		p.mu.Unlock()
		p.log.Trace("task %s completed by %s in %s", t.id, worker, time.Since(start))
		return
	}

	if p.workerCtx.Err() != nil {
		// Forced shutdown interrupted the unit.
		t.handle.resolve(nil, ErrShutdown)
		return
	}

	p.handleFailure(t, err, timedOut)
}

func (p *Processor) handleFailure(t *task, err error, timedOut bool) {
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()

	// A per-task timeout is always transient; everything else defers to
	// the retryability predicate.
	retryable := timedOut
	if !retryable {
		retryable = p.retryable == nil || p.retryable(err)
	}
	if !retryable {
		p.toDeadLetter(t, fmt.Sprintf("permanent failure: %v", err))
		t.handle.resolve(nil, err)
		return
	}

	t.retryCount++
	if t.retryCount > p.cfg.MaxRetries {
		p.toDeadLetter(t, fmt.Sprintf("max retries exceeded: %v", err))
		t.handle.resolve(nil, fmt.Errorf("processor: task failed after %d retries: %w", p.cfg.MaxRetries, err))
		return
	}

	delay := p.backoff.Delay(t.retryCount)
	p.log.Warn("task %s failed (%v), retry %d/%d in %s", t.id, err, t.retryCount, p.cfg.MaxRetries, delay)

	select {
	case <-p.stopCh:
		t.handle.resolve(nil, ErrShutdown)
		return
	case <-time.After(delay):
	}

	if pushErr := p.queue.push(t); pushErr != nil {
		p.toDeadLetter(t, "queue full during retry")
		t.handle.resolve(nil, fmt.Errorf("processor: retry rejected: %w", err))
		return
	}

	// Only a re-enqueue that actually landed counts as a retry.
	p.mu.Lock()
	p.retried++
	p.mu.Unlock()
}

func (p *Processor) toDeadLetter(t *task, reason string) {
	p.dead.add(DeadLetterEntry{
		TaskID:     t.id,
		Priority:   t.priority,
		RetryCount: t.retryCount,
		Reason:     reason,
		FailedAt:   time.Now(),
	})
	p.log.Error("task %s dead-lettered: %s", t.id, reason)
}

// DeadLetters returns a snapshot of the dead-letter ring, oldest first.
func (p *Processor) DeadLetters() []DeadLetterEntry {
	return p.dead.list()
}

// Healthy reports whether the pool can make progress: running, workers
// alive, and queue occupancy under the high-water mark.
func (p *Processor) Healthy() bool {
	if !p.running.Load() {
		return false
	}
	if p.workersAlive.Load() == 0 {
		return false
	}
	return float64(p.queue.len()) <= float64(p.cfg.QueueSize)*highWaterMark
}

// Stats is a point-in-time view of processor throughput.
type Stats struct {
	Processed       int
	Failed          int
	Retried         int
	QueueDepth      int
	QueueCapacity   int
	InFlight        int
	WorkersAlive    int
	DeadLetterSize  int
	AvgProcessingMs float64
	Running         bool
}

// Stats returns current counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	processed, failed, retried, totalMs := p.processed, p.failed, p.retried, p.totalMs
	p.mu.Unlock()

	s := Stats{
		Processed:      processed,
		Failed:         failed,
		Retried:        retried,
		QueueDepth:     p.queue.len(),
		QueueCapacity:  p.cfg.QueueSize,
		InFlight:       int(p.inFlight.Load()),
		WorkersAlive:   int(p.workersAlive.Load()),
		DeadLetterSize: p.dead.size(),
		Running:        p.running.Load(),
	}
	if processed > 0 {
		s.AvgProcessingMs = totalMs / float64(processed)
	}
	return s
}
