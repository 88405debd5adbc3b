package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tastythames/slurm-portal/internal/failure"
	"github.com/tastythames/slurm-portal/internal/orchestrator"
	"github.com/tastythames/slurm-portal/internal/runstore"
)

var (
	ErrQueueFull  = errors.New("run queue is full")
	ErrNotRunning = errors.New("dispatcher is not running")
)

// Runner executes one run. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request, progress orchestrator.ProgressFunc) orchestrator.Result
}

type Options struct {
	Runner    Runner
	Store     runstore.Store
	Workers   int
	QueueSize int
	Log       *zap.Logger
}

// Dispatcher hands runs to a fixed pool of workers.
type Dispatcher struct {
	runner  Runner
	store   runstore.Store
	workers int
	log     *zap.Logger

	jobCh chan task

	// stats (atomic) for observability
	enqueued uint64
	dropped  uint64

	mu      sync.Mutex
	running bool
	base    context.Context
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Store == nil {
		opts.Store = runstore.NewMemStore(0)
	}
	return &Dispatcher{
		runner:  opts.Runner,
		store:   opts.Store,
		workers: opts.Workers,
		log:     opts.Log.Named("dispatch"),
		jobCh:   make(chan task, opts.QueueSize),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the workers. Runs inherit ctx; cancelling it cancels them all.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.base = ctx
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Enqueue registers req and queues it without blocking. The returned channel
// yields the result once and is then closed.
func (d *Dispatcher) Enqueue(req orchestrator.Request) (<-chan orchestrator.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil, ErrNotRunning
	}

	ctx, cancel := context.WithCancel(d.base)
	t := task{req: req, ctx: ctx, done: make(chan orchestrator.Result, 1)}

	// Registered first so a worker never finishes a run the store has not seen.
	d.store.Create(req.ID, req.Credentials.Username)

	// Non-blocking; if jobCh is full, we drop and count it.
	select {
	case d.jobCh <- t:
		atomic.AddUint64(&d.enqueued, 1)
	default:
		cancel()
		d.store.Remove(req.ID)
		n := atomic.AddUint64(&d.dropped, 1)
		d.log.Warn("run rejected, queue full", zap.String("run_id", req.ID), zap.Uint64("dropped", n))
		return nil, ErrQueueFull
	}
	d.cancels[req.ID] = cancel
	return t.done, nil
}

// Cancel stops a queued or running run. It reports whether the run was known.
func (d *Dispatcher) Cancel(runID string) bool {
	d.mu.Lock()
	cancel, ok := d.cancels[runID]
	d.mu.Unlock()
	if ok {
		d.log.Info("run cancel requested", zap.String("run_id", runID))
		cancel()
	}
	return ok
}

// Stop closes the queue and waits for in-flight runs to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.jobCh)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) Stats() (enqueued uint64, dropped uint64) {
	return atomic.LoadUint64(&d.enqueued), atomic.LoadUint64(&d.dropped)
}

func (d *Dispatcher) forget(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.cancels[runID]; ok {
		cancel()
		delete(d.cancels, runID)
	}
}

// canceledResult is recorded for runs cancelled before a worker picked them up.
func canceledResult(req orchestrator.Request, err error) orchestrator.Result {
	return orchestrator.Result{
		RunID:     req.ID,
		Outcome:   orchestrator.OutcomeFailed,
		Reason:    failure.ReasonOf(err),
		Message:   "Job canceled.",
		Artifacts: []string{},
		Err:       err,
	}
}
