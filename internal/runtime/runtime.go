package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pingsantohq/whistle/internal/events"
	"github.com/pingsantohq/whistle/internal/metrics"
	"github.com/pingsantohq/whistle/internal/probe"
	"github.com/pingsantohq/whistle/internal/worker"
)

// ErrStopped is returned for submissions after the runtime has shut down.
var ErrStopped = errors.New("probe runtime stopped")

type Option func(*config)

type config struct {
	jobBuffer    int
	workerOpts   []worker.PoolOption
	metricsStore *metrics.Store
	recorders    []events.Recorder
	newID        func() string
}

func WithJobBuffer(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.jobBuffer = size
		}
	}
}

func WithWorkerOptions(opts ...worker.PoolOption) Option {
	return func(c *config) {
		c.workerOpts = append(c.workerOpts, opts...)
	}
}

func WithMetricsStore(store *metrics.Store) Option {
	return func(c *config) {
		c.metricsStore = store
	}
}

// WithRecorder adds a recorder that sees events from every probe.
func WithRecorder(rec events.Recorder) Option {
	return func(c *config) {
		if rec != nil {
			c.recorders = append(c.recorders, rec)
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(c *config) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// Runtime hands admitted probes to a bounded pool of workers and waits for
// their outcome, so callers never perform socket I/O on their own goroutine.
type Runtime struct {
	jobs    chan worker.Job
	pool    *worker.Pool
	metrics *metrics.Store
	newID   func() string

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(opts ...Option) *Runtime {
	cfg := config{
		jobBuffer: 64,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	recorders := append([]events.Recorder(nil), cfg.recorders...)
	if cfg.metricsStore != nil {
		recorders = append(recorders, cfg.metricsStore)
	}
	workerOpts := append([]worker.PoolOption{worker.WithRecorder(events.NewMulti(recorders...))}, cfg.workerOpts...)

	jobs := make(chan worker.Job, cfg.jobBuffer)
	return &Runtime{
		jobs:    jobs,
		pool:    worker.NewPool(jobs, workerOpts...),
		metrics: cfg.metricsStore,
		newID:   cfg.newID,
		stopped: make(chan struct{}),
	}
}

// Start launches the workers. The returned function blocks until they exit,
// which happens once ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) func() {
	workerWG := r.pool.Start(ctx)
	var watchWG sync.WaitGroup
	watchWG.Add(1)
	go func() {
		defer watchWG.Done()
		<-ctx.Done()
		r.stopOnce.Do(func() { close(r.stopped) })
	}()

	return func() {
		workerWG.Wait()
		watchWG.Wait()
	}
}

// Submit queues p and waits for its outcome. rec, when non-nil, receives the
// events of this probe only.
func (r *Runtime) Submit(ctx context.Context, p probe.Probe, rec events.Recorder) (string, probe.Result, error) {
	id := r.newID()
	reply := make(chan worker.Outcome, 1)
	job := worker.Job{
		ID:         id,
		Context:    ctx,
		Probe:      p,
		Recorder:   rec,
		EnqueuedAt: time.Now().UTC(),
		Reply:      reply,
	}

	select {
	case r.jobs <- job:
	case <-ctx.Done():
		return id, probe.Result{}, &probe.Error{Kind: probe.KindTask, Op: "submit", Err: ctx.Err()}
	case <-r.stopped:
		return id, probe.Result{}, &probe.Error{Kind: probe.KindTask, Op: "submit", Err: ErrStopped}
	}

	select {
	case out := <-reply:
		return id, out.Result, out.Err
	case <-ctx.Done():
		return id, probe.Result{}, &probe.Error{Kind: probe.KindTask, Op: "wait", Err: ctx.Err()}
	case <-r.stopped:
		// A worker may still be finishing; prefer its answer if it is ready.
		select {
		case out := <-reply:
			return id, out.Result, out.Err
		default:
		}
		return id, probe.Result{}, &probe.Error{Kind: probe.KindTask, Op: "wait", Err: ErrStopped}
	}
}

// Running reports whether the runtime still accepts submissions.
func (r *Runtime) Running() bool {
	select {
	case <-r.stopped:
		return false
	default:
		return true
	}
}

func (r *Runtime) MetricsStore() *metrics.Store {
	return r.metrics
}

func (r *Runtime) Workers() int {
	return r.pool.WorkerCount()
}
