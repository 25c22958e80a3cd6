package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/pingsantohq/whistle/internal/events"
	"github.com/pingsantohq/whistle/internal/probe"
)

// RunFunc executes one admitted probe.
type RunFunc func(ctx context.Context, p probe.Probe, opts ...probe.Option) (probe.Result, error)

type Pool struct {
	jobs        <-chan Job
	workerCount int
	run         RunFunc
	recorder    events.Recorder
}

type PoolOption func(*Pool)

func WithWorkerCount(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workerCount = n
		}
	}
}

func WithRunFunc(fn RunFunc) PoolOption {
	return func(p *Pool) {
		if fn != nil {
			p.run = fn
		}
	}
}

// WithRecorder receives events for every job in addition to the job's own recorder.
func WithRecorder(rec events.Recorder) PoolOption {
	return func(p *Pool) {
		if rec != nil {
			p.recorder = rec
		}
	}
}

func NewPool(jobs <-chan Job, opts ...PoolOption) *Pool {
	p := &Pool{
		jobs:        jobs,
		workerCount: runtime.NumCPU(),
		run:         probe.Run,
		recorder:    events.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

func (p *Pool) WorkerCount() int {
	return p.workerCount
}

func (p *Pool) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx)
		}()
	}
	return &wg
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.handleJob(ctx, job)
		}
	}
}

func (p *Pool) handleJob(ctx context.Context, job Job) {
	jobCtx := job.Context
	if jobCtx == nil {
		jobCtx = ctx
	}
	out := p.execute(jobCtx, job)
	if job.Reply != nil {
		select {
		case job.Reply <- out:
		default:
		}
	}
}

func (p *Pool) execute(ctx context.Context, job Job) (out Outcome) {
	out.ID = job.ID
	defer func() {
		if r := recover(); r != nil {
			out.Result = probe.Result{}
			out.Err = &probe.Error{Kind: probe.KindTask, Op: "worker", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if job.Probe == nil {
		out.Err = &probe.Error{Kind: probe.KindTask, Op: "worker", Err: fmt.Errorf("job %s has no probe", job.ID)}
		return out
	}
	out.Result, out.Err = p.run(ctx, job.Probe,
		probe.WithProbeID(job.ID),
		probe.WithRecorder(events.NewMulti(p.recorder, job.Recorder)),
	)
	return out
}
