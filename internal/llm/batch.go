package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// batchCostScale is the provider discount for deferred batch execution.
const batchCostScale = 0.5

// defaultBatchMaxJobs flushes a batch early once it grows this large.
const defaultBatchMaxJobs = 20

type batchJob struct {
	ctx         context.Context
	task        Task
	system      string
	prompt      string
	requireJSON bool

	res  *CallResult
	err  error
	done chan struct{}
}

// Batcher collects calls for batch-enabled tasks and executes them together
// when the window closes or the batch fills. Callers block until their job
// runs; the trade is latency for half-price tokens.
type Batcher struct {
	router *Router
	window time.Duration
	max    int
	logger *slog.Logger

	mu      sync.Mutex
	pending []*batchJob
	timer   *time.Timer
}

func newBatcher(router *Router, window time.Duration, logger *slog.Logger) *Batcher {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Batcher{
		router: router,
		window: window,
		max:    defaultBatchMaxJobs,
		logger: logger.With("component", "llm-batch"),
	}
}

func (b *Batcher) submit(ctx context.Context, task Task, system, prompt string, requireJSON bool) (*CallResult, error) {
	job := &batchJob{
		ctx:         ctx,
		task:        task,
		system:      system,
		prompt:      prompt,
		requireJSON: requireJSON,
		done:        make(chan struct{}),
	}

	b.mu.Lock()
	b.pending = append(b.pending, job)
	if len(b.pending) >= b.max {
		jobs := b.take()
		b.mu.Unlock()
		go b.run(jobs)
	} else {
		if b.timer == nil {
			b.timer = time.AfterFunc(b.window, b.flush)
		}
		b.mu.Unlock()
	}

	select {
	case <-job.done:
		return job.res, job.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Batcher) flush() {
	b.mu.Lock()
	jobs := b.take()
	b.mu.Unlock()
	b.run(jobs)
}

// take drains the queue and resets the window timer. Callers hold b.mu.
func (b *Batcher) take() []*batchJob {
	jobs := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return jobs
}

func (b *Batcher) run(jobs []*batchJob) {
	if len(jobs) == 0 {
		return
	}
	b.logger.Info("executing llm batch", "jobs", len(jobs), "window", b.window)
	for _, job := range jobs {
		job.res, job.err = b.router.call(job.ctx, job.task, job.system, job.prompt, job.requireJSON, batchCostScale)
		close(job.done)
	}
}
