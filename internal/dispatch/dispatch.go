// Package dispatch runs pipelines on a bounded in-process worker pool so the
// number of concurrent external-worker invocations stays capped.
package dispatch

import (
	"context"
	"log/slog"
)

// RunFunc executes the full pipeline for one job id.
type RunFunc func(ctx context.Context, jobID string)

// RejectFunc is called when the queue is full and a job cannot be accepted.
type RejectFunc func(jobID string)

// Pool fans submitted jobs out to a fixed number of workers over a buffered
// channel. Each job's stages still run strictly in sequence on one worker.
type Pool struct {
	queue    chan string
	workers  int
	run      RunFunc
	onReject RejectFunc
	logger   *slog.Logger
}

// New builds a Pool with queue capacity tied to worker count.
func New(workers int, run RunFunc, onReject RejectFunc, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:    make(chan string, workers*4),
		workers:  workers,
		run:      run,
		onReject: onReject,
		logger:   logger,
	}
}

// Start launches the worker goroutines; they exit when ctx closes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}
}

// Submit queues a job for background processing. When the buffer is full the
// job is rejected instead of blocking the HTTP response; the reject hook
// records the failure so the API reflects reality.
func (p *Pool) Submit(ctx context.Context, jobID string) error {
	select {
	case p.queue <- jobID:
		return nil
	default:
		p.logger.Warn("dispatch queue full, rejecting job", "job_id", jobID)
		if p.onReject != nil {
			p.onReject(jobID)
		}
		return nil
	}
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-p.queue:
			p.run(ctx, jobID)
		}
	}
}
