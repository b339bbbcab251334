// Package worker plugs the pipeline into the asynq worker loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/huiseok06/clipvoice/internal/pipeline"
	"github.com/huiseok06/clipvoice/internal/queue"
)

// Processor handles queued pipeline runs.
type Processor struct {
	orc    *pipeline.Orchestrator
	logger *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(orc *pipeline.Orchestrator, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{orc: orc, logger: logger}
}

// Handler registers the process job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ProcessJobTask, p.handleProcess)
	return mux
}

func (p *Processor) handleProcess(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	// Pipeline failures land on the job record; returning nil keeps asynq
	// from replaying what is a business failure, not a delivery failure.
	if err := p.orc.Run(ctx, payload.JobID); err != nil {
		p.logger.Error("pipeline run failed", "job_id", payload.JobID, "err", err)
	}
	return nil
}
