// Package queue defines the asynq tasks that connect the API to workers in
// queue-mode deployments.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// ProcessJobTask is scheduled each time a narration job is created.
	ProcessJobTask = "job:process"
)

// ProcessPayload identifies the job record the worker should drive through
// the pipeline. The record itself lives in the shared job store.
type ProcessPayload struct {
	JobID string `json:"job_id"`
}

// EnqueueProcess enqueues one pipeline run. MaxRetry is zero on purpose:
// failures are recorded on the job, never replayed by the queue.
func EnqueueProcess(ctx context.Context, client *asynq.Client, jobID string) error {
	data, err := json.Marshal(ProcessPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ProcessJobTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue process task: %w", err)
	}
	return nil
}

// Dispatcher adapts an asynq client to the API's Submitter contract.
type Dispatcher struct {
	client *asynq.Client
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(client *asynq.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// Submit enqueues the pipeline run for the given job.
func (d *Dispatcher) Submit(ctx context.Context, jobID string) error {
	return EnqueueProcess(ctx, d.client, jobID)
}
