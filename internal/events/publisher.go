// Package events publishes job lifecycle transitions over NATS so operators
// can observe pipelines without polling the HTTP API.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/huiseok06/clipvoice/internal/model"
)

// Lifecycle is emitted on every stage transition.
type Lifecycle struct {
	JobID            string          `json:"jobId"`
	Status           model.JobStatus `json:"status"`
	Progress         int             `json:"progress"`
	DownloadStrategy string          `json:"downloadStrategy,omitempty"`
	Error            string          `json:"error,omitempty"`
	HappenedAt       int64           `json:"happenedAt"`
}

// Publisher wraps a NATS connection. A nil Publisher is valid and drops
// every event, so callers never have to branch on configuration.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// Connect dials NATS with the reconnect posture used across our services.
func Connect(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{nc: nc, subject: subject}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	_ = p.nc.Drain()
}

// Publish emits one lifecycle event. Publish failures are returned but the
// pipeline treats them as advisory.
func (p *Publisher) Publish(event Lifecycle) error {
	if p == nil || p.nc == nil {
		return nil
	}
	if event.HappenedAt == 0 {
		event.HappenedAt = time.Now().Unix()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.nc.Publish(p.subject+".lifecycle", data)
}
