// Package runner launches external worker processes and resolves their
// results from persisted artifact descriptors.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrNotReady is returned when an expected artifact never materialized
// within the retry budget.
var ErrNotReady = errors.New("artifact not ready")

// Invocation describes one external worker launch.
type Invocation struct {
	Name    string // label used in diagnostics, e.g. "analyzer"
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
}

// Line is one caption segment produced by the analyzer.
type Line struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Descriptor is the result file an external worker writes into the job's
// output directory. Workers either report success payload fields or
// status "error" with a message and optional trace.
type Descriptor struct {
	Status      string  `json:"status,omitempty"`
	Message     string  `json:"message,omitempty"`
	Trace       string  `json:"trace,omitempty"`
	Lines       []Line  `json:"lines,omitempty"`
	Script      string  `json:"script,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	TTSPath     string  `json:"tts_path,omitempty"`
}

// Result carries the parsed descriptor plus the truncated diagnostic output.
type Result struct {
	Descriptor *Descriptor
	Output     string
}

// Invoker is what the pipeline depends on; tests substitute a double.
type Invoker interface {
	// Run launches a worker that signals success purely via exit code.
	Run(ctx context.Context, inv Invocation) (string, error)
	// RunWithArtifact launches a worker expected to write a descriptor
	// file, and resolves from the artifact in preference to stdout.
	RunWithArtifact(ctx context.Context, inv Invocation, artifactPath string) (*Result, error)
}

// Runner executes invocations with bounded diagnostic capture and a bounded
// fixed-delay wait for the result artifact.
type Runner struct {
	OutputBudget     int           // max bytes of combined output kept for diagnostics
	ArtifactAttempts int           // how many times to look for the artifact
	ArtifactDelay    time.Duration // delay between artifact reads
	Logger           *slog.Logger
}

// New applies defaults for zero-valued fields.
func New(outputBudget, artifactAttempts int, artifactDelay time.Duration, logger *slog.Logger) *Runner {
	if outputBudget <= 0 {
		outputBudget = 16 << 10
	}
	if artifactAttempts <= 0 {
		artifactAttempts = 5
	}
	if artifactDelay <= 0 {
		artifactDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		OutputBudget:     outputBudget,
		ArtifactAttempts: artifactAttempts,
		ArtifactDelay:    artifactDelay,
		Logger:           logger,
	}
}

// Run executes the invocation and returns the truncated combined output.
func (r *Runner) Run(ctx context.Context, inv Invocation) (string, error) {
	output, err := r.execute(ctx, inv)
	if err != nil {
		return output, fmt.Errorf("%s failed: %w; output: %s", inv.Name, err, output)
	}
	return output, nil
}

// RunWithArtifact executes the invocation, then resolves the result from the
// descriptor file the worker is expected to write. The persisted artifact is
// authoritative; captured stdout is only a fallback because the two can race
// or the channel can be empty.
func (r *Runner) RunWithArtifact(ctx context.Context, inv Invocation, artifactPath string) (*Result, error) {
	output, runErr := r.execute(ctx, inv)

	desc, artErr := r.awaitDescriptor(ctx, artifactPath)
	if artErr != nil {
		if fallback, ok := descriptorFromOutput(output); ok {
			r.Logger.Warn("artifact missing, resolved from captured output", "worker", inv.Name, "artifact", artifactPath)
			desc = fallback
		} else if runErr != nil {
			return nil, fmt.Errorf("%s failed: %w; output: %s", inv.Name, runErr, output)
		} else {
			return nil, fmt.Errorf("%s wrote no result descriptor: %w; output: %s", inv.Name, artErr, output)
		}
	}
	if desc.Status == "error" {
		msg := desc.Message
		if msg == "" {
			msg = "worker reported an error"
		}
		if desc.Trace != "" {
			msg = msg + "; trace: " + truncate(desc.Trace, 512)
		}
		return nil, fmt.Errorf("%s: %s; output: %s", inv.Name, msg, output)
	}
	return &Result{Descriptor: desc, Output: output}, nil
}

func (r *Runner) execute(ctx context.Context, inv Invocation) (string, error) {
	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...)
	cmd.Dir = inv.Dir
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	buf := newBoundedBuffer(r.OutputBudget)
	cmd.Stdout = buf
	cmd.Stderr = buf
	start := time.Now()
	err := cmd.Run()
	r.Logger.Info("worker finished", "worker", inv.Name, "command", inv.Command, "elapsed", time.Since(start).Round(time.Millisecond), "err", err)
	return buf.String(), err
}

// awaitDescriptor polls for the artifact with a fixed delay. The budget is
// strict: exhausting it surfaces ErrNotReady instead of hanging.
func (r *Runner) awaitDescriptor(ctx context.Context, path string) (*Descriptor, error) {
	var lastErr error
	for attempt := 1; attempt <= r.ArtifactAttempts; attempt++ {
		desc, err := readDescriptor(path)
		if err == nil {
			return desc, nil
		}
		lastErr = err
		if attempt == r.ArtifactAttempts {
			break
		}
		select {
		case <-time.After(r.ArtifactDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrNotReady, r.ArtifactAttempts, lastErr)
}

func readDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		// The worker may still be mid-write; treat as not ready.
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	return &desc, nil
}

// descriptorFromOutput tries the last non-empty output line as JSON, since
// workers echo the descriptor to stdout as well as persisting it.
func descriptorFromOutput(output string) (*Descriptor, bool) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var desc Descriptor
		if err := json.Unmarshal([]byte(line), &desc); err == nil {
			return &desc, true
		}
	}
	return nil, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
