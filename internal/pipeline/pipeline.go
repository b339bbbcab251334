// Package pipeline drives a job through its lifecycle:
// queued -> downloading -> analyzing -> tts -> done/failed.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/huiseok06/clipvoice/internal/config"
	"github.com/huiseok06/clipvoice/internal/events"
	"github.com/huiseok06/clipvoice/internal/jobstore"
	"github.com/huiseok06/clipvoice/internal/model"
	"github.com/huiseok06/clipvoice/internal/runner"
)

// Stage progress checkpoints. Advisory only; status is authoritative.
const (
	progressDownloading = 15
	progressAnalyzing   = 55
	progressTTS         = 85
	progressDone        = 100
)

// Recorder mirrors terminal transitions into an external index (the pgx
// repository in queue deployments). Failures are advisory.
type Recorder interface {
	RecordStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error
}

// Mirror copies finished artifacts into remote object storage and returns
// the object keys to merge into the job record.
type Mirror interface {
	MirrorArtifacts(ctx context.Context, jobID string, files map[string]string) (map[string]string, error)
}

// Orchestrator owns every mutation of a job after creation. Each job's
// stages execute strictly in sequence; concurrency happens across jobs.
type Orchestrator struct {
	store  jobstore.Store
	invoke runner.Invoker
	cfg    *config.Config
	logger *slog.Logger

	events *events.Publisher
	mirror Mirror
	index  Recorder
}

// New constructs an Orchestrator.
func New(store jobstore.Store, invoke runner.Invoker, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: store, invoke: invoke, cfg: cfg, logger: logger}
}

// SetEvents wires the optional lifecycle publisher.
func (o *Orchestrator) SetEvents(p *events.Publisher) { o.events = p }

// SetMirror wires the optional artifact mirror.
func (o *Orchestrator) SetMirror(m Mirror) { o.mirror = m }

// SetIndex wires the optional external status recorder.
func (o *Orchestrator) SetIndex(r Recorder) { o.index = r }

// Run executes the full pipeline for one job. Stage-local failures are
// recorded on the job and returned; they must never crash the process, so
// panics inside the pipeline are recovered into a failed record too.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (err error) {
	logger := o.logger.With("job_id", jobID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked", "panic", r)
			o.fail(ctx, jobID, fmt.Sprintf("internal error: %v", r))
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	job, err := o.store.Read(jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		logger.Warn("job already terminal, skipping", "status", job.Status)
		return nil
	}

	dir := o.workDir(jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		o.fail(ctx, jobID, "prepare working directory: "+err.Error())
		return err
	}

	videoPath := job.Files[model.FileVideo]
	if job.SourceKind == model.SourceURL {
		o.transition(ctx, jobID, model.StatusDownloading, progressDownloading, nil)
		path, strategy, derr := o.download(ctx, job, dir)
		if derr != nil {
			o.fail(ctx, jobID, derr.Error())
			return derr
		}
		videoPath = path
		o.patch(ctx, jobID, model.Patch{
			Files:            map[string]string{model.FileVideo: path},
			DownloadStrategy: &strategy,
		})
		logger.Info("download complete", "strategy", strategy)
	}
	if videoPath == "" {
		err := fmt.Errorf("job has no input video")
		o.fail(ctx, jobID, err.Error())
		return err
	}

	o.transition(ctx, jobID, model.StatusAnalyzing, progressAnalyzing, nil)
	desc, aerr := o.analyze(ctx, job, dir, videoPath)
	if aerr != nil {
		o.fail(ctx, jobID, aerr.Error())
		return aerr
	}
	captionsPath, scriptPath, werr := writeAnalysis(dir, desc)
	if werr != nil {
		o.fail(ctx, jobID, werr.Error())
		return werr
	}
	o.patch(ctx, jobID, model.Patch{Files: map[string]string{
		model.FileCaptions: captionsPath,
		model.FileScript:   scriptPath,
	}})

	o.transition(ctx, jobID, model.StatusTTS, progressTTS, nil)
	ttsPath := desc.TTSPath
	if ttsPath == "" {
		err := fmt.Errorf("analyzer produced no narration audio")
		o.fail(ctx, jobID, err.Error())
		return err
	}
	if !filepath.IsAbs(ttsPath) {
		ttsPath = filepath.Join(dir, ttsPath)
	}
	mergedPath, merr := o.mux(ctx, dir, videoPath, ttsPath)
	if merr != nil {
		o.fail(ctx, jobID, merr.Error())
		return merr
	}
	o.patch(ctx, jobID, model.Patch{Files: map[string]string{
		model.FileTTS:    ttsPath,
		model.FileMerged: mergedPath,
	}})

	if o.mirror != nil {
		keys, mirErr := o.mirror.MirrorArtifacts(ctx, jobID, map[string]string{
			model.FileTTS:    ttsPath,
			model.FileMerged: mergedPath,
		})
		if mirErr != nil {
			logger.Warn("artifact mirror failed", "err", mirErr)
		} else if len(keys) > 0 {
			o.patch(ctx, jobID, model.Patch{Files: keys})
		}
	}

	o.transition(ctx, jobID, model.StatusDone, progressDone, nil)
	logger.Info("pipeline complete")
	return nil
}

func (o *Orchestrator) workDir(jobID string) string {
	return filepath.Join(o.cfg.StorageRoot, "jobs", jobID)
}

// download fetches the source video, trying the primary strategy first and
// recording which one satisfied the request.
func (o *Orchestrator) download(ctx context.Context, job *model.Job, dir string) (string, string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	out := filepath.Join(dir, "source.mp4")
	primary := o.cfg.Downloader
	_, err := o.invoke.Run(stageCtx, runner.Invocation{
		Name:    "downloader",
		Command: primary.Path,
		Args:    append(append([]string{}, primary.Args...), "-o", out, job.Source),
		Dir:     dir,
	})
	if err == nil {
		return out, model.StrategyPrimary, nil
	}

	fallback := o.cfg.DownloaderFallback
	if fallback.Path == "" {
		return "", "", fmt.Errorf("download: %w", err)
	}
	o.logger.Warn("primary downloader failed, trying fallback", "job_id", job.ID, "err", err)
	if _, fbErr := o.invoke.Run(stageCtx, runner.Invocation{
		Name:    "downloader-fallback",
		Command: fallback.Path,
		Args:    append(append([]string{}, fallback.Args...), "-o", out, job.Source),
		Dir:     dir,
	}); fbErr != nil {
		return "", "", fmt.Errorf("download failed on both strategies: primary: %v; fallback: %w", err, fbErr)
	}
	return out, model.StrategyFallback, nil
}

// analyze invokes the analyzer, which persists a result descriptor into the
// job directory (and echoes it on stdout as a fallback channel).
func (o *Orchestrator) analyze(ctx context.Context, job *model.Job, dir, videoPath string) (*runner.Descriptor, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	voice := job.Voice
	if voice == "" {
		voice = o.cfg.DefaultVoice
	}
	args := append(append([]string{}, o.cfg.Analyzer.Args...),
		"--input", videoPath,
		"--outdir", dir,
		"--voice", voice,
	)
	res, err := o.invoke.RunWithArtifact(stageCtx, runner.Invocation{
		Name:    "analyzer",
		Command: o.cfg.Analyzer.Path,
		Args:    args,
		Dir:     dir,
	}, filepath.Join(dir, "result.json"))
	if err != nil {
		return nil, err
	}
	return res.Descriptor, nil
}

// mux merges the narration audio into the video with the configured muxer.
func (o *Orchestrator) mux(ctx context.Context, dir, videoPath, ttsPath string) (string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	out := filepath.Join(dir, "merged.mp4")
	muxer := o.cfg.Muxer
	args := append(append([]string{}, muxer.Args...),
		"-y",
		"-i", videoPath,
		"-i", ttsPath,
		"-map", "0:v", "-map", "1:a",
		"-c:v", "copy",
		"-shortest",
		out,
	)
	if _, err := o.invoke.Run(stageCtx, runner.Invocation{
		Name:    "muxer",
		Command: muxer.Path,
		Args:    args,
		Dir:     dir,
	}); err != nil {
		return "", err
	}
	return out, nil
}

// writeAnalysis persists the derived caption timeline and script so they are
// retrievable as static assets.
func writeAnalysis(dir string, desc *runner.Descriptor) (captionsPath, scriptPath string, err error) {
	captionsPath = filepath.Join(dir, "captions.json")
	data, err := json.MarshalIndent(desc.Lines, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode captions: %w", err)
	}
	if err := os.WriteFile(captionsPath, data, 0o640); err != nil {
		return "", "", fmt.Errorf("write captions: %w", err)
	}
	scriptPath = filepath.Join(dir, "script.txt")
	if err := os.WriteFile(scriptPath, []byte(desc.Script), 0o640); err != nil {
		return "", "", fmt.Errorf("write script: %w", err)
	}
	return captionsPath, scriptPath, nil
}

func (o *Orchestrator) transition(ctx context.Context, jobID string, status model.JobStatus, progress int, files map[string]string) {
	p := model.StatusPatch(status, progress)
	p.Files = files
	o.patch(ctx, jobID, p)
}

func (o *Orchestrator) patch(ctx context.Context, jobID string, p model.Patch) {
	job, err := o.store.Patch(jobID, p)
	if err != nil {
		o.logger.Error("patch job failed", "job_id", jobID, "err", err)
		return
	}
	if p.Status != nil {
		if pubErr := o.events.Publish(events.Lifecycle{
			JobID:            job.ID,
			Status:           job.Status,
			Progress:         job.Progress,
			DownloadStrategy: job.DownloadStrategy,
			Error:            job.Error,
		}); pubErr != nil {
			o.logger.Warn("publish lifecycle event failed", "job_id", jobID, "err", pubErr)
		}
		if o.index != nil {
			if idxErr := o.index.RecordStatus(ctx, job.ID, job.Status, job.Error); idxErr != nil {
				o.logger.Warn("record status in index failed", "job_id", jobID, "err", idxErr)
			}
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, jobID, msg string) {
	o.logger.Error("job failed", "job_id", jobID, "err", msg)
	o.patch(ctx, jobID, model.FailurePatch(msg))
}
