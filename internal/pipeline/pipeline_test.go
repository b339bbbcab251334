package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/huiseok06/clipvoice/internal/config"
	"github.com/huiseok06/clipvoice/internal/jobstore"
	"github.com/huiseok06/clipvoice/internal/model"
	"github.com/huiseok06/clipvoice/internal/runner"
)

// fakeInvoker is a deterministic external-worker double.
type fakeInvoker struct {
	runs       []runner.Invocation
	runFn      func(inv runner.Invocation) (string, error)
	artifactFn func(inv runner.Invocation) (*runner.Result, error)
}

func (f *fakeInvoker) Run(ctx context.Context, inv runner.Invocation) (string, error) {
	f.runs = append(f.runs, inv)
	if f.runFn != nil {
		return f.runFn(inv)
	}
	return "", nil
}

func (f *fakeInvoker) RunWithArtifact(ctx context.Context, inv runner.Invocation, artifact string) (*runner.Result, error) {
	f.runs = append(f.runs, inv)
	if f.artifactFn != nil {
		return f.artifactFn(inv)
	}
	return &runner.Result{Descriptor: &runner.Descriptor{
		Script:  "generated narration",
		Lines:   []runner.Line{{Start: 0, End: 1.5, Text: "hello"}},
		TTSPath: "tts.wav",
	}}, nil
}

func testConfig(root string) *config.Config {
	return &config.Config{
		StorageRoot:        root,
		StageTimeout:       time.Minute,
		DefaultVoice:       "nova",
		Downloader:         config.Command{Path: "yt-dlp"},
		DownloaderFallback: config.Command{Path: "youtube-dl"},
		Analyzer:           config.Command{Path: "analyze"},
		Muxer:              config.Command{Path: "ffmpeg"},
	}
}

func setup(t *testing.T, invoke runner.Invoker) (*Orchestrator, *jobstore.FileStore) {
	t.Helper()
	root := t.TempDir()
	store, err := jobstore.NewFileStore(root)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	return New(store, invoke, testConfig(root), nil), store
}

func createURLJob(t *testing.T, store *jobstore.FileStore, id string) {
	t.Helper()
	err := store.Create(&model.Job{
		ID:         id,
		Source:     "https://example.com/watch?v=" + id,
		SourceKind: model.SourceURL,
		Status:     model.StatusQueued,
		Files:      map[string]string{},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func TestJobIsQueuedWithEmptyFilesBeforeRun(t *testing.T) {
	_, store := setup(t, &fakeInvoker{})
	createURLJob(t, store, "fresh")
	got, err := store.Read("fresh")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Status != model.StatusQueued || got.Progress != 0 || len(got.Files) != 0 {
		t.Fatalf("unexpected pre-run record: %+v", got)
	}
}

func TestSuccessfulPipeline(t *testing.T) {
	fake := &fakeInvoker{}
	orc, store := setup(t, fake)
	createURLJob(t, store, "ok")

	if err := orc.Run(context.Background(), "ok"); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := store.Read("ok")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Status != model.StatusDone || got.Progress != 100 {
		t.Fatalf("expected done/100, got %s/%d", got.Status, got.Progress)
	}
	for _, key := range []string{model.FileVideo, model.FileCaptions, model.FileScript, model.FileTTS, model.FileMerged} {
		if got.Files[key] == "" {
			t.Fatalf("missing file key %s: %v", key, got.Files)
		}
	}
	if got.DownloadStrategy != model.StrategyPrimary {
		t.Fatalf("expected primary strategy, got %q", got.DownloadStrategy)
	}
	if got.Error != "" {
		t.Fatalf("unexpected error on success: %q", got.Error)
	}
	// Derived analysis artifacts are persisted for static serving.
	if _, err := os.Stat(got.Files[model.FileCaptions]); err != nil {
		t.Fatalf("captions not written: %v", err)
	}
	data, err := os.ReadFile(got.Files[model.FileScript])
	if err != nil {
		t.Fatalf("script not written: %v", err)
	}
	if string(data) != "generated narration" {
		t.Fatalf("unexpected script contents: %q", data)
	}
}

func TestDownloadFallbackStrategyIsRecorded(t *testing.T) {
	fake := &fakeInvoker{}
	fake.runFn = func(inv runner.Invocation) (string, error) {
		if inv.Name == "downloader" {
			return "", errors.New("primary blocked")
		}
		return "", nil
	}
	orc, store := setup(t, fake)
	createURLJob(t, store, "fb")

	if err := orc.Run(context.Background(), "fb"); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := store.Read("fb")
	if got.Status != model.StatusDone {
		t.Fatalf("expected done, got %s (%s)", got.Status, got.Error)
	}
	if got.DownloadStrategy != model.StrategyFallback {
		t.Fatalf("expected fallback strategy, got %q", got.DownloadStrategy)
	}
}

func TestBothDownloadStrategiesFailing(t *testing.T) {
	fake := &fakeInvoker{}
	fake.runFn = func(inv runner.Invocation) (string, error) {
		return "", fmt.Errorf("%s unreachable", inv.Name)
	}
	orc, store := setup(t, fake)
	createURLJob(t, store, "down")

	if err := orc.Run(context.Background(), "down"); err == nil {
		t.Fatal("expected run error")
	}
	got, _ := store.Read("down")
	if got.Status != model.StatusFailed || got.Error == "" {
		t.Fatalf("expected failed with message, got %+v", got)
	}
	if !strings.Contains(got.Error, "both strategies") {
		t.Fatalf("error should mention both strategies: %q", got.Error)
	}
}

func TestStageDeadlineKillsWorkerAndFailsJob(t *testing.T) {
	root := t.TempDir()
	store, err := jobstore.NewFileStore(root)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	cfg := testConfig(root)
	cfg.StageTimeout = 100 * time.Millisecond
	cfg.Downloader = config.Command{Path: "sh", Args: []string{"-c", "sleep 5"}}
	cfg.DownloaderFallback = config.Command{}
	orc := New(store, runner.New(1024, 1, time.Millisecond, nil), cfg, nil)
	createURLJob(t, store, "slow")

	start := time.Now()
	if err := orc.Run(context.Background(), "slow"); err == nil {
		t.Fatal("expected run error when the stage deadline expires")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("deadline did not bound the stage: %s", elapsed)
	}
	got, _ := store.Read("slow")
	if got.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "download") {
		t.Fatalf("error should identify the stage: %q", got.Error)
	}
}

func TestAnalyzerErrorFailsJobWithoutLaterFiles(t *testing.T) {
	fake := &fakeInvoker{}
	fake.artifactFn = func(inv runner.Invocation) (*runner.Result, error) {
		return nil, errors.New("analyzer: quota exhausted")
	}
	orc, store := setup(t, fake)
	createURLJob(t, store, "bad")

	if err := orc.Run(context.Background(), "bad"); err == nil {
		t.Fatal("expected run error")
	}
	got, _ := store.Read("bad")
	if got.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error == "" {
		t.Fatal("error message missing")
	}
	for _, key := range []string{model.FileCaptions, model.FileScript, model.FileTTS, model.FileMerged} {
		if _, ok := got.Files[key]; ok {
			t.Fatalf("later-stage file %s present on failed job: %v", key, got.Files)
		}
	}
	if got.Files[model.FileVideo] == "" {
		t.Fatal("download output should survive the failure")
	}
}

func TestUploadJobSkipsDownloadStage(t *testing.T) {
	fake := &fakeInvoker{}
	orc, store := setup(t, fake)

	root := store.Root()
	dir := filepath.Join(root, "jobs", "up")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	video := filepath.Join(dir, "source.mp4")
	if err := os.WriteFile(video, []byte("fake video"), 0o640); err != nil {
		t.Fatalf("write video: %v", err)
	}
	err := store.Create(&model.Job{
		ID:         "up",
		Source:     "holiday.mp4",
		SourceKind: model.SourceUpload,
		Status:     model.StatusQueued,
		Files:      map[string]string{model.FileVideo: video},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := orc.Run(context.Background(), "up"); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := store.Read("up")
	if got.Status != model.StatusDone {
		t.Fatalf("expected done, got %s (%s)", got.Status, got.Error)
	}
	if got.DownloadStrategy != "" {
		t.Fatalf("upload job should record no download strategy, got %q", got.DownloadStrategy)
	}
	for _, inv := range fake.runs {
		if strings.HasPrefix(inv.Name, "downloader") {
			t.Fatalf("downloader invoked for upload job: %+v", inv)
		}
	}
}

func TestTerminalJobIsNotRerun(t *testing.T) {
	fake := &fakeInvoker{}
	orc, store := setup(t, fake)
	createURLJob(t, store, "done-already")
	if _, err := store.Patch("done-already", model.StatusPatch(model.StatusDone, 100)); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if err := orc.Run(context.Background(), "done-already"); err != nil {
		t.Fatalf("run on terminal job: %v", err)
	}
	if len(fake.runs) != 0 {
		t.Fatalf("terminal job invoked workers: %+v", fake.runs)
	}
}

func TestPipelinePanicIsRecordedAsFailure(t *testing.T) {
	fake := &fakeInvoker{}
	fake.runFn = func(inv runner.Invocation) (string, error) {
		panic("worker table corrupted")
	}
	orc, store := setup(t, fake)
	createURLJob(t, store, "boom")

	if err := orc.Run(context.Background(), "boom"); err == nil {
		t.Fatal("expected error from recovered panic")
	}
	got, _ := store.Read("boom")
	if got.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "internal error") {
		t.Fatalf("panic not recorded: %q", got.Error)
	}
}
