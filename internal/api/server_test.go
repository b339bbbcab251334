package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/huiseok06/clipvoice/internal/config"
	"github.com/huiseok06/clipvoice/internal/jobstore"
	"github.com/huiseok06/clipvoice/internal/model"
	"github.com/huiseok06/clipvoice/internal/signing"
)

type recordingSubmitter struct {
	ids  []string
	fail error
}

func (r *recordingSubmitter) Submit(ctx context.Context, jobID string) error {
	if r.fail != nil {
		return r.fail
	}
	r.ids = append(r.ids, jobID)
	return nil
}

func newTestServer(t *testing.T) (*Server, *jobstore.FileStore, *recordingSubmitter) {
	t.Helper()
	root := t.TempDir()
	store, err := jobstore.NewFileStore(root)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	cfg := &config.Config{
		StorageRoot:   root,
		PublicBaseURL: "http://example.test",
		MaxUploadSize: 1 << 20,
		SignedURLTTL:  time.Minute,
	}
	sub := &recordingSubmitter{}
	return New(cfg, store, sub, nil), store, sub
}

func postJSON(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateJobFromJSON(t *testing.T) {
	srv, store, sub := newTestServer(t)
	h := srv.Handler()

	rec := postJSON(t, h, `{"source":"https://example.com/v/abc","voice":"alloy"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["jobId"] == "" || resp["status"] != "queued" {
		t.Fatalf("unexpected ack: %v", resp)
	}
	if len(sub.ids) != 1 || sub.ids[0] != resp["jobId"] {
		t.Fatalf("job not submitted: %v", sub.ids)
	}
	job, err := store.Read(resp["jobId"])
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.Status != model.StatusQueued || job.Voice != "alloy" || job.SourceKind != model.SourceURL {
		t.Fatalf("unexpected record: %+v", job)
	}
}

func TestCreateJobRejectsMissingSource(t *testing.T) {
	srv, _, sub := newTestServer(t)
	h := srv.Handler()
	for _, body := range []string{`{}`, `{"source":"  "}`, `not json`} {
		rec := postJSON(t, h, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
	if len(sub.ids) != 0 {
		t.Fatalf("invalid requests reached the submitter: %v", sub.ids)
	}
}

func TestCreateJobSubmitFailure(t *testing.T) {
	srv, _, sub := newTestServer(t)
	sub.fail = errors.New("queue down")
	rec := postJSON(t, srv.Handler(), `{"source":"https://example.com/v/x"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestCreateJobFromUpload(t *testing.T) {
	srv, store, _ := newTestServer(t)
	h := srv.Handler()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "clip.mp4")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write([]byte("fake video bytes")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.WriteField("voice", "nova"); err != nil {
		t.Fatalf("voice field: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	job, err := store.Read(resp["jobId"])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if job.SourceKind != model.SourceUpload || job.Source != "clip.mp4" || job.Voice != "nova" {
		t.Fatalf("unexpected record: %+v", job)
	}
	data, err := os.ReadFile(job.Files[model.FileVideo])
	if err != nil {
		t.Fatalf("uploaded video missing: %v", err)
	}
	if string(data) != "fake video bytes" {
		t.Fatalf("upload content mismatch: %q", data)
	}
}

func TestUploadRejectsOversizeFile(t *testing.T) {
	root := t.TempDir()
	store, err := jobstore.NewFileStore(root)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	cfg := &config.Config{
		StorageRoot:   root,
		PublicBaseURL: "http://example.test",
		MaxUploadSize: 10,
		SignedURLTTL:  time.Minute,
	}
	srv := New(cfg, store, &recordingSubmitter{}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "huge.mp4")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(bytes.Repeat([]byte("x"), 8192)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "exceeds limit") {
		t.Fatalf("unexpected rejection message: %q", rec.Body.String())
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs/no-such-job", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetJobRewritesFilePathsToURLs(t *testing.T) {
	srv, store, _ := newTestServer(t)
	videoPath := filepath.Join(store.Root(), "jobs", "j1", "source.mp4")
	err := store.Create(&model.Job{
		ID:         "j1",
		Source:     "https://example.com/v/j1",
		SourceKind: model.SourceURL,
		Status:     model.StatusDone,
		Progress:   100,
		Files:      map[string]string{model.FileVideo: videoPath},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/j1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Files map[string]string `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := "http://example.test/files/jobs/j1/source.mp4"
	if resp.Files["videoUrl"] != want {
		t.Fatalf("expected %q, got %q (files=%v)", want, resp.Files["videoUrl"], resp.Files)
	}
}

func TestGetJobDoesNotExposePathsOutsideRoot(t *testing.T) {
	srv, store, _ := newTestServer(t)
	err := store.Create(&model.Job{
		ID:         "j2",
		Source:     "https://example.com/v/j2",
		SourceKind: model.SourceURL,
		Status:     model.StatusDone,
		Files:      map[string]string{model.FileVideo: "/etc/passwd"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/jobs/j2", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	var resp struct {
		Files map[string]string `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp.Files["videoUrl"]; ok {
		t.Fatalf("path outside storage root was exposed: %v", resp.Files)
	}
}

func TestStaticFileServing(t *testing.T) {
	srv, store, _ := newTestServer(t)
	dir := filepath.Join(store.Root(), "jobs", "j3")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "script.txt"), []byte("hello narration"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/files/jobs/j3/script.txt", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "hello narration" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}

	del := httptest.NewRequest(http.MethodDelete, "/files/jobs/j3/script.txt", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, del)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("writes should be rejected, got %d", rec.Code)
	}
}

func TestStaticRejectsTraversal(t *testing.T) {
	// The mux normally 301s dotted paths away; hit the handler directly so
	// the guard itself is what rejects the request.
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/files/x", nil)
	req.URL.Path = "/files/../secrets.txt"
	rec := httptest.NewRecorder()
	srv.staticHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for traversal, got %d", rec.Code)
	}
}

func TestSignedStaticURLs(t *testing.T) {
	srv, store, _ := newTestServer(t)
	signer := signing.NewSigner([]byte("test-secret"))
	srv.SetSigner(signer)

	dir := filepath.Join(store.Root(), "jobs", "j4")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "merged.mp4"), []byte("av"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := srv.Handler()

	// Unsigned request must be refused.
	req := httptest.NewRequest(http.MethodGet, "/files/jobs/j4/merged.mp4", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without signature, got %d", rec.Code)
	}

	exp := time.Now().Add(time.Minute).Unix()
	sig := signer.Sign("jobs/j4/merged.mp4", exp)
	signed := fmt.Sprintf("/files/jobs/j4/merged.mp4?expires=%d&sig=%s", exp, sig)
	req = httptest.NewRequest(http.MethodGet, signed, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid signature, got %d", rec.Code)
	}

	expired := fmt.Sprintf("/files/jobs/j4/merged.mp4?expires=%d&sig=%s", exp-3600, signer.Sign("jobs/j4/merged.mp4", exp-3600))
	req = httptest.NewRequest(http.MethodGet, expired, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for expired signature, got %d", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	srv, store, _ := newTestServer(t)
	for _, id := range []string{"l1", "l2"} {
		err := store.Create(&model.Job{
			ID:         id,
			Source:     "https://example.com/v/" + id,
			SourceKind: model.SourceURL,
			Status:     model.StatusQueued,
			Files:      map[string]string{},
		})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var views []jobView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(views))
	}
}
