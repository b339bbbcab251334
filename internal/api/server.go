// Package api exposes HTTP endpoints for job creation, status polling, and
// static asset retrieval.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huiseok06/clipvoice/internal/config"
	"github.com/huiseok06/clipvoice/internal/jobstore"
	"github.com/huiseok06/clipvoice/internal/model"
	"github.com/huiseok06/clipvoice/internal/signing"
)

// Submitter hands a created job to the background machinery. The inline
// dispatcher and the asynq enqueuer both satisfy it.
type Submitter interface {
	Submit(ctx context.Context, jobID string) error
}

// Index mirrors created jobs into an external queryable store (queue mode).
type Index interface {
	Create(ctx context.Context, job *model.Job) error
}

// Lister serves the recent-jobs listing when an external index is wired in.
type Lister interface {
	ListRecent(ctx context.Context, limit int) ([]*model.Job, error)
}

// Presigner resolves mirrored object keys into fetchable URLs.
type Presigner interface {
	PresignArtifact(ctx context.Context, objectKey string) (string, error)
}

// Server hosts the HTTP surface.
type Server struct {
	cfg    *config.Config
	store  jobstore.Store
	submit Submitter
	logger *slog.Logger

	signer  *signing.Signer
	index   Index
	lister  Lister
	presign Presigner

	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, store jobstore.Store, submit Submitter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, store: store, submit: submit, logger: logger}
}

// SetSigner enables HMAC-signed asset URLs.
func (s *Server) SetSigner(signer *signing.Signer) { s.signer = signer }

// SetIndex wires the external job index used in queue deployments.
func (s *Server) SetIndex(index Index) { s.index = index }

// SetLister overrides the listing source.
func (s *Server) SetLister(lister Lister) { s.lister = lister }

// SetPresigner enables presigned URLs for mirrored artifacts.
func (s *Server) SetPresigner(p Presigner) { s.presign = p }

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "addr", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJobByID)
	mux.Handle("/files/", s.staticHandler())
	return corsMiddleware(loggingMiddleware(s.logger, mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCreate validates the minimal input shape, persists the job as
// queued, triggers the background pipeline, and acknowledges immediately.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var job *model.Job
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		job, err = s.jobFromUpload(w, r)
	} else {
		job, err = s.jobFromJSON(r)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.Create(job); err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			http.Error(w, "job already exists with different content", http.StatusConflict)
			return
		}
		s.logger.Error("create job failed", "job_id", job.ID, "err", err)
		http.Error(w, "failed to store job", http.StatusInternalServerError)
		return
	}
	if s.index != nil {
		if err := s.index.Create(ctx, job); err != nil {
			s.logger.Warn("index create failed", "job_id", job.ID, "err", err)
		}
	}
	if err := s.submit.Submit(ctx, job.ID); err != nil {
		s.logger.Error("submit job failed", "job_id", job.ID, "err", err)
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"jobId":  job.ID,
		"status": string(model.StatusQueued),
	})
}

type createRequest struct {
	Source string `json:"source"`
	Voice  string `json:"voice"`
}

func (s *Server) jobFromJSON(r *http.Request) (*model.Job, error) {
	var req createRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	return &model.Job{
		ID:         uuid.NewString(),
		Source:     req.Source,
		SourceKind: model.SourceURL,
		Voice:      req.Voice,
		Status:     model.StatusQueued,
		Files:      map[string]string{},
	}, nil
}

// jobFromUpload streams a multipart file part into the job's directory
// without buffering the whole video in memory.
func (s *Server) jobFromUpload(w http.ResponseWriter, r *http.Request) (*model.Job, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("expecting multipart form")
	}

	jobID := uuid.NewString()
	dir := filepath.Join(s.cfg.StorageRoot, "jobs", jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("prepare job directory")
	}

	var (
		videoPath string
		filename  string
		voice     string
	)
	for {
		part, perr := mr.NextPart()
		if errors.Is(perr, io.EOF) {
			break
		}
		if perr != nil {
			return nil, fmt.Errorf("read multipart: %v", perr)
		}
		switch part.FormName() {
		case "file":
			videoPath, filename, err = s.saveUpload(dir, part)
			part.Close()
			if err != nil {
				return nil, err
			}
		case "voice":
			data, _ := io.ReadAll(io.LimitReader(part, 256))
			voice = strings.TrimSpace(string(data))
			part.Close()
		default:
			part.Close()
		}
	}
	if videoPath == "" {
		return nil, fmt.Errorf("file part is required")
	}
	return &model.Job{
		ID:         jobID,
		Source:     filename,
		SourceKind: model.SourceUpload,
		Voice:      voice,
		Status:     model.StatusQueued,
		Files:      map[string]string{model.FileVideo: videoPath},
	}, nil
}

func (s *Server) saveUpload(dir string, part *multipart.Part) (string, string, error) {
	filename := part.FileName()
	if filename == "" {
		filename = "upload.mp4"
	}
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".mp4"
	}
	dstPath := filepath.Join(dir, "source"+ext)
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		s.logger.Error("open upload destination failed", "path", dstPath, "err", err)
		return "", "", fmt.Errorf("store upload")
	}
	defer dst.Close()

	written, err := io.Copy(dst, part)
	if err != nil {
		os.Remove(dstPath)
		if written > s.cfg.MaxUploadSize {
			return "", "", fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxUploadSize)
		}
		s.logger.Error("read upload failed", "path", dstPath, "written", written, "err", err)
		return "", "", fmt.Errorf("read upload failed")
	}
	if written == 0 {
		os.Remove(dstPath)
		return "", "", fmt.Errorf("empty file")
	}
	return dstPath, filename, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		jobs []*model.Job
		err  error
	)
	if s.lister != nil {
		jobs, err = s.lister.ListRecent(ctx, 50)
	} else {
		jobs, err = s.store.List(50)
	}
	if err != nil {
		s.logger.Error("list jobs failed", "err", err)
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, s.view(ctx, job))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	job, err := s.store.Read(id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		s.logger.Error("read job failed", "job_id", id, "err", err)
		http.Error(w, "failed to read job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, s.view(r.Context(), job))
}

// jobView is the wire shape of a job: the stored record plus every file path
// rewritten into an externally reachable URL.
type jobView struct {
	model.Job
	Files map[string]string `json:"files"`
}

func (s *Server) view(ctx context.Context, job *model.Job) jobView {
	files := make(map[string]string, len(job.Files)*2)
	for key, value := range job.Files {
		files[key] = value
		switch {
		case strings.HasSuffix(key, "Path"):
			if u, ok := s.assetURL(value); ok {
				files[strings.TrimSuffix(key, "Path")+"Url"] = u
			}
		case strings.HasSuffix(key, "Key") && s.presign != nil:
			if u, err := s.presign.PresignArtifact(ctx, value); err == nil {
				files[strings.TrimSuffix(key, "Key")+"MirrorUrl"] = u
			} else {
				s.logger.Warn("presign artifact failed", "job_id", job.ID, "key", value, "err", err)
			}
		}
	}
	return jobView{Job: *job, Files: files}
}

// assetURL maps a storage path to a URL under the static prefix. Paths
// outside the storage root are never exposed.
func (s *Server) assetURL(storagePath string) (string, bool) {
	rel, err := filepath.Rel(s.cfg.StorageRoot, storagePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	u := s.cfg.PublicBaseURL + "/files/" + rel
	if s.signer != nil {
		exp := time.Now().Add(s.cfg.SignedURLTTL).Unix()
		sig := s.signer.Sign(rel, exp)
		u = fmt.Sprintf("%s?expires=%d&sig=%s", u, exp, url.QueryEscape(sig))
	}
	return u, true
}

// staticHandler serves the storage tree read-only under /files/.
func (s *Server) staticHandler() http.Handler {
	fileServer := http.StripPrefix("/files/", http.FileServer(http.Dir(s.cfg.StorageRoot)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rel := strings.TrimPrefix(r.URL.Path, "/files/")
		if rel == "" || path.Clean("/"+rel) != "/"+rel {
			http.NotFound(w, r)
			return
		}
		if s.signer != nil {
			q := r.URL.Query()
			if !s.signer.Validate(rel, q.Get("expires"), q.Get("sig")) {
				http.Error(w, "invalid or expired signature", http.StatusForbidden)
				return
			}
		}
		fileServer.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response failed", "err", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start).Round(time.Microsecond))
	})
}
