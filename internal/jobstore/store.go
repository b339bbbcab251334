// Package jobstore persists job records, one JSON file per job id.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/huiseok06/clipvoice/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for a job id.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when Create sees an existing record with
	// different content for the same id.
	ErrConflict = errors.New("job already exists with different content")
)

// Store is the persistence contract shared by the file-backed and in-memory
// implementations. The orchestrator is the sole writer per job id, so no
// cross-process locking is required.
type Store interface {
	// Create persists a new record. Creating the same id twice with
	// identical source content is a no-op; different content fails.
	Create(job *model.Job) error
	// Patch merges fields into the stored record and returns the result.
	// Terminal records are never transitioned; the patch becomes a no-op.
	Patch(id string, p model.Patch) (*model.Job, error)
	// Read returns the current record or ErrNotFound.
	Read(id string) (*model.Job, error)
	// List returns up to limit records, newest first.
	List(limit int) ([]*model.Job, error)
}

const recordName = "job.json"

// FileStore keeps each job in its own subdirectory under root/jobs, with the
// record written via write-then-rename so a concurrent reader never observes
// a half-written file.
type FileStore struct {
	root string
}

// NewFileStore ensures the jobs directory exists under root.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "jobs"), 0o750); err != nil {
		return nil, fmt.Errorf("ensure jobs dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the storage root the store was created with.
func (s *FileStore) Root() string { return s.root }

// JobDir returns the per-job working directory, creating it if needed.
func (s *FileStore) JobDir(id string) (string, error) {
	dir := filepath.Join(s.root, "jobs", id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("ensure job dir: %w", err)
	}
	return dir, nil
}

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.root, "jobs", id, recordName)
}

// Create persists the initial record. Duplicate submissions of identical
// input converge instead of failing.
func (s *FileStore) Create(job *model.Job) error {
	existing, err := s.Read(job.ID)
	if err == nil {
		if existing.Source == job.Source && existing.SourceKind == job.SourceKind && existing.Voice == job.Voice {
			return nil
		}
		return fmt.Errorf("%w: id %s", ErrConflict, job.ID)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := s.JobDir(job.ID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.StatusQueued
	}
	if job.Files == nil {
		job.Files = map[string]string{}
	}
	return s.write(job)
}

// Patch reads the current record (synthesizing a default when absent),
// applies the merge, and writes the result back atomically.
func (s *FileStore) Patch(id string, p model.Patch) (*model.Job, error) {
	cur, err := s.Read(id)
	if errors.Is(err, ErrNotFound) {
		cur = &model.Job{
			ID:        id,
			Status:    model.StatusQueued,
			Files:     map[string]string{},
			CreatedAt: time.Now().UTC(),
		}
		if _, derr := s.JobDir(id); derr != nil {
			return nil, derr
		}
	} else if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return cur, nil
	}
	applyPatch(cur, p)
	cur.UpdatedAt = time.Now().UTC()
	if err := s.write(cur); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

// Read loads and decodes the record file.
func (s *FileStore) Read(id string) (*model.Job, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	if job.Files == nil {
		job.Files = map[string]string{}
	}
	return &job, nil
}

// List scans the jobs directory and returns records newest first.
func (s *FileStore) List(limit int) ([]*model.Job, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "jobs"))
	if err != nil {
		return nil, fmt.Errorf("scan jobs dir: %w", err)
	}
	jobs := make([]*model.Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		job, err := s.Read(entry.Name())
		if err != nil {
			// A directory without a finished record write yet; skip it.
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// write marshals the record into a temp file in the same directory and
// renames it over the live record. Rename within one filesystem is atomic,
// which is what keeps concurrent polls from seeing torn JSON.
func (s *FileStore) write(job *model.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	dir := filepath.Dir(s.recordPath(job.ID))
	tmp, err := os.CreateTemp(dir, recordName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.recordPath(job.ID)); err != nil {
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

func applyPatch(job *model.Job, p model.Patch) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.Progress != nil {
		job.Progress = *p.Progress
	}
	if p.DownloadStrategy != nil {
		job.DownloadStrategy = *p.DownloadStrategy
	}
	if p.Error != nil {
		job.Error = *p.Error
	}
	if len(p.Files) > 0 {
		if job.Files == nil {
			job.Files = map[string]string{}
		}
		for k, v := range p.Files {
			job.Files[k] = v
		}
	}
}
