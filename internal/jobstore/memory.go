package jobstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/huiseok06/clipvoice/internal/model"
)

// MemoryStore is the non-durable Store variant guarded by an RWMutex. It
// exists for deployments that do not need restart survival and for tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.Job)}
}

// Create inserts the record; duplicate identical submissions converge.
func (m *MemoryStore) Create(job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[job.ID]; ok {
		if existing.Source == job.Source && existing.SourceKind == job.SourceKind && existing.Voice == job.Voice {
			return nil
		}
		return fmt.Errorf("%w: id %s", ErrConflict, job.ID)
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
	m.jobs[job.ID] = job.Clone()
	return nil
}

// Patch merges fields into the stored record under the write lock.
func (m *MemoryStore) Patch(id string, p model.Patch) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		cur = &model.Job{
			ID:        id,
			Status:    model.StatusQueued,
			Files:     map[string]string{},
			CreatedAt: time.Now().UTC(),
		}
		m.jobs[id] = cur
	}
	if cur.Status.Terminal() {
		return cur.Clone(), nil
	}
	applyPatch(cur, p)
	cur.UpdatedAt = time.Now().UTC()
	return cur.Clone(), nil
}

// Read returns a copy of the record or ErrNotFound.
func (m *MemoryStore) Read(id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cur.Clone(), nil
}

// List returns up to limit records, newest first.
func (m *MemoryStore) List(limit int) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*model.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
