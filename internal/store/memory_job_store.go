package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/docflow-io/docflow/internal/domain"
)

type entry struct {
	job domain.Job
	seq uint64
}

// MemoryJobStore holds jobs for the lifetime of the process. Records are
// stored by value and cloned on the way in and out, so readers always see
// a consistent snapshot even while a writer is mid-transition.
type MemoryJobStore struct {
	mu      sync.RWMutex
	jobs    map[string]entry
	nextSeq uint64
	now     func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]entry),
		now:  time.Now,
	}
}

func (s *MemoryJobStore) Put(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq
	if existing, ok := s.jobs[job.ID]; ok {
		seq = existing.seq
	} else {
		s.nextSeq++
	}
	s.jobs[job.ID] = entry{job: job.Clone(), seq: seq}
}

func (s *MemoryJobStore) Get(id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return e.job.Clone(), nil
}

// Update applies mutate to the stored record under the write lock. The
// mutator may return an error to abort the transition, in which case the
// record is left untouched. UpdatedAt is stamped on every applied change.
func (s *MemoryJobStore) Update(id string, mutate func(*domain.Job) error) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}

	job := e.job.Clone()
	if err := mutate(&job); err != nil {
		return domain.Job{}, err
	}
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = entry{job: job, seq: e.seq}
	return job.Clone(), nil
}

// List returns the page of jobs matching the optional state filter, newest
// first. Pages beyond the end yield an empty slice, not an error.
func (s *MemoryJobStore) List(state string, page, perPage int) ([]domain.Job, int, error) {
	if page < 1 {
		return nil, 0, fmt.Errorf("page must be positive, got %d", page)
	}
	if perPage < 1 {
		return nil, 0, fmt.Errorf("per_page must be positive, got %d", perPage)
	}

	s.mu.RLock()
	matched := make([]entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		if state != "" && e.job.State != state {
			continue
		}
		matched = append(matched, e)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].job.CreatedAt.Equal(matched[j].job.CreatedAt) {
			return matched[i].job.CreatedAt.After(matched[j].job.CreatedAt)
		}
		return matched[i].seq > matched[j].seq
	})

	total := len(matched)
	start := (page - 1) * perPage
	if start >= total {
		return []domain.Job{}, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}

	jobs := make([]domain.Job, 0, end-start)
	for _, e := range matched[start:end] {
		jobs = append(jobs, e.job.Clone())
	}
	return jobs, total, nil
}
