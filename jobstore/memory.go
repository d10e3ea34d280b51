package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*core.ProviderJob
	byReq   map[string]string // request ID -> key of active job
	records map[string]*core.RequestRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*core.ProviderJob),
		byReq:   make(map[string]string),
		records: make(map[string]*core.RequestRecord),
	}
}

func (s *MemoryStore) Create(_ context.Context, job *core.ProviderJob) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}
	key := job.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[key]; exists {
		return fmt.Errorf("job already exists: %s", key)
	}
	cp := *job
	s.jobs[key] = &cp
	if !cp.State.Terminal() {
		s.byReq[cp.RequestID] = key
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*core.ProviderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[key]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) Transition(_ context.Context, key string, mutate func(*core.ProviderJob) error) (*core.ProviderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	next := *job
	if err := mutate(&next); err != nil {
		return nil, err
	}
	if err := checkTransition(key, job.State, next.State); err != nil {
		return nil, err
	}

	newKey := next.Key()
	if newKey != key {
		delete(s.jobs, key)
	}
	s.jobs[newKey] = &next
	if next.State.Terminal() {
		if s.byReq[next.RequestID] == key || s.byReq[next.RequestID] == newKey {
			delete(s.byReq, next.RequestID)
		}
	} else {
		s.byReq[next.RequestID] = newKey
	}
	cp := next
	return &cp, nil
}

func (s *MemoryStore) ActiveForRequest(_ context.Context, requestID string) (*core.ProviderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byReq[requestID]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	job, ok := s.jobs[key]
	if !ok || job.State.Terminal() {
		return nil, core.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) ListNonTerminal(_ context.Context) ([]*core.ProviderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.ProviderJob
	for _, job := range s.jobs {
		if job.State.Terminal() {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *MemoryStore) ListUnuploaded(_ context.Context) ([]*core.ProviderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.ProviderJob
	for _, job := range s.jobs {
		if job.State != core.JobSucceeded || job.Uploaded || job.ArtifactURI == "" {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *MemoryStore) SaveRecord(_ context.Context, rec *core.RequestRecord) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.RequestID] = &cp
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, requestID string) (*core.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[requestID]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	cp := *rec
	return &cp, nil
}
