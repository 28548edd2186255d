package frontier

import (
	"context"
	"sync"
)

// Memory is an in-process Frontier for single-instance deployments and tests.
type Memory struct {
	mu   sync.RWMutex
	seen map[string]map[string]struct{}
}

// NewMemory creates an empty Memory frontier.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]map[string]struct{})}
}

// IsSeen reports whether the normalized url was marked for the job.
func (m *Memory) IsSeen(_ context.Context, jobID, rawURL string) (bool, error) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[jobID][key]
	return ok, nil
}

// MarkSeen records the normalized url for the job.
func (m *Memory) MarkSeen(_ context.Context, jobID, rawURL string) error {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.seen[jobID]
	if set == nil {
		set = make(map[string]struct{})
		m.seen[jobID] = set
	}
	set[key] = struct{}{}
	return nil
}

// Forget drops every marker for the job.
func (m *Memory) Forget(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, jobID)
	return nil
}
