package clients

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Client used in tests and as a stand-in while no
// external client is configured. Downloads added to it stay queued until
// something calls SetStatus or Complete.
type Memory struct {
	mu    sync.Mutex
	items map[string]*memoryItem
}

type memoryItem struct {
	req    AddRequest
	status Status
	path   string
}

// NewMemory returns an empty in-memory client.
func NewMemory() *Memory {
	return &Memory{items: map[string]*memoryItem{}}
}

func (m *Memory) Add(_ context.Context, req AddRequest) (string, error) {
	if req.URL == "" {
		return "", fmt.Errorf("add %q: empty url", req.Title)
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.items[id] = &memoryItem{req: req, status: Status{State: StateQueued}}
	m.mu.Unlock()
	return id, nil
}

func (m *Memory) Status(_ context.Context, id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return Status{}, ErrUnknownID
	}
	return item.status, nil
}

func (m *Memory) Path(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return "", ErrUnknownID
	}
	if item.status.State != StateComplete {
		return "", fmt.Errorf("download %s not complete", id)
	}
	return item.path, nil
}

func (m *Memory) Remove(_ context.Context, id string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrUnknownID
	}
	delete(m.items, id)
	return nil
}

// SetStatus overrides a download's snapshot. Test hook.
func (m *Memory) SetStatus(id string, s Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return ErrUnknownID
	}
	item.status = s
	return nil
}

// Complete marks a download finished at path. Test hook.
func (m *Memory) Complete(id, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return ErrUnknownID
	}
	item.status = Status{State: StateComplete, Progress: 100}
	item.path = path
	return nil
}
