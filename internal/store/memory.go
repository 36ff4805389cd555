package store

import (
	"context"
	"sort"
	"sync"

	"sketchsync/protocol"
)

// Memory is an in-process Store for tests and standalone runs without a
// database.
type Memory struct {
	mu       sync.RWMutex
	elements map[string]map[string]protocol.ElementPayload // boardID -> elementID
	pages    map[string]map[string]protocol.PagePayload    // boardID -> pageID
	versions map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		elements: make(map[string]map[string]protocol.ElementPayload),
		pages:    make(map[string]map[string]protocol.PagePayload),
		versions: make(map[string]int64),
	}
}

func (m *Memory) Elements(_ context.Context, boardID string) ([]protocol.ElementPayload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.ElementPayload, 0, len(m.elements[boardID]))
	for _, el := range m.elements[boardID] {
		out = append(out, el)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ElementID < out[j].ElementID })
	return out, nil
}

func (m *Memory) SaveElement(_ context.Context, boardID string, el protocol.ElementPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.elements[boardID] == nil {
		m.elements[boardID] = make(map[string]protocol.ElementPayload)
	}
	m.elements[boardID][el.ElementID] = el
	return nil
}

func (m *Memory) DeleteElement(_ context.Context, boardID, elementID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.elements[boardID], elementID)
	return nil
}

func (m *Memory) Pages(_ context.Context, boardID string) ([]protocol.PagePayload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.PagePayload, 0, len(m.pages[boardID]))
	for _, p := range m.pages[boardID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) SavePage(_ context.Context, boardID string, p protocol.PagePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pages[boardID] == nil {
		m.pages[boardID] = make(map[string]protocol.PagePayload)
	}
	m.pages[boardID][p.PageID] = p
	return nil
}

func (m *Memory) DeletePage(_ context.Context, boardID, pageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages[boardID], pageID)
	return nil
}

func (m *Memory) Version(_ context.Context, boardID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[boardID], nil
}

func (m *Memory) SaveVersion(_ context.Context, boardID string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[boardID] = version
	return nil
}
