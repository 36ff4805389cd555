package collab

import (
	"log"
	"sync"
)

// strokeTracker distinguishes a stroke's first-seen event from the
// increments that follow. Getting this wrong renders an incomplete or
// duplicated path: a late joiner must take exactly one STROKE_INIT per
// in-progress stroke and no appends for points that init already
// carried.
type strokeTracker struct {
	mu    sync.Mutex
	known map[string]struct{} // strokeID
}

func newStrokeTracker() *strokeTracker {
	return &strokeTracker{known: make(map[string]struct{})}
}

// registerInit records a late-join replay. A duplicate init is dropped
// so the stroke is not rendered twice.
func (st *strokeTracker) registerInit(strokeID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.known[strokeID]; ok {
		log.Printf("[Session] duplicate stroke init for %s, dropping", strokeID)
		return false
	}
	st.known[strokeID] = struct{}{}
	return true
}

// registerAppend admits an increment. The first batch of a live stroke
// carries init metadata and counts as first-seen; an append for a
// never-seen stroke without that metadata cannot be rendered and is
// dropped.
func (st *strokeTracker) registerAppend(strokeID string, hasInit bool) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.known[strokeID]; ok {
		return true
	}
	if !hasInit {
		log.Printf("[Session] append for unknown stroke %s without init metadata, dropping", strokeID)
		return false
	}
	st.known[strokeID] = struct{}{}
	return true
}

func (st *strokeTracker) forget(strokeID string) {
	st.mu.Lock()
	delete(st.known, strokeID)
	st.mu.Unlock()
}

func (st *strokeTracker) reset() {
	st.mu.Lock()
	st.known = make(map[string]struct{})
	st.mu.Unlock()
}
