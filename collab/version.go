package collab

import (
	"log"
	"sync"
)

// versionTracker holds the last known server-authoritative document
// version. It is initialized to 0 and written only from server-origin
// events: the sync-complete handshake and version-conflict events.
type versionTracker struct {
	mu      sync.RWMutex
	version int64
	synced  bool
}

func (v *versionTracker) Version() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// initFromSync is the single moment the tracker may initialize from zero.
func (v *versionTracker) initFromSync(version int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.version = version
	v.synced = true
}

// applyConflict adopts the server's version. A conflict arriving before
// the initial sync completes is a protocol error; it is logged and
// ignored to avoid stale-ordering bugs.
func (v *versionTracker) applyConflict(version int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.synced {
		log.Printf("[Session] version conflict before sync completed, ignoring (server=%d)", version)
		return false
	}
	v.version = version
	return true
}

func (v *versionTracker) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.version = 0
	v.synced = false
}
