package collab

import (
	"errors"
	"log"
	"sync"
	"time"

	"sketchsync/protocol"
)

var ErrLockPending = errors.New("lock request already pending for element")

// LockResult is the outcome of a RequestLock round trip. Granted=false
// is not an error: it means someone else holds the element.
type LockResult struct {
	Granted   bool
	ElementID string
	LockToken string
	ExpiresAt time.Time
	LockedBy  string
}

// LockStatus is a synchronous read of the local lock cache. It is a
// hint; the server event stream is authoritative.
type LockStatus struct {
	Locked   bool
	LockedBy string
}

// lockTable mirrors the server's lock state as last broadcast. The
// table is rebuilt wholesale from the snapshot carried on every lock
// event, never patched incrementally.
type lockTable struct {
	mu      sync.Mutex
	locks   map[string]protocol.Lock
	waiters map[string]chan LockResult
}

func newLockTable() *lockTable {
	return &lockTable{
		locks:   make(map[string]protocol.Lock),
		waiters: make(map[string]chan LockResult),
	}
}

// addWaiter registers the pending RequestLock call for an element.
func (lt *lockTable) addWaiter(elementID string) (chan LockResult, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if _, exists := lt.waiters[elementID]; exists {
		return nil, ErrLockPending
	}
	ch := make(chan LockResult, 1)
	lt.waiters[elementID] = ch
	return ch, nil
}

func (lt *lockTable) removeWaiter(elementID string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	delete(lt.waiters, elementID)
}

// resolve delivers an outcome to the pending waiter, if any.
func (lt *lockTable) resolve(elementID string, res LockResult) {
	lt.mu.Lock()
	ch, ok := lt.waiters[elementID]
	if ok {
		delete(lt.waiters, elementID)
	}
	lt.mu.Unlock()
	if ok {
		ch <- res
	}
}

// failAll aborts every pending waiter. Used when the session closes so
// callers are not left suspended forever.
func (lt *lockTable) failAll() {
	lt.mu.Lock()
	waiters := lt.waiters
	lt.waiters = make(map[string]chan LockResult)
	lt.mu.Unlock()
	for id, ch := range waiters {
		log.Printf("[Session] aborting pending lock request for %s", id)
		close(ch)
	}
}

// rebuild replaces the whole table with the server snapshot.
func (lt *lockTable) rebuild(locks []protocol.Lock) {
	next := make(map[string]protocol.Lock, len(locks))
	for _, l := range locks {
		next[l.ElementID] = l
	}
	lt.mu.Lock()
	lt.locks = next
	lt.mu.Unlock()
}

// removeLocal drops an entry optimistically after a fire-and-forget
// release; the next server event overwrites whatever we believe.
func (lt *lockTable) removeLocal(elementID string) {
	lt.mu.Lock()
	delete(lt.locks, elementID)
	lt.mu.Unlock()
}

// status reads the cache. Entries past their expiry read as unlocked so
// a dead holder does not wedge the UI while waiting on the next server
// event to reconcile.
func (lt *lockTable) status(elementID string, now time.Time) LockStatus {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	l, ok := lt.locks[elementID]
	if !ok {
		return LockStatus{}
	}
	if !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt) {
		return LockStatus{}
	}
	return LockStatus{Locked: true, LockedBy: l.UserID}
}

func (lt *lockTable) snapshot() []protocol.Lock {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]protocol.Lock, 0, len(lt.locks))
	for _, l := range lt.locks {
		out = append(out, l)
	}
	return out
}
