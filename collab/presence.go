package collab

import (
	"sync"

	"sketchsync/protocol"
)

// roster tracks the active-user set. Like the lock table it is rebuilt
// wholesale from the full list carried on every join/leave event and on
// sync completion.
type roster struct {
	mu    sync.RWMutex
	users []protocol.UserInfo
}

func (r *roster) replace(users []protocol.UserInfo) {
	r.mu.Lock()
	r.users = users
	r.mu.Unlock()
}

func (r *roster) list() []protocol.UserInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.UserInfo, len(r.users))
	copy(out, r.users)
	return out
}

func (r *roster) reset() {
	r.mu.Lock()
	r.users = nil
	r.mu.Unlock()
}
