package hub

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"sketchsync/internal/presence"
	"sketchsync/internal/store"
	"sketchsync/protocol"
)

// Config tunes room behavior.
type Config struct {
	LockTTL           time.Duration
	SyncChunkSize     int
	InboxSize         int
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockTTL:           30 * time.Second,
		SyncChunkSize:     50,
		InboxSize:         256,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Hub manages all board rooms and their connections. When Redis
// presence is configured it also mirrors rosters published by sibling
// server instances.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	remoteUsers map[string]map[string]protocol.UserInfo // boardID -> userID
	store       store.Store
	presence    *presence.Manager // nil when Redis is not configured
	cfg         Config

	ctx    context.Context
	cancel context.CancelFunc
}

func New(st store.Store, pres *presence.Manager, cfg Config) *Hub {
	if cfg.SyncChunkSize <= 0 {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		rooms:       make(map[string]*Room),
		remoteUsers: make(map[string]map[string]protocol.UserInfo),
		store:       st,
		presence:    pres,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
	}
	if pres != nil {
		go h.watchPresence()
	}
	return h
}

// GetOrCreateRoom returns the live room for a board, creating it on
// first join. A room that lost the race with its own teardown is
// replaced rather than handed out.
func (h *Hub) GetOrCreateRoom(boardID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, exists := h.rooms[boardID]; exists && room.ctx.Err() == nil {
		return room
	}
	room := newRoom(h, boardID)
	h.rooms[boardID] = room
	log.Printf("[Hub] created room: %s", boardID)
	return room
}

// RemoveRoom shuts down and forgets an empty room. The room loop
// confirms it is still idle while the hub lock is held, so a join that
// raced the teardown aborts the removal instead of landing in a dead
// room.
func (h *Hub) RemoveRoom(boardID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[boardID]
	if !exists {
		return
	}
	if !room.confirmIdle() {
		return
	}
	room.shutdown()
	delete(h.rooms, boardID)
	log.Printf("[Hub] removed room: %s", boardID)
}

// ActiveUsers reports who is on a board: this instance's room roster
// merged with cross-instance presence when Redis is configured.
func (h *Hub) ActiveUsers(ctx context.Context, boardID string) []protocol.UserInfo {
	merged := make(map[string]protocol.UserInfo)

	h.mu.RLock()
	room := h.rooms[boardID]
	for id, u := range h.remoteUsers[boardID] {
		merged[id] = u
	}
	pres := h.presence
	h.mu.RUnlock()

	if room != nil {
		for _, u := range room.Roster(ctx) {
			merged[u.UserID] = u
		}
	}
	if pres != nil {
		remote, err := pres.BoardUsers(ctx, boardID)
		if err != nil {
			log.Printf("[Hub] presence lookup for %s failed: %v", boardID, err)
		} else {
			for _, u := range remote {
				merged[u.UserID] = u
			}
		}
	}

	out := make([]protocol.UserInfo, 0, len(merged))
	for _, u := range merged {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// watchPresence mirrors remote rosters from the presence pub/sub feed.
func (h *Hub) watchPresence() {
	sub := h.presence.Subscribe(h.ctx)
	defer sub.Close()

	for {
		select {
		case <-h.ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var u presence.Update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				log.Printf("[Hub] malformed presence update: %v", err)
				continue
			}
			h.applyPresence(u)
		}
	}
}

func (h *Hub) applyPresence(u presence.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	users := h.remoteUsers[u.BoardID]
	if u.Online {
		if users == nil {
			users = make(map[string]protocol.UserInfo)
			h.remoteUsers[u.BoardID] = users
		}
		users[u.User.UserID] = u.User
		return
	}
	delete(users, u.User.UserID)
	if len(users) == 0 {
		delete(h.remoteUsers, u.BoardID)
	}
}

func (h *Hub) isClosed() bool {
	return h.ctx.Err() != nil
}

// Shutdown stops every room and the presence watcher.
func (h *Hub) Shutdown() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for boardID, room := range h.rooms {
		room.shutdown()
		delete(h.rooms, boardID)
	}
}
