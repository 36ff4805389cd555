package hub

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"sketchsync/protocol"
)

const (
	msgFrame = iota
	msgJoin
	msgLeave
	msgReap
	msgRoster
)

type message struct {
	kind   int
	client *Client
	data   []byte
	reply  chan bool
	roster chan []protocol.UserInfo
}

// strokeBuffer accumulates one in-progress stroke so late joiners can
// be replayed the full point list.
type strokeBuffer struct {
	pageID string
	userID string
	init   protocol.StrokeInit
	points []protocol.Point
}

// Room serializes all activity for one board through a single inbox
// goroutine: joins, frames and leaves are processed in arrival order,
// which is what guarantees a late joiner's stroke replay cannot race
// with fresh appends.
type Room struct {
	BoardID string

	hub      *Hub
	clients  map[string]*Client
	locks    map[string]protocol.Lock // elementID -> lock
	strokes  map[string]*strokeBuffer // strokeID -> buffer
	elemVers map[string]int64         // elementID -> committed version
	version  int64

	inbox  chan message
	ctx    context.Context
	cancel context.CancelFunc
}

func newRoom(hub *Hub, boardID string) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		BoardID:  boardID,
		hub:      hub,
		clients:  make(map[string]*Client),
		locks:    make(map[string]protocol.Lock),
		strokes:  make(map[string]*strokeBuffer),
		elemVers: make(map[string]int64),
		inbox:    make(chan message, hub.cfg.InboxSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.loadState()
	go r.run()
	return r
}

// loadState restores the committed version and element versions so
// conflict detection survives a server restart.
func (r *Room) loadState() {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	version, err := r.hub.store.Version(ctx, r.BoardID)
	if err != nil {
		log.Printf("[Room %s] failed to load version: %v", r.BoardID, err)
		return
	}
	r.version = version

	elements, err := r.hub.store.Elements(ctx, r.BoardID)
	if err != nil {
		log.Printf("[Room %s] failed to load elements: %v", r.BoardID, err)
		return
	}
	for _, el := range elements {
		r.elemVers[el.ElementID] = el.Version
	}
}

// Attach registers a client and schedules its join handshake. A room
// that lost the race with its own teardown re-routes the join to a
// fresh room.
func (r *Room) Attach(c *Client) {
	select {
	case r.inbox <- message{kind: msgJoin, client: c}:
		c.room = r
	case <-r.ctx.Done():
		r.hub.GetOrCreateRoom(r.BoardID).Attach(c)
	}
}

// Detach schedules a client's departure. Safe to call twice; the
// second is a no-op inside the loop.
func (r *Room) Detach(c *Client) {
	r.enqueue(message{kind: msgLeave, client: c})
}

func (r *Room) enqueue(msg message) {
	select {
	case r.inbox <- msg:
	case <-r.ctx.Done():
	default:
		log.Printf("[Room %s] inbox full, dropping frame from %s", r.BoardID, msg.client.User.UserID)
	}
}

func (r *Room) run() {
	log.Printf("[Room %s] started", r.BoardID)
	defer log.Printf("[Room %s] stopped", r.BoardID)

	heartbeat := time.NewTicker(r.hub.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.flushJoins()
			return
		case <-heartbeat.C:
			r.heartbeatPresence()
		case msg := <-r.inbox:
			switch msg.kind {
			case msgJoin:
				r.handleJoin(msg.client)
			case msgLeave:
				r.handleLeave(msg.client)
			case msgFrame:
				r.handleFrame(msg.client, msg.data)
			case msgReap:
				msg.reply <- len(r.clients) == 0 && len(r.inbox) == 0
			case msgRoster:
				msg.roster <- r.rosterSnapshot()
			}
		}
	}
}

// flushJoins re-routes joins that were queued behind the teardown so a
// racing client does not hang in syncing.
func (r *Room) flushJoins() {
	for {
		select {
		case msg := <-r.inbox:
			switch msg.kind {
			case msgJoin:
				if r.hub.isClosed() {
					continue
				}
				client := msg.client
				go func() {
					r.hub.GetOrCreateRoom(r.BoardID).Attach(client)
				}()
			case msgReap:
				msg.reply <- true
			}
		default:
			return
		}
	}
}

func (r *Room) shutdown() {
	r.cancel()
}

// confirmIdle asks the room loop whether it is still empty. Called with
// the hub lock held, so no new join can slip between the answer and the
// removal.
func (r *Room) confirmIdle() bool {
	reply := make(chan bool, 1)
	select {
	case r.inbox <- message{kind: msgReap, reply: reply}:
	case <-r.ctx.Done():
		return true
	}
	select {
	case idle := <-reply:
		return idle
	case <-time.After(time.Second):
		return false
	}
}

// Roster reads the local user list through the room loop so the clients
// map is never touched off its goroutine.
func (r *Room) Roster(ctx context.Context) []protocol.UserInfo {
	reply := make(chan []protocol.UserInfo, 1)
	select {
	case r.inbox <- message{kind: msgRoster, roster: reply}:
	case <-r.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case users := <-reply:
		return users
	case <-r.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
}

// =============================================================================
// Join / leave
// =============================================================================

func (r *Room) handleJoin(c *Client) {
	r.clients[c.ID] = c
	log.Printf("[Room %s] user %s joined, total: %d", r.BoardID, c.User.UserID, len(r.clients))

	r.broadcastOthers(c, protocol.EventUserJoin, protocol.UserJoinPayload{
		User:  c.User,
		Users: r.rosterSnapshot(),
	})
	r.runInitialSync(c)
	r.setPresence(c, true)
}

func (r *Room) handleLeave(c *Client) {
	if _, ok := r.clients[c.ID]; !ok {
		return
	}
	delete(r.clients, c.ID)
	log.Printf("[Room %s] user %s left, remaining: %d", r.BoardID, c.User.UserID, len(r.clients))

	// A dead editor must not wedge its elements until lock expiry.
	r.releaseLocksOf(c.User.UserID)

	r.broadcastAll(protocol.EventUserLeave, protocol.UserLeavePayload{
		UserID: c.User.UserID,
		Users:  r.rosterSnapshot(),
	})
	r.setPresence(c, false)

	if len(r.clients) == 0 {
		go r.hub.RemoveRoom(r.BoardID)
	}
}

// runInitialSync streams the persisted board to a joining client in
// chunks with progress, then the completion event, then one STROKE_INIT
// per stroke still in progress. Everything runs inside the room loop so
// no concurrent append can slip between the chunks and the replay.
func (r *Room) runInitialSync(c *Client) {
	ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
	defer cancel()

	elements, err := r.hub.store.Elements(ctx, r.BoardID)
	if err != nil {
		log.Printf("[Room %s] initial sync load failed: %v", r.BoardID, err)
		elements = nil
	}
	pages, err := r.hub.store.Pages(ctx, r.BoardID)
	if err != nil {
		log.Printf("[Room %s] initial sync pages load failed: %v", r.BoardID, err)
		pages = nil
	}

	c.sendEnvelope(protocol.EventSyncProgress, protocol.SyncProgressPayload{
		Phase: protocol.SyncPhaseStart,
		Pages: pages,
	})

	chunkSize := r.hub.cfg.SyncChunkSize
	for start := 0; start < len(elements); start += chunkSize {
		end := start + chunkSize
		if end > len(elements) {
			end = len(elements)
		}
		c.sendEnvelope(protocol.EventSyncProgress, protocol.SyncProgressPayload{
			Phase:    protocol.SyncPhaseChunk,
			Progress: end * 100 / len(elements),
			Elements: elements[start:end],
		})
	}

	c.sendEnvelope(protocol.EventSyncProgress, protocol.SyncProgressPayload{
		Phase:    protocol.SyncPhaseEnd,
		Progress: 100,
	})
	c.sendEnvelope(protocol.EventSyncComplete, protocol.SyncCompletePayload{
		Version: r.version,
		Users:   r.rosterSnapshot(),
	})

	for strokeID, sb := range r.strokes {
		c.sendEnvelope(protocol.EventStrokeInit, protocol.StrokeInitPayload{
			PageID:   sb.pageID,
			StrokeID: strokeID,
			Points:   append([]protocol.Point(nil), sb.points...),
			Init:     sb.init,
			UserID:   sb.userID,
		})
	}
}

// =============================================================================
// Frame dispatch
// =============================================================================

func (r *Room) handleFrame(c *Client, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Printf("[Room %s] dropping malformed frame from %s: %v", r.BoardID, c.User.UserID, err)
		return
	}

	switch env.Type {
	case protocol.EventElementCreate:
		r.handleElementCreate(c, env)
	case protocol.EventElementUpdate:
		r.handleElementUpdate(c, env)
	case protocol.EventElementDelete:
		r.handleElementDelete(c, env)
	case protocol.CommandStrokePoints:
		r.handleStrokePoints(c, env)
	case protocol.CommandStrokeEnd:
		r.handleStrokeEnd(c, env)
	case protocol.EventPageCreate, protocol.EventPageUpdate:
		r.handlePageUpsert(c, env)
	case protocol.EventPageDelete:
		r.handlePageDelete(c, env)
	case protocol.EventPageSwitch:
		r.handlePageSwitch(c, env)
	case protocol.CommandLockRequest:
		r.handleLockRequest(c, env)
	case protocol.CommandLockRelease:
		r.handleLockRelease(c, env)
	case protocol.EventCursorMove:
		r.handleCursorMove(c, env)
	case protocol.CommandJoin:
		log.Printf("[Room %s] duplicate join from %s ignored", r.BoardID, c.User.UserID)
	default:
		log.Printf("[Room %s] dropping frame with unknown type %q", r.BoardID, env.Type)
	}
}

// =============================================================================
// Elements
// =============================================================================

func (r *Room) handleElementCreate(c *Client, env *protocol.Envelope) {
	var el protocol.ElementPayload
	if err := env.Bind(&el); err != nil {
		log.Printf("[Room %s] malformed element create: %v", r.BoardID, err)
		return
	}
	el.UserID = c.User.UserID
	r.version++
	el.Version = r.version
	r.elemVers[el.ElementID] = el.Version
	r.persistElement(el)
	r.persistVersion()
	// Committed ops echo to the sender as well: the broadcast is how
	// the author learns the server-assigned version.
	r.broadcastAll(protocol.EventElementCreate, el)
}

func (r *Room) handleElementUpdate(c *Client, env *protocol.Envelope) {
	var el protocol.ElementPayload
	if err := env.Bind(&el); err != nil {
		log.Printf("[Room %s] malformed element update: %v", r.BoardID, err)
		return
	}
	el.UserID = c.User.UserID

	// Mid-gesture updates are relayed, never committed.
	if el.Transient {
		r.broadcastOthers(c, protocol.EventElementUpdate, el)
		return
	}

	// The sender's believed element version must match what the server
	// committed last; otherwise someone else got there first and the
	// sender has to refetch.
	if committed, ok := r.elemVers[el.ElementID]; ok && el.Version != committed {
		c.sendEnvelope(protocol.EventVersionConflict, protocol.VersionConflictPayload{
			ElementID: el.ElementID,
			Version:   r.version,
		})
		return
	}

	r.version++
	el.Version = r.version
	r.elemVers[el.ElementID] = el.Version
	r.persistElement(el)
	r.persistVersion()
	r.broadcastAll(protocol.EventElementUpdate, el)
}

func (r *Room) handleElementDelete(c *Client, env *protocol.Envelope) {
	var el protocol.ElementPayload
	if err := env.Bind(&el); err != nil {
		log.Printf("[Room %s] malformed element delete: %v", r.BoardID, err)
		return
	}
	el.UserID = c.User.UserID
	r.version++
	delete(r.elemVers, el.ElementID)

	ctx, cancel := context.WithTimeout(r.ctx, 3*time.Second)
	if err := r.hub.store.DeleteElement(ctx, r.BoardID, el.ElementID); err != nil {
		log.Printf("[Room %s] failed to delete element %s: %v", r.BoardID, el.ElementID, err)
	}
	cancel()
	r.persistVersion()
	r.broadcastAll(protocol.EventElementDelete, el)
}

// =============================================================================
// Strokes
// =============================================================================

func (r *Room) handleStrokePoints(c *Client, env *protocol.Envelope) {
	var p protocol.StrokePointsPayload
	if err := env.Bind(&p); err != nil {
		log.Printf("[Room %s] malformed stroke points: %v", r.BoardID, err)
		return
	}
	p.UserID = c.User.UserID

	sb, ok := r.strokes[p.StrokeID]
	if !ok {
		if p.Init == nil {
			log.Printf("[Room %s] first batch of stroke %s has no init metadata, dropping", r.BoardID, p.StrokeID)
			return
		}
		sb = &strokeBuffer{pageID: p.PageID, userID: c.User.UserID, init: *p.Init}
		r.strokes[p.StrokeID] = sb
	}
	sb.points = append(sb.points, p.Points...)

	r.broadcastOthers(c, protocol.EventStrokeAppend, p)
}

func (r *Room) handleStrokeEnd(c *Client, env *protocol.Envelope) {
	var p protocol.StrokeEndPayload
	if err := env.Bind(&p); err != nil {
		log.Printf("[Room %s] malformed stroke end: %v", r.BoardID, err)
		return
	}
	p.UserID = c.User.UserID

	if sb, ok := r.strokes[p.StrokeID]; ok {
		delete(r.strokes, p.StrokeID)
		r.version++
		el := finalizedStrokeElement(p.StrokeID, sb, r.version)
		r.elemVers[el.ElementID] = el.Version
		r.persistElement(el)
		r.persistVersion()
	}

	r.broadcastOthers(c, protocol.EventStrokeEnd, p)
}

// =============================================================================
// Pages
// =============================================================================

func (r *Room) handlePageUpsert(c *Client, env *protocol.Envelope) {
	var p protocol.PagePayload
	if err := env.Bind(&p); err != nil {
		log.Printf("[Room %s] malformed page op: %v", r.BoardID, err)
		return
	}
	p.UserID = c.User.UserID
	r.version++

	ctx, cancel := context.WithTimeout(r.ctx, 3*time.Second)
	if err := r.hub.store.SavePage(ctx, r.BoardID, p); err != nil {
		log.Printf("[Room %s] failed to save page %s: %v", r.BoardID, p.PageID, err)
	}
	cancel()
	r.persistVersion()
	r.broadcastAll(env.Type, p)
}

func (r *Room) handlePageDelete(c *Client, env *protocol.Envelope) {
	var p protocol.PagePayload
	if err := env.Bind(&p); err != nil {
		log.Printf("[Room %s] malformed page delete: %v", r.BoardID, err)
		return
	}
	p.UserID = c.User.UserID
	r.version++

	ctx, cancel := context.WithTimeout(r.ctx, 3*time.Second)
	if err := r.hub.store.DeletePage(ctx, r.BoardID, p.PageID); err != nil {
		log.Printf("[Room %s] failed to delete page %s: %v", r.BoardID, p.PageID, err)
	}
	cancel()
	r.persistVersion()
	r.broadcastAll(protocol.EventPageDelete, p)
}

func (r *Room) handlePageSwitch(c *Client, env *protocol.Envelope) {
	var p protocol.PagePayload
	if err := env.Bind(&p); err != nil {
		return
	}
	p.UserID = c.User.UserID
	r.broadcastOthers(c, protocol.EventPageSwitch, p)
}

// =============================================================================
// Locks
// =============================================================================

func (r *Room) handleLockRequest(c *Client, env *protocol.Envelope) {
	var p protocol.LockRequestPayload
	if err := env.Bind(&p); err != nil {
		log.Printf("[Room %s] malformed lock request: %v", r.BoardID, err)
		return
	}

	now := time.Now()
	if held, ok := r.locks[p.ElementID]; ok && held.UserID != c.User.UserID && now.Before(held.ExpiresAt) {
		c.sendEnvelope(protocol.EventLockRejected, protocol.LockRejectedPayload{
			ElementID: p.ElementID,
			PageID:    p.PageID,
			LockedBy:  held.UserID,
			Locks:     r.lockSnapshot(),
		})
		return
	}

	lock := protocol.Lock{
		ElementID: p.ElementID,
		PageID:    p.PageID,
		UserID:    c.User.UserID,
		LockToken: uuid.New().String(),
		ExpiresAt: now.Add(r.hub.cfg.LockTTL),
	}
	r.locks[p.ElementID] = lock
	r.broadcastAll(protocol.EventLockAcquired, protocol.LockAcquiredPayload{
		Lock:  lock,
		Locks: r.lockSnapshot(),
	})
}

func (r *Room) handleLockRelease(c *Client, env *protocol.Envelope) {
	var p protocol.LockReleasePayload
	if err := env.Bind(&p); err != nil {
		log.Printf("[Room %s] malformed lock release: %v", r.BoardID, err)
		return
	}

	held, ok := r.locks[p.ElementID]
	if !ok || held.UserID != c.User.UserID {
		return
	}
	delete(r.locks, p.ElementID)
	r.broadcastAll(protocol.EventLockReleased, protocol.LockReleasedPayload{
		ElementID: p.ElementID,
		UserID:    c.User.UserID,
		Locks:     r.lockSnapshot(),
	})
}

func (r *Room) releaseLocksOf(userID string) {
	for elementID, held := range r.locks {
		if held.UserID != userID {
			continue
		}
		delete(r.locks, elementID)
		r.broadcastAll(protocol.EventLockReleased, protocol.LockReleasedPayload{
			ElementID: elementID,
			UserID:    userID,
			Locks:     r.lockSnapshot(),
		})
	}
}

// =============================================================================
// Cursor
// =============================================================================

func (r *Room) handleCursorMove(c *Client, env *protocol.Envelope) {
	var p protocol.CursorMovePayload
	if err := env.Bind(&p); err != nil {
		return
	}
	p.UserID = c.User.UserID
	r.broadcastOthers(c, protocol.EventCursorMove, p)
}

// =============================================================================
// Helpers
// =============================================================================

func (r *Room) rosterSnapshot() []protocol.UserInfo {
	users := make([]protocol.UserInfo, 0, len(r.clients))
	for _, c := range r.clients {
		users = append(users, c.User)
	}
	return users
}

func (r *Room) lockSnapshot() []protocol.Lock {
	locks := make([]protocol.Lock, 0, len(r.locks))
	for _, l := range r.locks {
		locks = append(locks, l)
	}
	return locks
}

func (r *Room) broadcastAll(msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		log.Printf("[Room %s] encode %s failed: %v", r.BoardID, msgType, err)
		return
	}
	for _, c := range r.clients {
		c.send(data)
	}
}

func (r *Room) broadcastOthers(sender *Client, msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		log.Printf("[Room %s] encode %s failed: %v", r.BoardID, msgType, err)
		return
	}
	for _, c := range r.clients {
		if c.ID == sender.ID {
			continue
		}
		c.send(data)
	}
}

func (r *Room) persistElement(el protocol.ElementPayload) {
	ctx, cancel := context.WithTimeout(r.ctx, 3*time.Second)
	defer cancel()
	if err := r.hub.store.SaveElement(ctx, r.BoardID, el); err != nil {
		log.Printf("[Room %s] failed to save element %s: %v", r.BoardID, el.ElementID, err)
	}
}

func (r *Room) persistVersion() {
	ctx, cancel := context.WithTimeout(r.ctx, 3*time.Second)
	defer cancel()
	if err := r.hub.store.SaveVersion(ctx, r.BoardID, r.version); err != nil {
		log.Printf("[Room %s] failed to save version: %v", r.BoardID, err)
	}
}

func (r *Room) setPresence(c *Client, online bool) {
	if r.hub.presence == nil {
		return
	}
	boardID := r.BoardID
	user := c.User
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var err error
		if online {
			err = r.hub.presence.SetOnline(ctx, boardID, user)
		} else {
			err = r.hub.presence.SetOffline(ctx, boardID, user.UserID)
		}
		if err != nil {
			log.Printf("[Room %s] presence update for %s failed: %v", boardID, user.UserID, err)
		}
	}()
}

func (r *Room) heartbeatPresence() {
	if r.hub.presence == nil {
		return
	}
	users := r.rosterSnapshot()
	boardID := r.BoardID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, u := range users {
			if err := r.hub.presence.Heartbeat(ctx, boardID, u.UserID); err != nil {
				log.Printf("[Room %s] heartbeat for %s failed: %v", boardID, u.UserID, err)
			}
		}
	}()
}
