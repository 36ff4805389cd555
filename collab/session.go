package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"sketchsync/protocol"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrSyncFailed       = errors.New("initial sync failed")
	ErrSessionClosed    = errors.New("session closed")
	ErrAlreadyConnected = errors.New("session already connected")
)

// State is the session lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config carries the session's endpoint and transport tuning.
type Config struct {
	BaseURL string // http(s) base API URL; the ws endpoint is derived
	Token   string // bearer token for the connect handshake

	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 500 * time.Millisecond
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 10 * time.Second
	}
}

// Session is one client's view of a shared board. It is explicitly
// constructed and disposable: one instance per active drawing session,
// owned by the caller. All inbound events are dispatched serially in
// wire-arrival order.
type Session struct {
	cfg Config

	mu       sync.Mutex
	tr       *transport
	state    State
	closed   bool
	syncWait chan error
	boardID  string
	user     protocol.UserInfo

	versions *versionTracker
	locks    *lockTable
	strokes  *strokeTracker
	users    *roster

	onStateChange     observers[State]
	onElementCreate   observers[protocol.ElementPayload]
	onElementUpdate   observers[protocol.ElementPayload]
	onElementDelete   observers[protocol.ElementPayload]
	onStrokeInit      observers[protocol.StrokeInitPayload]
	onStrokeAppend    observers[protocol.StrokePointsPayload]
	onStrokeEnd       observers[protocol.StrokeEndPayload]
	onPageCreate      observers[protocol.PagePayload]
	onPageUpdate      observers[protocol.PagePayload]
	onPageDelete      observers[protocol.PagePayload]
	onPageSwitch      observers[protocol.PagePayload]
	onUserJoin        observers[protocol.UserJoinPayload]
	onUserLeave       observers[protocol.UserLeavePayload]
	onSyncProgress    observers[protocol.SyncProgressPayload]
	onLockAcquired    observers[protocol.LockAcquiredPayload]
	onLockReleased    observers[protocol.LockReleasedPayload]
	onLockRejected    observers[protocol.LockRejectedPayload]
	onVersionConflict observers[protocol.VersionConflictPayload]
	onCursorMove      observers[protocol.CursorMovePayload]
}

// NewSession creates a disconnected session.
func NewSession(cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:      cfg,
		versions: &versionTracker{},
		locks:    newLockTable(),
		strokes:  newStrokeTracker(),
		users:    &roster{},
	}
}

// Connect opens the channel, sends the join command and suspends until
// the initial sync completes. Sync progress is forwarded to
// OnSyncProgress subscribers while the caller waits. On failure the
// session is left disconnected and the caller may retry. The caller's
// context is the only timeout; there is no internal deadline.
func (s *Session) Connect(ctx context.Context, boardID string, user protocol.UserInfo) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.boardID = boardID
	s.user = user
	tr := newTransport(CollabURL(s.cfg.BaseURL), s.cfg.Token, s.cfg, s.handleFrame, s.handleTransportState)
	s.tr = tr
	wait := make(chan error, 1)
	s.syncWait = wait
	s.mu.Unlock()

	s.setState(StateConnecting)
	if err := tr.dial(ctx); err != nil {
		s.failConnect(tr)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s.sendEnvelope(protocol.CommandJoin, protocol.JoinPayload{BoardID: boardID, User: user})
	s.setState(StateSyncing)

	select {
	case err := <-wait:
		if err != nil {
			s.failConnect(tr)
			return fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
		return nil
	case <-ctx.Done():
		s.failConnect(tr)
		return fmt.Errorf("%w: %v", ErrSyncFailed, ctx.Err())
	}
}

// failConnect unwinds a failed join attempt back to disconnected.
func (s *Session) failConnect(tr *transport) {
	tr.close()
	s.mu.Lock()
	if s.tr == tr {
		s.tr = nil
	}
	s.syncWait = nil
	s.mu.Unlock()
	s.setState(StateDisconnected)
}

// Disconnect tears the session down and aborts pending Connect and
// RequestLock calls. Idempotent; the session cannot be reused after.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tr := s.tr
	s.tr = nil
	wait := s.syncWait
	s.syncWait = nil
	s.mu.Unlock()

	if tr != nil {
		tr.close()
	}
	if wait != nil {
		wait <- ErrSessionClosed
	}
	s.locks.failAll()
	s.users.reset()
	s.setState(StateDisconnected)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the join handshake has completed.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Version returns the last committed server-authoritative version.
func (s *Session) Version() int64 { return s.versions.Version() }

// ActiveUsers returns the current roster.
func (s *Session) ActiveUsers() []protocol.UserInfo { return s.users.list() }

// IsElementLocked reads the local lock cache. The result is a hint;
// entries past their expiry read as unlocked.
func (s *Session) IsElementLocked(elementID string) LockStatus {
	return s.locks.status(elementID, time.Now())
}

// ElementLocks returns the believed lock table.
func (s *Session) ElementLocks() []protocol.Lock { return s.locks.snapshot() }

// RequestLock sends a lock request and suspends until the server grants
// or rejects it. A rejection resolves without error, carrying the
// current holder. Callers must await this before allowing drag, resize
// or edit gestures on a shared element; the caller's context bounds the
// wait.
func (s *Session) RequestLock(ctx context.Context, elementID, pageID string) (*LockResult, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	ch, err := s.locks.addWaiter(elementID)
	if err != nil {
		return nil, err
	}
	s.sendEnvelope(protocol.CommandLockRequest, protocol.LockRequestPayload{ElementID: elementID, PageID: pageID})

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		return &res, nil
	case <-ctx.Done():
		s.locks.removeWaiter(elementID)
		return nil, ctx.Err()
	}
}

// ReleaseLock gives a lock back without waiting for confirmation. The
// local table drops the entry optimistically; the next server event is
// the truth.
func (s *Session) ReleaseLock(elementID string) {
	s.sendEnvelope(protocol.CommandLockRelease, protocol.LockReleasePayload{ElementID: elementID})
	s.locks.removeLocal(elementID)
}

// CreateElement relays a new element. Data is opaque to this layer.
func (s *Session) CreateElement(el protocol.ElementPayload) {
	el.UserID = s.currentUser().UserID
	s.sendEnvelope(protocol.EventElementCreate, el)
}

// UpdateElement relays an element change. Set Transient for mid-gesture
// updates the server relays without persisting or version-bumping, and
// Version to the element version this client last observed.
func (s *Session) UpdateElement(el protocol.ElementPayload) {
	el.UserID = s.currentUser().UserID
	s.sendEnvelope(protocol.EventElementUpdate, el)
}

// DeleteElement relays an element removal.
func (s *Session) DeleteElement(elementID, pageID string) {
	s.sendEnvelope(protocol.EventElementDelete, protocol.ElementPayload{
		ElementID: elementID,
		PageID:    pageID,
		UserID:    s.currentUser().UserID,
	})
}

// SendStrokePoints appends a point batch to an in-progress stroke.
// init must be non-nil on the first batch of a new stroke and carries
// the metadata late joiners need to render it from scratch.
func (s *Session) SendStrokePoints(pageID, strokeID string, points []protocol.Point, init *protocol.StrokeInit) {
	s.sendEnvelope(protocol.CommandStrokePoints, protocol.StrokePointsPayload{
		PageID:   pageID,
		StrokeID: strokeID,
		Points:   points,
		Init:     init,
		UserID:   s.currentUser().UserID,
	})
}

// EndStroke signals completion. Materializing the finalized element is
// the drawing-state collaborator's job; no durable copy is kept here.
func (s *Session) EndStroke(pageID, strokeID string) {
	s.sendEnvelope(protocol.CommandStrokeEnd, protocol.StrokeEndPayload{
		PageID:   pageID,
		StrokeID: strokeID,
		UserID:   s.currentUser().UserID,
	})
}

// CreatePage relays a page creation.
func (s *Session) CreatePage(p protocol.PagePayload) {
	p.UserID = s.currentUser().UserID
	s.sendEnvelope(protocol.EventPageCreate, p)
}

// UpdatePage relays a page change.
func (s *Session) UpdatePage(p protocol.PagePayload) {
	p.UserID = s.currentUser().UserID
	s.sendEnvelope(protocol.EventPageUpdate, p)
}

// DeletePage relays a page removal.
func (s *Session) DeletePage(pageID string) {
	s.sendEnvelope(protocol.EventPageDelete, protocol.PagePayload{PageID: pageID, UserID: s.currentUser().UserID})
}

// SwitchPage announces which page this user is viewing. Relay only.
func (s *Session) SwitchPage(pageID string) {
	s.sendEnvelope(protocol.EventPageSwitch, protocol.PagePayload{PageID: pageID, UserID: s.currentUser().UserID})
}

// SendCursorPosition broadcasts the pointer location. Best effort,
// unthrottled here; never used for correctness.
func (s *Session) SendCursorPosition(x, y float64) {
	s.sendEnvelope(protocol.EventCursorMove, protocol.CursorMovePayload{X: x, Y: y})
}

func (s *Session) currentUser() protocol.UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.onStateChange.emit(next)
}

func (s *Session) sendEnvelope(msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		log.Printf("[Session] encode %s failed: %v", msgType, err)
		return
	}
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		log.Printf("[Session] send %s while disconnected, dropping", msgType)
		return
	}
	tr.send(data)
}

// handleTransportState reacts to channel up/down notifications. A drop
// shows as disconnected; when the transport redials, the session re-runs
// the join handshake and re-announces presence. A reconnected channel
// never silently resumes the old session context.
func (s *Session) handleTransportState(connected bool, err error) {
	s.mu.Lock()
	closed := s.closed
	boardID := s.boardID
	user := s.user
	s.mu.Unlock()
	if closed {
		return
	}

	if !connected {
		s.setState(StateDisconnected)
		return
	}

	// Redial succeeded: replayed stroke state is stale, the server will
	// re-init everything that is still in progress.
	s.strokes.reset()
	s.setState(StateConnecting)
	s.sendEnvelope(protocol.CommandJoin, protocol.JoinPayload{BoardID: boardID, User: user})
	s.setState(StateSyncing)
}

// handleFrame is the dispatcher: one serial entry point for every
// inbound frame, routing by type tag. Malformed frames are dropped with
// a logged warning and never thrown into the transport callback.
func (s *Session) handleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Printf("[Session] dropping malformed frame: %v", err)
		return
	}

	switch env.Type {
	case protocol.EventElementCreate:
		if p, ok := bindOrLog[protocol.ElementPayload](env); ok {
			s.onElementCreate.emit(p)
		}
	case protocol.EventElementUpdate:
		if p, ok := bindOrLog[protocol.ElementPayload](env); ok {
			s.onElementUpdate.emit(p)
		}
	case protocol.EventElementDelete:
		if p, ok := bindOrLog[protocol.ElementPayload](env); ok {
			s.onElementDelete.emit(p)
		}
	case protocol.EventStrokeInit:
		if p, ok := bindOrLog[protocol.StrokeInitPayload](env); ok {
			if s.strokes.registerInit(p.StrokeID) {
				s.onStrokeInit.emit(p)
			}
		}
	case protocol.EventStrokeAppend:
		if p, ok := bindOrLog[protocol.StrokePointsPayload](env); ok {
			if s.strokes.registerAppend(p.StrokeID, p.Init != nil) {
				s.onStrokeAppend.emit(p)
			}
		}
	case protocol.EventStrokeEnd:
		if p, ok := bindOrLog[protocol.StrokeEndPayload](env); ok {
			s.strokes.forget(p.StrokeID)
			s.onStrokeEnd.emit(p)
		}
	case protocol.EventPageCreate:
		if p, ok := bindOrLog[protocol.PagePayload](env); ok {
			s.onPageCreate.emit(p)
		}
	case protocol.EventPageUpdate:
		if p, ok := bindOrLog[protocol.PagePayload](env); ok {
			s.onPageUpdate.emit(p)
		}
	case protocol.EventPageDelete:
		if p, ok := bindOrLog[protocol.PagePayload](env); ok {
			s.onPageDelete.emit(p)
		}
	case protocol.EventPageSwitch:
		if p, ok := bindOrLog[protocol.PagePayload](env); ok {
			s.onPageSwitch.emit(p)
		}
	case protocol.EventUserJoin:
		if p, ok := bindOrLog[protocol.UserJoinPayload](env); ok {
			s.users.replace(p.Users)
			s.onUserJoin.emit(p)
		}
	case protocol.EventUserLeave:
		if p, ok := bindOrLog[protocol.UserLeavePayload](env); ok {
			s.users.replace(p.Users)
			s.onUserLeave.emit(p)
		}
	case protocol.EventSyncProgress:
		if p, ok := bindOrLog[protocol.SyncProgressPayload](env); ok {
			s.onSyncProgress.emit(p)
		}
	case protocol.EventSyncComplete:
		if p, ok := bindOrLog[protocol.SyncCompletePayload](env); ok {
			s.handleSyncComplete(p)
		}
	case protocol.EventLockAcquired:
		if p, ok := bindOrLog[protocol.LockAcquiredPayload](env); ok {
			s.locks.rebuild(p.Locks)
			if p.Lock.UserID == s.currentUser().UserID {
				s.locks.resolve(p.Lock.ElementID, LockResult{
					Granted:   true,
					ElementID: p.Lock.ElementID,
					LockToken: p.Lock.LockToken,
					ExpiresAt: p.Lock.ExpiresAt,
				})
			}
			s.onLockAcquired.emit(p)
		}
	case protocol.EventLockReleased:
		if p, ok := bindOrLog[protocol.LockReleasedPayload](env); ok {
			s.locks.rebuild(p.Locks)
			s.onLockReleased.emit(p)
		}
	case protocol.EventLockRejected:
		if p, ok := bindOrLog[protocol.LockRejectedPayload](env); ok {
			s.locks.rebuild(p.Locks)
			s.locks.resolve(p.ElementID, LockResult{
				ElementID: p.ElementID,
				LockedBy:  p.LockedBy,
			})
			s.onLockRejected.emit(p)
		}
	case protocol.EventVersionConflict:
		if p, ok := bindOrLog[protocol.VersionConflictPayload](env); ok {
			if s.versions.applyConflict(p.Version) {
				s.onVersionConflict.emit(p)
			}
		}
	case protocol.EventCursorMove:
		if p, ok := bindOrLog[protocol.CursorMovePayload](env); ok {
			s.onCursorMove.emit(p)
		}
	default:
		log.Printf("[Session] dropping frame with unknown type %q", env.Type)
	}
}

func (s *Session) handleSyncComplete(p protocol.SyncCompletePayload) {
	s.versions.initFromSync(p.Version)
	s.users.replace(p.Users)
	s.setState(StateConnected)

	s.mu.Lock()
	wait := s.syncWait
	s.syncWait = nil
	s.mu.Unlock()
	if wait != nil {
		wait <- nil
	}
}

func bindOrLog[T any](env *protocol.Envelope) (T, bool) {
	var v T
	if err := env.Bind(&v); err != nil {
		log.Printf("[Session] dropping %s with malformed payload: %v", env.Type, err)
		return v, false
	}
	return v, true
}

// OnStateChange subscribes to lifecycle transitions.
func (s *Session) OnStateChange(fn func(State)) func() { return s.onStateChange.subscribe(fn) }

// OnElementCreate subscribes to remote element creations.
func (s *Session) OnElementCreate(fn func(protocol.ElementPayload)) func() {
	return s.onElementCreate.subscribe(fn)
}

// OnElementUpdate subscribes to remote element updates.
func (s *Session) OnElementUpdate(fn func(protocol.ElementPayload)) func() {
	return s.onElementUpdate.subscribe(fn)
}

// OnElementDelete subscribes to remote element deletions.
func (s *Session) OnElementDelete(fn func(protocol.ElementPayload)) func() {
	return s.onElementDelete.subscribe(fn)
}

// OnStrokeInit subscribes to late-join replays of in-progress strokes.
func (s *Session) OnStrokeInit(fn func(protocol.StrokeInitPayload)) func() {
	return s.onStrokeInit.subscribe(fn)
}

// OnStrokeAppend subscribes to incremental point batches.
func (s *Session) OnStrokeAppend(fn func(protocol.StrokePointsPayload)) func() {
	return s.onStrokeAppend.subscribe(fn)
}

// OnStrokeEnd subscribes to stroke completions.
func (s *Session) OnStrokeEnd(fn func(protocol.StrokeEndPayload)) func() {
	return s.onStrokeEnd.subscribe(fn)
}

// OnPageCreate subscribes to remote page creations.
func (s *Session) OnPageCreate(fn func(protocol.PagePayload)) func() {
	return s.onPageCreate.subscribe(fn)
}

// OnPageUpdate subscribes to remote page updates.
func (s *Session) OnPageUpdate(fn func(protocol.PagePayload)) func() {
	return s.onPageUpdate.subscribe(fn)
}

// OnPageDelete subscribes to remote page deletions.
func (s *Session) OnPageDelete(fn func(protocol.PagePayload)) func() {
	return s.onPageDelete.subscribe(fn)
}

// OnPageSwitch subscribes to remote page switches.
func (s *Session) OnPageSwitch(fn func(protocol.PagePayload)) func() {
	return s.onPageSwitch.subscribe(fn)
}

// OnUserJoin subscribes to roster additions.
func (s *Session) OnUserJoin(fn func(protocol.UserJoinPayload)) func() {
	return s.onUserJoin.subscribe(fn)
}

// OnUserLeave subscribes to roster departures.
func (s *Session) OnUserLeave(fn func(protocol.UserLeavePayload)) func() {
	return s.onUserLeave.subscribe(fn)
}

// OnSyncProgress subscribes to chunked initial-sync progress.
func (s *Session) OnSyncProgress(fn func(protocol.SyncProgressPayload)) func() {
	return s.onSyncProgress.subscribe(fn)
}

// OnLockAcquired subscribes to lock grants, local or remote.
func (s *Session) OnLockAcquired(fn func(protocol.LockAcquiredPayload)) func() {
	return s.onLockAcquired.subscribe(fn)
}

// OnLockReleased subscribes to lock releases.
func (s *Session) OnLockReleased(fn func(protocol.LockReleasedPayload)) func() {
	return s.onLockReleased.subscribe(fn)
}

// OnLockRejected subscribes to lock denials. "Edit not permitted now",
// not a fatal error.
func (s *Session) OnLockRejected(fn func(protocol.LockRejectedPayload)) func() {
	return s.onLockRejected.subscribe(fn)
}

// OnVersionConflict subscribes to server rejections of local
// operations. The UI is expected to refetch authoritative state for the
// affected elements; the core never auto-resolves.
func (s *Session) OnVersionConflict(fn func(protocol.VersionConflictPayload)) func() {
	return s.onVersionConflict.subscribe(fn)
}

// OnCursorMove subscribes to presence cursor broadcasts.
func (s *Session) OnCursorMove(fn func(protocol.CursorMovePayload)) func() {
	return s.onCursorMove.subscribe(fn)
}
