package hub

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketchsync/internal/presence"
	"sketchsync/internal/store"
	"sketchsync/protocol"
)

// fakeConn is an in-memory Conn so room behavior can be driven without
// a socket.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return textMessage, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	data, err := protocol.Encode(msgType, payload)
	require.NoError(t, err)
	c.in <- data
}

// recv pops the next outbound frame, failing the test on timeout.
func (c *fakeConn) recv(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case data := <-c.out:
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		panic("unreachable")
	}
}

// recvOf skips frames until one of the wanted type arrives and binds it.
func recvOf[T any](t *testing.T, c *fakeConn, msgType string) T {
	t.Helper()
	for {
		env := c.recv(t)
		if env.Type != msgType {
			continue
		}
		var p T
		require.NoError(t, env.Bind(&p))
		return p
	}
}

func newTestHub(t *testing.T, st store.Store, cfg Config) *Hub {
	t.Helper()
	h := New(st, nil, cfg)
	t.Cleanup(h.Shutdown)
	return h
}

func testConfig() Config {
	return Config{
		LockTTL:           time.Minute,
		SyncChunkSize:     2,
		InboxSize:         64,
		HeartbeatInterval: time.Minute,
	}
}

func attach(t *testing.T, h *Hub, boardID, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	client := NewClient(protocol.UserInfo{UserID: userID, Name: userID}, conn)
	h.GetOrCreateRoom(boardID).Attach(client)
	go client.ReadLoop()
	return conn
}

// drainSync consumes a joiner's initial sync through SYNC_COMPLETE.
func drainSync(t *testing.T, c *fakeConn) protocol.SyncCompletePayload {
	t.Helper()
	return recvOf[protocol.SyncCompletePayload](t, c, protocol.EventSyncComplete)
}

func TestJoinSyncSequence(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"el-1", "el-2", "el-3", "el-4", "el-5"} {
		require.NoError(t, st.SaveElement(ctx, "board-1", protocol.ElementPayload{
			ElementID: id, PageID: "page-1", Kind: "shape", Version: 1,
		}))
	}
	require.NoError(t, st.SavePage(ctx, "board-1", protocol.PagePayload{PageID: "page-1", Name: "Main"}))
	require.NoError(t, st.SaveVersion(ctx, "board-1", 9))

	h := newTestHub(t, st, testConfig())
	conn := attach(t, h, "board-1", "user-a")

	start := recvOf[protocol.SyncProgressPayload](t, conn, protocol.EventSyncProgress)
	assert.Equal(t, protocol.SyncPhaseStart, start.Phase)
	require.Len(t, start.Pages, 1)

	var total, last int
	for {
		step := recvOf[protocol.SyncProgressPayload](t, conn, protocol.EventSyncProgress)
		if step.Phase == protocol.SyncPhaseEnd {
			assert.Equal(t, 100, step.Progress)
			break
		}
		require.Equal(t, protocol.SyncPhaseChunk, step.Phase)
		assert.LessOrEqual(t, len(step.Elements), 2)
		assert.GreaterOrEqual(t, step.Progress, last)
		last = step.Progress
		total += len(step.Elements)
	}
	assert.Equal(t, 5, total)

	complete := drainSync(t, conn)
	assert.Equal(t, int64(9), complete.Version)
	require.Len(t, complete.Users, 1)
}

func TestJoinAnnouncedToOthers(t *testing.T) {
	h := newTestHub(t, store.NewMemory(), testConfig())

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)

	b := attach(t, h, "board-1", "user-b")
	drainSync(t, b)

	joined := recvOf[protocol.UserJoinPayload](t, a, protocol.EventUserJoin)
	assert.Equal(t, "user-b", joined.User.UserID)
	assert.Len(t, joined.Users, 2)
}

func TestLeaveReleasesLocksAndAnnounces(t *testing.T) {
	h := newTestHub(t, store.NewMemory(), testConfig())

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)
	b := attach(t, h, "board-1", "user-b")
	drainSync(t, b)

	a.push(t, protocol.CommandLockRequest, protocol.LockRequestPayload{ElementID: "el-1", PageID: "page-1"})
	acquired := recvOf[protocol.LockAcquiredPayload](t, b, protocol.EventLockAcquired)
	assert.Equal(t, "user-a", acquired.Lock.UserID)

	a.Close()

	released := recvOf[protocol.LockReleasedPayload](t, b, protocol.EventLockReleased)
	assert.Equal(t, "el-1", released.ElementID)
	assert.Equal(t, "user-a", released.UserID)
	assert.Empty(t, released.Locks)

	left := recvOf[protocol.UserLeavePayload](t, b, protocol.EventUserLeave)
	assert.Equal(t, "user-a", left.UserID)
	require.Len(t, left.Users, 1)
}

func TestLockRejectionCarriesHolder(t *testing.T) {
	h := newTestHub(t, store.NewMemory(), testConfig())

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)
	b := attach(t, h, "board-1", "user-b")
	drainSync(t, b)

	a.push(t, protocol.CommandLockRequest, protocol.LockRequestPayload{ElementID: "el-1", PageID: "page-1"})
	recvOf[protocol.LockAcquiredPayload](t, a, protocol.EventLockAcquired)

	b.push(t, protocol.CommandLockRequest, protocol.LockRequestPayload{ElementID: "el-1", PageID: "page-1"})
	rejected := recvOf[protocol.LockRejectedPayload](t, b, protocol.EventLockRejected)
	assert.Equal(t, "user-a", rejected.LockedBy)
	require.Len(t, rejected.Locks, 1)
}

func TestExpiredLockIsRegranted(t *testing.T) {
	cfg := testConfig()
	cfg.LockTTL = 30 * time.Millisecond
	h := newTestHub(t, store.NewMemory(), cfg)

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)
	b := attach(t, h, "board-1", "user-b")
	drainSync(t, b)

	a.push(t, protocol.CommandLockRequest, protocol.LockRequestPayload{ElementID: "el-1", PageID: "page-1"})
	recvOf[protocol.LockAcquiredPayload](t, a, protocol.EventLockAcquired)
	recvOf[protocol.LockAcquiredPayload](t, b, protocol.EventLockAcquired)

	time.Sleep(60 * time.Millisecond)

	b.push(t, protocol.CommandLockRequest, protocol.LockRequestPayload{ElementID: "el-1", PageID: "page-1"})
	regrant := recvOf[protocol.LockAcquiredPayload](t, b, protocol.EventLockAcquired)
	assert.Equal(t, "user-b", regrant.Lock.UserID)
}

func TestElementVersioningAndConflict(t *testing.T) {
	st := store.NewMemory()
	h := newTestHub(t, st, testConfig())

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)
	b := attach(t, h, "board-1", "user-b")
	drainSync(t, b)
	recvOf[protocol.UserJoinPayload](t, a, protocol.EventUserJoin)

	a.push(t, protocol.EventElementCreate, protocol.ElementPayload{ElementID: "el-1", PageID: "page-1", Kind: "shape"})
	created := recvOf[protocol.ElementPayload](t, a, protocol.EventElementCreate)
	assert.Equal(t, int64(1), created.Version)
	remote := recvOf[protocol.ElementPayload](t, b, protocol.EventElementCreate)
	assert.Equal(t, "user-a", remote.UserID)

	// A stale update is bounced back to the sender as a conflict; the
	// other client must see nothing.
	b.push(t, protocol.EventElementUpdate, protocol.ElementPayload{ElementID: "el-1", PageID: "page-1", Version: 99})
	conflict := recvOf[protocol.VersionConflictPayload](t, b, protocol.EventVersionConflict)
	assert.Equal(t, "el-1", conflict.ElementID)
	assert.Equal(t, int64(1), conflict.Version)

	// A matching update commits and bumps both versions.
	b.push(t, protocol.EventElementUpdate, protocol.ElementPayload{ElementID: "el-1", PageID: "page-1", Version: 1})
	committed := recvOf[protocol.ElementPayload](t, a, protocol.EventElementUpdate)
	assert.Equal(t, int64(2), committed.Version)
	assert.Equal(t, "user-b", committed.UserID)

	ctx := context.Background()
	version, err := st.Version(ctx, "board-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	elements, err := st.Elements(ctx, "board-1")
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, int64(2), elements[0].Version)
}

func TestTransientUpdateIsRelayOnly(t *testing.T) {
	st := store.NewMemory()
	h := newTestHub(t, st, testConfig())

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)
	b := attach(t, h, "board-1", "user-b")
	drainSync(t, b)

	a.push(t, protocol.EventElementUpdate, protocol.ElementPayload{
		ElementID: "el-1", PageID: "page-1", Transient: true,
		Data: json.RawMessage(`{"x":50}`),
	})
	relayed := recvOf[protocol.ElementPayload](t, b, protocol.EventElementUpdate)
	assert.True(t, relayed.Transient)

	ctx := context.Background()
	elements, err := st.Elements(ctx, "board-1")
	require.NoError(t, err)
	assert.Empty(t, elements)
	version, err := st.Version(ctx, "board-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

func TestStrokeEndMaterializesElement(t *testing.T) {
	st := store.NewMemory()
	h := newTestHub(t, st, testConfig())

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)
	b := attach(t, h, "board-1", "user-b")
	drainSync(t, b)

	a.push(t, protocol.CommandStrokePoints, protocol.StrokePointsPayload{
		PageID:   "page-1",
		StrokeID: "stroke-1",
		Points:   []protocol.Point{{X: 1, Y: 1}, {X: 2, Y: 2}},
		Init:     &protocol.StrokeInit{Tool: "pen", Color: "#000", Width: 2},
	})
	recvOf[protocol.StrokePointsPayload](t, b, protocol.EventStrokeAppend)

	a.push(t, protocol.CommandStrokeEnd, protocol.StrokeEndPayload{PageID: "page-1", StrokeID: "stroke-1"})
	recvOf[protocol.StrokeEndPayload](t, b, protocol.EventStrokeEnd)

	// Persist runs inside the loop before the broadcast, so the store
	// must hold the finalized element by now.
	elements, err := st.Elements(context.Background(), "board-1")
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, "stroke", elements[0].Kind)
	assert.Equal(t, "stroke-1", elements[0].ElementID)

	var data strokeElementData
	require.NoError(t, json.Unmarshal(elements[0].Data, &data))
	assert.Equal(t, "pen", data.Tool)
	require.Len(t, data.Points, 2)
}

func TestFirstBatchWithoutInitIsDropped(t *testing.T) {
	h := newTestHub(t, store.NewMemory(), testConfig())

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)

	a.push(t, protocol.CommandStrokePoints, protocol.StrokePointsPayload{
		PageID:   "page-1",
		StrokeID: "stroke-orphan",
		Points:   []protocol.Point{{X: 1, Y: 1}},
	})
	a.push(t, protocol.EventCursorMove, protocol.CursorMovePayload{X: 1, Y: 2})

	// A joiner after the drop gets the sync handshake with no replay
	// frame for the orphaned stroke.
	b := attach(t, h, "board-1", "user-b")
	drainSync(t, b)
	select {
	case data := <-b.out:
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		assert.NotEqual(t, protocol.EventStrokeInit, env.Type)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCursorMoveIsRelayedWithSenderID(t *testing.T) {
	h := newTestHub(t, store.NewMemory(), testConfig())

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)
	b := attach(t, h, "board-1", "user-b")
	drainSync(t, b)

	a.push(t, protocol.EventCursorMove, protocol.CursorMovePayload{X: 10, Y: 20})
	cursor := recvOf[protocol.CursorMovePayload](t, b, protocol.EventCursorMove)
	assert.Equal(t, "user-a", cursor.UserID)
	assert.Equal(t, 10.0, cursor.X)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	h := newTestHub(t, store.NewMemory(), testConfig())

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)
	b := attach(t, h, "board-1", "user-b")
	drainSync(t, b)

	a.in <- []byte("not json")
	a.push(t, "UNKNOWN_TYPE", protocol.CursorMovePayload{X: 1})
	a.push(t, protocol.EventCursorMove, protocol.CursorMovePayload{X: 7})

	cursor := recvOf[protocol.CursorMovePayload](t, b, protocol.EventCursorMove)
	assert.Equal(t, 7.0, cursor.X)
}

func TestRemoveRoomAbortsWhenOccupied(t *testing.T) {
	h := newTestHub(t, store.NewMemory(), testConfig())

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)

	// The room loop vetoes removal while a client is attached.
	h.RemoveRoom("board-1")

	a.push(t, protocol.EventElementCreate, protocol.ElementPayload{ElementID: "el-1", PageID: "page-1", Kind: "shape"})
	created := recvOf[protocol.ElementPayload](t, a, protocol.EventElementCreate)
	assert.Equal(t, int64(1), created.Version)
}

func TestJoinAfterLeaveNeverLandsInDeadRoom(t *testing.T) {
	h := newTestHub(t, store.NewMemory(), testConfig())

	// Each departure schedules the room's removal; the next join races
	// it and must still complete its sync handshake.
	for i := 0; i < 10; i++ {
		conn := attach(t, h, "board-1", "user-a")
		drainSync(t, conn)
		conn.Close()
	}
	final := attach(t, h, "board-1", "user-b")
	complete := drainSync(t, final)
	require.Len(t, complete.Users, 1)
}

func TestGetOrCreateRoomReplacesCancelledRoom(t *testing.T) {
	h := newTestHub(t, store.NewMemory(), testConfig())

	stale := h.GetOrCreateRoom("board-1")
	stale.shutdown()

	fresh := h.GetOrCreateRoom("board-1")
	require.NotSame(t, stale, fresh)

	conn := attach(t, h, "board-1", "user-a")
	drainSync(t, conn)
}

func TestActiveUsersMergesLocalAndRemote(t *testing.T) {
	h := newTestHub(t, store.NewMemory(), testConfig())
	ctx := context.Background()

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)

	// A sibling instance announces one of its users.
	h.applyPresence(presence.Update{
		BoardID: "board-1",
		User:    protocol.UserInfo{UserID: "user-z", Name: "Zoe"},
		Online:  true,
	})

	users := h.ActiveUsers(ctx, "board-1")
	require.Len(t, users, 2)
	assert.Equal(t, "user-a", users[0].UserID)
	assert.Equal(t, "user-z", users[1].UserID)

	h.applyPresence(presence.Update{
		BoardID: "board-1",
		User:    protocol.UserInfo{UserID: "user-z"},
		Online:  false,
	})
	users = h.ActiveUsers(ctx, "board-1")
	require.Len(t, users, 1)
	assert.Equal(t, "user-a", users[0].UserID)
}

func TestPageLifecycle(t *testing.T) {
	st := store.NewMemory()
	h := newTestHub(t, st, testConfig())

	a := attach(t, h, "board-1", "user-a")
	drainSync(t, a)
	b := attach(t, h, "board-1", "user-b")
	drainSync(t, b)

	a.push(t, protocol.EventPageCreate, protocol.PagePayload{PageID: "page-2", Name: "Notes", Index: 1})
	created := recvOf[protocol.PagePayload](t, b, protocol.EventPageCreate)
	assert.Equal(t, "Notes", created.Name)

	a.push(t, protocol.EventPageSwitch, protocol.PagePayload{PageID: "page-2"})
	switched := recvOf[protocol.PagePayload](t, b, protocol.EventPageSwitch)
	assert.Equal(t, "user-a", switched.UserID)

	a.push(t, protocol.EventPageDelete, protocol.PagePayload{PageID: "page-2"})
	recvOf[protocol.PagePayload](t, b, protocol.EventPageDelete)

	pages, err := st.Pages(context.Background(), "board-1")
	require.NoError(t, err)
	assert.Empty(t, pages)
}
