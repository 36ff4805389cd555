package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketchsync/internal/hub"
	"sketchsync/internal/store"
	"sketchsync/protocol"
)

// newBoardServer runs a real hub behind an httptest server so sessions
// are exercised over an actual WebSocket round trip.
func newBoardServer(t *testing.T, st store.Store) *httptest.Server {
	t.Helper()
	h := hub.New(st, nil, hub.Config{
		LockTTL:           time.Minute,
		SyncChunkSize:     2,
		InboxSize:         64,
		HeartbeatInterval: time.Minute,
	})

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/collab", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		env, err := protocol.Decode(data)
		if err != nil || env.Type != protocol.CommandJoin {
			conn.Close()
			return
		}
		var join protocol.JoinPayload
		if err := env.Bind(&join); err != nil {
			conn.Close()
			return
		}
		conn.SetReadDeadline(time.Time{})

		client := hub.NewClient(join.User, conn)
		h.GetOrCreateRoom(join.BoardID).Attach(client)
		client.ReadLoop()
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		h.Shutdown()
	})
	return srv
}

func newTestSession(t *testing.T, baseURL string) *Session {
	t.Helper()
	s := NewSession(Config{
		BaseURL:           baseURL,
		HandshakeTimeout:  2 * time.Second,
		PingInterval:      time.Second,
		WriteTimeout:      time.Second,
		ReconnectDelay:    20 * time.Millisecond,
		MaxReconnectDelay: 200 * time.Millisecond,
	})
	t.Cleanup(s.Disconnect)
	return s
}

func connectUser(t *testing.T, s *Session, boardID, userID, name string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, boardID, protocol.UserInfo{UserID: userID, Name: name}))
}

func waitRecv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestConnectRunsInitialSync(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"el-1", "el-2", "el-3", "el-4", "el-5"} {
		require.NoError(t, st.SaveElement(ctx, "board-1", protocol.ElementPayload{
			ElementID: id,
			PageID:    "page-1",
			Kind:      "shape",
			Data:      json.RawMessage(`{"x":1}`),
			Version:   1,
		}))
	}
	require.NoError(t, st.SavePage(ctx, "board-1", protocol.PagePayload{PageID: "page-1", Name: "Main"}))
	require.NoError(t, st.SaveVersion(ctx, "board-1", 5))

	srv := newBoardServer(t, st)
	s := newTestSession(t, srv.URL)

	var steps []protocol.SyncProgressPayload
	s.OnSyncProgress(func(p protocol.SyncProgressPayload) { steps = append(steps, p) })

	connectUser(t, s, "board-1", "user-a", "Alice")

	assert.True(t, s.IsConnected())
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, int64(5), s.Version())
	require.Len(t, s.ActiveUsers(), 1)
	assert.Equal(t, "user-a", s.ActiveUsers()[0].UserID)

	// start, three chunks of size 2/2/1, end.
	require.Len(t, steps, 5)
	assert.Equal(t, protocol.SyncPhaseStart, steps[0].Phase)
	require.Len(t, steps[0].Pages, 1)

	var total int
	last := 0
	for _, step := range steps[1 : len(steps)-1] {
		assert.Equal(t, protocol.SyncPhaseChunk, step.Phase)
		assert.GreaterOrEqual(t, step.Progress, last)
		last = step.Progress
		total += len(step.Elements)
	}
	assert.Equal(t, 5, total)

	end := steps[len(steps)-1]
	assert.Equal(t, protocol.SyncPhaseEnd, end.Phase)
	assert.Equal(t, 100, end.Progress)
}

func TestLateJoinerGetsStrokeReplayExactlyOnce(t *testing.T) {
	srv := newBoardServer(t, store.NewMemory())

	a := newTestSession(t, srv.URL)
	createdCh := make(chan protocol.ElementPayload, 1)
	a.OnElementCreate(func(p protocol.ElementPayload) { createdCh <- p })
	connectUser(t, a, "board-1", "user-a", "Alice")

	a.SendStrokePoints("page-1", "stroke-1",
		[]protocol.Point{{X: 1, Y: 1}, {X: 2, Y: 2}},
		&protocol.StrokeInit{Tool: "pen", Color: "#000", Width: 2})
	a.SendStrokePoints("page-1", "stroke-1",
		[]protocol.Point{{X: 3, Y: 3}, {X: 4, Y: 4}}, nil)

	// The create echo proves the room has processed the point batches
	// that were queued ahead of it on the same socket.
	a.CreateElement(protocol.ElementPayload{ElementID: "el-marker", PageID: "page-1", Kind: "shape"})
	waitRecv(t, createdCh, "element echo")

	b := newTestSession(t, srv.URL)
	initCh := make(chan protocol.StrokeInitPayload, 4)
	appendCh := make(chan protocol.StrokePointsPayload, 4)
	b.OnStrokeInit(func(p protocol.StrokeInitPayload) { initCh <- p })
	b.OnStrokeAppend(func(p protocol.StrokePointsPayload) { appendCh <- p })
	connectUser(t, b, "board-1", "user-b", "Bob")

	init := waitRecv(t, initCh, "stroke replay")
	assert.Equal(t, "stroke-1", init.StrokeID)
	assert.Equal(t, "user-a", init.UserID)
	assert.Equal(t, "pen", init.Init.Tool)
	require.Len(t, init.Points, 4)
	assert.Equal(t, protocol.Point{X: 4, Y: 4}, init.Points[3])

	// The replay must not be followed by re-sent batches for the points
	// it already carried, nor by a second replay.
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, appendCh)
	assert.Empty(t, initCh)

	a.SendStrokePoints("page-1", "stroke-1", []protocol.Point{{X: 5, Y: 5}}, nil)
	app := waitRecv(t, appendCh, "stroke append")
	assert.Equal(t, "stroke-1", app.StrokeID)
	require.Len(t, app.Points, 1)
	assert.Equal(t, protocol.Point{X: 5, Y: 5}, app.Points[0])

	endCh := make(chan protocol.StrokeEndPayload, 1)
	b.OnStrokeEnd(func(p protocol.StrokeEndPayload) { endCh <- p })
	a.EndStroke("page-1", "stroke-1")
	end := waitRecv(t, endCh, "stroke end")
	assert.Equal(t, "stroke-1", end.StrokeID)
}

func TestLockArbitration(t *testing.T) {
	srv := newBoardServer(t, store.NewMemory())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newTestSession(t, srv.URL)
	connectUser(t, a, "board-1", "user-a", "Alice")
	b := newTestSession(t, srv.URL)
	connectUser(t, b, "board-1", "user-b", "Bob")

	granted, err := a.RequestLock(ctx, "el-1", "page-1")
	require.NoError(t, err)
	assert.True(t, granted.Granted)
	assert.NotEmpty(t, granted.LockToken)
	assert.True(t, granted.ExpiresAt.After(time.Now()))

	rejected, err := b.RequestLock(ctx, "el-1", "page-1")
	require.NoError(t, err)
	assert.False(t, rejected.Granted)
	assert.Equal(t, "user-a", rejected.LockedBy)

	// The rejection carried the full lock table, so the local cache
	// knows who holds the element.
	status := b.IsElementLocked("el-1")
	assert.True(t, status.Locked)
	assert.Equal(t, "user-a", status.LockedBy)

	releasedCh := make(chan protocol.LockReleasedPayload, 1)
	b.OnLockReleased(func(p protocol.LockReleasedPayload) { releasedCh <- p })
	a.ReleaseLock("el-1")
	released := waitRecv(t, releasedCh, "lock release")
	assert.Equal(t, "el-1", released.ElementID)
	assert.Equal(t, "user-a", released.UserID)

	regrant, err := b.RequestLock(ctx, "el-1", "page-1")
	require.NoError(t, err)
	assert.True(t, regrant.Granted)
}

func TestVersionConflictGoesToSenderOnly(t *testing.T) {
	srv := newBoardServer(t, store.NewMemory())

	a := newTestSession(t, srv.URL)
	createdCh := make(chan protocol.ElementPayload, 1)
	updatedCh := make(chan protocol.ElementPayload, 4)
	conflictCh := make(chan protocol.VersionConflictPayload, 4)
	a.OnElementCreate(func(p protocol.ElementPayload) { createdCh <- p })
	a.OnElementUpdate(func(p protocol.ElementPayload) { updatedCh <- p })
	a.OnVersionConflict(func(p protocol.VersionConflictPayload) { conflictCh <- p })
	connectUser(t, a, "board-1", "user-a", "Alice")

	b := newTestSession(t, srv.URL)
	bConflictCh := make(chan protocol.VersionConflictPayload, 4)
	b.OnVersionConflict(func(p protocol.VersionConflictPayload) { bConflictCh <- p })
	connectUser(t, b, "board-1", "user-b", "Bob")

	a.CreateElement(protocol.ElementPayload{ElementID: "el-1", PageID: "page-1", Kind: "shape"})
	created := waitRecv(t, createdCh, "create echo")
	assert.Equal(t, int64(1), created.Version)

	a.UpdateElement(protocol.ElementPayload{ElementID: "el-1", PageID: "page-1", Version: created.Version})
	updated := waitRecv(t, updatedCh, "update echo")
	assert.Equal(t, int64(2), updated.Version)
	assert.Empty(t, conflictCh)

	// Replaying the stale version must be rejected, exactly once, to
	// the sender only, and the session adopts the server's version.
	a.UpdateElement(protocol.ElementPayload{ElementID: "el-1", PageID: "page-1", Version: created.Version})
	conflict := waitRecv(t, conflictCh, "version conflict")
	assert.Equal(t, "el-1", conflict.ElementID)
	assert.Equal(t, int64(2), conflict.Version)
	assert.Equal(t, int64(2), a.Version())

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, conflictCh)
	assert.Empty(t, bConflictCh)
}

func TestConnectGuards(t *testing.T) {
	srv := newBoardServer(t, store.NewMemory())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newTestSession(t, srv.URL)
	connectUser(t, s, "board-1", "user-a", "Alice")

	err := s.Connect(ctx, "board-1", protocol.UserInfo{UserID: "user-a"})
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestDisconnectIsTerminal(t *testing.T) {
	srv := newBoardServer(t, store.NewMemory())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newTestSession(t, srv.URL)
	connectUser(t, s, "board-1", "user-a", "Alice")

	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
	assert.Empty(t, s.ActiveUsers())

	err := s.Connect(ctx, "board-1", protocol.UserInfo{UserID: "user-a"})
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = s.RequestLock(ctx, "el-1", "page-1")
	assert.ErrorIs(t, err, ErrNotConnected)

	// Sends after teardown are dropped, not fatal.
	assert.NotPanics(t, func() {
		s.CreateElement(protocol.ElementPayload{ElementID: "el-1", PageID: "page-1"})
	})
}

func TestReconnectRejoinsBoard(t *testing.T) {
	srv := newBoardServer(t, store.NewMemory())

	s := newTestSession(t, srv.URL)
	stateCh := make(chan State, 16)
	s.OnStateChange(func(st State) { stateCh <- st })
	connectUser(t, s, "board-1", "user-a", "Alice")

	srv.CloseClientConnections()

	require.Eventually(t, func() bool {
		return s.IsConnected()
	}, 5*time.Second, 20*time.Millisecond, "session did not rejoin after drop")

	var sawDisconnect bool
	for done := false; !done; {
		select {
		case st := <-stateCh:
			if st == StateDisconnected {
				sawDisconnect = true
			}
		default:
			done = true
		}
	}
	assert.True(t, sawDisconnect, "drop was not surfaced as a disconnected state")
	require.Len(t, s.ActiveUsers(), 1)
}
