package collab

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("transport not connected")

// wsPath is the fixed suffix appended to the protocol-substituted base URL.
const wsPath = "/ws/collab"

// CollabURL derives the WebSocket endpoint from an http(s) base API URL.
func CollabURL(baseURL string) string {
	u := baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + wsPath
}

// transport maintains one logical WebSocket connection with heartbeat
// and bounded-delay reconnect. Frames are delivered serially through
// onFrame; there is no client-side reordering.
type transport struct {
	url    string
	header http.Header
	cfg    Config

	onFrame func(data []byte)
	onState func(connected bool, err error)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	gen       int // bumped per physical connection, stops stale loops
}

func newTransport(url string, token string, cfg Config, onFrame func([]byte), onState func(bool, error)) *transport {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &transport{
		url:     url,
		header:  header,
		cfg:     cfg,
		onFrame: onFrame,
		onState: onState,
	}
}

// dial establishes the channel. It resolves once the WebSocket
// handshake completes and fails otherwise. It never retries on its
// own; retry is the reconnect loop's job after a live channel drops.
func (t *transport) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	t.conn = conn
	t.connected = true
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	go t.readLoop(conn, gen)
	go t.pingLoop(conn, gen)
	return nil
}

// send enqueues one frame. Failures are logged, never returned: the
// delivery contract is "at least attempted while connected".
func (t *transport) send(data []byte) {
	t.mu.Lock()
	conn := t.conn
	ok := t.connected
	if ok {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		err := conn.WriteMessage(websocket.TextMessage, data)
		t.mu.Unlock()
		if err != nil {
			log.Printf("[Transport] write failed: %v", err)
		}
		return
	}
	t.mu.Unlock()
	log.Printf("[Transport] send while disconnected, dropping frame")
}

// close tears down the channel and stops the reconnect loop. Idempotent.
func (t *transport) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.connected = false
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (t *transport) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDrop(conn, gen, err)
			return
		}
		t.onFrame(data)
	}
}

func (t *transport) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		stale := t.closed || t.gen != gen || !t.connected
		t.mu.Unlock()
		if stale {
			return
		}
		// WriteControl is safe against a concurrent data write; a plain
		// WriteMessage here would interleave with send.
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
			return
		}
	}
}

// handleDrop marks the channel down and starts the reconnect loop
// unless close() already won.
func (t *transport) handleDrop(conn *websocket.Conn, gen int, cause error) {
	t.mu.Lock()
	if t.closed || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.conn = nil
	t.mu.Unlock()

	conn.Close()
	log.Printf("[Transport] connection lost: %v", cause)
	t.onState(false, cause)
	go t.reconnectLoop()
}

// reconnectLoop redials with doubling delay up to the configured bound.
// A successful redial emits a connected notification; the session layer
// re-runs the join handshake, the transport never resumes context.
func (t *transport) reconnectLoop() {
	delay := t.cfg.ReconnectDelay
	for {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		time.Sleep(delay)
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
		err := t.dial(ctx)
		cancel()
		if err == nil {
			t.onState(true, nil)
			return
		}
		if errors.Is(err, ErrNotConnected) {
			return
		}
		log.Printf("[Transport] reconnect failed: %v", err)
		delay *= 2
		if delay > t.cfg.MaxReconnectDelay {
			delay = t.cfg.MaxReconnectDelay
		}
	}
}
