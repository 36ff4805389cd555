package hub

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"sketchsync/protocol"
)

// textMessage is the WebSocket text opcode, shared by fasthttp and
// gorilla conns.
const textMessage = 1

// Conn is the slice of a WebSocket connection the hub needs. Both
// gofiber/contrib and gorilla connections satisfy it, which lets tests
// drive a room over an in-memory pipe.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connected collaborator within a room.
type Client struct {
	ID   string
	User protocol.UserInfo

	conn    Conn
	writeMu sync.Mutex
	room    *Room
}

func NewClient(user protocol.UserInfo, conn Conn) *Client {
	return &Client{
		ID:   uuid.New().String(),
		User: user,
		conn: conn,
	}
}

// ReadLoop forwards inbound frames into the room's serial inbox until
// the connection drops, then detaches. Run on the connection's
// goroutine; it returns when the socket closes.
func (c *Client) ReadLoop() {
	defer func() {
		if c.room != nil {
			c.room.Detach(c)
		}
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.room != nil {
			c.room.enqueue(message{kind: msgFrame, client: c, data: data})
		}
	}
}

func (c *Client) send(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(textMessage, data); err != nil {
		log.Printf("[Hub] send to %s failed: %v", c.User.UserID, err)
	}
}

func (c *Client) sendEnvelope(msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		log.Printf("[Hub] encode %s failed: %v", msgType, err)
		return
	}
	c.send(data)
}
