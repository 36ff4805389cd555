package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sketchsync/protocol"
)

// presenceTTL is refreshed by the room heartbeat; a user whose key
// lapses reads as offline even if the leave event never arrived.
const presenceTTL = 90 * time.Second

const updatesChannel = "collab_presence"

// Update is published on every presence transition so sibling server
// instances can mirror rosters.
type Update struct {
	BoardID string            `json:"boardId"`
	User    protocol.UserInfo `json:"user"`
	Online  bool              `json:"online"`
}

// Manager tracks which users are on which board in Redis, for
// deployments running more than one server instance.
type Manager struct {
	client *redis.Client
}

func NewManager(addr, password string, db int) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Manager{client: client}, nil
}

func boardKey(boardID string) string {
	return "board:" + boardID + ":users"
}

func userKey(boardID, userID string) string {
	return fmt.Sprintf("board:%s:user:%s", boardID, userID)
}

// SetOnline records a user on a board and announces it.
func (m *Manager) SetOnline(ctx context.Context, boardID string, user protocol.UserInfo) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, boardKey(boardID), user.UserID)
	pipe.Set(ctx, userKey(boardID, user.UserID), data, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return m.publish(ctx, Update{BoardID: boardID, User: user, Online: true})
}

// Heartbeat extends a user's presence TTL.
func (m *Manager) Heartbeat(ctx context.Context, boardID, userID string) error {
	ok, err := m.client.Expire(ctx, userKey(boardID, userID), presenceTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %s not present on board %s", userID, boardID)
	}
	return nil
}

// SetOffline removes a user from a board and announces it.
func (m *Manager) SetOffline(ctx context.Context, boardID, userID string) error {
	pipe := m.client.TxPipeline()
	pipe.SRem(ctx, boardKey(boardID), userID)
	pipe.Del(ctx, userKey(boardID, userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return m.publish(ctx, Update{BoardID: boardID, User: protocol.UserInfo{UserID: userID}, Online: false})
}

// BoardUsers returns the cross-instance roster for a board, pruning
// members whose TTL lapsed.
func (m *Manager) BoardUsers(ctx context.Context, boardID string) ([]protocol.UserInfo, error) {
	ids, err := m.client.SMembers(ctx, boardKey(boardID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = userKey(boardID, id)
	}
	vals, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	users := make([]protocol.UserInfo, 0, len(vals))
	for i, val := range vals {
		raw, ok := val.(string)
		if !ok {
			// TTL lapsed without a leave event; drop the stale member.
			m.client.SRem(ctx, boardKey(boardID), ids[i])
			continue
		}
		var u protocol.UserInfo
		if err := json.Unmarshal([]byte(raw), &u); err == nil {
			users = append(users, u)
		}
	}
	return users, nil
}

func (m *Manager) publish(ctx context.Context, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, updatesChannel, data).Err()
}

// Subscribe returns the pub/sub stream of presence transitions.
func (m *Manager) Subscribe(ctx context.Context) *redis.PubSub {
	return m.client.Subscribe(ctx, updatesChannel)
}

func (m *Manager) Close() error {
	return m.client.Close()
}
