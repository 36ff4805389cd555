package protocol

import (
	"encoding/json"
	"time"
)

// UserInfo identifies a collaborator as shown to other clients.
type UserInfo struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// JoinPayload opens a board session after the transport handshake.
type JoinPayload struct {
	BoardID string   `json:"boardId"`
	User    UserInfo `json:"user"`
}

// ElementPayload carries an addressable drawing object. Data is opaque
// to the collaboration layer; only the IDs and version are interpreted.
type ElementPayload struct {
	ElementID string          `json:"elementId"`
	PageID    string          `json:"pageId"`
	Kind      string          `json:"kind,omitempty"` // shape, image, text, stroke, table
	Data      json.RawMessage `json:"data,omitempty"`
	Version   int64           `json:"version,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Transient bool            `json:"transient,omitempty"` // mid-gesture update, relay only
}

// Point is a single sample of an in-progress stroke.
type Point struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Pressure float64 `json:"pressure,omitempty"`
}

// StrokeInit is the metadata a late joiner needs to render a stroke
// from scratch. It travels with the first point batch of every stroke.
type StrokeInit struct {
	Tool  string  `json:"tool"`
	Color string  `json:"color"`
	Width float64 `json:"width"`
}

// StrokePointsPayload appends a point batch to an in-progress stroke.
// Init is non-nil only on the stroke's first batch.
type StrokePointsPayload struct {
	PageID   string      `json:"pageId"`
	StrokeID string      `json:"strokeId"`
	Points   []Point     `json:"points"`
	Init     *StrokeInit `json:"init,omitempty"`
	UserID   string      `json:"userId,omitempty"`
}

// StrokeInitPayload replays a whole in-progress stroke to a late joiner.
type StrokeInitPayload struct {
	PageID   string     `json:"pageId"`
	StrokeID string     `json:"strokeId"`
	Points   []Point    `json:"points"`
	Init     StrokeInit `json:"init"`
	UserID   string     `json:"userId"`
}

// StrokeEndPayload marks a stroke complete.
type StrokeEndPayload struct {
	PageID   string `json:"pageId"`
	StrokeID string `json:"strokeId"`
	UserID   string `json:"userId,omitempty"`
}

// PagePayload carries page create/update/delete/switch operations.
type PagePayload struct {
	PageID string `json:"pageId"`
	Name   string `json:"name,omitempty"`
	Index  int    `json:"index,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// UserJoinPayload announces a new collaborator. Users is the full
// roster after the join so clients rebuild it wholesale.
type UserJoinPayload struct {
	User  UserInfo   `json:"user"`
	Users []UserInfo `json:"users"`
}

// UserLeavePayload announces a departure, again with the full roster.
type UserLeavePayload struct {
	UserID string     `json:"userId"`
	Users  []UserInfo `json:"users"`
}

// SyncProgressPayload reports one step of the chunked initial sync.
type SyncProgressPayload struct {
	Phase    string           `json:"phase"` // start, chunk, end
	Progress int              `json:"progress"`
	Elements []ElementPayload `json:"elements,omitempty"`
	Pages    []PagePayload    `json:"pages,omitempty"`
}

// SyncCompletePayload closes the handshake with the authoritative
// document version and the active roster.
type SyncCompletePayload struct {
	Version int64      `json:"version"`
	Users   []UserInfo `json:"users"`
}

// Lock is an exclusive editing grant on one element. The server is the
// arbiter; clients treat their copy as a hint.
type Lock struct {
	ElementID string    `json:"elementId"`
	PageID    string    `json:"pageId"`
	UserID    string    `json:"userId"`
	LockToken string    `json:"lockToken"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LockRequestPayload asks for exclusive editing rights on an element.
type LockRequestPayload struct {
	ElementID string `json:"elementId"`
	PageID    string `json:"pageId"`
}

// LockReleasePayload gives a lock back.
type LockReleasePayload struct {
	ElementID string `json:"elementId"`
}

// LockAcquiredPayload broadcasts a granted lock. Locks is the complete
// lock table so clients rebuild rather than patch.
type LockAcquiredPayload struct {
	Lock  Lock   `json:"lock"`
	Locks []Lock `json:"locks"`
}

// LockReleasedPayload broadcasts a released lock with the full table.
type LockReleasedPayload struct {
	ElementID string `json:"elementId"`
	UserID    string `json:"userId"`
	Locks     []Lock `json:"locks"`
}

// LockRejectedPayload tells a requester who actually holds the lock.
type LockRejectedPayload struct {
	ElementID string `json:"elementId"`
	PageID    string `json:"pageId"`
	LockedBy  string `json:"lockedBy"`
	Locks     []Lock `json:"locks"`
}

// VersionConflictPayload signals a rejected operation and carries the
// server's authoritative document version.
type VersionConflictPayload struct {
	ElementID string `json:"elementId,omitempty"`
	Version   int64  `json:"version"`
}

// CursorMovePayload broadcasts a pointer position. Purely cosmetic.
type CursorMovePayload struct {
	UserID string  `json:"userId,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}
