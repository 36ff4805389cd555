package store

import (
	"context"
	"errors"

	"sketchsync/protocol"
)

var ErrNotFound = errors.New("not found")

// Store persists board state between sessions. The hub is the only
// writer; reads feed the chunked initial sync and the board history
// endpoint.
type Store interface {
	Elements(ctx context.Context, boardID string) ([]protocol.ElementPayload, error)
	SaveElement(ctx context.Context, boardID string, el protocol.ElementPayload) error
	DeleteElement(ctx context.Context, boardID, elementID string) error

	Pages(ctx context.Context, boardID string) ([]protocol.PagePayload, error)
	SavePage(ctx context.Context, boardID string, p protocol.PagePayload) error
	DeletePage(ctx context.Context, boardID, pageID string) error

	Version(ctx context.Context, boardID string) (int64, error)
	SaveVersion(ctx context.Context, boardID string, version int64) error
}
