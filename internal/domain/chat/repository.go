package chat

import (
	"context"
	"errors"
	"time"
)

var ErrConnectionNotFound = errors.New("chat: connection not found")

// PageQuery selects one page of a conversation, newest page first.
type PageQuery struct {
	Page   int
	Limit  int
	Before time.Time
}

// Normalized fills in defaults for unset fields.
func (q PageQuery) Normalized() PageQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	return q
}

// MessageRepository stores direct messages on the server side.
type MessageRepository interface {
	Save(ctx context.Context, msg Message) error
	Conversation(ctx context.Context, a, b UserID, q PageQuery) ([]Message, error)
	// MarkRead flips every unread message from sender to reader and returns their ids.
	MarkRead(ctx context.Context, reader, sender UserID) ([]MessageID, error)
}

// ConnectionRepository stores accepted connections.
type ConnectionRepository interface {
	Friends(ctx context.Context, user UserID) ([]Friend, error)
	Connect(ctx context.Context, a, b Friend, at time.Time) error
	Delete(ctx context.Context, user, friend UserID) error
}
