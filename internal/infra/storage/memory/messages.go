package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"skillchat/internal/domain/chat"
)

// ErrMessageIDRequired is returned when saving a message without an id.
var ErrMessageIDRequired = errors.New("memory: message id is required")

// MessageRepository is an in-memory implementation for the stub backend.
type MessageRepository struct {
	mu    sync.RWMutex
	items []chat.Message
	index map[chat.MessageID]int
}

// NewMessageRepository builds an empty repository.
func NewMessageRepository() *MessageRepository {
	return &MessageRepository{index: make(map[chat.MessageID]int)}
}

// Save stores or replaces a message.
func (r *MessageRepository) Save(_ context.Context, msg chat.Message) error {
	if msg.ID == "" {
		return ErrMessageIDRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[msg.ID]; ok {
		r.items[i] = msg
		return nil
	}
	r.index[msg.ID] = len(r.items)
	r.items = append(r.items, msg)
	return nil
}

// Conversation returns one page of the messages exchanged by a and b,
// oldest first. Page 1 holds the newest messages.
func (r *MessageRepository) Conversation(_ context.Context, a, b chat.UserID, q chat.PageQuery) ([]chat.Message, error) {
	q = q.Normalized()
	r.mu.RLock()
	var msgs []chat.Message
	for _, msg := range r.items {
		if !between(msg, a, b) {
			continue
		}
		if !q.Before.IsZero() && !msg.CreatedAt.Before(q.Before) {
			continue
		}
		msgs = append(msgs, msg)
	}
	r.mu.RUnlock()

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	end := len(msgs) - (q.Page-1)*q.Limit
	if end <= 0 {
		return []chat.Message{}, nil
	}
	start := end - q.Limit
	if start < 0 {
		start = 0
	}
	return append([]chat.Message{}, msgs[start:end]...), nil
}

// MarkRead flips unread messages from sender to reader.
func (r *MessageRepository) MarkRead(_ context.Context, reader, sender chat.UserID) ([]chat.MessageID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []chat.MessageID
	for i := range r.items {
		msg := &r.items[i]
		if msg.SenderID == sender && msg.ReceiverID == reader && !msg.IsRead {
			msg.IsRead = true
			ids = append(ids, msg.ID)
		}
	}
	return ids, nil
}

func between(msg chat.Message, a, b chat.UserID) bool {
	return (msg.SenderID == a && msg.ReceiverID == b) || (msg.SenderID == b && msg.ReceiverID == a)
}

var _ chat.MessageRepository = (*MessageRepository)(nil)
