package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"skillchat/internal/domain/chat"
)

// ConnectionRepository keeps accepted connections in memory. Each side of a
// connection sees the other as a friend.
type ConnectionRepository struct {
	mu    sync.RWMutex
	seq   int
	links map[chat.UserID]map[chat.UserID]chat.Friend
}

// NewConnectionRepository returns an empty repository.
func NewConnectionRepository() *ConnectionRepository {
	return &ConnectionRepository{links: make(map[chat.UserID]map[chat.UserID]chat.Friend)}
}

// Friends lists the connections of user, newest first.
func (r *ConnectionRepository) Friends(_ context.Context, user chat.UserID) ([]chat.Friend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	friends := make([]chat.Friend, 0, len(r.links[user]))
	for _, f := range r.links[user] {
		friends = append(friends, f)
	}
	chat.SortRoster(friends)
	return friends, nil
}

// Connect links a and b. Connecting an existing pair refreshes the profiles.
func (r *ConnectionRepository) Connect(_ context.Context, a, b chat.Friend, at time.Time) error {
	if a.ID == "" || b.ID == "" {
		return chat.ErrFriendIDRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	connID := a.ConnectionID
	if existing, ok := r.links[a.ID][b.ID]; ok {
		connID = existing.ConnectionID
	}
	if connID == "" {
		r.seq++
		connID = "conn-" + strconv.Itoa(r.seq)
	}
	r.put(a.ID, b, connID, at)
	r.put(b.ID, a, connID, at)
	return nil
}

func (r *ConnectionRepository) put(owner chat.UserID, f chat.Friend, connID string, at time.Time) {
	if r.links[owner] == nil {
		r.links[owner] = make(map[chat.UserID]chat.Friend)
	}
	f.ConnectionID = connID
	f.CreatedAt = at.UTC()
	f.UnreadCount = 0
	f.LastMessagePreview = ""
	f.LastMessageTime = ""
	r.links[owner][f.ID] = f
}

// Delete removes the connection between user and friend on both sides.
func (r *ConnectionRepository) Delete(_ context.Context, user, friend chat.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[user][friend]; !ok {
		return chat.ErrConnectionNotFound
	}
	delete(r.links[user], friend)
	delete(r.links[friend], user)
	return nil
}

var _ chat.ConnectionRepository = (*ConnectionRepository)(nil)
