package store

import (
	"skillchat/internal/domain/chat"
)

// State is one immutable snapshot of the chat view. Reducers never mutate
// the slices of a state they receive; they build new ones.
type State struct {
	Friends  []chat.Friend
	ActiveID chat.UserID
	// Messages holds the active conversation only, ordered by CreatedAt.
	Messages []chat.Message
	// FetchHash is the content hash of the last applied fetch batch.
	FetchHash    uint64
	HasFetchHash bool

	Draft         string
	MobileLayout  bool
	ShowRoster    bool
	LoadingRoster bool
	LoadingChat   bool

	Version uint64
}

// ActiveFriend returns the roster entry of the selected conversation.
func (s State) ActiveFriend() (chat.Friend, bool) {
	if s.ActiveID == "" {
		return chat.Friend{}, false
	}
	return chat.FindFriend(s.Friends, s.ActiveID)
}

// UnreadTotal sums unread counts across the roster.
func (s State) UnreadTotal() int {
	total := 0
	for _, f := range s.Friends {
		total += f.UnreadCount
	}
	return total
}

// Clone returns a deep copy safe to hand to code outside the store.
func (s State) Clone() State {
	s.Friends = append([]chat.Friend(nil), s.Friends...)
	s.Messages = append([]chat.Message(nil), s.Messages...)
	return s
}

func (s State) friendIndex(id chat.UserID) int {
	for i, f := range s.Friends {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// updateFriend replaces the roster entry for id with fn's result on a fresh
// roster slice.
func (s State) updateFriend(id chat.UserID, fn func(chat.Friend) chat.Friend) (State, bool) {
	i := s.friendIndex(id)
	if i < 0 {
		return s, false
	}
	friends := append([]chat.Friend(nil), s.Friends...)
	friends[i] = fn(friends[i])
	s.Friends = friends
	return s, true
}

// syncActiveUnread recomputes the active friend's unread count from the
// loaded conversation. Until a fetch has been applied the list is partial
// and the roster count stands.
func (s State) syncActiveUnread() State {
	if s.ActiveID == "" || !s.HasFetchHash {
		return s
	}
	unread := chat.CountUnread(s.Messages, s.ActiveID)
	i := s.friendIndex(s.ActiveID)
	if i < 0 || s.Friends[i].UnreadCount == unread {
		return s
	}
	s, _ = s.updateFriend(s.ActiveID, func(f chat.Friend) chat.Friend {
		f.UnreadCount = unread
		return f
	})
	return s
}
