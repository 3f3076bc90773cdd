package store

import (
	"time"

	"skillchat/internal/domain/chat"
)

// SetRosterLoading flips the roster loading flag.
func SetRosterLoading(loading bool) Reducer {
	return func(s State) (State, bool) {
		if s.LoadingRoster == loading {
			return s, false
		}
		s.LoadingRoster = loading
		return s, true
	}
}

// SetRoster replaces the roster, ordered by connection time. A selection
// whose friend disappeared is cleared.
func SetRoster(friends []chat.Friend) Reducer {
	return func(s State) (State, bool) {
		roster := append([]chat.Friend(nil), friends...)
		chat.SortRoster(roster)
		s.Friends = roster
		s.LoadingRoster = false
		if s.ActiveID != "" {
			if _, ok := chat.FindFriend(roster, s.ActiveID); !ok {
				s = clearSelection(s)
			}
		}
		return s.syncActiveUnread(), true
	}
}

// SelectFriend makes id the active conversation. The message list and the
// fetch hash are cleared so the next fetch always applies. Reselecting the
// active friend is a no-op.
func SelectFriend(id chat.UserID) Reducer {
	return func(s State) (State, bool) {
		if id == "" || id == s.ActiveID {
			return s, false
		}
		if s.friendIndex(id) < 0 {
			return s, false
		}
		s.ActiveID = id
		s.Messages = nil
		s.FetchHash = 0
		s.HasFetchHash = false
		s.LoadingChat = true
		if s.MobileLayout {
			s.ShowRoster = false
		}
		return s, true
	}
}

// ClearSelection closes the active conversation.
func ClearSelection() Reducer {
	return func(s State) (State, bool) {
		if s.ActiveID == "" {
			return s, false
		}
		return clearSelection(s), true
	}
}

func clearSelection(s State) State {
	s.ActiveID = ""
	s.Messages = nil
	s.FetchHash = 0
	s.HasFetchHash = false
	s.LoadingChat = false
	if s.MobileLayout {
		s.ShowRoster = true
	}
	return s
}

// ApplyFetch merges a fetched batch for friendID. It is dropped when the
// friend is no longer active or when hash matches the last applied batch.
// Pending messages still in flight survive the merge; they are resolved
// only by their own send.
func ApplyFetch(friendID chat.UserID, batch []chat.Message, hash uint64) Reducer {
	return func(s State) (State, bool) {
		if friendID == "" || s.ActiveID != friendID {
			return s, false
		}
		if s.HasFetchHash && s.FetchHash == hash {
			if !s.LoadingChat {
				return s, false
			}
			s.LoadingChat = false
			return s, true
		}
		friend, _ := chat.FindFriend(s.Friends, friendID)
		merged := make([]chat.Message, 0, len(batch)+1)
		for _, msg := range batch {
			merged = append(merged, annotate(msg, friend))
		}
		for _, msg := range s.Messages {
			if msg.ID.Pending() {
				merged = append(merged, msg)
			}
		}
		s.Messages = chat.Normalize(merged)
		s.FetchHash = hash
		s.HasFetchHash = true
		s.LoadingChat = false
		return s.syncActiveUnread(), true
	}
}

// FetchFailed clears the loading flag for friendID.
func FetchFailed(friendID chat.UserID) Reducer {
	return func(s State) (State, bool) {
		if s.ActiveID != friendID || !s.LoadingChat {
			return s, false
		}
		s.LoadingChat = false
		return s, true
	}
}

// annotate fills sender and receiver display fields the server left empty
// from the roster entry of the peer.
func annotate(msg chat.Message, peer chat.Friend) chat.Message {
	if peer.ID == "" {
		return msg
	}
	if msg.SenderID == peer.ID {
		if msg.SenderName == "" {
			msg.SenderName = peer.Name
		}
		if msg.SenderPicture == "" {
			msg.SenderPicture = peer.PictureURL()
		}
		return msg
	}
	if msg.SenderName == "" {
		msg.SenderName = chat.SelfDisplayName
	}
	if msg.ReceiverID == peer.ID {
		if msg.ReceiverName == "" {
			msg.ReceiverName = peer.Name
		}
		if msg.ReceiverPicture == "" {
			msg.ReceiverPicture = peer.PictureURL()
		}
	}
	return msg
}

// AppendPending adds an optimistic message and stamps the receiver's
// roster preview.
func AppendPending(msg chat.Message) Reducer {
	return func(s State) (State, bool) {
		if !msg.ID.Pending() {
			return s, false
		}
		s, ok := s.updateFriend(msg.ReceiverID, func(f chat.Friend) chat.Friend {
			return f.WithPreview(msg)
		})
		if s.ActiveID == msg.ReceiverID {
			s.Messages = chat.Normalize(append(append([]chat.Message(nil), s.Messages...), msg))
			ok = true
		}
		return s, ok
	}
}

// ConfirmPending swaps the pending entry for its server copy in place. If
// the server copy already arrived through a fetch, the pending entry is
// dropped instead so the message is not shown twice.
func ConfirmPending(friendID chat.UserID, pendingID chat.MessageID, confirmed chat.Message) Reducer {
	return func(s State) (State, bool) {
		s, changed := s.updateFriend(friendID, func(f chat.Friend) chat.Friend {
			return f.WithPreview(confirmed)
		})
		if s.ActiveID != friendID {
			return s, changed
		}
		friend, _ := chat.FindFriend(s.Friends, friendID)
		confirmed = annotate(confirmed, friend)
		msgs := append([]chat.Message(nil), s.Messages...)
		pending := chat.IndexOf(msgs, pendingID)
		existing := chat.IndexOf(msgs, confirmed.ID)
		switch {
		case existing >= 0 && pending >= 0:
			msgs = append(msgs[:pending], msgs[pending+1:]...)
		case existing >= 0:
			return s, changed
		case pending >= 0:
			msgs[pending] = confirmed
		default:
			msgs = append(msgs, confirmed)
		}
		s.Messages = chat.Normalize(msgs)
		return s.syncActiveUnread(), true
	}
}

// RollbackPending removes exactly the pending entry of a failed send. The
// preview falls back to the newest confirmed message when one is loaded.
func RollbackPending(friendID chat.UserID, pendingID chat.MessageID) Reducer {
	return func(s State) (State, bool) {
		if s.ActiveID != friendID {
			return s, false
		}
		i := chat.IndexOf(s.Messages, pendingID)
		if i < 0 {
			return s, false
		}
		msgs := make([]chat.Message, 0, len(s.Messages)-1)
		msgs = append(msgs, s.Messages[:i]...)
		msgs = append(msgs, s.Messages[i+1:]...)
		s.Messages = msgs
		for j := len(msgs) - 1; j >= 0; j-- {
			if msgs[j].ID.Pending() {
				continue
			}
			last := msgs[j]
			s, _ = s.updateFriend(friendID, func(f chat.Friend) chat.Friend {
				return f.WithPreview(last)
			})
			break
		}
		return s, true
	}
}

// ReceiveMessage applies a pushed message. Messages from the active friend
// join the conversation; others bump the sender's unread count and preview.
// Before the first fetch lands the active friend's count is bumped too.
func ReceiveMessage(msg chat.Message) Reducer {
	return func(s State) (State, bool) {
		sender := msg.SenderID
		friend, ok := chat.FindFriend(s.Friends, sender)
		if !ok {
			return s, false
		}
		if s.ActiveID == sender {
			if chat.IndexOf(s.Messages, msg.ID) >= 0 {
				return s, false
			}
			msg = annotate(msg, friend)
			bump := !s.HasFetchHash && !msg.IsRead
			s.Messages = chat.Normalize(append(append([]chat.Message(nil), s.Messages...), msg))
			s, _ = s.updateFriend(sender, func(f chat.Friend) chat.Friend {
				if bump {
					f.UnreadCount++
				}
				return f.WithPreview(msg)
			})
			return s.syncActiveUnread(), true
		}
		return s.updateFriend(sender, func(f chat.Friend) chat.Friend {
			if !msg.IsRead {
				f.UnreadCount++
			}
			return f.WithPreview(msg)
		})
	}
}

// MarkConversationRead flips every message from friendID to read and zeroes
// the friend's unread count.
func MarkConversationRead(friendID chat.UserID) Reducer {
	return func(s State) (State, bool) {
		changed := false
		if s.ActiveID == friendID {
			var msgs []chat.Message
			for i, msg := range s.Messages {
				if msg.SenderID != friendID || msg.IsRead {
					continue
				}
				if msgs == nil {
					msgs = append([]chat.Message(nil), s.Messages...)
				}
				msgs[i].IsRead = true
			}
			if msgs != nil {
				s.Messages = msgs
				changed = true
			}
		}
		if f, ok := chat.FindFriend(s.Friends, friendID); ok && f.UnreadCount != 0 {
			s, _ = s.updateFriend(friendID, func(f chat.Friend) chat.Friend {
				f.UnreadCount = 0
				return f
			})
			changed = true
		}
		return s, changed
	}
}

// MarkMessagesRead applies a read receipt to the listed ids.
func MarkMessagesRead(ids []chat.MessageID) Reducer {
	return func(s State) (State, bool) {
		if len(ids) == 0 || len(s.Messages) == 0 {
			return s, false
		}
		want := make(map[chat.MessageID]struct{}, len(ids))
		for _, id := range ids {
			want[id] = struct{}{}
		}
		var msgs []chat.Message
		for i, msg := range s.Messages {
			if _, ok := want[msg.ID]; !ok || msg.IsRead {
				continue
			}
			if msgs == nil {
				msgs = append([]chat.Message(nil), s.Messages...)
			}
			msgs[i].IsRead = true
		}
		if msgs == nil {
			return s, false
		}
		s.Messages = msgs
		return s.syncActiveUnread(), true
	}
}

// StampActivity records when a friend was last active.
func StampActivity(id chat.UserID, at time.Time) Reducer {
	return func(s State) (State, bool) {
		if at.IsZero() {
			return s, false
		}
		f, ok := chat.FindFriend(s.Friends, id)
		if !ok || f.LastActiveAt.Equal(at) {
			return s, false
		}
		return s.updateFriend(id, func(f chat.Friend) chat.Friend {
			f.LastActiveAt = at
			return f
		})
	}
}

// ResolvePictures stores resolved avatar URLs keyed by friend id.
func ResolvePictures(urls map[chat.UserID]string) Reducer {
	return func(s State) (State, bool) {
		changed := false
		for id, url := range urls {
			f, ok := chat.FindFriend(s.Friends, id)
			if !ok || f.ResolvedPicture == url {
				continue
			}
			s, _ = s.updateFriend(id, func(f chat.Friend) chat.Friend {
				f.ResolvedPicture = url
				return f
			})
			changed = true
		}
		return s, changed
	}
}

// RemoveFriend drops a friend from the roster, closing the conversation if
// it was active.
func RemoveFriend(id chat.UserID) Reducer {
	return func(s State) (State, bool) {
		i := s.friendIndex(id)
		if i < 0 {
			return s, false
		}
		friends := make([]chat.Friend, 0, len(s.Friends)-1)
		friends = append(friends, s.Friends[:i]...)
		friends = append(friends, s.Friends[i+1:]...)
		s.Friends = friends
		if s.ActiveID == id {
			s = clearSelection(s)
		}
		return s, true
	}
}

// SetLayout switches between the split and the single-panel mobile layout.
func SetLayout(mobile bool) Reducer {
	return func(s State) (State, bool) {
		if s.MobileLayout == mobile {
			return s, false
		}
		s.MobileLayout = mobile
		s.ShowRoster = !mobile || s.ActiveID == ""
		return s, true
	}
}

// ShowRoster toggles the roster panel.
func ShowRoster(show bool) Reducer {
	return func(s State) (State, bool) {
		if s.ShowRoster == show {
			return s, false
		}
		s.ShowRoster = show
		return s, true
	}
}

// SetDraft stores the composer text.
func SetDraft(text string) Reducer {
	return func(s State) (State, bool) {
		if s.Draft == text {
			return s, false
		}
		s.Draft = text
		return s, true
	}
}

// ClearDraft empties the composer only if it still holds text, so input
// typed while a send was in flight is kept.
func ClearDraft(text string) Reducer {
	return func(s State) (State, bool) {
		if s.Draft != text || text == "" {
			return s, false
		}
		s.Draft = ""
		return s, true
	}
}

// Reset returns to the initial state, keeping only the layout.
func Reset() Reducer {
	return func(s State) (State, bool) {
		next := State{MobileLayout: s.MobileLayout, ShowRoster: true}
		return next, true
	}
}
