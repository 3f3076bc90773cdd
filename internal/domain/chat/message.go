package chat

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrContentRequired  = errors.New("chat: message content is required")
	ErrSenderRequired   = errors.New("chat: sender is required")
	ErrReceiverRequired = errors.New("chat: receiver is required")
)

// PendingPrefix marks message ids assigned locally before the server confirms a send.
const PendingPrefix = "temp-"

type UserID string

type MessageID string

// Pending reports whether the id was assigned locally to an unconfirmed send.
func (id MessageID) Pending() bool {
	return strings.HasPrefix(string(id), PendingPrefix)
}

// NewPendingID returns a fresh pending id. The uuid suffix keeps ids unique
// when two sends land in the same millisecond.
func NewPendingID(now time.Time) MessageID {
	return MessageID(PendingPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()[:8])
}

type Message struct {
	ID              MessageID `json:"id"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
	IsRead          bool      `json:"isread"`
	SenderID        UserID    `json:"sender_id"`
	SenderName      string    `json:"sender_name"`
	SenderPicture   string    `json:"sender_profile_pic"`
	ReceiverID      UserID    `json:"receiver_id"`
	ReceiverName    string    `json:"receiver_name"`
	ReceiverPicture string    `json:"receiver_profile_pic"`
}

type PendingParams struct {
	Content  string
	Sender   UserID
	Receiver Friend
	Now      time.Time
}

// NewPendingMessage builds the optimistic copy of an outgoing message.
func NewPendingMessage(params PendingParams) (Message, error) {
	if strings.TrimSpace(params.Content) == "" {
		return Message{}, ErrContentRequired
	}
	if params.Sender == "" {
		return Message{}, ErrSenderRequired
	}
	if params.Receiver.ID == "" {
		return Message{}, ErrReceiverRequired
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	return Message{
		ID:              NewPendingID(now),
		Content:         params.Content,
		CreatedAt:       now,
		SenderID:        params.Sender,
		SenderName:      SelfDisplayName,
		ReceiverID:      params.Receiver.ID,
		ReceiverName:    params.Receiver.Name,
		ReceiverPicture: params.Receiver.PictureURL(),
	}, nil
}

// SelfDisplayName labels messages written by the signed-in user.
const SelfDisplayName = "You"

// SortMessages orders messages by creation time, oldest first. Ties keep
// their arrival order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// Normalize sorts msgs and collapses entries sharing a server id. The later
// entry wins, except that a message once seen as read stays read.
func Normalize(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	index := make(map[MessageID]int, len(msgs))
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		if i, ok := index[msg.ID]; ok {
			msg.IsRead = msg.IsRead || out[i].IsRead
			out[i] = msg
			continue
		}
		index[msg.ID] = len(out)
		out = append(out, msg)
	}
	SortMessages(out)
	return out
}

// CountUnread counts unread messages written by peer.
func CountUnread(msgs []Message, peer UserID) int {
	n := 0
	for _, msg := range msgs {
		if msg.SenderID == peer && !msg.IsRead {
			n++
		}
	}
	return n
}

// UnreadIDs lists the ids of unread messages written by peer.
func UnreadIDs(msgs []Message, peer UserID) []MessageID {
	var ids []MessageID
	for _, msg := range msgs {
		if msg.SenderID == peer && !msg.IsRead && !msg.ID.Pending() {
			ids = append(ids, msg.ID)
		}
	}
	return ids
}

// IndexOf returns the position of id in msgs or -1.
func IndexOf(msgs []Message, id MessageID) int {
	for i, msg := range msgs {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// FormatClock renders a preview timestamp the way the roster shows it.
func FormatClock(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("3:04 PM")
}
