package policies

import (
	"context"
	"errors"
	"time"

	"skillchat/internal/domain/chat"
)

// NoticeKind classifies user-facing notices.
type NoticeKind string

const (
	// NoticeConnectionLost is the soft notice for a dropped push stream.
	NoticeConnectionLost NoticeKind = "connection_lost"
	// NoticeAuthRequired asks the user to sign in again.
	NoticeAuthRequired     NoticeKind = "auth_required"
	NoticeSendFailed       NoticeKind = "send_failed"
	NoticeRosterLoadFailed NoticeKind = "roster_load_failed"
	NoticeFetchFailed      NoticeKind = "fetch_failed"
	NoticeRemoveFailed     NoticeKind = "remove_failed"
)

// Notice is one human-readable message for the user.
type Notice struct {
	Kind     NoticeKind  `json:"kind"`
	Title    string      `json:"title"`
	Message  string      `json:"message"`
	FriendID chat.UserID `json:"friend_id,omitempty"`
	Soft     bool        `json:"soft,omitempty"`
	At       time.Time   `json:"at"`
	Err      error       `json:"-"`
}

// Notifier delivers notices to the user or to downstream consumers.
type Notifier interface {
	Notify(ctx context.Context, notice Notice) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, notice Notice) error

func (f NotifierFunc) Notify(ctx context.Context, notice Notice) error {
	return f(ctx, notice)
}

// Fanout delivers every notice to each notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, notice Notice) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, notice); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ConnectionLost(err error) Notice {
	return Notice{Kind: NoticeConnectionLost, Title: "Connection lost", Message: "Real-time updates paused. Messages will refresh automatically.", Soft: true, Err: err}
}

func AuthRequired(err error) Notice {
	return Notice{Kind: NoticeAuthRequired, Title: "Authentication required", Message: "Authentication required. Please log in again.", Err: err}
}

func SendFailed(friend chat.UserID, err error) Notice {
	return Notice{Kind: NoticeSendFailed, Title: "Error", Message: "Failed to send message. Please try again.", FriendID: friend, Err: err}
}

func RosterLoadFailed(err error) Notice {
	return Notice{Kind: NoticeRosterLoadFailed, Title: "Error", Message: "Failed to load your contacts. Please try again.", Err: err}
}

func FetchFailed(friend chat.UserID, err error) Notice {
	return Notice{Kind: NoticeFetchFailed, Title: "Error", Message: "Failed to load messages. Please try again.", FriendID: friend, Err: err}
}

func RemoveFailed(friend chat.UserID, err error) Notice {
	return Notice{Kind: NoticeRemoveFailed, Title: "Error", Message: "Failed to remove friend. Please try again.", FriendID: friend, Err: err}
}
