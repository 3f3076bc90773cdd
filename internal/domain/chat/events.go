package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownEvent   = errors.New("chat: unknown event")
	ErrMalformedEvent = errors.New("chat: malformed event payload")
)

// EventName is the server-push event discriminator.
type EventName string

const (
	EventMessageReceived EventName = "message:received"
	EventMessageStatus   EventName = "message:status"
	EventUserStatus      EventName = "user:status"
	EventUserTyping      EventName = "user:typing"
	EventUsersOnline     EventName = "users:online"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// ReceiptRead is the only message status the client acts on.
const ReceiptRead = "read"

// Event is one decoded server-push event.
type Event interface {
	Name() EventName
}

type MessageReceived struct {
	SenderID UserID  `json:"senderId"`
	Message  Message `json:"message"`
}

type MessageStatusChanged struct {
	MessageIDs []MessageID `json:"messageIds"`
	Status     string      `json:"status"`
}

type UserStatusChanged struct {
	UserID     UserID         `json:"userId"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"-"`
}

type UserTyping struct {
	UserID   UserID `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type OnlineRosterReplaced struct {
	UserIDs []UserID
}

func (MessageReceived) Name() EventName      { return EventMessageReceived }
func (MessageStatusChanged) Name() EventName { return EventMessageStatus }
func (UserStatusChanged) Name() EventName    { return EventUserStatus }
func (UserTyping) Name() EventName           { return EventUserTyping }
func (OnlineRosterReplaced) Name() EventName { return EventUsersOnline }

// DecodeEvent validates a named push payload and returns its typed form.
// Anything that does not match a known shape is rejected.
func DecodeEvent(name string, data []byte) (Event, error) {
	switch EventName(name) {
	case EventMessageReceived:
		var ev MessageReceived
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, malformed(name, err)
		}
		if ev.SenderID == "" || ev.Message.ID == "" {
			return nil, malformed(name, errors.New("sender and message id are required"))
		}
		if ev.Message.SenderID == "" {
			ev.Message.SenderID = ev.SenderID
		}
		return ev, nil
	case EventMessageStatus:
		var ev MessageStatusChanged
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, malformed(name, err)
		}
		if ev.Status == "" {
			return nil, malformed(name, errors.New("status is required"))
		}
		return ev, nil
	case EventUserStatus:
		var raw struct {
			UserID   UserID         `json:"userId"`
			Status   PresenceStatus `json:"status"`
			LastSeen *time.Time     `json:"lastSeen"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, malformed(name, err)
		}
		if raw.UserID == "" {
			return nil, malformed(name, errors.New("userId is required"))
		}
		if raw.Status != StatusOnline && raw.Status != StatusOffline {
			return nil, malformed(name, fmt.Errorf("unsupported status %q", raw.Status))
		}
		ev := UserStatusChanged{UserID: raw.UserID, Status: raw.Status}
		if raw.LastSeen != nil {
			ev.LastSeenAt = raw.LastSeen.UTC()
		}
		return ev, nil
	case EventUserTyping:
		var raw struct {
			UserID   UserID `json:"userId"`
			IsTyping *bool  `json:"isTyping"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, malformed(name, err)
		}
		if raw.UserID == "" || raw.IsTyping == nil {
			return nil, malformed(name, errors.New("userId and isTyping are required"))
		}
		return UserTyping{UserID: raw.UserID, IsTyping: *raw.IsTyping}, nil
	case EventUsersOnline:
		var ids []UserID
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, malformed(name, err)
		}
		return OnlineRosterReplaced{UserIDs: ids}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
}

// EncodeEvent renders ev the way the push stream carries it.
func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case OnlineRosterReplaced:
		ids := e.UserIDs
		if ids == nil {
			ids = []UserID{}
		}
		return json.Marshal(ids)
	case UserStatusChanged:
		payload := map[string]any{"userId": e.UserID, "status": e.Status}
		if !e.LastSeenAt.IsZero() {
			payload["lastSeen"] = e.LastSeenAt
		}
		return json.Marshal(payload)
	default:
		return json.Marshal(ev)
	}
}

func malformed(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, name, err)
}
