package dto

import (
	"time"

	"skillchat/internal/domain/chat"
)

// Connection is one roster row as returned by GET /connections/friends/:userId.
type Connection struct {
	ID                      string     `json:"id"`
	ConnectedUserID         string     `json:"connected_user_id"`
	ConnectedUserName       string     `json:"connected_user_name"`
	ConnectedUserProfession string     `json:"connected_user_profession"`
	ConnectedUserPicture    string     `json:"connected_user_profile_pic"`
	LastActive              *time.Time `json:"last_active,omitempty"`
	CreatedAt               *time.Time `json:"created_at,omitempty"`
	UnreadCount             int        `json:"unread_count"`
	LastMessage             string     `json:"last_message"`
	LastMessageTime         string     `json:"last_message_time"`
}

// Friend maps a roster row to the domain friend.
func (c Connection) Friend() chat.Friend {
	f := chat.Friend{
		ID:                 chat.UserID(c.ConnectedUserID),
		ConnectionID:       c.ID,
		Name:               c.ConnectedUserName,
		Profession:         c.ConnectedUserProfession,
		PictureRef:         c.ConnectedUserPicture,
		LastMessagePreview: c.LastMessage,
		LastMessageTime:    c.LastMessageTime,
		UnreadCount:        c.UnreadCount,
	}
	if f.UnreadCount < 0 {
		f.UnreadCount = 0
	}
	if c.LastActive != nil {
		f.LastActiveAt = c.LastActive.UTC()
	}
	if c.CreatedAt != nil {
		f.CreatedAt = c.CreatedAt.UTC()
	}
	return f
}

// ConnectionFromFriend renders a domain friend as a roster row.
func ConnectionFromFriend(f chat.Friend) Connection {
	c := Connection{
		ID:                      f.ConnectionID,
		ConnectedUserID:         string(f.ID),
		ConnectedUserName:       f.Name,
		ConnectedUserProfession: f.Profession,
		ConnectedUserPicture:    f.PictureRef,
		UnreadCount:             f.UnreadCount,
		LastMessage:             f.LastMessagePreview,
		LastMessageTime:         f.LastMessageTime,
	}
	if !f.LastActiveAt.IsZero() {
		at := f.LastActiveAt
		c.LastActive = &at
	}
	if !f.CreatedAt.IsZero() {
		at := f.CreatedAt
		c.CreatedAt = &at
	}
	return c
}

// SendMessageRequest is the body of POST /messages/send.
type SendMessageRequest struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Message    string `json:"message"`
}

// RelayMessageRequest is the side-channel form of POST /messages/send used
// to push an already stored message to its receiver.
type RelayMessageRequest struct {
	ReceiverID string       `json:"receiverId"`
	Message    chat.Message `json:"message"`
}

// FetchMessagesRequest is the body of POST /messages/:userId.
type FetchMessagesRequest struct {
	ReceiverID string     `json:"receiver_id"`
	Page       int        `json:"page,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Before     *time.Time `json:"before,omitempty"`
}

// MarkAsReadRequest is the body of PUT /messages/mark-as-read.
type MarkAsReadRequest struct {
	SenderID string `json:"sender_id"`
}

// MarkMessagesReadRequest is the body of POST /messages/read.
type MarkMessagesReadRequest struct {
	SenderID   string   `json:"senderId"`
	MessageIDs []string `json:"messageIds"`
}

// TypingRequest is the body of POST /messages/typing.
type TypingRequest struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// DeleteFriendRequest is the body of DELETE /connections/delete/:userId.
type DeleteFriendRequest struct {
	FriendID string `json:"friend_id"`
}

// StatusResponse is the generic {success, message} reply.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the body of non-2xx replies.
type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}
