package ginserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	gin "github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"skillchat/internal/app/dto"
	"skillchat/internal/domain/chat"
)

// ChatHTTP exposes the message endpoints.
type ChatHTTP interface {
	SendMessage(c *gin.Context)
	FetchMessages(c *gin.Context)
	ListMessages(c *gin.Context)
	MarkConversationRead(c *gin.Context)
	MarkMessagesRead(c *gin.Context)
	Typing(c *gin.Context)
}

// ChatHandler stores messages and pushes the matching events to the
// receiver's open streams.
type ChatHandler struct {
	Messages    chat.MessageRepository
	Connections chat.ConnectionRepository
	Hub         *Hub
	Clock       clock.Clock
	Logger      *slog.Logger
}

// sendBody accepts both forms of POST /messages/send: a new message
// {sender_id, receiver_id, message: "text"} and a relay of an already
// stored one {receiverId, message: {...}}.
type sendBody struct {
	SenderID        string          `json:"sender_id"`
	ReceiverID      string          `json:"receiver_id"`
	RelayReceiverID string          `json:"receiverId"`
	Message         json.RawMessage `json:"message"`
}

func (h ChatHandler) SendMessage(c *gin.Context) {
	p, ok := requirePrincipal(c)
	if !ok {
		return
	}
	var req sendBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.RelayReceiverID != "" {
		h.relay(c, p, chat.UserID(req.RelayReceiverID), req.Message)
		return
	}

	var content string
	if err := json.Unmarshal(req.Message, &content); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message must be text"})
		return
	}
	content = strings.TrimSpace(content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	sender := chat.UserID(req.SenderID)
	if sender == "" {
		sender = p.ID
	}
	if sender != p.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot send as another user"})
		return
	}
	receiver := chat.UserID(req.ReceiverID)
	if receiver == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receiver_id is required"})
		return
	}

	ctx := c.Request.Context()
	msg := chat.Message{
		ID:         chat.MessageID(uuid.NewString()),
		Content:    content,
		CreatedAt:  h.now(),
		SenderID:   sender,
		ReceiverID: receiver,
	}
	h.decorate(ctx, &msg)
	if err := h.Messages.Save(ctx, msg); err != nil {
		h.logger().Error("save message", "sender_id", sender, "receiver_id", receiver, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send message"})
		return
	}
	h.push(ctx, receiver, msg)
	c.JSON(http.StatusCreated, msg)
}

func (h ChatHandler) relay(c *gin.Context, p principal, receiver chat.UserID, raw json.RawMessage) {
	var msg chat.Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message id is required"})
		return
	}
	if msg.SenderID == "" {
		msg.SenderID = p.ID
	}
	if msg.SenderID != p.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot relay another user's message"})
		return
	}
	h.push(c.Request.Context(), receiver, msg)
	c.JSON(http.StatusOK, dto.StatusResponse{Success: true})
}

// push delivers msg to receiver. The event id is the message id, so the
// store-time push and a later client relay reach the receiver once.
func (h ChatHandler) push(ctx context.Context, receiver chat.UserID, msg chat.Message) {
	ev := chat.MessageReceived{SenderID: msg.SenderID, Message: msg}
	if err := h.Hub.PublishEvent(ctx, receiver, "message/"+string(msg.ID), ev); err != nil {
		h.logger().Warn("push message", "message_id", msg.ID, "error", err)
	}
}

// decorate copies sender and receiver profiles from the connection rows.
func (h ChatHandler) decorate(ctx context.Context, msg *chat.Message) {
	if h.Connections == nil {
		return
	}
	if friends, err := h.Connections.Friends(ctx, msg.ReceiverID); err == nil {
		if f, ok := chat.FindFriend(friends, msg.SenderID); ok {
			msg.SenderName, msg.SenderPicture = f.Name, f.PictureRef
		}
	}
	if friends, err := h.Connections.Friends(ctx, msg.SenderID); err == nil {
		if f, ok := chat.FindFriend(friends, msg.ReceiverID); ok {
			msg.ReceiverName, msg.ReceiverPicture = f.Name, f.PictureRef
		}
	}
}

func (h ChatHandler) FetchMessages(c *gin.Context) {
	p, ok := requireSelf(c)
	if !ok {
		return
	}
	var req dto.FetchMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	q := chat.PageQuery{Page: req.Page, Limit: req.Limit}
	if req.Before != nil {
		q.Before = req.Before.UTC()
	}
	h.conversation(c, p.ID, chat.UserID(req.ReceiverID), q)
}

// ListMessages is the query-string form of FetchMessages.
func (h ChatHandler) ListMessages(c *gin.Context) {
	p, ok := requireSelf(c)
	if !ok {
		return
	}
	q := chat.PageQuery{
		Page:  parsePositiveInt(c.Query("page"), 1),
		Limit: parsePositiveInt(c.Query("limit"), 50),
	}
	if raw := c.Query("before"); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "before must be RFC 3339"})
			return
		}
		q.Before = before.UTC()
	}
	h.conversation(c, p.ID, chat.UserID(c.Query("receiver_id")), q)
}

func (h ChatHandler) conversation(c *gin.Context, user, peer chat.UserID, q chat.PageQuery) {
	if peer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receiver_id is required"})
		return
	}
	msgs, err := h.Messages.Conversation(c.Request.Context(), user, peer, q)
	if err != nil {
		h.logger().Error("load conversation", "user_id", user, "friend_id", peer, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch messages"})
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (h ChatHandler) MarkConversationRead(c *gin.Context) {
	p, ok := requirePrincipal(c)
	if !ok {
		return
	}
	var req dto.MarkAsReadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SenderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sender_id is required"})
		return
	}
	ctx := c.Request.Context()
	sender := chat.UserID(req.SenderID)
	ids, err := h.Messages.MarkRead(ctx, p.ID, sender)
	if err != nil {
		h.logger().Error("mark read", "user_id", p.ID, "sender_id", sender, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark messages as read"})
		return
	}
	h.receipt(ctx, sender, ids)
	c.JSON(http.StatusOK, dto.StatusResponse{Success: true, Message: "Messages marked as read"})
}

func (h ChatHandler) MarkMessagesRead(c *gin.Context) {
	if _, ok := requirePrincipal(c); !ok {
		return
	}
	var req dto.MarkMessagesReadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SenderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "senderId is required"})
		return
	}
	ids := make([]chat.MessageID, 0, len(req.MessageIDs))
	for _, id := range req.MessageIDs {
		if id != "" {
			ids = append(ids, chat.MessageID(id))
		}
	}
	h.receipt(c.Request.Context(), chat.UserID(req.SenderID), ids)
	c.JSON(http.StatusOK, dto.StatusResponse{Success: true})
}

func (h ChatHandler) receipt(ctx context.Context, sender chat.UserID, ids []chat.MessageID) {
	if len(ids) == 0 {
		return
	}
	ev := chat.MessageStatusChanged{MessageIDs: ids, Status: chat.ReceiptRead}
	if err := h.Hub.PublishEvent(ctx, sender, "", ev); err != nil {
		h.logger().Warn("push receipt", "sender_id", sender, "error", err)
	}
}

func (h ChatHandler) Typing(c *gin.Context) {
	p, ok := requirePrincipal(c)
	if !ok {
		return
	}
	var req dto.TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ReceiverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receiverId is required"})
		return
	}
	ev := chat.UserTyping{UserID: p.ID, IsTyping: req.IsTyping}
	if err := h.Hub.PublishEvent(c.Request.Context(), chat.UserID(req.ReceiverID), "", ev); err != nil {
		h.logger().Warn("push typing", "receiver_id", req.ReceiverID, "error", err)
	}
	c.JSON(http.StatusOK, dto.StatusResponse{Success: true})
}

func (h ChatHandler) now() time.Time {
	if h.Clock == nil {
		return time.Now().UTC()
	}
	return h.Clock.Now().UTC()
}

func (h ChatHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func parsePositiveInt(raw string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

var _ ChatHTTP = ChatHandler{}
