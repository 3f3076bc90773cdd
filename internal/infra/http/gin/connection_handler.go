package ginserver

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	gin "github.com/gin-gonic/gin"

	"skillchat/internal/app/dto"
	"skillchat/internal/domain/chat"
)

// rosterScanLimit bounds how many recent messages feed a roster row's
// unread count and preview.
const rosterScanLimit = 200

type ConnectionHTTP interface {
	Friends(c *gin.Context)
	Delete(c *gin.Context)
}

type ConnectionHandler struct {
	Messages    chat.MessageRepository
	Connections chat.ConnectionRepository
	Hub         *Hub
	Clock       clock.Clock
	Logger      *slog.Logger
}

func (h ConnectionHandler) Friends(c *gin.Context) {
	p, ok := requireSelf(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	friends, err := h.Connections.Friends(ctx, p.ID)
	if err != nil {
		h.logger().Error("load friends", "user_id", p.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch friends"})
		return
	}
	rows := make([]dto.Connection, 0, len(friends))
	for _, f := range friends {
		msgs, err := h.Messages.Conversation(ctx, p.ID, f.ID, chat.PageQuery{Limit: rosterScanLimit})
		if err != nil {
			h.logger().Warn("roster preview", "user_id", p.ID, "friend_id", f.ID, "error", err)
		}
		f.UnreadCount = chat.CountUnread(msgs, f.ID)
		if len(msgs) > 0 {
			f = f.WithPreview(msgs[len(msgs)-1])
		}
		if h.Hub != nil {
			if h.Hub.Online(f.ID) {
				f.LastActiveAt = h.now()
			} else if at, ok := h.Hub.LastSeen(f.ID); ok {
				f.LastActiveAt = at
			}
		}
		rows = append(rows, dto.ConnectionFromFriend(f))
	}
	c.JSON(http.StatusOK, rows)
}

func (h ConnectionHandler) Delete(c *gin.Context) {
	p, ok := requireSelf(c)
	if !ok {
		return
	}
	var req dto.DeleteFriendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.FriendID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "friend_id is required"})
		return
	}
	err := h.Connections.Delete(c.Request.Context(), p.ID, chat.UserID(req.FriendID))
	switch {
	case errors.Is(err, chat.ErrConnectionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
	case err != nil:
		h.logger().Error("delete connection", "user_id", p.ID, "friend_id", req.FriendID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete friend"})
	default:
		c.JSON(http.StatusOK, dto.StatusResponse{Success: true, Message: "Friend removed"})
	}
}

func (h ConnectionHandler) now() time.Time {
	if h.Clock == nil {
		return time.Now().UTC()
	}
	return h.Clock.Now().UTC()
}

func (h ConnectionHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

var _ ConnectionHTTP = ConnectionHandler{}
