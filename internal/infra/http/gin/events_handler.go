package ginserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	gin "github.com/gin-gonic/gin"

	"skillchat/internal/domain/chat"
)

const defaultKeepAlive = 25 * time.Second

type EventsHTTP interface {
	Stream(c *gin.Context)
}

// EventsHandler serves GET /events as a server-sent event stream. Opening
// the first stream of a user announces them online to their friends and
// closing the last one announces them offline.
type EventsHandler struct {
	Connections chat.ConnectionRepository
	Hub         *Hub
	Clock       clock.Clock
	KeepAlive   time.Duration
	Logger      *slog.Logger
}

func (h EventsHandler) Stream(c *gin.Context) {
	p, ok := requirePrincipal(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	friends := h.friendIDs(ctx, p.ID)
	sub, first := h.Hub.Subscribe(p.ID)
	defer func() {
		if h.Hub.Unsubscribe(sub) {
			h.announce(p.ID, chat.StatusOffline)
		}
	}()
	if first {
		for _, id := range friends {
			ev := chat.UserStatusChanged{UserID: p.ID, Status: chat.StatusOnline}
			if err := h.Hub.PublishEvent(ctx, id, "", ev); err != nil {
				h.logger().Warn("announce online", "user_id", p.ID, "error", err)
			}
		}
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	online, err := chat.EncodeEvent(chat.OnlineRosterReplaced{UserIDs: h.Hub.OnlineAmong(friends)})
	if err == nil {
		c.SSEvent(string(chat.EventUsersOnline), string(online))
	}
	c.Writer.Flush()

	ticker := h.clk().Ticker(h.keepAlive())
	defer ticker.Stop()
	events := sub.Events()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Name), string(ev.Data))
			return true
		case <-ticker.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		}
	})
}

func (h EventsHandler) friendIDs(ctx context.Context, user chat.UserID) []chat.UserID {
	if h.Connections == nil {
		return nil
	}
	friends, err := h.Connections.Friends(ctx, user)
	if err != nil {
		h.logger().Warn("load friends for presence", "user_id", user, "error", err)
		return nil
	}
	ids := make([]chat.UserID, 0, len(friends))
	for _, f := range friends {
		ids = append(ids, f.ID)
	}
	return ids
}

// announce runs after the request context is gone.
func (h EventsHandler) announce(user chat.UserID, status chat.PresenceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := chat.UserStatusChanged{UserID: user, Status: status}
	if at, ok := h.Hub.LastSeen(user); ok && status == chat.StatusOffline {
		ev.LastSeenAt = at
	}
	for _, id := range h.friendIDs(ctx, user) {
		if err := h.Hub.PublishEvent(ctx, id, "", ev); err != nil {
			h.logger().Warn("announce presence", "user_id", user, "status", status, "error", err)
		}
	}
}

func (h EventsHandler) clk() clock.Clock {
	if h.Clock == nil {
		return clock.New()
	}
	return h.Clock
}

func (h EventsHandler) keepAlive() time.Duration {
	if h.KeepAlive <= 0 {
		return defaultKeepAlive
	}
	return h.KeepAlive
}

func (h EventsHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

var _ EventsHTTP = EventsHandler{}
