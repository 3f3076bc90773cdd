package ginserver

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"skillchat/internal/domain/chat"
	"skillchat/internal/infra/inbox"
)

const subscriberBuffer = 64

// StreamEvent is one named event queued for a subscriber. Events with an ID
// are delivered at most once per receiver.
type StreamEvent struct {
	ID   string
	Name chat.EventName
	Data []byte
}

// Subscription is one open event stream.
type Subscription struct {
	user chat.UserID
	ch   chan StreamEvent
}

// Hub fans events out to the open event streams of each user and tracks
// who is online.
type Hub struct {
	dedup  inbox.Dedup
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[chat.UserID]map[*Subscription]struct{}
	lastSeen map[chat.UserID]time.Time
	closed   bool
}

type HubParams struct {
	Dedup  inbox.Dedup
	Clock  clock.Clock
	Logger *slog.Logger
}

func NewHub(params HubParams) *Hub {
	dedup := params.Dedup
	if dedup == nil {
		dedup = inbox.NewMemoryStore(inbox.DefaultCapacity)
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		dedup:    dedup,
		clock:    clk,
		logger:   logger,
		subs:     make(map[chat.UserID]map[*Subscription]struct{}),
		lastSeen: make(map[chat.UserID]time.Time),
	}
}

// Subscribe opens a stream for user. first is true when user had no other
// stream open.
func (h *Hub) Subscribe(user chat.UserID) (sub *Subscription, first bool) {
	sub = &Subscription{user: user, ch: make(chan StreamEvent, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub, false
	}
	set := h.subs[user]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.subs[user] = set
	}
	first = len(set) == 0
	set[sub] = struct{}{}
	return sub, first
}

// Unsubscribe closes sub. last is true when it was the user's final stream;
// the user's last-seen time is stamped then.
func (h *Hub) Unsubscribe(sub *Subscription) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.user]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) > 0 {
		return false
	}
	delete(h.subs, sub.user)
	h.lastSeen[sub.user] = h.clock.Now().UTC()
	return true
}

// Publish queues ev on every stream of user. A slow stream drops the event
// rather than blocking the publisher.
func (h *Hub) Publish(ctx context.Context, user chat.UserID, ev StreamEvent) {
	if ev.ID != "" {
		seen, err := h.dedup.Seen(ctx, string(user)+"/"+ev.ID)
		if err != nil {
			h.logger.Warn("event dedup failed", "user_id", user, "event_id", ev.ID, "error", err)
		} else if seen {
			h.logger.Debug("duplicate event suppressed", "user_id", user, "event_id", ev.ID, "event", ev.Name)
			return
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[user] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("event stream full, event dropped", "user_id", user, "event", ev.Name)
		}
	}
}

// PublishEvent encodes a domain event and publishes it.
func (h *Hub) PublishEvent(ctx context.Context, user chat.UserID, id string, ev chat.Event) error {
	data, err := chat.EncodeEvent(ev)
	if err != nil {
		return err
	}
	h.Publish(ctx, user, StreamEvent{ID: id, Name: ev.Name(), Data: data})
	return nil
}

func (h *Hub) Online(user chat.UserID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[user]) > 0
}

// OnlineAmong returns the members of ids with an open stream, sorted.
func (h *Hub) OnlineAmong(ids []chat.UserID) []chat.UserID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []chat.UserID{}
	for _, id := range ids {
		if len(h.subs[id]) > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Hub) LastSeen(user chat.UserID) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	at, ok := h.lastSeen[user]
	return at, ok
}

// Stats reports open streams for the readiness probe.
func (h *Hub) Stats() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	streams := 0
	for _, set := range h.subs {
		streams += len(set)
	}
	return map[string]any{"streams": streams, "online_users": len(h.subs)}
}

// Close ends every open stream. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for user, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(h.subs, user)
	}
}

func (s *Subscription) Events() <-chan StreamEvent { return s.ch }
