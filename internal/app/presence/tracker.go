package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"skillchat/internal/domain/chat"
)

// DefaultTypingExpiry is how long a remote typing flag lives without a refresh.
const DefaultTypingExpiry = 3 * time.Second

type typingEntry struct {
	timer *clock.Timer
	gen   uint64
}

// Tracker keeps the online set, last-seen stamps and remote typing flags.
// Every typing flag owns one expiry timer; Close cancels all of them.
type Tracker struct {
	clock  clock.Clock
	expiry time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	online   map[chat.UserID]struct{}
	lastSeen map[chat.UserID]time.Time
	typing   map[chat.UserID]*typingEntry
	gen      uint64
	closed   bool
	onChange map[uint64]func()
	nextSub  uint64
}

type TrackerParams struct {
	Clock        clock.Clock
	TypingExpiry time.Duration
	Logger       *slog.Logger
}

func NewTracker(params TrackerParams) *Tracker {
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}
	expiry := params.TypingExpiry
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		clock:    clk,
		expiry:   expiry,
		logger:   logger,
		online:   make(map[chat.UserID]struct{}),
		lastSeen: make(map[chat.UserID]time.Time),
		typing:   make(map[chat.UserID]*typingEntry),
		onChange: make(map[uint64]func()),
	}
}

// OnChange registers fn to run after every change, outside the tracker lock.
// The returned func removes it.
func (t *Tracker) OnChange(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.onChange[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.onChange, id)
		t.mu.Unlock()
	}
}

// Listeners returns the number of registered change callbacks.
func (t *Tracker) Listeners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.onChange)
}

// ReplaceRoster swaps the whole online set for ids.
func (t *Tracker) ReplaceRoster(ids []chat.UserID) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	online := make(map[chat.UserID]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			online[id] = struct{}{}
		}
	}
	t.online = online
	t.mu.Unlock()
	t.notify()
}

// SetStatus applies a single user's status change. Offline transitions
// record the last-seen time, falling back to now when the server sent none.
func (t *Tracker) SetStatus(ev chat.UserStatusChanged) {
	t.mu.Lock()
	if t.closed || ev.UserID == "" {
		t.mu.Unlock()
		return
	}
	switch ev.Status {
	case chat.StatusOnline:
		t.online[ev.UserID] = struct{}{}
	case chat.StatusOffline:
		delete(t.online, ev.UserID)
		seen := ev.LastSeenAt
		if seen.IsZero() {
			seen = t.clock.Now()
		}
		t.lastSeen[ev.UserID] = seen.UTC()
	default:
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.notify()
}

// SetTyping raises or clears a remote typing flag. A raised flag expires on
// its own unless refreshed.
func (t *Tracker) SetTyping(user chat.UserID, typing bool) {
	t.mu.Lock()
	if t.closed || user == "" {
		t.mu.Unlock()
		return
	}
	if prev, ok := t.typing[user]; ok {
		prev.timer.Stop()
		delete(t.typing, user)
	}
	if typing {
		t.gen++
		gen := t.gen
		t.typing[user] = &typingEntry{
			gen:   gen,
			timer: t.clock.AfterFunc(t.expiry, func() { t.expire(user, gen) }),
		}
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) expire(user chat.UserID, gen uint64) {
	t.mu.Lock()
	entry, ok := t.typing[user]
	if !ok || entry.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.typing, user)
	t.mu.Unlock()
	t.logger.Debug("typing flag expired", "user_id", user)
	t.notify()
}

func (t *Tracker) IsOnline(user chat.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[user]
	return ok
}

func (t *Tracker) IsTyping(user chat.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[user]
	return ok
}

// LastSeen returns the recorded offline time for user.
func (t *Tracker) LastSeen(user chat.UserID) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen, ok := t.lastSeen[user]
	return seen, ok
}

// Online returns the online set in a stable order.
func (t *Tracker) Online() []chat.UserID {
	t.mu.Lock()
	ids := make([]chat.UserID, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Status renders the presence line for user.
func (t *Tracker) Status(user chat.UserID) string {
	t.mu.Lock()
	_, online := t.online[user]
	seen := t.lastSeen[user]
	t.mu.Unlock()
	return chat.LastSeenText(seen, online, t.clock.Now())
}

// PendingTimers reports how many typing expiry timers are armed.
func (t *Tracker) PendingTimers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.typing)
}

// Close cancels every typing timer and clears all presence data. Later
// updates are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for user, entry := range t.typing {
		entry.timer.Stop()
		delete(t.typing, user)
	}
	t.online = make(map[chat.UserID]struct{})
	t.lastSeen = make(map[chat.UserID]time.Time)
	t.mu.Unlock()
}

func (t *Tracker) notify() {
	t.mu.Lock()
	fns := make([]func(), 0, len(t.onChange))
	for _, fn := range t.onChange {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
