package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"skillchat/internal/domain/chat"
)

// DefaultTypingIdle is the quiet period after which local typing stops.
const DefaultTypingIdle = time.Second

// SendTypingFunc delivers a local typing signal to receiver.
type SendTypingFunc func(receiver chat.UserID, typing bool)

// LocalTyping debounces the outbound typing signal of the composer. Each
// input change signals immediately and restarts the idle timer; when the
// timer fires, "stopped typing" is sent.
type LocalTyping struct {
	clock clock.Clock
	idle  time.Duration
	send  SendTypingFunc

	mu       sync.Mutex
	timer    *clock.Timer
	gen      uint64
	receiver chat.UserID
}

type LocalTypingParams struct {
	Clock clock.Clock
	Idle  time.Duration
	Send  SendTypingFunc
}

func NewLocalTyping(params LocalTypingParams) *LocalTyping {
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}
	idle := params.Idle
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	send := params.Send
	if send == nil {
		send = func(chat.UserID, bool) {}
	}
	return &LocalTyping{clock: clk, idle: idle, send: send}
}

// InputChanged reports a new composer value for the conversation with
// receiver. Typing is signalled while the value is non-empty.
func (l *LocalTyping) InputChanged(receiver chat.UserID, value string) {
	if receiver == "" {
		return
	}
	l.mu.Lock()
	previous := l.receiver
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
	gen := l.gen
	l.receiver = receiver
	l.timer = l.clock.AfterFunc(l.idle, func() { l.fire(gen) })
	l.mu.Unlock()

	if previous != "" && previous != receiver {
		l.send(previous, false)
	}
	l.send(receiver, value != "")
}

func (l *LocalTyping) fire(gen uint64) {
	l.mu.Lock()
	if gen != l.gen || l.receiver == "" {
		l.mu.Unlock()
		return
	}
	receiver := l.receiver
	l.receiver = ""
	l.timer = nil
	l.mu.Unlock()
	l.send(receiver, false)
}

// Stop cancels the idle timer without sending anything.
func (l *LocalTyping) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
	l.receiver = ""
}

// Flush sends "stopped typing" now if a signal is outstanding.
func (l *LocalTyping) Flush() {
	l.mu.Lock()
	receiver := l.receiver
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
	l.receiver = ""
	l.mu.Unlock()
	if receiver != "" {
		l.send(receiver, false)
	}
}

// Armed reports whether an idle timer is pending.
func (l *LocalTyping) Armed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timer != nil
}
