package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultInterval is the fallback fetch cadence while push is down.
const DefaultInterval = 5 * time.Second

var ErrPollerNotConfigured = errors.New("poller: missing poll or condition func")

// Poller drives periodic fetches while its condition holds. At most one
// loop runs at a time; the condition is checked on every Evaluate and again
// on every tick, so a loop never outlives its condition by more than one
// interval even if nobody calls Evaluate.
type Poller struct {
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
	poll     func(ctx context.Context) error
	active   func() bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	starts int
}

type Params struct {
	Clock    clock.Clock
	Interval time.Duration
	Logger   *slog.Logger
	// Poll runs once per tick.
	Poll func(ctx context.Context) error
	// Active is the activation condition. It must not call back into the poller.
	Active func() bool
}

func New(params Params) (*Poller, error) {
	if params.Poll == nil || params.Active == nil {
		return nil, ErrPollerNotConfigured
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		clock:    clk,
		interval: interval,
		logger:   logger,
		poll:     params.Poll,
		active:   params.Active,
	}, nil
}

// Evaluate starts or stops the loop to match the condition.
func (p *Poller) Evaluate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	running := p.runningLocked()
	active := p.active()
	switch {
	case active && !running:
		p.startLocked()
	case !active && running:
		p.stopLocked()
	}
}

// Running reports whether a loop is live.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningLocked()
}

// Starts counts loops started so far.
func (p *Poller) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

// Stop cancels the loop and waits for it to exit. It must not be called from
// inside the poll func.
func (p *Poller) Stop() {
	p.mu.Lock()
	done := p.done
	p.stopLocked()
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Poller) runningLocked() bool {
	if p.cancel == nil || p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// startLocked launches a loop. A previous loop that is still winding down
// is awaited first so two loops never tick together.
func (p *Poller) startLocked() {
	prev := p.done
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticker := p.clock.Ticker(p.interval)
	p.cancel = cancel
	p.done = done
	p.starts++
	p.logger.Debug("fallback polling started", "interval", p.interval)
	go p.loop(ctx, ticker, prev, done)
}

func (p *Poller) stopLocked() {
	if p.runningLocked() {
		p.logger.Debug("fallback polling stopped")
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Poller) loop(ctx context.Context, ticker *clock.Ticker, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if !p.active() {
				p.logger.Debug("fallback polling condition cleared")
				return
			}
			if err := p.poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("fallback poll failed", "error", err)
			}
		}
	}
}
