package push

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	domainauth "skillchat/internal/domain/auth"
	"skillchat/internal/domain/chat"
)

// DefaultReconnectDelay is the pause before the single retry after a drop.
const DefaultReconnectDelay = 5 * time.Second

var ErrStreamEnded = errors.New("push: stream ended")

// Credentials supplies the bearer token at connect time.
type Credentials interface {
	Token() string
}

// Dispatcher receives every named event read from the stream.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, data []byte) error
}

// SideChannel carries the request/response calls made next to the stream.
type SideChannel interface {
	RelayMessage(ctx context.Context, receiver chat.UserID, msg chat.Message) error
	MarkMessagesRead(ctx context.Context, sender chat.UserID, ids []chat.MessageID) error
	SendTyping(ctx context.Context, receiver chat.UserID, typing bool) error
}

// Status is the observable connection state.
type Status struct {
	Connected bool
	Err       error
}

// AuthFailed reports whether the last failure needs re-authentication.
func (s Status) AuthFailed() bool {
	return errors.Is(s.Err, domainauth.ErrUnauthenticated) || errors.Is(s.Err, domainauth.ErrTokenRequired)
}

// Config defines push channel settings.
type Config struct {
	// BaseURL is the API root; the stream lives at BaseURL/events.
	BaseURL        string
	ReconnectDelay time.Duration
	HTTPClient     *http.Client
	Clock          clock.Clock
}

// Channel keeps one server-sent event stream open. A transport failure
// schedules exactly one reconnect; auth failures do not retry. Each
// connection carries a generation number so callbacks of a replaced
// connection, including its pending reconnect, are ignored.
type Channel struct {
	base       *url.URL
	http       *http.Client
	clock      clock.Clock
	delay      time.Duration
	creds      Credentials
	dispatcher Dispatcher
	side       SideChannel
	logger     *slog.Logger

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	reconnect *clock.Timer
	connected bool
	err       error
	listeners []func(Status)
}

type ChannelParams struct {
	Config      Config
	Credentials Credentials
	Dispatcher  Dispatcher
	SideChannel SideChannel
	Logger      *slog.Logger
}

func NewChannel(params ChannelParams) (*Channel, error) {
	cfg := params.Config
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("push: invalid base url %q", cfg.BaseURL)
	}
	if params.Credentials == nil || params.Dispatcher == nil {
		return nil, errors.New("push: credentials and dispatcher are required")
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		base:       base,
		http:       httpClient,
		clock:      clk,
		delay:      delay,
		creds:      params.Credentials,
		dispatcher: params.Dispatcher,
		side:       params.SideChannel,
		logger:     logger,
	}, nil
}

// OnStateChange registers fn for every status transition. fn runs outside
// the channel lock and may call back into the channel.
func (c *Channel) OnStateChange(fn func(Status)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Connect opens the stream, tearing down any previous connection first. It
// returns immediately; the outcome is reported through OnStateChange. A
// missing credential fails synchronously and is not retried.
func (c *Channel) Connect() error {
	c.mu.Lock()
	c.teardownLocked()
	token := c.creds.Token()
	if token == "" {
		c.connected = false
		c.err = domainauth.ErrTokenRequired
		status := c.statusLocked()
		c.mu.Unlock()
		c.logger.Warn("push connect skipped", "error", status.Err)
		c.emit(status)
		return domainauth.ErrTokenRequired
	}
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, gen, token)
	return nil
}

// Disconnect closes the stream and cancels a pending reconnect. It is safe
// to call when nothing is connected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.teardownLocked()
	changed := c.connected || c.err != nil
	c.connected = false
	c.err = nil
	status := c.statusLocked()
	c.mu.Unlock()
	if changed {
		c.emit(status)
	}
}

// Connected reports whether the stream is open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Status returns the current connection state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Send relays a stored message to receiver over the side channel.
func (c *Channel) Send(ctx context.Context, receiver chat.UserID, msg chat.Message) error {
	if c.side == nil {
		return errors.New("push: side channel not configured")
	}
	return c.side.RelayMessage(ctx, receiver, msg)
}

// MarkRead sends a read receipt for ids written by sender.
func (c *Channel) MarkRead(ctx context.Context, sender chat.UserID, ids []chat.MessageID) error {
	if c.side == nil {
		return errors.New("push: side channel not configured")
	}
	if len(ids) == 0 {
		return nil
	}
	return c.side.MarkMessagesRead(ctx, sender, ids)
}

// SendTyping signals local typing. Failures are logged and dropped.
func (c *Channel) SendTyping(ctx context.Context, receiver chat.UserID, typing bool) {
	if c.side == nil || receiver == "" {
		return
	}
	if err := c.side.SendTyping(ctx, receiver, typing); err != nil {
		c.logger.Debug("typing signal dropped", "receiver_id", receiver, "error", err)
	}
}

func (c *Channel) teardownLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Channel) statusLocked() Status {
	return Status{Connected: c.connected, Err: c.err}
}

func (c *Channel) emit(status Status) {
	c.mu.Lock()
	fns := append([]func(Status){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

func (c *Channel) streamURL(token string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Channel) run(ctx context.Context, gen uint64, token string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(token), nil)
	if err != nil {
		c.fail(gen, err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(gen, fmt.Errorf("push: connect: %w", err))
		}
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.fail(gen, fmt.Errorf("%w: push stream returned %d", domainauth.ErrUnauthenticated, resp.StatusCode))
		return
	case resp.StatusCode != http.StatusOK:
		c.fail(gen, fmt.Errorf("push: stream returned %d", resp.StatusCode))
		return
	}
	if !c.opened(gen) {
		return
	}

	err = c.read(ctx, resp.Body)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = ErrStreamEnded
	}
	c.fail(gen, err)
}

func (c *Channel) opened(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.connected = true
	c.err = nil
	status := c.statusLocked()
	c.mu.Unlock()
	c.logger.Info("push stream connected")
	c.emit(status)
	return true
}

// fail records a failure of connection gen and, unless it is an auth
// failure, schedules one reconnect. Failures of replaced connections are
// ignored.
func (c *Channel) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.err = err
	status := c.statusLocked()
	if !status.AuthFailed() {
		if c.reconnect != nil {
			c.reconnect.Stop()
		}
		c.reconnect = c.clock.AfterFunc(c.delay, func() { c.retry(gen) })
	}
	c.mu.Unlock()

	if status.AuthFailed() {
		c.logger.Warn("push stream rejected credentials", "error", err)
	} else {
		c.logger.Warn("push stream lost, reconnect scheduled", "error", err, "delay", c.delay)
	}
	c.emit(status)
}

func (c *Channel) retry(gen uint64) {
	c.mu.Lock()
	stale := gen != c.gen
	if !stale {
		c.reconnect = nil
	}
	c.mu.Unlock()
	if stale {
		return
	}
	c.logger.Debug("push reconnecting")
	_ = c.Connect()
}

// read parses the event stream until it ends. Each event is dispatched
// under its event name; comments and ids are ignored.
func (c *Channel) read(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var name string
	var data []string
	flush := func() {
		if len(data) == 0 {
			name = ""
			return
		}
		event := name
		if event == "" {
			event = "message"
		}
		payload := strings.Join(data, "\n")
		name, data = "", nil
		_ = c.dispatcher.Dispatch(ctx, event, []byte(payload))
	}
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
	return scanner.Err()
}
