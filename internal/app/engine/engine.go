package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"skillchat/internal/app/dispatch"
	"skillchat/internal/app/poller"
	"skillchat/internal/app/policies"
	"skillchat/internal/app/presence"
	"skillchat/internal/app/reconcile"
	"skillchat/internal/app/store"
	domainauth "skillchat/internal/domain/auth"
	"skillchat/internal/domain/chat"
	"skillchat/internal/infra/push"
)

// DefaultMarkReadDelay lets a freshly selected conversation render before
// its messages are marked read.
const DefaultMarkReadDelay = 500 * time.Millisecond

var (
	ErrEngineClosed = errors.New("engine: closed")
	ErrMissingDeps  = errors.New("engine: session, backend, transport and dispatcher are required")
)

// Backend is the REST side of the chat service.
type Backend interface {
	reconcile.API
	Friends(ctx context.Context, user chat.UserID) ([]chat.Friend, error)
	DeleteFriend(ctx context.Context, user, friend chat.UserID) error
}

// Transport is the push connection.
type Transport interface {
	reconcile.Transport
	Connect() error
	Disconnect()
	Status() push.Status
	OnStateChange(fn func(push.Status))
}

// Session is the signed-in user.
type Session interface {
	UserID() chat.UserID
	Authenticated() bool
	End()
}

// AvatarResolver turns stored picture refs into displayable URLs.
type AvatarResolver interface {
	ResolveAvatars(ctx context.Context, refs map[chat.UserID]string) (map[chat.UserID]string, error)
}

type Config struct {
	PollInterval  time.Duration
	TypingExpiry  time.Duration
	TypingIdle    time.Duration
	MarkReadDelay time.Duration
	PageLimit     int
	// AutoSelect opens the conversation with this friend once the roster loads.
	AutoSelect   chat.UserID
	MobileLayout bool
}

type Params struct {
	Config     Config
	Session    Session
	Backend    Backend
	Transport  Transport
	Dispatcher *dispatch.Dispatcher
	Notifier   policies.Notifier
	Avatars    AvatarResolver
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Engine wires the chat components together and owns their lifecycle.
type Engine struct {
	cfg        Config
	session    Session
	backend    Backend
	transport  Transport
	dispatcher *dispatch.Dispatcher
	notifier   policies.Notifier
	avatars    AvatarResolver
	clock      clock.Clock
	logger     *slog.Logger

	store      *store.Store
	tracker    *presence.Tracker
	typing     *presence.LocalTyping
	reconciler *reconcile.Reconciler
	poller     *poller.Poller

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	markTimer  *clock.Timer
	markGen    uint64
	markWait   int
	lostNotice bool
	authFailed bool
	closed     bool
}

func New(params Params) (*Engine, error) {
	if params.Session == nil || params.Backend == nil || params.Transport == nil || params.Dispatcher == nil {
		return nil, ErrMissingDeps
	}
	cfg := params.Config
	if cfg.MarkReadDelay <= 0 {
		cfg.MarkReadDelay = DefaultMarkReadDelay
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		session:    params.Session,
		backend:    params.Backend,
		transport:  params.Transport,
		dispatcher: params.Dispatcher,
		notifier:   params.Notifier,
		avatars:    params.Avatars,
		clock:      clk,
		logger:     logger,
		store:      store.New(store.State{MobileLayout: cfg.MobileLayout, ShowRoster: true}),
		ctx:        ctx,
		cancel:     cancel,
	}
	e.tracker = presence.NewTracker(presence.TrackerParams{
		Clock:        clk,
		TypingExpiry: cfg.TypingExpiry,
		Logger:       logger,
	})
	e.typing = presence.NewLocalTyping(presence.LocalTypingParams{
		Clock: clk,
		Idle:  cfg.TypingIdle,
		Send:  e.sendTyping,
	})
	rec, err := reconcile.New(reconcile.Params{
		Store:         e.store,
		API:           params.Backend,
		Transport:     params.Transport,
		Session:       params.Session,
		Notifier:      params.Notifier,
		Clock:         clk,
		Logger:        logger,
		PageLimit:     cfg.PageLimit,
		OnAuthFailure: e.authFailure,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	e.reconciler = rec
	p, err := poller.New(poller.Params{
		Clock:    clk,
		Interval: cfg.PollInterval,
		Logger:   logger,
		Poll:     rec.FetchActive,
		Active:   e.shouldPoll,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	e.poller = p

	e.registerHandlers()
	e.transport.OnStateChange(e.onTransport)
	return e, nil
}

func (e *Engine) registerHandlers() {
	dispatch.Handle(e.dispatcher, e.reconciler.HandleMessageReceived)
	dispatch.Handle(e.dispatcher, e.reconciler.HandleMessageStatus)
	dispatch.Handle(e.dispatcher, func(_ context.Context, ev chat.UserStatusChanged) error {
		e.tracker.SetStatus(ev)
		at := ev.LastSeenAt
		if ev.Status == chat.StatusOnline || at.IsZero() {
			at = e.clock.Now().UTC()
		}
		e.store.Apply(store.StampActivity(ev.UserID, at))
		return nil
	})
	dispatch.Handle(e.dispatcher, func(_ context.Context, ev chat.UserTyping) error {
		e.tracker.SetTyping(ev.UserID, ev.IsTyping)
		return nil
	})
	dispatch.Handle(e.dispatcher, func(_ context.Context, ev chat.OnlineRosterReplaced) error {
		e.tracker.ReplaceRoster(ev.UserIDs)
		return nil
	})
}

func (e *Engine) unregisterHandlers() {
	for _, name := range []chat.EventName{
		chat.EventMessageReceived,
		chat.EventMessageStatus,
		chat.EventUserStatus,
		chat.EventUserTyping,
		chat.EventUsersOnline,
	} {
		e.dispatcher.RegisterRaw(name, nil)
	}
}

// Start loads the roster, opens the auto-selected conversation and
// connects the push stream.
func (e *Engine) Start(ctx context.Context) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	if !e.session.Authenticated() {
		e.notify(ctx, policies.AuthRequired(domainauth.ErrNoSession))
		return domainauth.ErrNoSession
	}
	if err := e.LoadRoster(ctx); err != nil {
		return err
	}
	if e.cfg.AutoSelect != "" {
		if err := e.SelectFriend(e.cfg.AutoSelect); err != nil {
			e.logger.Warn("auto-select skipped", "friend_id", e.cfg.AutoSelect, "error", err)
		}
	}
	if err := e.transport.Connect(); err != nil {
		e.logger.Warn("push connect failed", "error", err)
	}
	e.poller.Evaluate()
	return nil
}

// LoadRoster fetches the friend list and resolves avatars.
func (e *Engine) LoadRoster(ctx context.Context) error {
	user := e.session.UserID()
	if user == "" {
		return domainauth.ErrNoSession
	}
	e.store.Apply(store.SetRosterLoading(true))
	friends, err := e.backend.Friends(ctx, user)
	if err != nil {
		e.store.Apply(store.SetRosterLoading(false))
		e.authFailure(err)
		e.notify(ctx, policies.RosterLoadFailed(err))
		return fmt.Errorf("engine: load roster: %w", err)
	}
	e.store.Apply(store.SetRoster(friends))
	e.logger.Info("roster loaded", "user_id", user, "friends", len(friends))
	e.resolveAvatars(ctx, friends)
	return nil
}

func (e *Engine) resolveAvatars(ctx context.Context, friends []chat.Friend) {
	if e.avatars == nil {
		return
	}
	refs := make(map[chat.UserID]string, len(friends))
	for _, f := range friends {
		if f.PictureRef != "" {
			refs[f.ID] = f.PictureRef
		}
	}
	if len(refs) == 0 {
		return
	}
	urls, err := e.avatars.ResolveAvatars(ctx, refs)
	if err != nil {
		e.logger.Warn("avatar resolve failed", "error", err)
	}
	if len(urls) > 0 {
		e.store.Apply(store.ResolvePictures(urls))
	}
}

// SelectFriend opens the conversation with id. Its messages are fetched at
// once; unread messages are marked read once that fetch has been applied and
// the configured delay has passed, if the conversation is still open by then.
func (e *Engine) SelectFriend(id chat.UserID) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	friend, ok := chat.FindFriend(e.store.Snapshot().Friends, id)
	if !ok {
		return fmt.Errorf("%w: %s", chat.ErrFriendNotFound, id)
	}
	if !e.store.Apply(store.SelectFriend(id)) {
		return nil
	}
	e.typing.Flush()
	gen := e.scheduleMarkRead(friend)

	e.reconciler.Go(func() {
		if err := e.reconciler.Fetch(e.ctx, id); err != nil {
			e.logger.Debug("conversation fetch failed", "friend_id", id, "error", err)
		}
		e.markReadReady(id, gen)
	})
	e.poller.Evaluate()
	return nil
}

// scheduleMarkRead arms the delayed mark-read for friend and returns its
// generation. It waits on two gates: the delay timer and the selection fetch.
func (e *Engine) scheduleMarkRead(friend chat.Friend) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markGen++
	e.markWait = 0
	if e.markTimer != nil {
		e.markTimer.Stop()
		e.markTimer = nil
	}
	gen := e.markGen
	if friend.UnreadCount <= 0 {
		return gen
	}
	e.markWait = 2
	e.markTimer = e.clock.AfterFunc(e.cfg.MarkReadDelay, func() { e.markReadReady(friend.ID, gen) })
	return gen
}

// markReadReady releases one gate of generation gen and marks the
// conversation read when it was the last one.
func (e *Engine) markReadReady(id chat.UserID, gen uint64) {
	e.mu.Lock()
	if gen != e.markGen || e.closed || e.markWait == 0 {
		e.mu.Unlock()
		return
	}
	e.markWait--
	fire := e.markWait == 0
	if fire {
		e.markTimer = nil
	}
	e.mu.Unlock()
	if !fire || e.store.Snapshot().ActiveID != id {
		return
	}
	if err := e.reconciler.MarkRead(e.ctx, id); err != nil {
		e.logger.Debug("delayed mark read failed", "friend_id", id, "error", err)
	}
}

// CloseConversation deselects the active friend.
func (e *Engine) CloseConversation() {
	e.cancelMarkRead()
	e.typing.Flush()
	e.store.Apply(store.ClearSelection())
	e.poller.Evaluate()
}

// Send submits content to the active conversation.
func (e *Engine) Send(ctx context.Context, content string) (chat.Message, error) {
	if e.isClosed() {
		return chat.Message{}, ErrEngineClosed
	}
	e.typing.Stop()
	return e.reconciler.Send(ctx, content)
}

// InputChanged records the composer text and drives the typing signal.
func (e *Engine) InputChanged(text string) {
	e.store.Apply(store.SetDraft(text))
	if active := e.store.Snapshot().ActiveID; active != "" {
		e.typing.InputChanged(active, text)
	}
}

// MarkRead marks the active conversation read right away.
func (e *Engine) MarkRead(ctx context.Context) error {
	return e.reconciler.MarkRead(ctx, e.store.Snapshot().ActiveID)
}

// Refresh fetches the active conversation.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.reconciler.FetchActive(ctx)
}

// RemoveFriend deletes the connection with id on the server and drops it
// from the roster.
func (e *Engine) RemoveFriend(ctx context.Context, id chat.UserID) error {
	user := e.session.UserID()
	if user == "" {
		return domainauth.ErrNoSession
	}
	if err := e.backend.DeleteFriend(ctx, user, id); err != nil {
		e.authFailure(err)
		e.notify(ctx, policies.RemoveFailed(id, err))
		return fmt.Errorf("engine: remove friend %s: %w", id, err)
	}
	if e.store.Snapshot().ActiveID == id {
		e.cancelMarkRead()
	}
	e.store.Apply(store.RemoveFriend(id))
	e.poller.Evaluate()
	return nil
}

func (e *Engine) SetMobileLayout(mobile bool) { e.store.Apply(store.SetLayout(mobile)) }

func (e *Engine) ShowRoster(show bool) { e.store.Apply(store.ShowRoster(show)) }

// Search filters the roster by name or profession.
func (e *Engine) Search(query string) []chat.Friend {
	return chat.FilterRoster(e.store.Snapshot().Friends, query)
}

// Snapshot returns the current store state.
func (e *Engine) Snapshot() store.State { return e.store.Snapshot() }

// Subscribe calls fn after every store or presence change.
func (e *Engine) Subscribe(fn func()) func() {
	cancelStore := e.store.Subscribe(func(store.State) { fn() })
	cancelPresence := e.tracker.OnChange(fn)
	return func() {
		cancelStore()
		cancelPresence()
	}
}

// Presence exposes the online set and typing flags.
func (e *Engine) Presence() *presence.Tracker { return e.tracker }

// Polling reports whether the fallback poller is running.
func (e *Engine) Polling() bool { return e.poller.Running() }

// AuthFailed reports whether the credential was rejected.
func (e *Engine) AuthFailed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authFailed
}

// Wait blocks until background fetches and read marks have finished.
func (e *Engine) Wait() { e.reconciler.Wait() }

// Close tears everything down: push stream, poller, typing and mark-read
// timers, background work and state. It is safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.markGen++
	e.markWait = 0
	if e.markTimer != nil {
		e.markTimer.Stop()
		e.markTimer = nil
	}
	e.mu.Unlock()

	e.unregisterHandlers()
	e.typing.Stop()
	e.transport.Disconnect()
	e.poller.Stop()
	e.tracker.Close()
	e.cancel()
	e.reconciler.Wait()
	e.store.Apply(store.Reset())
	e.logger.Info("chat engine closed")
}

func (e *Engine) cancelMarkRead() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markGen++
	e.markWait = 0
	if e.markTimer != nil {
		e.markTimer.Stop()
		e.markTimer = nil
	}
}

func (e *Engine) sendTyping(receiver chat.UserID, typing bool) {
	if e.transport.Connected() {
		e.transport.SendTyping(e.ctx, receiver, typing)
	}
}

func (e *Engine) shouldPoll() bool {
	e.mu.Lock()
	off := e.closed || e.authFailed
	e.mu.Unlock()
	if off || !e.session.Authenticated() {
		return false
	}
	if e.transport.Status().Connected {
		return false
	}
	return e.store.Snapshot().ActiveID != ""
}

// onTransport reacts to push state changes. A connection-lost notice is
// raised once per outage; an auth failure ends the session.
func (e *Engine) onTransport(st push.Status) {
	if e.isClosed() {
		return
	}
	switch {
	case st.Connected:
		e.mu.Lock()
		e.lostNotice = false
		e.mu.Unlock()
	case st.AuthFailed():
		e.authFailure(st.Err)
	case st.Err != nil:
		e.mu.Lock()
		first := !e.lostNotice
		e.lostNotice = true
		e.mu.Unlock()
		if first {
			e.notify(e.ctx, policies.ConnectionLost(st.Err))
		}
	}
	e.poller.Evaluate()
}

func (e *Engine) authFailure(err error) {
	if !errors.Is(err, domainauth.ErrUnauthenticated) && !errors.Is(err, domainauth.ErrTokenRequired) {
		return
	}
	e.mu.Lock()
	if e.authFailed || e.closed {
		e.mu.Unlock()
		return
	}
	e.authFailed = true
	e.mu.Unlock()

	e.logger.Warn("credential rejected, ending session", "error", err)
	e.transport.Disconnect()
	e.notify(e.ctx, policies.AuthRequired(err))
	e.session.End()
	e.poller.Evaluate()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) notify(ctx context.Context, n policies.Notice) {
	if e.notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = e.clock.Now().UTC()
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("notice delivery failed", "kind", n.Kind, "error", err)
	}
}
