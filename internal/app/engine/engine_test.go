package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillchat/internal/app/dispatch"
	"skillchat/internal/app/policies"
	domainauth "skillchat/internal/domain/auth"
	"skillchat/internal/domain/chat"
	"skillchat/internal/infra/push"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeSession struct {
	mu    sync.Mutex
	user  chat.UserID
	ended int
}

func (s *fakeSession) UserID() chat.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *fakeSession) Authenticated() bool { return s.UserID() != "" }

func (s *fakeSession) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = ""
	s.ended++
}

type fakeBackend struct {
	mu         sync.Mutex
	friends    []chat.Friend
	friendsErr error
	messages   []chat.Message
	seq        int
	fetches    int
	marked     []chat.UserID
	deleted    []chat.UserID
	// fetchGate, when set, holds every fetch response after the messages
	// were read until it is closed.
	fetchGate chan struct{}
}

func (b *fakeBackend) Friends(context.Context, chat.UserID) ([]chat.Friend, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.friendsErr != nil {
		return nil, b.friendsErr
	}
	return append([]chat.Friend(nil), b.friends...), nil
}

func (b *fakeBackend) DeleteFriend(_ context.Context, _ chat.UserID, friend chat.UserID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, friend)
	return nil
}

func (b *fakeBackend) SendMessage(_ context.Context, sender, receiver chat.UserID, content string) (chat.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msg := chat.Message{
		ID:         chat.MessageID(fmt.Sprintf("s%d", b.seq)),
		Content:    content,
		CreatedAt:  t0.Add(time.Duration(b.seq) * time.Minute),
		SenderID:   sender,
		ReceiverID: receiver,
	}
	b.messages = append(b.messages, msg)
	return msg, nil
}

func (b *fakeBackend) FetchMessages(ctx context.Context, user, peer chat.UserID, _ chat.PageQuery) ([]chat.Message, error) {
	b.mu.Lock()
	b.fetches++
	var out []chat.Message
	for _, msg := range b.messages {
		if (msg.SenderID == user && msg.ReceiverID == peer) || (msg.SenderID == peer && msg.ReceiverID == user) {
			out = append(out, msg)
		}
	}
	gate := b.fetchGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (b *fakeBackend) MarkConversationRead(_ context.Context, sender chat.UserID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, sender)
	for i := range b.messages {
		if b.messages[i].SenderID == sender {
			b.messages[i].IsRead = true
		}
	}
	return nil
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func (b *fakeBackend) markedIDs() []chat.UserID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]chat.UserID(nil), b.marked...)
}

type fakeTransport struct {
	mu        sync.Mutex
	status    push.Status
	listeners []func(push.Status)
	connects  int
	typing    []bool
	receipts  []chat.MessageID
}

func (f *fakeTransport) set(st push.Status) {
	f.mu.Lock()
	f.status = st
	fns := append([]func(push.Status){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	f.set(push.Status{Connected: true})
	return nil
}

func (f *fakeTransport) Disconnect() { f.set(push.Status{}) }

func (f *fakeTransport) Status() push.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTransport) Connected() bool { return f.Status().Connected }

func (f *fakeTransport) OnStateChange(fn func(push.Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakeTransport) Send(context.Context, chat.UserID, chat.Message) error { return nil }

func (f *fakeTransport) MarkRead(_ context.Context, _ chat.UserID, ids []chat.MessageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, ids...)
	return nil
}

func (f *fakeTransport) SendTyping(_ context.Context, _ chat.UserID, typing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
}

func (f *fakeTransport) receiptIDs() []chat.MessageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.MessageID(nil), f.receipts...)
}

func (f *fakeTransport) typingSignals() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.typing...)
}

type noticeLog struct {
	mu  sync.Mutex
	got []policies.NoticeKind
}

func (n *noticeLog) Notify(_ context.Context, notice policies.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, notice.Kind)
	return nil
}

func (n *noticeLog) kinds() []policies.NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]policies.NoticeKind(nil), n.got...)
}

type harness struct {
	engine     *Engine
	clock      *clock.Mock
	session    *fakeSession
	backend    *fakeBackend
	transport  *fakeTransport
	dispatcher *dispatch.Dispatcher
	notices    *noticeLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(t0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		clock:   mock,
		session: &fakeSession{user: "me"},
		backend: &fakeBackend{
			friends: []chat.Friend{
				{ID: "f1", Name: "Ada", UnreadCount: 3, CreatedAt: t0},
				{ID: "f2", Name: "Bob", CreatedAt: t0.Add(-time.Hour)},
			},
		},
		transport:  &fakeTransport{},
		dispatcher: dispatch.New(logger),
		notices:    &noticeLog{},
	}
	for i := 1; i <= 3; i++ {
		h.backend.messages = append(h.backend.messages, chat.Message{
			ID:         chat.MessageID(fmt.Sprintf("m%d", i)),
			Content:    "hey",
			CreatedAt:  t0.Add(time.Duration(i) * time.Second),
			SenderID:   "f1",
			ReceiverID: "me",
		})
	}
	e, err := New(Params{
		Session:    h.session,
		Backend:    h.backend,
		Transport:  h.transport,
		Dispatcher: h.dispatcher,
		Notifier:   h.notices,
		Clock:      mock,
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	h.engine = e
	return h
}

func (h *harness) friend(t *testing.T, id chat.UserID) chat.Friend {
	t.Helper()
	f, ok := chat.FindFriend(h.engine.Snapshot().Friends, id)
	require.True(t, ok)
	return f
}

func TestSelectingUnreadFriendMarksReadAfterDelay(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.SelectFriend("f1"))
	h.engine.Wait()
	require.Len(t, h.engine.Snapshot().Messages, 3)

	h.clock.Add(499 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.backend.markedIDs())

	h.clock.Add(time.Millisecond)
	assert.Eventually(t, func() bool { return len(h.backend.markedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []chat.UserID{"f1"}, h.backend.markedIDs())
	assert.Eventually(t, func() bool {
		f, _ := chat.FindFriend(h.engine.Snapshot().Friends, "f1")
		return f.UnreadCount == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDelayedMarkReadWaitsForSelectionFetch(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	h.engine.Wait()
	gate := make(chan struct{})
	h.backend.mu.Lock()
	h.backend.fetchGate = gate
	h.backend.mu.Unlock()

	require.NoError(t, h.engine.SelectFriend("f1"))
	require.Eventually(t, func() bool { return h.backend.fetchCount() >= 1 }, time.Second, 5*time.Millisecond)
	h.clock.Add(500 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.backend.markedIDs())

	close(gate)
	h.engine.Wait()
	assert.Equal(t, []chat.UserID{"f1"}, h.backend.markedIDs())
	snap := h.engine.Snapshot()
	require.Len(t, snap.Messages, 3)
	for _, msg := range snap.Messages {
		assert.True(t, msg.IsRead)
	}
	assert.Equal(t, 0, h.friend(t, "f1").UnreadCount)
	assert.False(t, h.engine.Polling())
	assert.Len(t, h.transport.receiptIDs(), 3)
}

func TestSwitchingAwayCancelsDelayedMarkRead(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.SelectFriend("f1"))
	require.NoError(t, h.engine.SelectFriend("f2"))
	h.engine.Wait()

	h.clock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.backend.markedIDs())
	assert.Equal(t, 3, h.friend(t, "f1").UnreadCount)
}

func TestPollerFollowsPushConnection(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.SelectFriend("f2"))
	h.engine.Wait()
	assert.False(t, h.engine.Polling())

	lost := errors.New("stream ended")
	h.transport.set(push.Status{Err: lost})
	assert.True(t, h.engine.Polling())
	h.transport.set(push.Status{Err: lost})
	assert.Equal(t, []policies.NoticeKind{policies.NoticeConnectionLost}, h.notices.kinds())

	before := h.backend.fetchCount()
	h.clock.Add(5 * time.Second)
	assert.Eventually(t, func() bool { return h.backend.fetchCount() > before }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.transport.Connect())
	assert.False(t, h.engine.Polling())
	assert.Eventually(t, func() bool { return h.engine.poller.Starts() == 1 }, time.Second, 5*time.Millisecond)

	settled := h.backend.fetchCount()
	h.clock.Add(15 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, h.backend.fetchCount())

	// A new outage raises a fresh notice.
	h.transport.set(push.Status{Err: lost})
	assert.Len(t, h.notices.kinds(), 2)
}

func TestPollerNeedsSelection(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	h.transport.set(push.Status{Err: errors.New("down")})
	assert.False(t, h.engine.Polling())

	require.NoError(t, h.engine.SelectFriend("f2"))
	assert.True(t, h.engine.Polling())
	h.engine.CloseConversation()
	assert.False(t, h.engine.Polling())
}

func TestRosterReplaceWinsOverEarlierOffline(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	ctx := context.Background()
	seen := t0.Add(-time.Hour)

	require.NoError(t, h.dispatcher.Dispatch(ctx, "user:status", []byte(`{"userId":"f1","status":"offline","lastSeen":"`+seen.Format(time.RFC3339)+`"}`)))
	assert.False(t, h.engine.Presence().IsOnline("f1"))
	assert.True(t, seen.Equal(h.friend(t, "f1").LastActiveAt))

	require.NoError(t, h.dispatcher.Dispatch(ctx, "users:online", []byte(`["f1"]`)))
	assert.True(t, h.engine.Presence().IsOnline("f1"))
}

func TestUnsubscribeReleasesPresenceListener(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	calls := 0
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		cancel := h.engine.Subscribe(func() {
			mu.Lock()
			calls++
			mu.Unlock()
		})
		cancel()
	}
	assert.Zero(t, h.engine.Presence().Listeners())

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), "users:online", []byte(`["f1"]`)))
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestTypingEventsExpire(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), "user:typing", []byte(`{"userId":"f1","isTyping":true}`)))
	assert.True(t, h.engine.Presence().IsTyping("f1"))

	h.clock.Add(3 * time.Second)
	assert.Eventually(t, func() bool { return !h.engine.Presence().IsTyping("f1") }, time.Second, 5*time.Millisecond)
}

func TestPushedMessageForActiveConversation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.SelectFriend("f2"))
	h.engine.Wait()

	payload := `{"senderId":"f2","message":{"id":"p1","content":"yo","created_at":"2024-05-01T10:05:00Z"}}`
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), "message:received", []byte(payload)))
	h.engine.Wait()

	msgs := h.engine.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsRead)
	assert.Equal(t, []chat.UserID{"f2"}, h.backend.markedIDs())
}

func TestAuthFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.SelectFriend("f2"))

	h.transport.set(push.Status{Err: fmt.Errorf("%w: 401", domainauth.ErrUnauthenticated)})
	assert.True(t, h.engine.AuthFailed())
	assert.Equal(t, 1, h.session.ended)
	assert.False(t, h.engine.Polling())
	assert.Contains(t, h.notices.kinds(), policies.NoticeAuthRequired)
	assert.NotContains(t, h.notices.kinds(), policies.NoticeConnectionLost)
}

func TestStartWithoutSession(t *testing.T) {
	h := newHarness(t)
	h.session.End()
	assert.ErrorIs(t, h.engine.Start(context.Background()), domainauth.ErrNoSession)
	assert.Zero(t, h.transport.connects)
}

func TestRosterLoadFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.friendsErr = errors.New("down")
	require.Error(t, h.engine.Start(context.Background()))
	assert.False(t, h.engine.Snapshot().LoadingRoster)
	assert.Equal(t, []policies.NoticeKind{policies.NoticeRosterLoadFailed}, h.notices.kinds())
}

func TestAutoSelectOnStart(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.AutoSelect = "f2"
	h.engine.SetMobileLayout(true)
	require.NoError(t, h.engine.Start(context.Background()))
	state := h.engine.Snapshot()
	assert.Equal(t, chat.UserID("f2"), state.ActiveID)
	assert.False(t, state.ShowRoster)
}

func TestRemoveActiveFriend(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.SelectFriend("f1"))
	require.NoError(t, h.engine.RemoveFriend(context.Background(), "f1"))
	h.engine.Wait()

	state := h.engine.Snapshot()
	assert.Empty(t, state.ActiveID)
	assert.Len(t, state.Friends, 1)
	h.clock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.backend.markedIDs())
}

func TestSendAndLocalTyping(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.SelectFriend("f2"))
	h.engine.Wait()

	h.engine.InputChanged("hel")
	assert.Equal(t, []bool{true}, h.transport.typingSignals())
	h.clock.Add(time.Second)
	assert.Eventually(t, func() bool { return len(h.transport.typingSignals()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, h.transport.typingSignals())

	h.engine.InputChanged("hello")
	msg, err := h.engine.Send(context.Background(), "hello")
	require.NoError(t, err)
	state := h.engine.Snapshot()
	require.Len(t, state.Messages, 1)
	assert.Equal(t, msg.ID, state.Messages[0].ID)
	assert.Empty(t, state.Draft)
}

func TestSearchRoster(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	got := h.engine.Search("ad")
	require.Len(t, got, 1)
	assert.Equal(t, chat.UserID("f1"), got[0].ID)
}

func TestCloseTearsEverythingDown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.SelectFriend("f1"))
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), "user:typing", []byte(`{"userId":"f1","isTyping":true}`)))
	h.transport.set(push.Status{Err: errors.New("down")})
	require.True(t, h.engine.Polling())

	h.engine.Close()
	h.engine.Close()

	assert.False(t, h.engine.Polling())
	assert.False(t, h.transport.Connected())
	assert.Zero(t, h.engine.Presence().PendingTimers())
	assert.False(t, h.dispatcher.Registered(chat.EventUserTyping))
	state := h.engine.Snapshot()
	assert.Empty(t, state.Friends)
	assert.Empty(t, state.ActiveID)
	assert.ErrorIs(t, h.engine.SelectFriend("f1"), ErrEngineClosed)

	h.clock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.backend.markedIDs())
}
