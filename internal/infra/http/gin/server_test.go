package ginserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "skillchat/internal/domain/auth"
	"skillchat/internal/domain/chat"
	"skillchat/internal/infra/inbox"
	"skillchat/internal/infra/obs"
	"skillchat/internal/infra/push"
	"skillchat/internal/infra/rest"
	"skillchat/internal/infra/storage/memory"
)

var testSecret = []byte("test-secret")

type staticToken string

func (s staticToken) Token() string { return string(s) }

type recorded struct {
	name string
	data []byte
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Dispatch(_ context.Context, name string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{name: name, data: append([]byte(nil), data...)})
	return nil
}

func (r *recorder) named(name chat.EventName) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, ev := range r.events {
		if ev.name == string(name) {
			out = append(out, ev)
		}
	}
	return out
}

type stub struct {
	t     *testing.T
	srv   *httptest.Server
	hub   *Hub
	msgs  *memory.MessageRepository
	conns *memory.ConnectionRepository
}

func newStub(t *testing.T) *stub {
	t.Helper()
	logger := obs.Discard()
	msgs := memory.NewMessageRepository()
	conns := memory.NewConnectionRepository()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, conns.Connect(context.Background(),
		chat.Friend{ID: "a", Name: "Alice", Profession: "Designer"},
		chat.Friend{ID: "b", Name: "Bob", Profession: "Engineer"}, at))
	hub := NewHub(HubParams{Dedup: inbox.NewMemoryStore(100), Logger: logger})
	server := NewServer(Params{
		Env:         "test",
		Secret:      testSecret,
		Messages:    msgs,
		Connections: conns,
		Hub:         hub,
		Logger:      logger,
	})
	srv := httptest.NewServer(server.Handler)
	t.Cleanup(func() {
		hub.Close()
		srv.CloseClientConnections()
		srv.Close()
	})
	return &stub{t: t, srv: srv, hub: hub, msgs: msgs, conns: conns}
}

func (s *stub) token(user chat.UserID) staticToken {
	tok, err := domainauth.IssueToken(testSecret, user, time.Hour, time.Now())
	require.NoError(s.t, err)
	return staticToken(tok)
}

func (s *stub) client(user chat.UserID) *rest.Client {
	c, err := rest.NewClient(rest.Config{BaseURL: s.srv.URL + "/api", CallTimeout: 2 * time.Second}, s.token(user), obs.Discard())
	require.NoError(s.t, err)
	return c
}

func (s *stub) connect(user chat.UserID) (*push.Channel, *recorder) {
	rec := &recorder{}
	ch, err := push.NewChannel(push.ChannelParams{
		Config:      push.Config{BaseURL: s.srv.URL + "/api", ReconnectDelay: time.Hour},
		Credentials: s.token(user),
		Dispatcher:  rec,
		SideChannel: s.client(user),
		Logger:      obs.Discard(),
	})
	require.NoError(s.t, err)
	s.t.Cleanup(ch.Disconnect)
	require.NoError(s.t, ch.Connect())
	require.Eventually(s.t, ch.Connected, 2*time.Second, 10*time.Millisecond)
	return ch, rec
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	s := newStub(t)
	resp, err := http.Get(s.srv.URL + "/api/connections/friends/a")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(s.srv.URL + "/api/events?token=garbage")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	s := newStub(t)
	resp, err := http.Get(s.srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ready", body["status"])
	assert.Contains(t, body, "streams")
}

func TestSendFetchAndRoster(t *testing.T) {
	s := newStub(t)
	ctx := context.Background()
	alice, bob := s.client("a"), s.client("b")

	sent, err := alice.SendMessage(ctx, "a", "b", "  hello bob ")
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, "hello bob", sent.Content)
	assert.Equal(t, "Alice", sent.SenderName)
	assert.Equal(t, "Bob", sent.ReceiverName)

	msgs, err := bob.FetchMessages(ctx, "b", "a", chat.PageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)

	friends, err := bob.Friends(ctx, "b")
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, chat.UserID("a"), friends[0].ID)
	assert.Equal(t, "Alice", friends[0].Name)
	assert.Equal(t, 1, friends[0].UnreadCount)
	assert.Equal(t, "hello bob", friends[0].LastMessagePreview)

	require.NoError(t, bob.MarkConversationRead(ctx, "a"))
	friends, err = bob.Friends(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 0, friends[0].UnreadCount)
}

func TestOtherUsersConversationIsForbidden(t *testing.T) {
	s := newStub(t)
	_, err := s.client("a").FetchMessages(context.Background(), "b", "a", chat.PageQuery{})
	assert.True(t, rest.IsStatus(err, http.StatusForbidden))
}

func TestEmptySendIsRejected(t *testing.T) {
	s := newStub(t)
	_, err := s.client("a").SendMessage(context.Background(), "a", "b", "   ")
	assert.True(t, rest.IsStatus(err, http.StatusBadRequest))
}

func TestStoredMessageIsPushedOnceDespiteRelay(t *testing.T) {
	s := newStub(t)
	ctx := context.Background()
	_, bobEvents := s.connect("b")
	alice := s.client("a")

	sent, err := alice.SendMessage(ctx, "a", "b", "hi")
	require.NoError(t, err)
	require.NoError(t, alice.RelayMessage(ctx, "b", sent))
	require.NoError(t, alice.SendTyping(ctx, "b", true))

	require.Eventually(t, func() bool { return len(bobEvents.named(chat.EventUserTyping)) == 1 }, 2*time.Second, 10*time.Millisecond)
	received := bobEvents.named(chat.EventMessageReceived)
	require.Len(t, received, 1)
	ev, err := chat.DecodeEvent(received[0].name, received[0].data)
	require.NoError(t, err)
	assert.Equal(t, sent.ID, ev.(chat.MessageReceived).Message.ID)
	assert.Equal(t, chat.UserID("a"), ev.(chat.MessageReceived).SenderID)

	typing, err := chat.DecodeEvent(string(chat.EventUserTyping), bobEvents.named(chat.EventUserTyping)[0].data)
	require.NoError(t, err)
	assert.Equal(t, chat.UserTyping{UserID: "a", IsTyping: true}, typing)
}

func TestReadReceiptsReachTheSender(t *testing.T) {
	s := newStub(t)
	ctx := context.Background()
	_, aliceEvents := s.connect("a")
	sent, err := s.client("a").SendMessage(ctx, "a", "b", "ping")
	require.NoError(t, err)

	bob := s.client("b")
	require.NoError(t, bob.MarkConversationRead(ctx, "a"))
	require.NoError(t, bob.MarkMessagesRead(ctx, "a", []chat.MessageID{sent.ID}))

	require.Eventually(t, func() bool { return len(aliceEvents.named(chat.EventMessageStatus)) == 2 }, 2*time.Second, 10*time.Millisecond)
	for _, raw := range aliceEvents.named(chat.EventMessageStatus) {
		ev, err := chat.DecodeEvent(raw.name, raw.data)
		require.NoError(t, err)
		status := ev.(chat.MessageStatusChanged)
		assert.Equal(t, chat.ReceiptRead, status.Status)
		assert.Equal(t, []chat.MessageID{sent.ID}, status.MessageIDs)
	}
}

func TestPresenceFollowsStreams(t *testing.T) {
	s := newStub(t)
	_, bobEvents := s.connect("b")
	require.Eventually(t, func() bool { return len(bobEvents.named(chat.EventUsersOnline)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `[]`, string(bobEvents.named(chat.EventUsersOnline)[0].data))

	alice, aliceEvents := s.connect("a")
	require.Eventually(t, func() bool { return len(aliceEvents.named(chat.EventUsersOnline)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `["b"]`, string(aliceEvents.named(chat.EventUsersOnline)[0].data))

	require.Eventually(t, func() bool { return len(bobEvents.named(chat.EventUserStatus)) == 1 }, 2*time.Second, 10*time.Millisecond)
	ev, err := chat.DecodeEvent(string(chat.EventUserStatus), bobEvents.named(chat.EventUserStatus)[0].data)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusOnline, ev.(chat.UserStatusChanged).Status)
	assert.True(t, s.hub.Online("a"))

	alice.Disconnect()
	require.Eventually(t, func() bool { return len(bobEvents.named(chat.EventUserStatus)) == 2 }, 2*time.Second, 10*time.Millisecond)
	ev, err = chat.DecodeEvent(string(chat.EventUserStatus), bobEvents.named(chat.EventUserStatus)[1].data)
	require.NoError(t, err)
	offline := ev.(chat.UserStatusChanged)
	assert.Equal(t, chat.StatusOffline, offline.Status)
	assert.False(t, offline.LastSeenAt.IsZero())
	assert.False(t, s.hub.Online("a"))
}

func TestDeleteFriend(t *testing.T) {
	s := newStub(t)
	ctx := context.Background()
	alice := s.client("a")
	require.NoError(t, alice.DeleteFriend(ctx, "a", "b"))
	friends, err := s.client("b").Friends(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, friends)
	assert.ErrorIs(t, alice.DeleteFriend(ctx, "a", "b"), chat.ErrConnectionNotFound)
}

func TestHubDropsDuplicateEventIDs(t *testing.T) {
	hub := NewHub(HubParams{Logger: obs.Discard()})
	sub, first := hub.Subscribe("u")
	assert.True(t, first)
	ctx := context.Background()
	hub.Publish(ctx, "u", StreamEvent{ID: "m1", Name: chat.EventMessageReceived, Data: []byte(`{}`)})
	hub.Publish(ctx, "u", StreamEvent{ID: "m1", Name: chat.EventMessageReceived, Data: []byte(`{}`)})
	hub.Publish(ctx, "u", StreamEvent{Name: chat.EventUserTyping, Data: []byte(`{}`)})
	hub.Publish(ctx, "u", StreamEvent{Name: chat.EventUserTyping, Data: []byte(`{}`)})
	assert.Len(t, sub.Events(), 3)

	_, first = hub.Subscribe("u")
	assert.False(t, first)
	assert.False(t, hub.Unsubscribe(sub))
	assert.Equal(t, 1, hub.Stats()["streams"])
	hub.Close()
	assert.Equal(t, 0, hub.Stats()["streams"])
}
