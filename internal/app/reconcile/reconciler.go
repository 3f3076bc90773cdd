package reconcile

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"

	"skillchat/internal/app/policies"
	"skillchat/internal/app/store"
	domainauth "skillchat/internal/domain/auth"
	"skillchat/internal/domain/chat"
)

var (
	ErrNoConversation = errors.New("reconcile: no active conversation")
	ErrSendFailed     = errors.New("reconcile: send failed")
	ErrNotConfigured  = errors.New("reconcile: store, api and session are required")
)

// DefaultPageLimit is the page size of a conversation fetch.
const DefaultPageLimit = 50

// API is the request/response backend.
type API interface {
	SendMessage(ctx context.Context, sender, receiver chat.UserID, content string) (chat.Message, error)
	FetchMessages(ctx context.Context, user, peer chat.UserID, q chat.PageQuery) ([]chat.Message, error)
	MarkConversationRead(ctx context.Context, sender chat.UserID) error
}

// Transport is the push side of the backend.
type Transport interface {
	Connected() bool
	Send(ctx context.Context, receiver chat.UserID, msg chat.Message) error
	MarkRead(ctx context.Context, sender chat.UserID, ids []chat.MessageID) error
	SendTyping(ctx context.Context, receiver chat.UserID, typing bool)
}

// Session yields the signed-in user at call time.
type Session interface {
	UserID() chat.UserID
}

type Params struct {
	Store     *store.Store
	API       API
	Transport Transport
	Session   Session
	Notifier  policies.Notifier
	Clock     clock.Clock
	Logger    *slog.Logger
	PageLimit int
	// OnAuthFailure runs when a backend call rejects the credential.
	OnAuthFailure func(error)
}

// Reconciler merges optimistic sends, fetched batches and pushed messages
// into the store. Network calls run outside the store lock; each result is
// applied only while its conversation is still the active one.
type Reconciler struct {
	store     *store.Store
	api       API
	transport Transport
	session   Session
	notifier  policies.Notifier
	clock     clock.Clock
	logger    *slog.Logger
	limit     int
	onAuth    func(error)

	wg sync.WaitGroup
}

func New(params Params) (*Reconciler, error) {
	if params.Store == nil || params.API == nil || params.Session == nil {
		return nil, ErrNotConfigured
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := params.PageLimit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return &Reconciler{
		store:     params.Store,
		api:       params.API,
		transport: params.Transport,
		session:   params.Session,
		notifier:  params.Notifier,
		clock:     clk,
		logger:    logger,
		limit:     limit,
		onAuth:    params.OnAuthFailure,
	}, nil
}

// BatchHash is the content hash of a fetched batch. Two batches hash alike
// when they hold the same messages in the same order with the same read
// flags.
func BatchHash(batch []chat.Message) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, msg := range batch {
		_, _ = d.WriteString(string(msg.ID))
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(msg.Content)
		_, _ = d.WriteString("\x00")
		binary.LittleEndian.PutUint64(buf[:], uint64(msg.CreatedAt.UnixNano()))
		_, _ = d.Write(buf[:])
		if msg.IsRead {
			_, _ = d.WriteString("r")
		} else {
			_, _ = d.WriteString("u")
		}
	}
	return d.Sum64()
}

// FetchActive fetches the conversation that is active when it is called.
func (r *Reconciler) FetchActive(ctx context.Context) error {
	var active chat.UserID
	r.store.Read(func(s store.State) { active = s.ActiveID })
	if active == "" {
		return ErrNoConversation
	}
	return r.Fetch(ctx, active)
}

// Fetch loads the first page of the conversation with friendID and merges
// it. A batch identical to the last applied one leaves the store untouched.
// A failure raises a notice only while the conversation is still empty.
func (r *Reconciler) Fetch(ctx context.Context, friendID chat.UserID) error {
	user := r.session.UserID()
	if user == "" {
		return domainauth.ErrNoSession
	}
	var firstLoad bool
	r.store.Read(func(s store.State) {
		firstLoad = s.ActiveID == friendID && len(s.Messages) == 0
	})

	batch, err := r.api.FetchMessages(ctx, user, friendID, chat.PageQuery{Page: 1, Limit: r.limit})
	if err != nil {
		r.store.Apply(store.FetchFailed(friendID))
		r.authFailure(err)
		if firstLoad && !errors.Is(err, context.Canceled) {
			r.notify(ctx, policies.FetchFailed(friendID, err))
		}
		return fmt.Errorf("reconcile: fetch %s: %w", friendID, err)
	}
	if r.store.Apply(store.ApplyFetch(friendID, batch, BatchHash(batch))) {
		r.logger.Debug("conversation merged", "friend_id", friendID, "messages", len(batch))
	}
	return nil
}

// Send submits content to the active conversation. The message shows up at
// once under a pending id and is replaced by the server copy returned from
// this very call. On failure the pending entry is removed and the draft is
// kept.
func (r *Reconciler) Send(ctx context.Context, content string) (chat.Message, error) {
	user := r.session.UserID()
	if user == "" {
		return chat.Message{}, domainauth.ErrNoSession
	}
	friend, ok := r.store.Snapshot().ActiveFriend()
	if !ok {
		return chat.Message{}, ErrNoConversation
	}
	pending, err := chat.NewPendingMessage(chat.PendingParams{
		Content:  content,
		Sender:   user,
		Receiver: friend,
		Now:      r.clock.Now(),
	})
	if err != nil {
		return chat.Message{}, err
	}
	r.store.Apply(store.AppendPending(pending))

	confirmed, err := r.api.SendMessage(ctx, user, friend.ID, content)
	if err == nil && confirmed.ID == "" {
		err = errors.New("server returned a message without id")
	}
	if err != nil {
		r.store.Apply(store.RollbackPending(friend.ID, pending.ID))
		r.logger.Warn("send failed", "friend_id", friend.ID, "message_id", pending.ID, "error", err)
		r.authFailure(err)
		r.notify(ctx, policies.SendFailed(friend.ID, err))
		return chat.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	confirmed = completeConfirmation(confirmed, pending)
	r.store.Apply(store.ConfirmPending(friend.ID, pending.ID, confirmed))
	r.store.Apply(store.ClearDraft(content))

	if r.pushConnected() {
		if err := r.transport.Send(ctx, friend.ID, confirmed); err != nil {
			r.logger.Warn("push relay failed", "friend_id", friend.ID, "message_id", confirmed.ID, "error", err)
		}
		r.transport.SendTyping(ctx, friend.ID, false)
	} else if err := r.Fetch(ctx, friend.ID); err != nil {
		r.logger.Debug("post-send fetch failed", "friend_id", friend.ID, "error", err)
	}
	return confirmed, nil
}

func completeConfirmation(confirmed, pending chat.Message) chat.Message {
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = pending.CreatedAt
	}
	if confirmed.SenderID == "" {
		confirmed.SenderID = pending.SenderID
	}
	if confirmed.ReceiverID == "" {
		confirmed.ReceiverID = pending.ReceiverID
	}
	if confirmed.Content == "" {
		confirmed.Content = pending.Content
	}
	return confirmed
}

// MarkRead marks every message from friendID as read on the server, sends
// a read receipt over push when connected, and then applies it locally.
func (r *Reconciler) MarkRead(ctx context.Context, friendID chat.UserID) error {
	if friendID == "" {
		return ErrNoConversation
	}
	var ids []chat.MessageID
	r.store.Read(func(s store.State) {
		if s.ActiveID == friendID {
			ids = chat.UnreadIDs(s.Messages, friendID)
		}
	})
	if err := r.api.MarkConversationRead(ctx, friendID); err != nil {
		r.authFailure(err)
		r.logger.Warn("mark read failed", "friend_id", friendID, "error", err)
		return fmt.Errorf("reconcile: mark read %s: %w", friendID, err)
	}
	if len(ids) > 0 && r.pushConnected() {
		if err := r.transport.MarkRead(ctx, friendID, ids); err != nil {
			r.logger.Debug("read receipt dropped", "friend_id", friendID, "error", err)
		}
	}
	r.store.Apply(store.MarkConversationRead(friendID))
	return nil
}

// HandleMessageReceived applies a pushed message. A message from the
// active friend is marked read right away in the background.
func (r *Reconciler) HandleMessageReceived(ctx context.Context, ev chat.MessageReceived) error {
	msg := ev.Message
	if msg.SenderID == "" {
		msg.SenderID = ev.SenderID
	}
	if msg.ReceiverID == "" {
		msg.ReceiverID = r.session.UserID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.clock.Now().UTC()
	}
	if !r.store.Apply(store.ReceiveMessage(msg)) {
		return nil
	}
	var active bool
	r.store.Read(func(s store.State) { active = s.ActiveID == msg.SenderID })
	if active && !msg.IsRead {
		r.Go(func() {
			_ = r.MarkRead(context.WithoutCancel(ctx), msg.SenderID)
		})
	}
	return nil
}

// HandleMessageStatus applies a read receipt.
func (r *Reconciler) HandleMessageStatus(_ context.Context, ev chat.MessageStatusChanged) error {
	if ev.Status != chat.ReceiptRead {
		return nil
	}
	r.store.Apply(store.MarkMessagesRead(ev.MessageIDs))
	return nil
}

// Go runs fn in the background and tracks it for Wait.
func (r *Reconciler) Go(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// Wait blocks until background work started by Go has finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) pushConnected() bool {
	return r.transport != nil && r.transport.Connected()
}

func (r *Reconciler) authFailure(err error) {
	if r.onAuth == nil {
		return
	}
	if errors.Is(err, domainauth.ErrUnauthenticated) || errors.Is(err, domainauth.ErrTokenRequired) {
		r.onAuth(err)
	}
}

func (r *Reconciler) notify(ctx context.Context, n policies.Notice) {
	if r.notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = r.clock.Now().UTC()
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Warn("notice delivery failed", "kind", n.Kind, "error", err)
	}
}
