package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"skillchat/internal/app/dto"
	domainauth "skillchat/internal/domain/auth"
	"skillchat/internal/domain/chat"
)

const (
	defaultBaseURL  = "http://localhost:5000/api"
	requestIDHeader = "X-Request-ID"
)

var ErrBaseURLRequired = errors.New("rest: base url required")

// Credentials supplies the bearer token at call time.
type Credentials interface {
	Token() string
}

// Config defines REST client settings.
type Config struct {
	BaseURL     string
	CallTimeout time.Duration
	HTTPClient  *http.Client
}

// Client talks to the chat backend over its JSON REST API.
type Client struct {
	http        *http.Client
	base        *url.URL
	creds       Credentials
	callTimeout time.Duration
	logger      *slog.Logger
}

// StatusError carries a non-2xx reply.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: %d: %s", e.Code, e.Message)
}

// Unwrap maps 401 replies onto the terminal auth error.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized {
		return domainauth.ErrUnauthenticated
	}
	return nil
}

// IsStatus reports whether err is a StatusError with code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func NewClient(cfg Config, creds Credentials, logger *slog.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = defaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBaseURLRequired, cfg.BaseURL)
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:        httpClient,
		base:        base,
		creds:       creds,
		callTimeout: callTimeout,
		logger:      logger,
	}, nil
}

// BaseURL returns the API root, for example http://localhost:5000/api.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Token returns the current bearer credential.
func (c *Client) Token() string {
	if c.creds == nil {
		return ""
	}
	return c.creds.Token()
}

// SendMessage stores a new message and returns the server copy.
func (c *Client) SendMessage(ctx context.Context, sender, receiver chat.UserID, content string) (chat.Message, error) {
	req := dto.SendMessageRequest{SenderID: string(sender), ReceiverID: string(receiver), Message: content}
	var msg chat.Message
	if err := c.do(ctx, http.MethodPost, "/messages/send", req, &msg, "Failed to send message"); err != nil {
		return chat.Message{}, err
	}
	if msg.ID == "" {
		return chat.Message{}, errors.New("rest: send reply carried no message id")
	}
	return msg, nil
}

// FetchMessages loads one page of the conversation between user and peer.
func (c *Client) FetchMessages(ctx context.Context, user, peer chat.UserID, q chat.PageQuery) ([]chat.Message, error) {
	q = q.Normalized()
	req := dto.FetchMessagesRequest{ReceiverID: string(peer), Page: q.Page, Limit: q.Limit}
	if !q.Before.IsZero() {
		before := q.Before.UTC()
		req.Before = &before
	}
	var msgs []chat.Message
	if err := c.do(ctx, http.MethodPost, "/messages/"+string(user), req, &msgs, "Failed to fetch messages"); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkConversationRead marks every message from sender as read.
func (c *Client) MarkConversationRead(ctx context.Context, sender chat.UserID) error {
	var resp dto.StatusResponse
	return c.do(ctx, http.MethodPut, "/messages/mark-as-read", dto.MarkAsReadRequest{SenderID: string(sender)}, &resp, "Failed to mark messages as read")
}

// Friends loads the roster of user.
func (c *Client) Friends(ctx context.Context, user chat.UserID) ([]chat.Friend, error) {
	var rows []dto.Connection
	if err := c.do(ctx, http.MethodGet, "/connections/friends/"+string(user), nil, &rows, "Failed to fetch friends"); err != nil {
		return nil, err
	}
	friends := make([]chat.Friend, 0, len(rows))
	for _, row := range rows {
		f := row.Friend()
		if f.ID == "" {
			continue
		}
		friends = append(friends, f)
	}
	return friends, nil
}

// DeleteFriend removes the connection between user and friend.
func (c *Client) DeleteFriend(ctx context.Context, user, friend chat.UserID) error {
	var resp dto.StatusResponse
	err := c.do(ctx, http.MethodDelete, "/connections/delete/"+string(user), dto.DeleteFriendRequest{FriendID: string(friend)}, &resp, "Failed to delete friend")
	if IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %v", chat.ErrConnectionNotFound, err)
	}
	return err
}

// RelayMessage pushes a stored message to its receiver over the side channel.
func (c *Client) RelayMessage(ctx context.Context, receiver chat.UserID, msg chat.Message) error {
	return c.do(ctx, http.MethodPost, "/messages/send", dto.RelayMessageRequest{ReceiverID: string(receiver), Message: msg}, nil, "Failed to send message")
}

// MarkMessagesRead sends a read receipt for ids written by sender.
func (c *Client) MarkMessagesRead(ctx context.Context, sender chat.UserID, ids []chat.MessageID) error {
	req := dto.MarkMessagesReadRequest{SenderID: string(sender), MessageIDs: make([]string, 0, len(ids))}
	for _, id := range ids {
		req.MessageIDs = append(req.MessageIDs, string(id))
	}
	return c.do(ctx, http.MethodPost, "/messages/read", req, nil, "Failed to mark messages as read")
}

// SendTyping signals the local typing state to receiver.
func (c *Client) SendTyping(ctx context.Context, receiver chat.UserID, typing bool) error {
	return c.do(ctx, http.MethodPost, "/messages/typing", dto.TypingRequest{ReceiverID: string(receiver), IsTyping: typing}, nil, "Failed to send typing indicator")
}

func (c *Client) wrapCall(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, fallback string) error {
	token := c.Token()
	if token == "" {
		return domainauth.ErrTokenRequired
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	callCtx, cancel := c.wrapCall(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, c.endpoint(path), reader)
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("rest call", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start), "request_id", requestID)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp, fallback)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: decode %s %s: %w", method, path, err)
	}
	return nil
}

func statusError(resp *http.Response, fallback string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body dto.ErrorResponse
	_ = json.Unmarshal(data, &body)
	serverMsg := body.Error
	if serverMsg == "" {
		serverMsg = body.Message
	}
	msg := fallback
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		msg = "Authentication required. Please log in again."
	case resp.StatusCode == http.StatusForbidden:
		msg = "You don't have permission to perform this action."
	case resp.StatusCode == http.StatusNotFound:
		msg = "The requested resource was not found."
	case serverMsg != "":
		msg = serverMsg
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
