package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"skillchat/internal/app/policies"
)

var ErrRelayNotConfigured = errors.New("outbox: relay missing publisher")

// EventRecord is an encoded notice ready for a broker.
type EventRecord struct {
	ID         string
	Name       string
	Payload    []byte
	OccurredAt time.Time
	Aggregate  string
	Headers    map[string]string
}

// Publisher writes one record to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error
}

type NoticeEncoder struct {
	IDGenerator func() string
	Now         func() time.Time
}

type noticePayload struct {
	policies.Notice
	Error string `json:"error,omitempty"`
}

// Encode renders a notice as a record named chat.notice.<kind>.
func (e NoticeEncoder) Encode(n policies.Notice) (EventRecord, error) {
	if n.At.IsZero() {
		now := time.Now
		if e.Now != nil {
			now = e.Now
		}
		n.At = now().UTC()
	}
	body := noticePayload{Notice: n}
	if n.Err != nil {
		body.Error = n.Err.Error()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return EventRecord{}, err
	}
	idGen := e.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}
	return EventRecord{
		ID:         idGen(),
		Name:       "chat.notice." + string(n.Kind),
		Payload:    payload,
		OccurredAt: n.At,
		Aggregate:  string(n.FriendID),
		Headers:    map[string]string{},
	}, nil
}

// Envelope wraps a record into a structured CloudEvents JSON message.
func Envelope(rec EventRecord, source string) ([]byte, map[string]string, error) {
	data := map[string]any{}
	if err := json.Unmarshal(rec.Payload, &data); err != nil {
		return nil, nil, err
	}
	if source == "" {
		source = "app://skillchat"
	}
	evt := map[string]any{
		"specversion":     "1.0",
		"id":              rec.ID,
		"type":            rec.Name + ".v1",
		"source":          source,
		"time":            rec.OccurredAt,
		"datacontenttype": "application/json",
		"data":            data,
	}
	if trace, ok := rec.Headers["traceparent"]; ok {
		evt["traceparent"] = trace
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, nil, err
	}
	headers := map[string]string{
		"content-type": "application/cloudevents+json",
	}
	for k, v := range rec.Headers {
		headers[k] = v
	}
	return payload, headers, nil
}

// TopicFor maps chat.notice.send_failed to <prefix>chat.events.v1.
func TopicFor(name, prefix string) string {
	base := name
	if idx := strings.IndexRune(name, '.'); idx > 0 {
		base = name[:idx]
	}
	return prefix + base + ".events.v1"
}

// NoticeRelay publishes every notice to the broker. It is a policies.Notifier.
type NoticeRelay struct {
	Publisher   Publisher
	Encoder     NoticeEncoder
	TopicPrefix string
	// Topic overrides the topic derived from the record name.
	Topic  string
	Source string
	Logger *slog.Logger
}

func (r *NoticeRelay) Notify(ctx context.Context, n policies.Notice) error {
	if r == nil || r.Publisher == nil {
		return ErrRelayNotConfigured
	}
	rec, err := r.Encoder.Encode(n)
	if err != nil {
		return fmt.Errorf("outbox: encode notice: %w", err)
	}
	payload, headers, err := Envelope(rec, r.Source)
	if err != nil {
		return fmt.Errorf("outbox: envelope notice: %w", err)
	}
	topic := r.Topic
	if topic == "" {
		topic = TopicFor(rec.Name, r.TopicPrefix)
	}
	if err := r.Publisher.Publish(ctx, topic, rec.Aggregate, payload, headers); err != nil {
		if r.Logger != nil {
			r.Logger.Warn("notice publish failed", "topic", topic, "kind", n.Kind, "error", err)
		}
		return err
	}
	return nil
}
