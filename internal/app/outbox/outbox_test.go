package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillchat/internal/app/policies"
)

type published struct {
	topic   string
	key     string
	payload []byte
	headers map[string]string
}

type fakePublisher struct {
	got []published
	err error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, payload []byte, headers map[string]string) error {
	f.got = append(f.got, published{topic, key, payload, headers})
	return f.err
}

func TestNoticeRelayPublishesCloudEvent(t *testing.T) {
	pub := &fakePublisher{}
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	relay := &NoticeRelay{
		Publisher:   pub,
		Encoder:     NoticeEncoder{IDGenerator: func() string { return "evt-1" }},
		TopicPrefix: "dev.",
	}
	notice := policies.SendFailed("f1", errors.New("boom"))
	notice.At = at
	require.NoError(t, relay.Notify(context.Background(), notice))

	require.Len(t, pub.got, 1)
	got := pub.got[0]
	assert.Equal(t, "dev.chat.events.v1", got.topic)
	assert.Equal(t, "f1", got.key)
	assert.Equal(t, "application/cloudevents+json", got.headers["content-type"])

	var evt map[string]any
	require.NoError(t, json.Unmarshal(got.payload, &evt))
	assert.Equal(t, "1.0", evt["specversion"])
	assert.Equal(t, "evt-1", evt["id"])
	assert.Equal(t, "chat.notice.send_failed.v1", evt["type"])
	assert.Equal(t, "app://skillchat", evt["source"])
	data := evt["data"].(map[string]any)
	assert.Equal(t, "send_failed", data["kind"])
	assert.Equal(t, "boom", data["error"])
	assert.Equal(t, "f1", data["friend_id"])
}

func TestNoticeRelayTopicOverrideAndErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	relay := &NoticeRelay{Publisher: pub, Topic: "notices"}
	err := relay.Notify(context.Background(), policies.ConnectionLost(nil))
	assert.EqualError(t, err, "broker down")
	require.Len(t, pub.got, 1)
	assert.Equal(t, "notices", pub.got[0].topic)

	var empty *NoticeRelay
	assert.ErrorIs(t, empty.Notify(context.Background(), policies.ConnectionLost(nil)), ErrRelayNotConfigured)
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, "chat.events.v1", TopicFor("chat.notice.auth_required", ""))
	assert.Equal(t, "x.events.v1", TopicFor("x", ""))
}
