package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillchat/internal/app/outbox"
	"skillchat/internal/app/policies"
)

func TestPublishSendsSortedHeaders(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "chat.events.v1" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil || string(key) != "f1" {
			return errors.New("unexpected key")
		}
		if len(msg.Headers) != 2 || string(msg.Headers[0].Key) != "a" || string(msg.Headers[1].Key) != "content-type" {
			return errors.New("headers not sorted")
		}
		return nil
	})
	p := NewProducerFrom(sp)
	err := p.Publish(context.Background(), "chat.events.v1", "f1", []byte(`{}`), map[string]string{
		"content-type": "application/json",
		"a":            "1",
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestPublishHonoursContext(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := NewProducerFrom(sp)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, "t", "", nil, nil), context.Canceled)
	require.NoError(t, p.Close())
}

func TestNoticeRelayOverKafka(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	relay := &outbox.NoticeRelay{Publisher: NewProducerFrom(sp)}
	err := relay.Notify(context.Background(), policies.AuthRequired(nil))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, sp.Close())
}

func TestNewProducerNeedsBrokers(t *testing.T) {
	_, err := NewProducer(nil, nil)
	assert.ErrorIs(t, err, ErrNoBrokers)
}
