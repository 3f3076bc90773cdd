package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/IBM/sarama"

	"skillchat/internal/app/outbox"
)

var ErrNoBrokers = errors.New("kafka: no brokers configured")

// Producer publishes records synchronously. It satisfies outbox.Publisher.
type Producer struct {
	sync sarama.SyncProducer
}

func NewProducer(brokers []string, cfg *sarama.Config) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.ClientID = "skillchat"
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	sync, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{sync: sync}, nil
}

// NewProducerFrom wraps an existing sync producer.
func NewProducerFrom(sync sarama.SyncProducer) *Producer {
	return &Producer{sync: sync}
}

func (p *Producer) Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hs := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		hs = append(hs, sarama.RecordHeader{Key: []byte(k), Value: []byte(headers[k])})
	}
	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: hs,
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	_, _, err := p.sync.SendMessage(msg)
	return err
}

func (p *Producer) Close() error {
	if p.sync == nil {
		return nil
	}
	return p.sync.Close()
}

type NoticeRelayParams struct {
	Brokers     []string
	TopicPrefix string
	Topic       string
	Logger      *slog.Logger
}

// NewNoticeRelay connects a producer and returns a notifier that publishes
// every notice as a CloudEvent. Close the producer when done.
func NewNoticeRelay(params NoticeRelayParams) (*outbox.NoticeRelay, *Producer, error) {
	producer, err := NewProducer(params.Brokers, nil)
	if err != nil {
		return nil, nil, err
	}
	return &outbox.NoticeRelay{
		Publisher:   producer,
		TopicPrefix: params.TopicPrefix,
		Topic:       params.Topic,
		Logger:      params.Logger,
	}, producer, nil
}
