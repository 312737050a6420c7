package usage

import (
	"context"
	"time"

	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type PublisherConfig struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// Publisher forwards usage events to Kafka. When disabled it only logs.
type Publisher struct {
	logger  shared.LoggerAdapter
	writer  messageWriter
	topic   string
	enabled bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewPublisher(logger shared.LoggerAdapter, cfg *PublisherConfig) (*Publisher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	logger = logger.With(zap.String("component", "usage-publisher"))
	if cfg == nil || !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info("kafka disabled, using log-only mode")
		p := &Publisher{logger: logger}
		if cfg != nil {
			p.topic = cfg.Topic
		}
		return p, nil
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	logger.Info("kafka publisher initialized", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return &Publisher{logger: logger, writer: writer, topic: cfg.Topic, enabled: true}, nil
}

// Publish writes e keyed by user so one user's events stay ordered.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	payload, err := sonic.Marshal(e)
	if err != nil {
		p.logger.Error("marshaling usage event", err)
		return err
	}
	p.logger.Debug("publishing usage event", zap.String("topic", p.topic), zap.String("user_id", e.UserID))
	if !p.enabled || p.writer == nil {
		return nil
	}
	msg := kafka.Message{
		Key:   []byte(e.UserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("session.finished")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("writing usage event to kafka", err, zap.String("topic", p.topic))
		return err
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
