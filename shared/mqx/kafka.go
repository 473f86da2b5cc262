package mqx

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"fleet-dispatch-dashboard/shared/config"
)

type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Producer writes keyed messages to a single topic.
type Producer struct {
	writer *kafka.Writer
	topic  string
}

func NewProducer(cfg config.Config, topic string) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  max(cfg.KafkaRetryMax, 1),
		BatchTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w, topic: topic}, nil
}

func (p *Producer) Topic() string {
	if p == nil {
		return ""
	}
	return p.topic
}

// Publish writes all messages in one call so they share a batch.
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	if len(msgs) == 0 {
		return nil
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.Int("messaging.batch.message_count", len(msgs)),
	)
	defer span.End()

	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		km := kafka.Message{Key: m.Key, Value: m.Value}
		if len(m.Headers) > 0 {
			km.Headers = make([]kafka.Header, 0, len(m.Headers))
			for k, v := range m.Headers {
				km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
			}
		}
		out = append(out, km)
	}
	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Ping dials the first reachable broker.
func Ping(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	var lastErr error
	for _, b := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return lastErr
}
