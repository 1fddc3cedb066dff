package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/harunnryd/voicebridge/pkg/errorsx"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes call summaries to a topic keyed by call id.
type Kafka struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// NewKafka returns nil when no brokers are configured.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) *Kafka {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
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
	logger.Info("kafka_sink_initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &Kafka{writer: writer, topic: cfg.Topic, logger: logger}
}

func (k *Kafka) CallEnded(ctx context.Context, summary CallSummary) error {
	if k == nil || k.writer == nil {
		return nil
	}
	if summary.EndedAt.IsZero() {
		summary.EndedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonNotification)
	}
	start := time.Now()
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(summary.CallID),
		Value: payload,
	})
	if err != nil {
		return errorsx.Errorf(errorsx.ReasonNotification, "kafka publish %s: %w", k.topic, err)
	}
	k.logger.Debug("kafka_published", "topic", k.topic, "call_id", summary.CallID, "latency_ms", time.Since(start).Milliseconds())
	return nil
}

func (k *Kafka) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
