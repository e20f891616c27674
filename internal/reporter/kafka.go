package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/srte/internal/config"
	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/metrics"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3
)

// messageWriter is the part of *kafka.Writer the reporter uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka sends events as JSON messages keyed by flow or destination.
// The writer is asynchronous; delivery results arrive through Completion.
type Kafka struct {
	writer messageWriter
	logger log.Logger
	topic  string

	reported atomic.Uint64
	failed   atomic.Uint64
}

// NewKafka creates a Kafka reporter from cfg.
func NewKafka(cfg config.KafkaReporterConfig, logger log.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka reporter requires brokers", core.ErrConfigInvalid)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka reporter requires a topic", core.ErrConfigInvalid)
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	r := &Kafka{
		logger: logger.WithField("component", "reporter").WithField("topic", cfg.Topic),
		topic:  cfg.Topic,
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    orDefault(cfg.BatchSize, defaultBatchSize),
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  orDefault(cfg.MaxAttempts, defaultMaxAttempts),
		Compression:  codec,
		Async:        true,
		Completion:   r.completion,
	}
	if w.BatchTimeout <= 0 {
		w.BatchTimeout = defaultBatchTimeout
	}
	r.writer = w
	return r, nil
}

func compressionCodec(name string) (compress.Compression, error) {
	switch name {
	case "", "none":
		return 0, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	default:
		return 0, fmt.Errorf("%w: invalid compression type: %s", core.ErrConfigInvalid, name)
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Report queues ev. It only fails when the event cannot be encoded or the
// writer is closed.
func (r *Kafka) Report(ctx context.Context, ev Event) error {
	msg, err := message(ev)
	if err != nil {
		metrics.ReporterEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		r.failed.Add(1)
		metrics.ReporterEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return fmt.Errorf("%w: kafka write: %v", core.ErrTransport, err)
	}
	return nil
}

func (r *Kafka) completion(msgs []kafka.Message, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		r.failed.Add(uint64(len(msgs)))
		r.logger.WithError(err).WithField("messages", len(msgs)).Warn("kafka delivery failed")
	} else {
		r.reported.Add(uint64(len(msgs)))
	}
	for _, m := range msgs {
		metrics.ReporterEventsTotal.WithLabelValues(eventType(m), result).Inc()
	}
}

// Close flushes pending messages.
func (r *Kafka) Close() error {
	err := r.writer.Close()
	r.logger.WithField("reported", r.reported.Load()).WithField("failed", r.failed.Load()).Info("kafka reporter stopped")
	return err
}

func message(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize event: %w", err)
	}
	return kafka.Message{
		Key:     []byte(ev.Key()),
		Value:   value,
		Time:    ev.Time,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}, nil
}

func eventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "type" {
			return string(h.Value)
		}
	}
	return "unknown"
}
