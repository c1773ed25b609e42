package statebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	OffsetLast  = "last"
	OffsetFirst = "first"

	DefaultMaxWait = 500 * time.Millisecond
)

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
	// StartOffset applies when the group has no committed offset: "last"
	// ignores rollovers announced before the first start, "first" replays
	// the topic.
	StartOffset string        `yaml:"start_offset"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

func (c KafkaConfig) brokers() []string {
	out := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (c KafkaConfig) startOffset() (int64, error) {
	switch strings.ToLower(strings.TrimSpace(c.StartOffset)) {
	case "", OffsetLast:
		return kafka.LastOffset, nil
	case OffsetFirst:
		return kafka.FirstOffset, nil
	default:
		return 0, fmt.Errorf("start_offset must be %q or %q, got %q", OffsetLast, OffsetFirst, c.StartOffset)
	}
}

// Validate reports every missing or malformed setting.
func (c KafkaConfig) Validate() error {
	var errs []error
	if len(c.brokers()) == 0 {
		errs = append(errs, errors.New("kafka brokers required"))
	}
	if strings.TrimSpace(c.Topic) == "" {
		errs = append(errs, errors.New("kafka topic required"))
	}
	if strings.TrimSpace(c.GroupID) == "" {
		errs = append(errs, errors.New("kafka group id required"))
	}
	if _, err := c.startOffset(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxWait < 0 {
		errs = append(errs, errors.New("max_wait must not be negative"))
	}
	return errors.Join(errs...)
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConsumer struct {
	reader kafkaReader
	topic  string
}

func NewKafkaConsumer(cfg KafkaConfig, logger *slog.Logger) (*KafkaConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	start, _ := cfg.startOffset()
	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}
	logger = logger.With("component", "statebus", "topic", cfg.Topic)
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.brokers(),
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: start,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     maxWait,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	})
	return &KafkaConsumer{reader: r, topic: cfg.Topic}, nil
}

func (c *KafkaConsumer) FetchMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, errors.New("kafka consumer not initialized")
	}
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Key: m.Key, Value: m.Value, Partition: m.Partition, Offset: m.Offset, Time: m.Time}, nil
}

func (c *KafkaConsumer) CommitMessage(ctx context.Context, msg Message) error {
	if c == nil || c.reader == nil {
		return errors.New("kafka consumer not initialized")
	}
	return c.reader.CommitMessages(ctx, kafka.Message{Topic: c.topic, Partition: msg.Partition, Offset: msg.Offset})
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
