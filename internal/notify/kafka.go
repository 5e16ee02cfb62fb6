package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of kafka.Writer used by KafkaSink
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes temperature events as JSON, keyed by sensor name
type KafkaSink struct {
	topic  string
	writer MessageWriter
}

// NewKafkaSink creates a sink writing to topic on the given brokers
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	var addrs []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafka sink: no brokers")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink: empty topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{topic: topic, writer: w}, nil
}

// NewKafkaSinkWithWriter wraps an existing writer
func NewKafkaSinkWithWriter(topic string, w MessageWriter) *KafkaSink {
	return &KafkaSink{topic: topic, writer: w}
}

// Name identifies the sink in the registry
func (k *KafkaSink) Name() string {
	return "kafka:" + k.topic
}

// Notify publishes one event
func (k *KafkaSink) Notify(ctx context.Context, t Temperature) error {
	value, err := Encode(t)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(t.Name), Value: value}); err != nil {
		return fmt.Errorf("publish %s: %w", t.Name, err)
	}
	return nil
}

// Close flushes and closes the writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

type event struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Value    *float64 `json:"value"`
	Severity string   `json:"severity"`
	Time     int64    `json:"ts"`
}

// Encode renders t as JSON. An unknown reading is encoded as null.
func Encode(t Temperature) ([]byte, error) {
	e := event{
		Name:     t.Name,
		Type:     t.Type,
		Severity: t.Severity.String(),
		Time:     t.Time.UnixMilli(),
	}
	if !math.IsNaN(t.Value) {
		v := t.Value
		e.Value = &v
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t.Name, err)
	}
	return b, nil
}
