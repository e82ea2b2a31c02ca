package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"risk-auth-service/internal/model"
)

// Producer is the subset of client.KafkaProducer the sink needs.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink appends events to the audit topic, keyed by identity so a
// consumer sees each identity's events in order.
type KafkaSink struct {
	producer Producer
	topic    string
}

func NewKafkaSink(producer Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, e *model.AuditEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(e.Identity), value, map[string]string{
		"event-type":   string(e.Type),
		"event-id":     e.ID,
		"content-type": "application/json",
	})
}
