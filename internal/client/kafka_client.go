package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"risk-auth-service/internal/config"
	"risk-auth-service/internal/util"
)

// KafkaProducer publishes audit events and OTP delivery requests.
type KafkaProducer struct {
	Writer  *kafka.Writer
	brokers []string
	tls     *tls.Config
}

func NewKafkaProducer(cfg *config.Config) (*KafkaProducer, error) {
	kafkaConfig := cfg.Kafka
	if len(kafkaConfig.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}

	var tlsConfig *tls.Config
	if caFile := util.GetEnv("KAFKA_TLS_CA_FILE", ""); caFile != "" {
		c, err := loadTLSConfig(caFile, util.GetEnv("KAFKA_TLS_CERT_FILE", ""), util.GetEnv("KAFKA_TLS_KEY_FILE", ""))
		if err != nil {
			return nil, fmt.Errorf("kafka TLS: %w", err)
		}
		tlsConfig = c
	}

	logger := util.Named("kafka")
	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkaConfig.Brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchBytes:   1048576, // 1MB
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Transport:    &kafka.Transport{TLS: tlsConfig, DialTimeout: 5 * time.Second},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	}

	p := &KafkaProducer{Writer: writer, brokers: kafkaConfig.Brokers, tls: tlsConfig}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka brokers: %w", err)
	}

	util.Info("Kafka producer initialized",
		zap.Strings("brokers", kafkaConfig.Brokers),
		zap.Bool("tls_enabled", tlsConfig != nil),
	)
	return p, nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer != nil {
		if err := p.Writer.Close(); err != nil {
			util.Error("failed to close Kafka producer", zap.Error(err))
			return err
		}
		util.Info("Kafka producer closed")
	}
	return nil
}

// ProduceMessage writes one message synchronously. The hash balancer keeps
// every message for a key on one partition.
func (p *KafkaProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	util.Debug("Produced kafka message",
		zap.String("topic", topic),
		zap.Int("value_size", len(value)),
	)
	return nil
}

func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	dialer := &kafka.Dialer{
		TLS:       p.tls,
		Timeout:   5 * time.Second,
		DualStack: true,
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("failed to read Kafka brokers: %w", err)
	}
	return nil
}
