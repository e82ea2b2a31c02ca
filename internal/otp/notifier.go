package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"risk-auth-service/internal/encryption"
	"risk-auth-service/internal/util"

	"go.uber.org/zap"
)

const codePurpose = "otp_code"

// Notification hands a freshly minted code to the delivery channel. It is the
// only place the plaintext code travels after issuance.
type Notification struct {
	ChallengeID string
	Identity    string
	Code        string
	ExpiresAt   time.Time
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogNotifier writes codes to the log. Development only.
type LogNotifier struct {
	logger *zap.Logger
}

var ErrLogNotifierInProduction = errors.New("log notifier is not allowed in production")

func NewLogNotifier(logger *zap.Logger, production bool) (*LogNotifier, error) {
	if production {
		return nil, ErrLogNotifierInProduction
	}
	if logger == nil {
		logger = util.Get()
	}
	return &LogNotifier{logger: logger}, nil
}

func (n *LogNotifier) Notify(_ context.Context, msg Notification) error {
	n.logger.Info("OTP issued (development delivery)",
		zap.String("identity", msg.Identity),
		zap.String("challenge_id", msg.ChallengeID),
		zap.String("code", msg.Code),
		zap.Time("expires_at", msg.ExpiresAt),
	)
	return nil
}

// Producer is the subset of client.KafkaProducer used for delivery requests.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Encrypter seals the code before it leaves the process.
type Encrypter interface {
	EncryptField(ctx context.Context, plaintext, purpose string) (*encryption.EncryptedData, error)
}

// DeliveryRequest is the message consumed by the external mail/SMS sender.
type DeliveryRequest struct {
	ChallengeID string                    `json:"challenge_id"`
	Identity    string                    `json:"identity"`
	Code        *encryption.EncryptedData `json:"code"`
	ExpiresAt   time.Time                 `json:"expires_at"`
	RequestedAt time.Time                 `json:"requested_at"`
}

// KafkaNotifier publishes envelope-encrypted delivery requests keyed by identity.
type KafkaNotifier struct {
	producer  Producer
	encrypter Encrypter
	topic     string
}

func NewKafkaNotifier(producer Producer, encrypter Encrypter, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, encrypter: encrypter, topic: topic}
}

func (n *KafkaNotifier) Notify(ctx context.Context, msg Notification) error {
	sealed, err := n.encrypter.EncryptField(ctx, msg.Code, codePurpose)
	if err != nil {
		return fmt.Errorf("seal otp code: %w", err)
	}
	payload, err := json.Marshal(DeliveryRequest{
		ChallengeID: msg.ChallengeID,
		Identity:    msg.Identity,
		Code:        sealed,
		ExpiresAt:   msg.ExpiresAt.UTC(),
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode delivery request: %w", err)
	}
	return n.producer.ProduceMessage(ctx, n.topic, []byte(msg.Identity), payload, map[string]string{
		"event-type":   "otp.delivery.requested",
		"content-type": "application/json",
	})
}
