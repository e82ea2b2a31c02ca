package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"risk-auth-service/internal/client"
	"risk-auth-service/internal/model"
	"risk-auth-service/internal/util"
)

const otpChallengePrefix = "otp_challenge:"

// ChallengeStore keeps one JSON challenge per identity. Keys expire on their
// own once the retention window after ExpiresAt has passed, so no reaper is
// needed for this backend.
type ChallengeStore struct {
	client    *client.RedisClient
	retention time.Duration
	now       func() time.Time
}

func NewChallengeStore(c *client.RedisClient, retention time.Duration) *ChallengeStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &ChallengeStore{client: c, retention: retention, now: time.Now}
}

func (s *ChallengeStore) Get(ctx context.Context, identity string) (*model.OTPChallenge, error) {
	raw, err := s.client.Get(ctx, otpChallengePrefix+identity)
	if errors.Is(err, client.ErrKeyNotFound) {
		return nil, model.ErrChallengeNotFound
	}
	if err != nil {
		util.Error("Failed to get OTP challenge from cache",
			zap.String("identity", util.Redact(identity)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get OTP challenge: %w", err)
	}

	var c model.OTPChallenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("corrupt OTP challenge record: %w", err)
	}
	return &c, nil
}

func (s *ChallengeStore) Save(ctx context.Context, challenge *model.OTPChallenge) error {
	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to encode OTP challenge: %w", err)
	}

	ttl := challenge.ExpiresAt.Sub(s.now()) + s.retention
	if ttl < s.retention {
		ttl = s.retention
	}
	if err := s.client.Set(ctx, otpChallengePrefix+challenge.Identity, payload, ttl); err != nil {
		util.Error("Failed to save OTP challenge",
			zap.String("identity", util.Redact(challenge.Identity)),
			zap.String("state", string(challenge.State)),
			zap.Error(err))
		return fmt.Errorf("failed to save OTP challenge: %w", err)
	}

	util.Debug("OTP challenge saved",
		zap.String("challenge_id", challenge.ID),
		zap.String("state", string(challenge.State)),
		zap.Duration("ttl", ttl))
	return nil
}
