package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"risk-auth-service/internal/model"
	"risk-auth-service/internal/util"
)

// ChallengeRepository keeps one row per identity in otp_challenges. Each write
// refreshes the row TTL so stale challenges disappear without a reaper.
type ChallengeRepository struct {
	client    *ScyllaClient
	retention time.Duration
	now       func() time.Time
}

func NewChallengeRepository(client *ScyllaClient, retention time.Duration) *ChallengeRepository {
	if retention <= 0 {
		retention = time.Hour
	}
	return &ChallengeRepository{client: client, retention: retention, now: time.Now}
}

func (r *ChallengeRepository) Get(ctx context.Context, identity string) (*model.OTPChallenge, error) {
	c := &model.OTPChallenge{Identity: identity}
	var state string
	err := r.client.Query(ctx, r.client.Statements.GetChallenge, identity).
		Scan(challengeScanDest(c, &state)...)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, model.ErrChallengeNotFound
	}
	if err != nil {
		util.Error("Failed to get OTP challenge",
			zap.String("identity", util.Redact(identity)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get OTP challenge: %w", err)
	}
	c.State = model.ChallengeState(state)
	return c, nil
}

func (r *ChallengeRepository) Save(ctx context.Context, c *model.OTPChallenge) error {
	query := r.client.Query(ctx, r.client.Statements.UpsertChallenge,
		upsertChallengeArgs(c, rowTTL(c.ExpiresAt, r.now(), r.retention))...)

	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		util.Error("Failed to save OTP challenge",
			zap.String("identity", util.Redact(c.Identity)),
			zap.String("challenge_id", c.ID),
			zap.Error(err))
		return fmt.Errorf("failed to save OTP challenge: %w", err)
	}
	return nil
}

// rowTTL is the remaining validity plus retention, in whole seconds.
func rowTTL(expiresAt, now time.Time, retention time.Duration) int {
	ttl := expiresAt.Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	return int((ttl + retention + time.Second - 1) / time.Second)
}

// upsertChallengeArgs binds UpsertChallenge; ttl fills the USING TTL marker.
func upsertChallengeArgs(c *model.OTPChallenge, ttl int) []interface{} {
	return []interface{}{
		c.Identity, c.ID, c.CodeHash, c.CodeSalt, c.PepperVersion, c.Algorithm,
		c.FingerprintHash, c.CreatedAt.UTC(), c.ExpiresAt.UTC(), c.AttemptsRemaining, c.MaxAttempts,
		string(c.State), c.UpdatedAt.UTC(), ttl,
	}
}

// challengeScanDest lists c's fields in GetChallenge column order. The state
// column is scanned into state and converted by the caller.
func challengeScanDest(c *model.OTPChallenge, state *string) []interface{} {
	return []interface{}{
		&c.ID, &c.CodeHash, &c.CodeSalt, &c.PepperVersion, &c.Algorithm,
		&c.FingerprintHash, &c.CreatedAt, &c.ExpiresAt, &c.AttemptsRemaining, &c.MaxAttempts,
		state, &c.UpdatedAt,
	}
}
