package otp

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper is implemented by stores without native expiry.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

// RunReaper periodically removes challenges that ended or expired more than
// grace ago. It only reclaims storage; expiry itself is decided in Verify.
// It returns when ctx is done.
func RunReaper(ctx context.Context, s Sweeper, interval, grace time.Duration, now func() time.Time, logger *zap.Logger) {
	if interval <= 0 || s == nil {
		return
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx, now().Add(-grace))
			if err != nil {
				logger.Warn("OTP reaper sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("OTP reaper reclaimed challenges", zap.Int("count", n))
			}
		}
	}
}
