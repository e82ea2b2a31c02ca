package memory

import (
	"context"
	"sync"
	"time"

	"risk-auth-service/internal/model"
)

// ChallengeStore keeps one challenge per identity in process memory.
// Records are copied on the way in and out.
type ChallengeStore struct {
	mu         sync.RWMutex
	challenges map[string]model.OTPChallenge
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{challenges: make(map[string]model.OTPChallenge)}
}

func (s *ChallengeStore) Get(ctx context.Context, identity string) (*model.OTPChallenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[identity]
	if !ok {
		return nil, model.ErrChallengeNotFound
	}
	return &c, nil
}

func (s *ChallengeStore) Save(ctx context.Context, challenge *model.OTPChallenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.challenges[challenge.Identity] = *challenge
	s.mu.Unlock()
	return nil
}

// Sweep drops challenges whose expiry is before olderThan.
func (s *ChallengeStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.challenges {
		if c.ExpiresAt.Before(olderThan) {
			delete(s.challenges, id)
			n++
		}
	}
	return n, nil
}

func (s *ChallengeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.challenges)
}
