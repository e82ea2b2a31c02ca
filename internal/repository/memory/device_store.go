package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"risk-auth-service/internal/model"
)

type deviceKey struct {
	identity    string
	fingerprint string
}

// DeviceStore is an in-process DeviceTrustStore for development and tests.
type DeviceStore struct {
	mu      sync.RWMutex
	records map[deviceKey]model.DeviceRecord
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{records: make(map[deviceKey]model.DeviceRecord)}
}

func (s *DeviceStore) Lookup(ctx context.Context, identity, fingerprintHash string) (*model.DeviceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[deviceKey{identity, fingerprintHash}]
	if !ok {
		return nil, model.ErrDeviceNotFound
	}
	return &rec, nil
}

// RecordSighting creates an untrusted record on first sight and otherwise only
// moves LastSeen forward, so replays of the same attempt are harmless.
func (s *DeviceStore) RecordSighting(ctx context.Context, identity, fingerprintHash string, at time.Time) (*model.DeviceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deviceKey{identity, fingerprintHash}
	rec, ok := s.records[key]
	if !ok {
		rec = model.DeviceRecord{
			Identity:        identity,
			FingerprintHash: fingerprintHash,
			FirstSeen:       at,
			LastSeen:        at,
		}
	} else if at.After(rec.LastSeen) {
		rec.LastSeen = at
	}
	s.records[key] = rec
	out := rec
	return &out, nil
}

func (s *DeviceStore) Promote(ctx context.Context, identity, fingerprintHash string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deviceKey{identity, fingerprintHash}
	rec, ok := s.records[key]
	if !ok {
		// Verification can complete for a device that was never sighted
		// (e.g. an explicit otpRequest); trust it from now on.
		rec = model.DeviceRecord{
			Identity:        identity,
			FingerprintHash: fingerprintHash,
			FirstSeen:       at,
			LastSeen:        at,
		}
	}
	if rec.Trusted {
		return nil
	}
	rec.Trusted = true
	rec.TrustedAt = at
	s.records[key] = rec
	return nil
}

// Len is used by tests and health output.
func (s *DeviceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *DeviceStore) String() string {
	return fmt.Sprintf("memory.DeviceStore(%d records)", s.Len())
}
