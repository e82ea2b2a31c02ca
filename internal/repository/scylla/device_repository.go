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

// DeviceRepository stores device trust in device_records. Creation and
// promotion use lightweight transactions so concurrent logins from the same
// device cannot overwrite an earlier FirstSeen or TrustedAt.
type DeviceRepository struct {
	client *ScyllaClient
}

func NewDeviceRepository(client *ScyllaClient) *DeviceRepository {
	return &DeviceRepository{client: client}
}

func (r *DeviceRepository) Lookup(ctx context.Context, identity, fingerprintHash string) (*model.DeviceRecord, error) {
	rec := &model.DeviceRecord{Identity: identity, FingerprintHash: fingerprintHash}
	err := r.client.Query(ctx, r.client.Statements.GetDevice, identity, fingerprintHash).
		Scan(deviceScanDest(rec)...)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, model.ErrDeviceNotFound
	}
	if err != nil {
		util.Error("Failed to look up device",
			zap.String("identity", util.Redact(identity)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}
	return rec, nil
}

func (r *DeviceRepository) RecordSighting(ctx context.Context, identity, fingerprintHash string, at time.Time) (*model.DeviceRecord, error) {
	at = at.UTC()
	applied, err := r.client.Query(ctx, r.client.Statements.InsertDevice,
		insertDeviceArgs(identity, fingerprintHash, at, false)...).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("failed to insert device: %w", err)
	}
	if !applied {
		if _, err := r.client.Query(ctx, r.client.Statements.TouchDevice,
			touchDeviceArgs(identity, fingerprintHash, at)...).MapScanCAS(map[string]interface{}{}); err != nil {
			return nil, fmt.Errorf("failed to update device last seen: %w", err)
		}
	}
	return r.Lookup(ctx, identity, fingerprintHash)
}

func (r *DeviceRepository) Promote(ctx context.Context, identity, fingerprintHash string, at time.Time) error {
	at = at.UTC()
	applied, err := r.client.Query(ctx, r.client.Statements.InsertDevice,
		insertDeviceArgs(identity, fingerprintHash, at, true)...).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to insert trusted device: %w", err)
	}
	if applied {
		return nil
	}
	// The row exists; the conditional update keeps the first TrustedAt.
	if _, err := r.client.Query(ctx, r.client.Statements.TrustDevice,
		at, identity, fingerprintHash).MapScanCAS(map[string]interface{}{}); err != nil {
		return fmt.Errorf("failed to promote device: %w", err)
	}
	util.Info("Device promoted to trusted",
		zap.String("identity", util.Redact(identity)),
		zap.Time("trusted_at", at))
	return nil
}

// insertDeviceArgs binds InsertDevice. An untrusted device has no trusted_at.
func insertDeviceArgs(identity, fingerprintHash string, at time.Time, trusted bool) []interface{} {
	var trustedAt interface{}
	if trusted {
		trustedAt = at
	}
	return []interface{}{identity, fingerprintHash, at, at, trusted, trustedAt}
}

func touchDeviceArgs(identity, fingerprintHash string, at time.Time) []interface{} {
	return []interface{}{at, identity, fingerprintHash, at}
}

// deviceScanDest lists rec's fields in GetDevice column order.
func deviceScanDest(rec *model.DeviceRecord) []interface{} {
	return []interface{}{&rec.FirstSeen, &rec.LastSeen, &rec.Trusted, &rec.TrustedAt}
}
