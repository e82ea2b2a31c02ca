package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"risk-auth-service/internal/client"
	"risk-auth-service/internal/model"
)

const devicePrefix = "device:"

// Timestamps are stored as unix milliseconds strings; Lua only converts them to compare.
var sightingScript = goredis.NewScript(`
	local key = KEYS[1]
	redis.call('HSETNX', key, 'first_seen', ARGV[1])
	redis.call('HSETNX', key, 'trusted', '0')
	local last = tonumber(redis.call('HGET', key, 'last_seen') or '0')
	if tonumber(ARGV[1]) > last then
		redis.call('HSET', key, 'last_seen', ARGV[1])
	end
	return redis.call('HGETALL', key)
`)

var promoteScript = goredis.NewScript(`
	local key = KEYS[1]
	redis.call('HSETNX', key, 'first_seen', ARGV[1])
	redis.call('HSETNX', key, 'last_seen', ARGV[1])
	if redis.call('HGET', key, 'trusted') ~= '1' then
		redis.call('HSET', key, 'trusted', '1', 'trusted_at', ARGV[1])
	end
	return 1
`)

// DeviceStore keeps one hash per (identity, fingerprint). Records never expire;
// trust is only granted by Promote.
type DeviceStore struct {
	client *client.RedisClient
}

func NewDeviceStore(c *client.RedisClient) *DeviceStore {
	return &DeviceStore{client: c}
}

func deviceKey(identity, fingerprintHash string) string {
	return devicePrefix + identity + ":" + fingerprintHash
}

func (s *DeviceStore) Lookup(ctx context.Context, identity, fingerprintHash string) (*model.DeviceRecord, error) {
	fields, err := s.client.Client.HGetAll(ctx, deviceKey(identity, fingerprintHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}
	if len(fields) == 0 {
		return nil, model.ErrDeviceNotFound
	}
	return decodeDevice(identity, fingerprintHash, fields)
}

func (s *DeviceStore) RecordSighting(ctx context.Context, identity, fingerprintHash string, at time.Time) (*model.DeviceRecord, error) {
	res, err := s.client.RunScript(ctx, sightingScript, []string{deviceKey(identity, fingerprintHash)}, at.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to record device sighting: %w", err)
	}
	flat, ok := res.([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("unexpected sighting script result %T", res)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		fields[fmt.Sprint(flat[i])] = fmt.Sprint(flat[i+1])
	}
	return decodeDevice(identity, fingerprintHash, fields)
}

func (s *DeviceStore) Promote(ctx context.Context, identity, fingerprintHash string, at time.Time) error {
	if _, err := s.client.RunScript(ctx, promoteScript, []string{deviceKey(identity, fingerprintHash)}, at.UnixMilli()); err != nil {
		return fmt.Errorf("failed to promote device: %w", err)
	}
	return nil
}

func decodeDevice(identity, fingerprintHash string, fields map[string]string) (*model.DeviceRecord, error) {
	rec := &model.DeviceRecord{
		Identity:        identity,
		FingerprintHash: fingerprintHash,
		Trusted:         fields["trusted"] == "1",
	}
	var err error
	if rec.FirstSeen, err = millis(fields["first_seen"]); err != nil {
		return nil, err
	}
	if rec.LastSeen, err = millis(fields["last_seen"]); err != nil {
		return nil, err
	}
	if rec.Trusted {
		if rec.TrustedAt, err = millis(fields["trusted_at"]); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func millis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt device timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
