package features

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"risk-auth-service/internal/model"
	"risk-auth-service/internal/util"

	"go.uber.org/zap"
)

const (
	SourceLocation = "location"
	SourceNetwork  = "network"
	SourceUnknown  = "unknown"

	maxFieldLength = 512
)

// BusinessHours is a half-open [Start, End) hour range in Location.
type BusinessHours struct {
	Location *time.Location
	Start    int
	End      int
}

func (b BusinessHours) bucket(ts time.Time) (int, model.HourBucket) {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := ts.In(loc).Hour()
	if hour >= b.Start && hour < b.End {
		return hour, model.HourBusiness
	}
	return hour, model.HourOff
}

// Extractor turns a raw login attempt into a FeatureSet. The device lookup is
// its only read; it never writes.
type Extractor struct {
	devices model.DeviceTrustStore
	geo     *GeoResolver
	hours   BusinessHours
	logger  *zap.Logger
}

func NewExtractor(devices model.DeviceTrustStore, geo *GeoResolver, hours BusinessHours, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{devices: devices, geo: geo, hours: hours, logger: logger}
}

// FingerprintHash normalizes and hashes a raw device fingerprint.
func FingerprintHash(fingerprint string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(fingerprint)))
	return hex.EncodeToString(sum[:])
}

// Validate checks the required fields of an attempt without touching storage.
func Validate(attempt *model.LoginAttemptContext) error {
	if attempt == nil {
		return fmt.Errorf("%w: empty login attempt", model.ErrInvalidInput)
	}
	if util.NormalizeIdentity(attempt.Identity) == "" {
		return fmt.Errorf("%w: identity is required", model.ErrInvalidInput)
	}
	if strings.TrimSpace(attempt.DeviceFingerprint) == "" {
		return fmt.Errorf("%w: device fingerprint is required", model.ErrInvalidInput)
	}
	if attempt.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", model.ErrInvalidInput)
	}
	if _, err := parseAddress(attempt.NetworkAddress); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"identity":           attempt.Identity,
		"device_fingerprint": attempt.DeviceFingerprint,
		"location":           attempt.Location,
		"user_agent":         attempt.UserAgent,
	} {
		if len(v) > maxFieldLength {
			return fmt.Errorf("%w: %s too long", model.ErrInvalidInput, name)
		}
		if name != "user_agent" && util.ContainsSuspicious(v) {
			return fmt.Errorf("%w: %s contains forbidden characters", model.ErrInvalidInput, name)
		}
	}
	return nil
}

func parseAddress(raw string) (netip.Addr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, fmt.Errorf("%w: network address is required", model.ErrInvalidInput)
	}
	// Tolerate "host:port" forms from proxies.
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: network address %q is not an IP", model.ErrInvalidInput, raw)
	}
	return addr.Unmap(), nil
}

func isPrivate(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}

// Extract validates the attempt and derives its features.
func (e *Extractor) Extract(ctx context.Context, attempt *model.LoginAttemptContext) (*model.FeatureSet, error) {
	if err := Validate(attempt); err != nil {
		return nil, err
	}
	addr, _ := parseAddress(attempt.NetworkAddress)

	fs := &model.FeatureSet{
		Identity:        util.NormalizeIdentity(attempt.Identity),
		FingerprintHash: FingerprintHash(attempt.DeviceFingerprint),
		NetworkAddress:  addr,
		PrivateNetwork:  isPrivate(addr),
		UserAgent:       strings.TrimSpace(attempt.UserAgent),
		Timestamp:       attempt.Timestamp,
	}
	fs.Hour, fs.HourBucket = e.hours.bucket(attempt.Timestamp)
	fs.CountryCode, fs.CountrySource = e.country(attempt.Location, addr)

	if e.devices != nil {
		rec, err := e.devices.Lookup(ctx, fs.Identity, fs.FingerprintHash)
		switch {
		case err == nil && rec != nil:
			fs.DeviceKnown = true
			fs.DeviceTrusted = rec.Trusted
		case err == nil, errors.Is(err, model.ErrDeviceNotFound):
		default:
			// An unreadable store leaves the device unknown, which only raises risk.
			e.logger.Warn("Device lookup failed; treating device as unknown",
				zap.String("identity", util.Redact(fs.Identity)),
				zap.Error(err))
		}
	}

	return fs, nil
}

func (e *Extractor) country(location string, addr netip.Addr) (string, string) {
	if cc, ok := countryFromLocation(location); ok {
		return cc, SourceLocation
	}
	if cc, ok := e.geo.Resolve(addr); ok {
		return cc, SourceNetwork
	}
	return model.CountryUnknown, SourceUnknown
}
