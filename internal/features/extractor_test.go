package features

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"risk-auth-service/internal/model"
	"risk-auth-service/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dubai = time.FixedZone("GST", 4*3600)

func newExtractor(t *testing.T, devices model.DeviceTrustStore) *Extractor {
	t.Helper()
	geo, err := ParseGeo([]byte(`
ranges:
  - cidr: 203.0.113.0/24
    country: ae
  - cidr: 198.51.100.0/24
    country: US
  - cidr: 198.51.100.128/25
    country: RU
`))
	require.NoError(t, err)
	return NewExtractor(devices, geo, BusinessHours{Location: dubai, Start: 8, End: 18}, nil)
}

func attempt() *model.LoginAttemptContext {
	return &model.LoginAttemptContext{
		Identity:          " Alice ",
		CredentialValid:   true,
		Timestamp:         time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), // 10:00 in Dubai
		DeviceFingerprint: "fp-1",
		NetworkAddress:    "203.0.113.7",
	}
}

func TestExtract_Basics(t *testing.T) {
	e := newExtractor(t, memory.NewDeviceStore())

	fs, err := e.Extract(context.Background(), attempt())
	require.NoError(t, err)

	assert.Equal(t, "alice", fs.Identity)
	assert.Equal(t, "AE", fs.CountryCode)
	assert.Equal(t, SourceNetwork, fs.CountrySource)
	assert.Equal(t, 10, fs.Hour)
	assert.Equal(t, model.HourBusiness, fs.HourBucket)
	assert.False(t, fs.DeviceKnown)
	assert.False(t, fs.PrivateNetwork)
	assert.Equal(t, FingerprintHash("fp-1"), fs.FingerprintHash)
	assert.Len(t, fs.FingerprintHash, 64)
}

func TestExtract_LocationWinsOverNetwork(t *testing.T) {
	e := newExtractor(t, nil)

	a := attempt()
	a.Location = "London, gb"
	fs, err := e.Extract(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "GB", fs.CountryCode)
	assert.Equal(t, SourceLocation, fs.CountrySource)

	a.Location = "somewhere"
	fs, err = e.Extract(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "AE", fs.CountryCode)
}

func TestExtract_MostSpecificRangeWins(t *testing.T) {
	e := newExtractor(t, nil)

	a := attempt()
	a.NetworkAddress = "198.51.100.200"
	fs, err := e.Extract(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "RU", fs.CountryCode)

	a.NetworkAddress = "198.51.100.20:4431"
	fs, err = e.Extract(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "US", fs.CountryCode)

	a.NetworkAddress = "8.8.8.8"
	fs, err = e.Extract(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, model.CountryUnknown, fs.CountryCode)
	assert.Equal(t, SourceUnknown, fs.CountrySource)
}

func TestExtract_HourBuckets(t *testing.T) {
	e := newExtractor(t, nil)

	tests := []struct {
		utcHour int
		want    model.HourBucket
	}{
		{3, model.HourOff},       // 07:00 local
		{4, model.HourBusiness},  // 08:00 local, inclusive start
		{13, model.HourBusiness}, // 17:00 local
		{14, model.HourOff},      // 18:00 local, exclusive end
		{22, model.HourOff},      // 02:00 local
	}
	for _, tt := range tests {
		a := attempt()
		a.Timestamp = time.Date(2026, 3, 2, tt.utcHour, 0, 0, 0, time.UTC)
		fs, err := e.Extract(context.Background(), a)
		require.NoError(t, err)
		assert.Equal(t, tt.want, fs.HourBucket, "utc hour %d", tt.utcHour)
	}
}

func TestExtract_PrivateNetwork(t *testing.T) {
	e := newExtractor(t, nil)
	for _, addr := range []string{"10.1.2.3", "192.168.0.10", "127.0.0.1", "::1", "fe80::1"} {
		a := attempt()
		a.NetworkAddress = addr
		fs, err := e.Extract(context.Background(), a)
		require.NoError(t, err)
		assert.True(t, fs.PrivateNetwork, addr)
	}
}

func TestExtract_KnownDevice(t *testing.T) {
	store := memory.NewDeviceStore()
	ctx := context.Background()
	now := time.Now()
	_, err := store.RecordSighting(ctx, "alice", FingerprintHash("fp-1"), now)
	require.NoError(t, err)

	e := newExtractor(t, store)
	fs, err := e.Extract(ctx, attempt())
	require.NoError(t, err)
	assert.True(t, fs.DeviceKnown)
	assert.False(t, fs.DeviceTrusted)

	require.NoError(t, store.Promote(ctx, "alice", FingerprintHash("fp-1"), now))
	fs, err = e.Extract(ctx, attempt())
	require.NoError(t, err)
	assert.True(t, fs.DeviceTrusted)

	// Extraction never writes.
	assert.Equal(t, 1, store.Len())
}

type brokenStore struct{ model.DeviceTrustStore }

func (brokenStore) Lookup(context.Context, string, string) (*model.DeviceRecord, error) {
	return nil, errors.New("connection refused")
}

func TestExtract_StoreFailureDegradesToUnknown(t *testing.T) {
	e := newExtractor(t, brokenStore{})
	fs, err := e.Extract(context.Background(), attempt())
	require.NoError(t, err)
	assert.False(t, fs.DeviceKnown)
}

func TestExtract_InvalidInput(t *testing.T) {
	e := newExtractor(t, nil)

	tests := []struct {
		name   string
		mutate func(a *model.LoginAttemptContext)
	}{
		{"missing identity", func(a *model.LoginAttemptContext) { a.Identity = "  " }},
		{"missing fingerprint", func(a *model.LoginAttemptContext) { a.DeviceFingerprint = "" }},
		{"missing timestamp", func(a *model.LoginAttemptContext) { a.Timestamp = time.Time{} }},
		{"missing address", func(a *model.LoginAttemptContext) { a.NetworkAddress = "" }},
		{"bad address", func(a *model.LoginAttemptContext) { a.NetworkAddress = "not-an-ip" }},
		{"markup in location", func(a *model.LoginAttemptContext) { a.Location = "<script>" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := attempt()
			tt.mutate(a)
			_, err := e.Extract(context.Background(), a)
			assert.ErrorIs(t, err, model.ErrInvalidInput)
		})
	}

	_, err := e.Extract(context.Background(), nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestParseGeo_RejectsBadRows(t *testing.T) {
	_, err := ParseGeo([]byte("ranges:\n  - cidr: 10.0.0.0/33\n    country: AE\n"))
	assert.Error(t, err)

	_, err = ParseGeo([]byte("ranges:\n  - cidr: 10.0.0.0/8\n    country: UAE\n"))
	assert.Error(t, err)
}

func TestLoadGeoFile_Sample(t *testing.T) {
	geo, err := LoadGeoFile("../../config/geo.yaml")
	require.NoError(t, err)
	assert.Equal(t, 4, geo.Len())

	cc, ok := geo.Resolve(netip.MustParseAddr("203.0.113.7"))
	assert.True(t, ok)
	assert.Equal(t, "AE", cc)

	cc, ok = geo.Resolve(netip.MustParseAddr("2001:db8::1"))
	assert.True(t, ok)
	assert.Equal(t, "SA", cc)

	_, err = LoadGeoFile("does-not-exist.yaml")
	assert.Error(t, err)
}
