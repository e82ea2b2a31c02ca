package scylla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRowTTL(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, 3900, rowTTL(now.Add(5*time.Minute), now, time.Hour))
	assert.Equal(t, 3600, rowTTL(now.Add(-time.Minute), now, time.Hour))
	assert.Equal(t, 3601, rowTTL(now.Add(500*time.Millisecond), now, time.Hour))
}
