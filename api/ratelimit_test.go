package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUserLimiter_PerUserBuckets(t *testing.T) {
	l := NewUserLimiter(0.001, 2)

	assert.True(t, l.Allow("user-1"))
	assert.True(t, l.Allow("user-1"))
	assert.False(t, l.Allow("user-1"), "burst exhausted")
	assert.True(t, l.Allow("user-2"))
}

func TestUserLimiter_PruneDropsIdleBuckets(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	l := NewUserLimiter(1, 1)
	l.now = func() time.Time { return now }

	l.Allow("user-1")
	now = now.Add(5 * time.Minute)
	l.Allow("user-2")
	now = now.Add(6 * time.Minute)

	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 1, l.Len())
}
