package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateCounterLocalWindows(t *testing.T) {
	counter := NewRateCounter(nil)
	now := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)
	counter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, reset, err := counter.Hit(ctx, "api:10.0.0.1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.Equal(t, time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC), reset)
	}

	count, _, err := counter.Hit(ctx, "api:10.0.0.2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	now = now.Add(time.Minute)
	count, _, err = counter.Hit(ctx, "api:10.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRateCounterLocalDropsExpiredWindows(t *testing.T) {
	counter := NewRateCounter(nil)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	counter.now = func() time.Time { return now }

	for _, key := range []string{"api:a", "api:b", "upload:c"} {
		_, _, err := counter.Hit(context.Background(), key, time.Minute)
		require.NoError(t, err)
	}
	assert.Len(t, counter.local, 3)

	now = now.Add(2 * time.Minute)
	_, _, err := counter.Hit(context.Background(), "api:a", time.Minute)
	require.NoError(t, err)
	assert.Len(t, counter.local, 1)
}
