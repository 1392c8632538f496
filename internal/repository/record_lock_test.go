package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
)

func TestRecordLockerLocalSerialises(t *testing.T) {
	locker := NewRecordLocker(nil, 50*time.Millisecond)

	unlock, err := locker.Lock(context.Background(), "coi-1")
	require.NoError(t, err)

	_, err = locker.Lock(context.Background(), "coi-1")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrRecordLocked.Code))

	other, err := locker.Lock(context.Background(), "coi-2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := locker.Lock(context.Background(), "coi-1")
	require.NoError(t, err)
	again()
}

func TestRecordLockerHonoursContext(t *testing.T) {
	locker := NewRecordLocker(nil, time.Minute)
	unlock, err := locker.Lock(context.Background(), "coi-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "coi-1")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrRecordLocked.Code))
}

func TestRecordLockerLocalDropsReleasedEntries(t *testing.T) {
	locker := NewRecordLocker(nil, 30*time.Millisecond)
	entries := func() int {
		locker.mu.Lock()
		defer locker.mu.Unlock()
		return len(locker.local)
	}

	for _, id := range []string{"coi-1", "coi-2", "coi-3"} {
		unlock, err := locker.Lock(context.Background(), id)
		require.NoError(t, err)
		unlock()
	}
	assert.Equal(t, 0, entries())

	unlock, err := locker.Lock(context.Background(), "coi-1")
	require.NoError(t, err)
	_, err = locker.Lock(context.Background(), "coi-1")
	require.Error(t, err)
	assert.Equal(t, 1, entries())

	unlock()
	assert.Equal(t, 0, entries())
}

func TestRecordLockerLocalHandsOverToWaiter(t *testing.T) {
	locker := NewRecordLocker(nil, time.Second)
	unlock, err := locker.Lock(context.Background(), "coi-1")
	require.NoError(t, err)

	acquired := make(chan func())
	go func() {
		next, err := locker.Lock(context.Background(), "coi-1")
		if err != nil {
			close(acquired)
			return
		}
		acquired <- next
	}()

	time.Sleep(20 * time.Millisecond)
	unlock()
	next, ok := <-acquired
	require.True(t, ok)
	next()

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Empty(t, locker.local)
}
