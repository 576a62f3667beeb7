package fqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmission_AcquireRelease(t *testing.T) {
	a := newAdmission(2)
	require.NoError(t, a.acquire(context.Background()))
	require.NoError(t, a.acquire(context.Background()))

	avail, max := a.snapshot()
	assert.Equal(t, 0, avail)
	assert.Equal(t, 2, max)

	assert.False(t, a.tryAcquire())

	a.release()
	assert.True(t, a.tryAcquire())
}

func TestAdmission_AcquireBlocksUntilRelease(t *testing.T) {
	a := newAdmission(1)
	require.NoError(t, a.acquire(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, a.acquire(context.Background()))
	}()

	select {
	case <-done:
		t.Fatal("acquire returned before a permit was released")
	case <-time.After(20 * time.Millisecond):
	}

	a.release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after release")
	}
}

func TestAdmission_AcquireCtxCancel(t *testing.T) {
	a := newAdmission(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAdmission_Close(t *testing.T) {
	a := newAdmission(1)
	a.close()
	assert.ErrorIs(t, a.acquire(context.Background()), ErrStopped)
	assert.False(t, a.tryAcquire())
}

func TestAdmission_SetMax_ReleasesBlockedAcquirer(t *testing.T) {
	a := newAdmission(1)
	require.NoError(t, a.acquire(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, a.acquire(context.Background()))
	}()

	time.Sleep(20 * time.Millisecond)
	a.setMax(2)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after setMax raised the ceiling")
	}
}

func TestAdmission_AcquireMany_CanGoNegative(t *testing.T) {
	a := newAdmission(3)
	a.acquireMany(5)
	avail, _ := a.snapshot()
	assert.Equal(t, -2, avail)
	assert.False(t, a.tryAcquire())
}
