package lockmgr

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSharedLocksDoNotBlockEachOther(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, 1, "a", false, true))
	require.NoError(t, m.Lock(ctx, 1, "b", false, true))
}

func TestExclusiveNonblockWouldBlockWhileSharedHeld(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, 1, "a", false, true))
	err := m.Lock(ctx, 1, "b", true, true)
	require.True(t, errors.Is(err, syscall.EWOULDBLOCK))
}

func TestExclusiveGrantedAfterSharedUnlocks(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, 1, "a", false, true))

	done := make(chan error, 1)
	go func() {
		done <- m.Lock(ctx, 1, "b", true, false)
	}()

	// The exclusive waiter must still be blocked here: it must not be
	// granted while "a"'s shared lock is still held.
	select {
	case <-done:
		t.Fatal("exclusive waiter was granted while a shared lock was still held")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, m.Unlock(1, "a"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("exclusive waiter was never granted")
	}
}

// TestBlockingExclusiveWaitsForExistingReaders is the §8 invariant-3
// regression: a blocking exclusive request arriving while a shared
// lock is held, with no other waiters queued, must still block on
// Readers==0 rather than racing straight past it.
func TestBlockingExclusiveWaitsForExistingReaders(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, 1, "a", false, true))

	done := make(chan error, 1)
	go func() {
		done <- m.Lock(ctx, 1, "b", true, false)
	}()

	select {
	case <-done:
		t.Fatal("blocking exclusive request was granted alongside a held shared lock")
	case <-time.After(20 * time.Millisecond):
	}

	s := m.stateFor(1)
	s.mu.Lock()
	readers, writers := s.readers, s.writers
	s.mu.Unlock()
	require.Equal(t, 1, readers)
	require.Equal(t, 0, writers)

	require.NoError(t, m.Unlock(1, "a"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("exclusive waiter was never granted after the shared lock released")
	}
}

func TestSharedWaitersGrantedTogetherBehindExclusive(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, 1, "writer", true, true))

	readerDone := make(chan error, 2)
	go func() { readerDone <- m.Lock(ctx, 1, "r1", false, false) }()
	go func() { readerDone <- m.Lock(ctx, 1, "r2", false, false) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Unlock(1, "writer"))

	for i := 0; i < 2; i++ {
		select {
		case err := <-readerDone:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("reader was never granted")
		}
	}
}

func TestContextCancelUnblocksWaiter(t *testing.T) {
	m := NewManager()
	bg := context.Background()
	require.NoError(t, m.Lock(bg, 1, "a", true, true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Lock(ctx, 1, "b", true, false) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation never unblocked the waiter")
	}
}

func TestForgetRepliesBadDescriptorToWaiters(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	require.NoError(t, m.Lock(ctx, 1, "a", true, true))

	done := make(chan error, 1)
	go func() { done <- m.Lock(ctx, 1, "b", true, false) }()
	time.Sleep(20 * time.Millisecond)

	m.Forget(1)

	select {
	case err := <-done:
		require.True(t, errors.Is(err, syscall.EBADF))
	case <-time.After(time.Second):
		t.Fatal("forget never released the waiter")
	}
}

func TestUnlockWithNoHeldLockFails(t *testing.T) {
	m := NewManager()
	err := m.Unlock(1, "nobody")
	require.Error(t, err)
}
