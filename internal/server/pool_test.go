package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPool_AcquireRelease(t *testing.T) {
	t.Parallel()

	p := NewPool(2, 0)
	r1, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	r2, err := p.Acquire(context.Background(), "b")
	require.NoError(t, err)

	stats := p.Stats()
	require.Equal(t, 2, stats.Capacity)
	require.Equal(t, 2, stats.Busy)
	require.Equal(t, "a", stats.Slots[0].RequestID)
	require.Equal(t, "b", stats.Slots[1].RequestID)

	r1()
	r1() // second call is ignored
	require.Equal(t, 1, p.Stats().Busy)
	r2()
	require.Zero(t, p.Stats().Busy)
}

func TestPool_WaitersAdmittedInOrder(t *testing.T) {
	t.Parallel()

	p := NewPool(1, 0)
	release, err := p.Acquire(context.Background(), "holder")
	require.NoError(t, err)

	order := make(chan string, 3)
	for _, id := range []string{"first", "second", "third"} {
		go func() {
			r, err := p.Acquire(context.Background(), id)
			if err != nil {
				order <- "error"
				return
			}
			order <- id
			r()
		}()
		want := p.Stats().Queued + 1
		require.Eventually(t, func() bool { return p.Stats().Queued == want }, time.Second, time.Millisecond)
	}

	release()
	require.Equal(t, "first", <-order)
	require.Equal(t, "second", <-order)
	require.Equal(t, "third", <-order)
}

func TestPool_ContextCancelWhileQueued(t *testing.T) {
	t.Parallel()

	p := NewPool(1, 0)
	release, err := p.Acquire(context.Background(), "holder")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "late")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, p.Stats().Queued)
}

func TestPool_DrainReleasesWaiters(t *testing.T) {
	t.Parallel()

	p := NewPool(1, 0)
	release, err := p.Acquire(context.Background(), "holder")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "waiter")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Queued == 1 }, time.Second, time.Millisecond)

	p.Drain()
	require.True(t, p.Draining())
	require.ErrorIs(t, <-errCh, ErrDraining)

	_, err = p.Acquire(context.Background(), "after")
	require.ErrorIs(t, err, ErrDraining)

	// The in-flight holder still finishes normally.
	release()
	require.Zero(t, p.Stats().Busy)
}

func TestPool_BacklogBound(t *testing.T) {
	t.Parallel()

	p := NewPool(1, 1)
	release, err := p.Acquire(context.Background(), "holder")
	require.NoError(t, err)

	go func() {
		r, err := p.Acquire(context.Background(), "queued")
		if err == nil {
			r()
		}
	}()
	require.Eventually(t, func() bool { return p.Stats().Queued == 1 }, time.Second, time.Millisecond)

	_, err = p.Acquire(context.Background(), "overflow")
	require.True(t, errors.Is(err, ErrBacklogFull))
	release()
}

func TestPool_WaitIdle(t *testing.T) {
	t.Parallel()

	p := NewPool(2, 0)
	require.NoError(t, p.WaitIdle(context.Background()))

	release, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.WaitIdle(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- p.WaitIdle(context.Background()) }()
	release()
	require.NoError(t, <-done)
}

func TestPool_AbandonReclaimsSlots(t *testing.T) {
	t.Parallel()

	p := NewPool(2, 0)
	r1, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), "b")
	require.NoError(t, err)

	require.Equal(t, 2, p.Abandon())
	require.Zero(t, p.Stats().Busy)

	// A late release from an abandoned request must not free a slot twice.
	r1()
	require.Zero(t, p.Stats().Busy)

	r3, err := p.Acquire(context.Background(), "c")
	require.NoError(t, err)
	r4, err := p.Acquire(context.Background(), "d")
	require.NoError(t, err)
	require.Equal(t, 2, p.Stats().Busy)
	r3()
	r4()
}
