package diskcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSequence_RunsInOrder(t *testing.T) {
	s := newSequence()
	defer s.Stop()

	var got []int
	var wg sync.WaitGroup
	wg.Add(100)
	for i := range 100 {
		require.NoError(t, s.PostTask(func() {
			got = append(got, i)
			wg.Done()
		}))
	}
	wg.Wait()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestSequence_StopRunsQueuedTasks(t *testing.T) {
	s := newSequence()

	block := make(chan struct{})
	require.NoError(t, s.PostTask(func() { <-block }))
	ran := 0
	for range 10 {
		require.NoError(t, s.PostTask(func() { ran++ }))
	}
	close(block)
	s.Stop()
	require.Equal(t, 10, ran)

	require.ErrorIs(t, s.PostTask(func() {}), ErrClosed)
	require.ErrorIs(t, s.PostDelayedTask(func() {}, time.Millisecond), ErrClosed)
	s.Stop()
}

func TestSequence_DelayedTask(t *testing.T) {
	s := newSequence()
	defer s.Stop()

	done := make(chan struct{})
	require.NoError(t, s.PostDelayedTask(func() { close(done) }, 10*time.Millisecond))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task did not run")
	}
}

func TestSequence_StopCancelsTimers(t *testing.T) {
	s := newSequence()
	ran := make(chan struct{}, 1)
	require.NoError(t, s.PostDelayedTask(func() { ran <- struct{}{} }, 50*time.Millisecond))
	s.Stop()

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, ran)
}

func TestRun(t *testing.T) {
	s := newSequence()
	defer s.Stop()
	ctx := context.Background()

	v, err := run(ctx, s, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)

	boom := errors.New("boom")
	require.ErrorIs(t, do(ctx, s, func() error { return boom }), boom)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	called := false
	require.ErrorIs(t, do(canceled, s, func() error { called = true; return nil }), context.Canceled)
	// Posting is skipped entirely for a context that already ended.
	require.NoError(t, do(ctx, s, func() error { return nil }))
	require.False(t, called)
}

func TestRun_Abandoned(t *testing.T) {
	s := newSequence()
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	finished := make(chan struct{})
	_, err := run(ctx, s, func() (int, error) {
		<-release
		close(finished)
		return 1, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The task still runs to completion; its result is dropped.
	close(release)
	<-finished
	require.NoError(t, do(context.Background(), s, func() error { return nil }))
}

func TestRun_StoppedSequence(t *testing.T) {
	s := newSequence()
	s.Stop()
	_, err := run(context.Background(), s, func() (int, error) { return 0, nil })
	require.ErrorIs(t, err, ErrClosed)
}
