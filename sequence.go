package diskcache

import (
	"context"
	"sync"
	"time"
)

// sequence runs tasks one at a time, in posting order, on a single
// goroutine. Every piece of cache state that is not atomic is owned by it.
type sequence struct {
	mu      sync.Mutex
	queue   []func()
	timers  map[*time.Timer]struct{}
	stopped bool

	wake   chan struct{} // Capacity 1: queue became non-empty
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newSequence() *sequence {
	s := &sequence{
		timers: make(map[*time.Timer]struct{}),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *sequence) loop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-s.stopCh:
			// Tasks posted before Stop still run.
			s.mu.Lock()
			batch = s.queue
			s.queue = nil
			s.mu.Unlock()
			for _, fn := range batch {
				fn()
			}
			return
		}
	}
}

// PostTask queues fn. It fails once the sequence is stopped.
func (s *sequence) PostTask(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrClosed
	}
	s.queue = append(s.queue, fn)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// PostDelayedTask queues fn after d. Pending timers are cancelled by Stop.
func (s *sequence) PostDelayedTask(fn func(), d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrClosed
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()
		_ = s.PostTask(fn)
	})
	s.timers[t] = struct{}{}
	return nil
}

// Pending returns the number of queued tasks.
func (s *sequence) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stop rejects new tasks, cancels delayed ones, runs what is queued and
// waits for the goroutine to exit. It must not be called from a task.
func (s *sequence) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for t := range s.timers {
		t.Stop()
	}
	clear(s.timers)
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

type result[T any] struct {
	v   T
	err error
}

// run executes fn on the sequence and waits for its result. When ctx ends
// first the result is dropped; an entry handle returned late is closed on
// the sequence so it never leaks.
func run[T any](ctx context.Context, s *sequence, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	var (
		mu        sync.Mutex
		abandoned bool
	)
	ch := make(chan result[T], 1)
	err := s.PostTask(func() {
		v, err := fn()
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			if h, ok := any(v).(*Entry); ok && h != nil && err == nil {
				h.closeOnSequence()
			}
			return
		}
		ch <- result[T]{v: v, err: err}
	})
	if err != nil {
		return zero, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		select {
		case r := <-ch:
			return r.v, r.err
		default:
			abandoned = true
			return zero, ctx.Err()
		}
	}
}

// do is run for tasks without a result.
func do(ctx context.Context, s *sequence, fn func() error) error {
	_, err := run(ctx, s, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
