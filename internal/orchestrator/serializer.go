package orchestrator

import (
	"context"
	"sync"
)

// Serializer runs submitted functions in FIFO order per key. Different keys
// run in parallel. The number of queued plus running functions is bounded.
type Serializer struct {
	mu     sync.Mutex
	queues map[string][]func()
	slots  chan struct{}
	wg     sync.WaitGroup
}

// NewSerializer creates a serializer admitting at most limit pending functions
func NewSerializer(limit int) *Serializer {
	if limit <= 0 {
		limit = 1024
	}
	return &Serializer{
		queues: make(map[string][]func()),
		slots:  make(chan struct{}, limit),
	}
}

// Submit queues fn behind earlier work for key, blocking while the limit is
// reached
func (s *Serializer) Submit(ctx context.Context, key string, fn func()) error {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	q, running := s.queues[key]
	s.queues[key] = append(q, fn)
	if !running {
		s.wg.Add(1)
		go s.drain(key)
	}
	s.mu.Unlock()
	return nil
}

func (s *Serializer) drain(key string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		fn := q[0]
		s.queues[key] = q[1:]
		s.mu.Unlock()

		fn()
		<-s.slots
	}
}

// Wait blocks until all submitted work has run
func (s *Serializer) Wait() {
	s.wg.Wait()
}
