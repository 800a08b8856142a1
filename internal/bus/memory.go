package bus

import (
	"context"
	"sort"
	"sync"
)

// MemoryBus is an in-process broker used by the single-process mode and tests.
// Handlers run synchronously inside Publish, in subscription order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*memorySub
	nextID int
	closed bool
	done   chan struct{}
}

type memorySub struct {
	bus     *MemoryBus
	id      int
	pattern string
	handler Handler
}

// NewMemoryBus creates an empty in-process broker
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[int]*memorySub),
		done: make(chan struct{}),
	}
}

// Publish delivers a copy of data to every matching subscription
func (b *MemoryBus) Publish(ctx context.Context, topic string, data []byte, header map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	var targets []*memorySub
	for _, s := range b.subs {
		if Match(s.pattern, topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, s := range targets {
		payload := make([]byte, len(data))
		copy(payload, data)
		var hdr map[string]string
		if header != nil {
			hdr = make(map[string]string, len(header))
			for k, v := range header {
				hdr[k] = v
			}
		}
		s.handler(&Message{Topic: topic, Data: payload, Header: hdr})
	}
	return nil
}

// Subscribe registers h for every topic matching pattern
func (b *MemoryBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	s := &memorySub{bus: b, id: b.nextID, pattern: pattern, handler: h}
	b.subs[s.id] = s
	return s, nil
}

// Closed is closed by Close
func (b *MemoryBus) Closed() <-chan struct{} {
	return b.done
}

// Close drops all subscriptions
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.subs = make(map[int]*memorySub)
	close(b.done)
	return nil
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}
