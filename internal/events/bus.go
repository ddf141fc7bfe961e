package events

import (
	"sync"

	"starling/internal/domain"
)

// Bus fans execution events out to subscribers. Each subscriber gets its
// own unbounded queue drained by a dedicated goroutine, so publishers
// never block and per-execution ordering is preserved.
type Bus struct {
	mu     sync.Mutex
	subs   map[int64]*subscriber
	nextID int64
	closed bool
}

type subscriber struct {
	mu          sync.Mutex
	cond        *sync.Cond
	queue       []domain.Event
	executionID string
	out         chan domain.Event
	done        chan struct{}
	closed      bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int64]*subscriber)}
}

// Subscribe returns a channel of events. An empty executionID receives
// every event, otherwise only events for that execution. Call the
// returned cancel func to release the subscription.
func (b *Bus) Subscribe(executionID string) (<-chan domain.Event, func()) {
	sub := &subscriber{
		executionID: executionID,
		out:         make(chan domain.Event),
		done:        make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.drain()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}

func (b *Bus) Publish(ev domain.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	for _, sub := range b.subs {
		if sub.executionID != "" && sub.executionID != ev.ExecutionID {
			continue
		}
		sub.enqueue(ev)
	}
	b.mu.Unlock()
}

func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[int64]*subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (s *subscriber) enqueue(ev domain.Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- ev:
		case <-s.done:
			close(s.out)
			return
		}
	}
}
