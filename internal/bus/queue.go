package bus

import (
	"context"
	"sync"

	"gridconsent/internal/domain"
)

// subscription is an unbounded FIFO drained by a single dispatcher.
type subscription struct {
	name    string
	pred    Predicate
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []domain.Event
	busy    bool
	stopped bool
	idle    []chan struct{}
}

func (s *subscription) matches(e domain.Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return s.pred(e)
}

func (s *subscription) push(e domain.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.cond.Signal()
}

// next blocks for the next event; ok is false once stopped and empty.
func (s *subscription) next() (domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return domain.Event{}, false
	}
	e := s.queue[0]
	s.queue[0] = domain.Event{}
	s.queue = s.queue[1:]
	s.busy = true
	return e, true
}

func (s *subscription) done() {
	s.mu.Lock()
	s.busy = false
	if len(s.queue) == 0 {
		for _, ch := range s.idle {
			close(ch)
		}
		s.idle = nil
	}
	s.mu.Unlock()
}

// waitIdle reports whether it had to wait.
func (s *subscription) waitIdle(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if len(s.queue) == 0 && !s.busy {
		s.mu.Unlock()
		return false, nil
	}
	ch := make(chan struct{})
	s.idle = append(s.idle, ch)
	s.mu.Unlock()
	select {
	case <-ch:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()
}
