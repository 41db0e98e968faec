package stream

import "sync"

// Subject is a multicast observable that replays the most recent value to
// new subscribers.
//
// Each subscriber has its own FIFO mailbox drained by a dedicated goroutine,
// so Next never blocks on a slow subscriber and callbacks never run while the
// subject's lock is held. Subscribers may therefore call back into whatever
// feeds the subject.
type Subject[T any] struct {
	mu   sync.Mutex
	last T
	has  bool
	done bool
	subs map[*subjectSub[T]]struct{}
}

// NewSubject returns an empty replaying subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[*subjectSub[T]]struct{})}
}

// Next records v as the latest value and queues it for every subscriber.
// Values sent after Complete are dropped.
func (s *Subject[T]) Next(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.last, s.has = v, true
	for sub := range s.subs {
		sub.push(v)
	}
}

// Complete ends the subject. Pending values are still delivered before each
// observer's Complete. Calling Complete more than once is a no-op.
func (s *Subject[T]) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	for sub := range s.subs {
		sub.finish()
	}
	s.subs = nil
}

// Value returns the latest value, if any.
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.has
}

// Completed reports whether Complete has been called.
func (s *Subject[T]) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Subscribe registers o. The latest value, when there is one, is delivered
// before any value sent after this call.
func (s *Subject[T]) Subscribe(o Observer[T]) Subscription {
	sub := &subjectSub[T]{subject: s, obs: o}
	sub.cond = sync.NewCond(&sub.mu)

	s.mu.Lock()
	if s.has {
		sub.push(s.last)
	}
	if s.done {
		sub.finish()
	} else {
		s.subs[sub] = struct{}{}
	}
	s.mu.Unlock()

	go sub.pump()
	return sub
}

func (s *Subject[T]) remove(sub *subjectSub[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

type subjectSub[T any] struct {
	subject *Subject[T]
	obs     Observer[T]

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []T
	complete bool
	closed   bool
}

func (sub *subjectSub[T]) push(v T) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, v)
	sub.mu.Unlock()
	sub.cond.Signal()
}

func (sub *subjectSub[T]) finish() {
	sub.mu.Lock()
	sub.complete = true
	sub.mu.Unlock()
	sub.cond.Signal()
}

func (sub *subjectSub[T]) pump() {
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.complete && !sub.closed {
			sub.cond.Wait()
		}
		if sub.closed {
			sub.mu.Unlock()
			return
		}
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			sub.obs.complete()
			return
		}
		v := sub.queue[0]
		var zero T
		sub.queue[0] = zero
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		sub.obs.next(v)
	}
}

func (sub *subjectSub[T]) Unsubscribe() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.queue = nil
	sub.mu.Unlock()
	sub.cond.Signal()
	sub.subject.remove(sub)
}
