// Package stream provides a small push-based observable, a replaying
// subject and the operators the query pipeline needs.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Observer receives notifications. Nil callbacks are ignored.
type Observer[T any] struct {
	Next     func(T)
	Error    func(error)
	Complete func()
}

func (o Observer[T]) next(v T) {
	if o.Next != nil {
		o.Next(v)
	}
}

func (o Observer[T]) error(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o Observer[T]) complete() {
	if o.Complete != nil {
		o.Complete()
	}
}

// Subscription cancels delivery to one observer. Unsubscribe is idempotent
// and never blocks on an in-flight delivery.
type Subscription interface {
	Unsubscribe()
}

// Observable is a source of values that can be subscribed to.
type Observable[T any] interface {
	Subscribe(Observer[T]) Subscription
}

// Func adapts a subscribe function to Observable.
type Func[T any] func(Observer[T]) Subscription

// Subscribe calls f.
func (f Func[T]) Subscribe(o Observer[T]) Subscription {
	return f(o)
}

// Create returns a cold observable. Every subscription starts producer on
// its own goroutine; producer emits values through emit and must not call it
// concurrently. A nil error completes the observer, a non-nil error fails
// it. Unsubscribing cancels ctx and drops later emissions.
func Create[T any](producer func(ctx context.Context, emit func(T)) error) Observable[T] {
	return Func[T](func(o Observer[T]) Subscription {
		ctx, cancel := context.WithCancel(context.Background())
		sub := &cancelSubscription{cancel: cancel}
		go func() {
			defer cancel()
			err := producer(ctx, func(v T) {
				if !sub.closed.Load() {
					o.next(v)
				}
			})
			if sub.closed.Load() {
				return
			}
			if err != nil {
				o.error(err)
				return
			}
			o.complete()
		}()
		return sub
	})
}

type cancelSubscription struct {
	closed atomic.Bool
	cancel context.CancelFunc
}

func (s *cancelSubscription) Unsubscribe() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()
}

// Of emits values in order and completes.
func Of[T any](values ...T) Observable[T] {
	return Create(func(ctx context.Context, emit func(T)) error {
		for _, v := range values {
			if ctx.Err() != nil {
				return nil
			}
			emit(v)
		}
		return nil
	})
}

// Map applies fn to every value delivered to a subscriber. fn runs once per
// delivery and per subscription.
func Map[T, U any](src Observable[T], fn func(T) U) Observable[U] {
	return Func[U](func(o Observer[U]) Subscription {
		return src.Subscribe(Observer[T]{
			Next:     func(v T) { o.next(fn(v)) },
			Error:    o.Error,
			Complete: o.Complete,
		})
	})
}

// Channel subscribes to src and forwards values to the returned channel.
// The channel closes when src completes or fails, or when ctx is done.
func Channel[T any](ctx context.Context, src Observable[T]) <-chan T {
	ch := make(chan T, 1)
	var (
		mu     sync.Mutex
		closed bool
	)
	finish := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
	sub := src.Subscribe(Observer[T]{
		Next: func(v T) {
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return
			}
			select {
			case ch <- v:
			case <-ctx.Done():
			}
		},
		Error:    func(error) { finish() },
		Complete: finish,
	})
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
		finish()
	}()
	return ch
}
