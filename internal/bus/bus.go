// Package bus carries side-channel query requests from panel runners to
// whoever serves those channels. Delivery is fire-and-forget.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/panels/internal/model"
)

// DefaultBuffer is the per-subscriber queue length of Local.
const DefaultBuffer = 256

// Bus accepts requests addressed to a channel.
type Bus interface {
	Publish(channel string, req *model.DataQueryRequest)
}

// Handler consumes requests of one channel.
type Handler func(ctx context.Context, req *model.DataQueryRequest)

// Local is an in-process bus. Each subscriber has its own queue and
// goroutine, so a slow handler only delays its own channel. Requests for a
// full queue are dropped and counted.
type Local struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int
	logger logrus.FieldLogger

	mu     sync.RWMutex
	subs   map[string][]*subscriber
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Int64
}

type subscriber struct {
	queue chan *model.DataQueryRequest
	stop  chan struct{}
	once  sync.Once
}

// NewLocal creates a bus. buffer <= 0 selects DefaultBuffer.
func NewLocal(parent context.Context, buffer int, logger logrus.FieldLogger) *Local {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "bus")
	}
	ctx, cancel := context.WithCancel(parent)
	return &Local{
		ctx:    ctx,
		cancel: cancel,
		buffer: buffer,
		logger: logger,
		subs:   make(map[string][]*subscriber),
	}
}

// Subscribe registers h for channel and returns a function removing it.
func (b *Local) Subscribe(channel string, h Handler) (unsubscribe func()) {
	s := &subscriber{
		queue: make(chan *model.DataQueryRequest, b.buffer),
		stop:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[channel] = append(b.subs[channel], s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.forward(s, h)

	return func() {
		b.mu.Lock()
		list := b.subs[channel]
		for i, other := range list {
			if other == s {
				b.subs[channel] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		b.mu.Unlock()
		s.once.Do(func() { close(s.stop) })
	}
}

func (b *Local) forward(s *subscriber, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-s.stop:
			return
		case req := <-s.queue:
			h(b.ctx, req)
		}
	}
}

// Publish queues req for every subscriber of channel.
func (b *Local) Publish(channel string, req *model.DataQueryRequest) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	subs := b.subs[channel]
	if len(subs) == 0 {
		b.logger.WithField("channel", channel).Debug("bus: no subscribers")
		return
	}
	for _, s := range subs {
		select {
		case s.queue <- req:
		default:
			n := b.dropped.Add(1)
			b.logger.WithFields(logrus.Fields{
				"channel":    channel,
				"request_id": req.RequestID,
				"dropped":    n,
			}).Warn("bus: subscriber queue full, dropping request")
		}
	}
}

// Channels returns the channels with at least one subscriber.
func (b *Local) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for ch := range b.subs {
		out = append(out, ch)
	}
	return out
}

// Dropped returns how many requests were dropped on full queues.
func (b *Local) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops all subscribers and waits for running handlers.
func (b *Local) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}

// Multi publishes to every bus in order.
type Multi []Bus

func (m Multi) Publish(channel string, req *model.DataQueryRequest) {
	for _, b := range m {
		if b != nil {
			b.Publish(channel, req)
		}
	}
}
