package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/panels/internal/fieldconfig"
	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/rangeutil"
	"github.com/tinytelemetry/panels/internal/stream"
	"github.com/tinytelemetry/panels/internal/transform"
)

const waitTimeout = 2 * time.Second

var testRange = rangeutil.TimeRange{
	From: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	To:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	Raw:  rangeutil.RawTimeRange{From: "now-1h", To: "now"},
}

// fakeSource answers queries with respond, recording every request.
type fakeSource struct {
	name     string
	interval string
	respond  func(ctx context.Context, req *model.DataQueryRequest, out chan<- model.DataQueryResponse) error

	mu       sync.Mutex
	requests []*model.DataQueryRequest
}

func (s *fakeSource) Name() string           { return s.name }
func (s *fakeSource) Interval() string       { return s.interval }
func (s *fakeSource) Meta() model.PluginMeta { return model.PluginMeta{ID: "fake"} }

func (s *fakeSource) Query(ctx context.Context, req *model.DataQueryRequest, out chan<- model.DataQueryResponse) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.respond == nil {
		return nil
	}
	return s.respond(ctx, req, out)
}

func (s *fakeSource) lastRequest() *model.DataQueryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

// answer sends one Done packet holding a single "value" series per request.
func answer(values ...any) func(context.Context, *model.DataQueryRequest, chan<- model.DataQueryResponse) error {
	return func(ctx context.Context, req *model.DataQueryRequest, out chan<- model.DataQueryResponse) error {
		model.Send(ctx, out, model.DataQueryResponse{
			State: model.LoadingStateDone,
			Data:  []*frame.Frame{valueFrame("A", values...)},
		})
		return nil
	}
}

// blockUntilCancelled never answers.
func blockUntilCancelled(ctx context.Context, _ *model.DataQueryRequest, _ chan<- model.DataQueryResponse) error {
	<-ctx.Done()
	return nil
}

func valueFrame(refID string, values ...any) *frame.Frame {
	f := frame.NewFrame(refID, frame.NewField("value", "", values))
	f.RefID = refID
	return f
}

type fakeConfig struct {
	mu         sync.Mutex
	transforms []transform.Config
	fields     *fieldconfig.Options
}

func (c *fakeConfig) Transformations() []transform.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transforms
}

func (c *fakeConfig) FieldOverrideOptions() *fieldconfig.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
}

type published struct {
	channel string
	req     *model.DataQueryRequest
}

func (b *fakeBus) Publish(channel string, req *model.DataQueryRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{channel, req})
}

func (b *fakeBus) published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.msgs...)
}

// watcher records everything delivered to one subscription.
type watcher struct {
	sub      stream.Subscription
	values   chan *model.PanelData
	complete chan struct{}
}

func watch(t *testing.T, src stream.Observable[*model.PanelData]) *watcher {
	t.Helper()
	w := &watcher{values: make(chan *model.PanelData, 64), complete: make(chan struct{})}
	w.sub = src.Subscribe(stream.Observer[*model.PanelData]{
		Next:     func(d *model.PanelData) { w.values <- d },
		Complete: func() { close(w.complete) },
	})
	t.Cleanup(w.sub.Unsubscribe)
	return w
}

func (w *watcher) next(t *testing.T) *model.PanelData {
	t.Helper()
	select {
	case d := <-w.values:
		return d
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for panel data")
		return nil
	}
}

// until returns the first delivered value in state.
func (w *watcher) until(t *testing.T, state model.LoadingState) *model.PanelData {
	t.Helper()
	for {
		if d := w.next(t); d.State == state {
			return d
		}
	}
}

func (w *watcher) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case v := <-w.values:
		t.Fatalf("unexpected delivery in state %s", v.State)
	case <-time.After(d):
	}
}

func (w *watcher) waitComplete(t *testing.T) {
	t.Helper()
	select {
	case <-w.complete:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for completion")
	}
}

func runOptions(ds model.DataSource, queries ...model.DataQuery) QueryRunnerOptions {
	if len(queries) == 0 {
		queries = []model.DataQuery{{RefID: "A"}}
	}
	return QueryRunnerOptions{
		DataSource:    ds,
		Queries:       queries,
		PanelID:       1,
		Timezone:      "UTC",
		TimeRange:     testRange,
		MaxDataPoints: 100,
	}
}
