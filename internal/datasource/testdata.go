package datasource

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/templating"
)

// Scenarios served by the testdata datasource.
const (
	ScenarioRandomWalk      = "random_walk"
	ScenarioCSVMetricValues = "csv_metric_values"
	ScenarioStreaming       = "streaming"
	ScenarioSlow            = "slow"
	ScenarioError           = "error"
	ScenarioNoData          = "no_data"
)

// Scenarios lists the supported testdata scenarios.
var Scenarios = []string{
	ScenarioRandomWalk,
	ScenarioCSVMetricValues,
	ScenarioStreaming,
	ScenarioSlow,
	ScenarioError,
	ScenarioNoData,
}

// TestData generates synthetic series. Each target selects a scenario with
// the "scenario" model key and is answered as its own packet keyed by refId.
type TestData struct {
	name     string
	interval string
	logger   logrus.FieldLogger
}

// NewTestData creates a testdata datasource.
func NewTestData(name string) *TestData {
	if name == "" {
		name = "testdata"
	}
	return &TestData{
		name:   name,
		logger: logrus.StandardLogger().WithField("datasource", name),
	}
}

// WithInterval sets the minimum interval reported to the runner.
func (d *TestData) WithInterval(interval string) *TestData {
	d.interval = interval
	return d
}

func (d *TestData) Name() string     { return d.name }
func (d *TestData) Interval() string { return d.interval }

func (d *TestData) Meta() model.PluginMeta {
	return model.PluginMeta{ID: "testdata", Name: "TestData", Streaming: true}
}

// Query answers every visible target. Targets run one after another.
func (d *TestData) Query(ctx context.Context, req *model.DataQueryRequest, out chan<- model.DataQueryResponse) error {
	for _, q := range req.Targets {
		if q.Hide {
			continue
		}
		scenario := q.String("scenario")
		if scenario == "" {
			scenario = ScenarioRandomWalk
		}
		d.logger.WithFields(logrus.Fields{
			"request_id": req.RequestID,
			"ref_id":     q.RefID,
			"scenario":   scenario,
		}).Debug("testdata: query")

		if err := d.runScenario(ctx, scenario, req, q, out); err != nil {
			return err
		}
	}
	return nil
}

func (d *TestData) runScenario(ctx context.Context, scenario string, req *model.DataQueryRequest, q model.DataQuery, out chan<- model.DataQueryResponse) error {
	switch scenario {
	case ScenarioRandomWalk:
		send(ctx, out, q.RefID, model.LoadingStateDone, randomWalk(req, q))
	case ScenarioCSVMetricValues:
		f, err := csvMetricValues(req, q)
		if err != nil {
			return err
		}
		send(ctx, out, q.RefID, model.LoadingStateDone, f)
	case ScenarioStreaming:
		return streamRandomWalk(ctx, req, q, out)
	case ScenarioSlow:
		select {
		case <-time.After(time.Duration(intOpt(q, "delayMs", 1000)) * time.Millisecond):
		case <-ctx.Done():
			return nil
		}
		send(ctx, out, q.RefID, model.LoadingStateDone, randomWalk(req, q))
	case ScenarioError:
		msg := q.String("message")
		if msg == "" {
			msg = "Scenario error"
		}
		model.Send(ctx, out, model.DataQueryResponse{
			Key:   q.RefID,
			State: model.LoadingStateError,
			Data:  []*frame.Frame{},
			Error: &model.DataQueryError{Message: msg, RefID: q.RefID, Status: 500},
		})
	case ScenarioNoData:
	default:
		return &model.DataQueryError{Message: "unknown scenario " + strconv.Quote(scenario), RefID: q.RefID, Status: 400}
	}
	return nil
}

func send(ctx context.Context, out chan<- model.DataQueryResponse, key string, state model.LoadingState, f *frame.Frame) bool {
	return model.Send(ctx, out, model.DataQueryResponse{Key: key, State: state, Data: []*frame.Frame{f}})
}

// walker produces a deterministic random walk for a target. The seed comes
// from the "seed" model key, falling back to a hash of the refId.
type walker struct {
	rnd    *rand.Rand
	value  float64
	spread float64
}

func newWalker(q model.DataQuery) *walker {
	seed := uint64(intOpt(q, "seed", 0))
	if seed == 0 {
		h := fnv.New64a()
		h.Write([]byte(q.RefID))
		seed = h.Sum64()
	}
	rnd := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	start := floatOpt(q, "startValue", rnd.Float64()*100)
	return &walker{rnd: rnd, value: start, spread: floatOpt(q, "spread", 1)}
}

func (w *walker) next() float64 {
	v := w.value
	w.value += (w.rnd.Float64() - 0.5) * w.spread
	return v
}

// seriesName is the "alias" model value with variables substituted, or
// "<refId>-series".
func seriesName(req *model.DataQueryRequest, q model.DataQuery) string {
	if alias := q.String("alias"); alias != "" {
		return templating.Replace(alias, req.ScopedVars)
	}
	return q.RefID + "-series"
}

func newSeriesFrame(req *model.DataQueryRequest, q model.DataQuery) *frame.Frame {
	name := seriesName(req, q)
	f := frame.NewFrame(name,
		frame.NewField("time", frame.FieldTypeTime, nil),
		frame.NewField(name, frame.FieldTypeNumber, nil),
	)
	f.RefID = q.RefID
	return f
}

func stepMs(req *model.DataQueryRequest) int64 {
	step := req.IntervalMs
	if step <= 0 {
		step = 1000
	}
	return step
}

func randomWalk(req *model.DataQueryRequest, q model.DataQuery) *frame.Frame {
	f := newSeriesFrame(req, q)
	w := newWalker(q)
	step := stepMs(req)
	maxPoints := req.MaxDataPoints
	if maxPoints <= 0 {
		maxPoints = model.DefaultMaxDataPoints
	}
	from := req.Range.From.UnixMilli()
	to := req.Range.To.UnixMilli()
	for ts, n := from-from%step, 0; ts <= to && n < maxPoints; ts, n = ts+step, n+1 {
		f.AppendRow(time.UnixMilli(ts).UTC(), w.next())
	}
	return f
}

func csvMetricValues(req *model.DataQueryRequest, q model.DataQuery) (*frame.Frame, error) {
	input := strings.TrimSpace(q.String("stringInput"))
	if input == "" {
		input = "1,20,90,30,5,0"
	}
	parts := strings.Split(input, ",")
	values := make([]any, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "null" || p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, &model.DataQueryError{Message: "invalid csv value " + strconv.Quote(p), RefID: q.RefID, Status: 400}
		}
		values[i] = v
	}

	f := newSeriesFrame(req, q)
	from := req.Range.From
	span := req.Range.Span()
	for i, v := range values {
		ts := from
		if len(values) > 1 {
			ts = from.Add(span * time.Duration(i) / time.Duration(len(values)-1))
		}
		f.AppendRow(ts.UTC(), v)
	}
	return f, nil
}

// streamRandomWalk sends "packets" Streaming packets, each one point longer
// than the last, "tickMs" apart. The final packet is Done.
func streamRandomWalk(ctx context.Context, req *model.DataQueryRequest, q model.DataQuery, out chan<- model.DataQueryResponse) error {
	packets := intOpt(q, "packets", 3)
	if packets <= 0 {
		return errors.Errorf("streaming: packets must be positive, got %d", packets)
	}
	tick := time.Duration(intOpt(q, "tickMs", 50)) * time.Millisecond
	ticker := time.NewTicker(max(tick, time.Millisecond))
	defer ticker.Stop()

	w := newWalker(q)
	step := stepMs(req)
	start := req.Range.From.UnixMilli()
	times := make([]any, 0, packets)
	vals := make([]any, 0, packets)
	for i := 0; i < packets; i++ {
		times = append(times, time.UnixMilli(start+int64(i)*step).UTC())
		vals = append(vals, w.next())

		f := newSeriesFrame(req, q)
		f.Fields[0].Values = append([]any(nil), times...)
		f.Fields[1].Values = append([]any(nil), vals...)

		state := model.LoadingStateStreaming
		if i == packets-1 {
			state = model.LoadingStateDone
		}
		if !send(ctx, out, q.RefID, state, f) {
			return nil
		}
		if i < packets-1 {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil
			}
		}
	}
	return nil
}

func intOpt(q model.DataQuery, key string, def int) int {
	if v, ok := frame.ToFloat64(q.Model[key]); ok {
		return int(v)
	}
	if s, ok := q.Model[key].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

func floatOpt(q model.DataQuery, key string, def float64) float64 {
	if v, ok := frame.ToFloat64(q.Model[key]); ok {
		return v
	}
	return def
}
