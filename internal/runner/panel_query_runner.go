// Package runner executes panel queries and multicasts their results.
package runner

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/panels/internal/datasource"
	"github.com/tinytelemetry/panels/internal/fieldconfig"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/rangeutil"
	"github.com/tinytelemetry/panels/internal/stream"
	"github.com/tinytelemetry/panels/internal/templating"
	"github.com/tinytelemetry/panels/internal/transform"
)

// ErrRunAborted is returned by RunAndWait when the run was cancelled or
// replaced before it settled.
var ErrRunAborted = errors.New("run was cancelled or superseded")

// DataConfigSource supplies the per-panel processing configuration. It is
// read on every delivery, so changes apply to the next value a subscriber
// sees.
type DataConfigSource interface {
	Transformations() []transform.Config
	FieldOverrideOptions() *fieldconfig.Options
}

// DataSourceGetter resolves datasource names.
type DataSourceGetter interface {
	Get(ctx context.Context, name string, vars model.ScopedVars) (model.DataSource, error)
}

// SharedRequestRunner serves queries against the shared dashboard
// datasource, which reuses the results of another panel.
type SharedRequestRunner interface {
	RunSharedRequest(opts QueryRunnerOptions) stream.Observable[*model.PanelData]
}

// Publisher receives side-channel requests. Delivery is fire-and-forget.
type Publisher interface {
	Publish(channel string, req *model.DataQueryRequest)
}

// QueryRunnerOptions describes one run of a panel.
type QueryRunnerOptions struct {
	// Datasource is resolved through the runner's DataSourceGetter unless
	// DataSource is already set.
	Datasource string
	DataSource model.DataSource
	// App defaults to model.CoreAppDashboard.
	App          model.CoreApp
	Queries      []model.DataQuery
	PanelID      int64
	DashboardUID string
	Timezone     string
	TimeRange    rangeutil.TimeRange
	TimeInfo     string
	// MaxDataPoints bounds the interval calculation; <= 0 means 1000.
	MaxDataPoints int
	// MinInterval may contain template variables.
	MinInterval            string
	ScopedVars             model.ScopedVars
	CacheTimeout           string
	DelayStateNotification time.Duration
}

// GetDataOptions selects the processing stages applied per subscription.
type GetDataOptions struct {
	WithTransforms  bool
	WithFieldConfig bool
}

// Options configures a PanelQueryRunner.
type Options struct {
	DataSources       DataSourceGetter
	Shared            SharedRequestRunner
	Bus               Publisher
	Transforms        *transform.Registry
	LoadingStateDelay time.Duration
	Logger            logrus.FieldLogger
}

type activeRun struct {
	sub  stream.Subscription
	done chan struct{}
	once sync.Once
}

func (a *activeRun) settle() {
	a.once.Do(func() { close(a.done) })
}

// PanelQueryRunner owns the query lifecycle of one panel: at most one active
// run, a cache of the last processed result, and a replaying subject that
// hands that result to every subscriber.
type PanelQueryRunner struct {
	config  DataConfigSource
	opts    Options
	logger  logrus.FieldLogger
	subject *stream.Subject[*model.PanelData]

	mu         sync.Mutex
	active     *activeRun
	lastResult *model.PanelData
	lastRun    *activeRun
}

// New creates a runner. config may be nil when no transformations or field
// config apply.
func New(config DataConfigSource, opts Options) *PanelQueryRunner {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Transforms == nil {
		opts.Transforms = transform.Default()
	}
	if opts.LoadingStateDelay == 0 {
		opts.LoadingStateDelay = model.DefaultLoadingStateDelay
	}
	return &PanelQueryRunner{
		config:  config,
		opts:    opts,
		logger:  opts.Logger,
		subject: stream.NewSubject[*model.PanelData](),
	}
}

// GetData returns the runner's results. Every subscriber first receives the
// last result, if any. Transformations and field config are applied per
// delivery according to opts.
func (r *PanelQueryRunner) GetData(opts GetDataOptions) stream.Observable[*model.PanelData] {
	return stream.Map[*model.PanelData, *model.PanelData](r.subject, func(data *model.PanelData) *model.PanelData {
		return r.Process(data, opts)
	})
}

// Process applies the stages selected by opts to data and returns a new
// snapshot. data itself is returned when no stage applies.
func (r *PanelQueryRunner) Process(data *model.PanelData, opts GetDataOptions) *model.PanelData {
	if data == nil || r.config == nil {
		return data
	}
	processed := data

	if opts.WithTransforms {
		if configs := r.config.Transformations(); len(configs) > 0 {
			out := *processed
			out.Series = r.opts.Transforms.Apply(configs, data.Series)
			processed = &out
		}
	}

	if opts.WithFieldConfig {
		if fc := r.config.FieldOverrideOptions(); fc != nil {
			var tz string
			if data.Request != nil {
				tz = data.Request.Timezone
			}
			out := *processed
			out.Series = fieldconfig.ApplyFieldOverrides(fieldconfig.ApplyOptions{
				Data:        processed.Series,
				FieldConfig: *fc,
				TimeZone:    tz,
				AutoMinMax:  true,
			})
			processed = &out
		}
	}
	return processed
}

// Run starts a new run, replacing the active one. Failures while building
// or dispatching the request are logged and leave the last result in place.
func (r *PanelQueryRunner) Run(ctx context.Context, opts QueryRunnerOptions) {
	if _, err := r.run(ctx, opts); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"panel_id":   opts.PanelID,
			"datasource": opts.Datasource,
		}).Error("panel query runner: run failed")
	}
}

// RunAndWait starts a run and blocks until it delivers a Done or Error
// snapshot, then returns that snapshot processed according to getOpts.
// Unlike Run it reports build and dispatch failures to the caller.
func (r *PanelQueryRunner) RunAndWait(ctx context.Context, opts QueryRunnerOptions, getOpts GetDataOptions) (*model.PanelData, error) {
	run, err := r.run(ctx, opts)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for panel data")
	}

	r.mu.Lock()
	last, lastRun := r.lastResult, r.lastRun
	r.mu.Unlock()
	if lastRun != run || last == nil || !settled(last.State) {
		return nil, ErrRunAborted
	}
	return r.Process(last, getOpts), nil
}

func settled(s model.LoadingState) bool {
	return s == model.LoadingStateDone || s == model.LoadingStateError
}

func (r *PanelQueryRunner) run(ctx context.Context, opts QueryRunnerOptions) (*activeRun, error) {
	if r.subject.Completed() {
		return nil, errors.New("runner is destroyed")
	}

	if datasource.IsSharedDashboardQuery(opts.Datasource, opts.DataSource) {
		if r.opts.Shared == nil {
			return nil, errors.New("no shared request runner configured")
		}
		return r.pipeToSubject(r.opts.Shared.RunSharedRequest(opts)), nil
	}

	timeRange := opts.TimeRange
	rangeRaw := timeRange.Raw
	app := opts.App
	if app == "" {
		app = model.CoreAppDashboard
	}
	req := &model.DataQueryRequest{
		RequestID:     NextRequestID(),
		App:           app,
		DashboardUID:  opts.DashboardUID,
		PanelID:       opts.PanelID,
		Timezone:      opts.Timezone,
		Range:         timeRange,
		RangeRaw:      &rangeRaw,
		TimeInfo:      opts.TimeInfo,
		Targets:       model.CloneQueries(opts.Queries),
		MaxDataPoints: opts.MaxDataPoints,
		ScopedVars:    opts.ScopedVars.Clone(),
		CacheTimeout:  opts.CacheTimeout,
		StartTime:     time.Now(),
	}

	ds, err := r.dataSource(ctx, opts, req.ScopedVars)
	if err != nil {
		return nil, err
	}

	split := SplitChannelQueries(req.Targets)
	req.Targets = split.Standard

	lowLimit := ds.Interval()
	if opts.MinInterval != "" {
		lowLimit = templating.Replace(opts.MinInterval, req.ScopedVars)
	}
	norm, err := rangeutil.CalculateInterval(timeRange, opts.MaxDataPoints, lowLimit)
	if err != nil {
		return nil, errors.Wrap(err, "calculate interval")
	}

	req.ScopedVars = req.ScopedVars.With(model.ScopedVars{
		"__interval":    {Text: norm.Interval, Value: norm.Interval},
		"__interval_ms": {Text: strconv.FormatInt(norm.IntervalMs, 10), Value: norm.IntervalMs},
	})
	req.Interval = norm.Interval
	req.IntervalMs = norm.IntervalMs

	delay := r.opts.LoadingStateDelay
	if opts.DelayStateNotification > 0 {
		delay = opts.DelayStateNotification
	}
	run := r.pipeToSubject(RunRequest(ds, req, delay))

	for _, ch := range split.Channels {
		sub := *req
		sub.RequestID = NextRequestID()
		sub.StartTime = time.Now()
		sub.Targets = ch.Targets
		sub.QueryTopic = ch.Channel
		r.publish(ch.Channel, &sub)
	}
	return run, nil
}

func (r *PanelQueryRunner) dataSource(ctx context.Context, opts QueryRunnerOptions, vars model.ScopedVars) (model.DataSource, error) {
	if opts.DataSource != nil {
		return opts.DataSource, nil
	}
	if r.opts.DataSources == nil {
		return nil, errors.New("no datasource registry configured")
	}
	ds, err := r.opts.DataSources.Get(ctx, opts.Datasource, vars)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve datasource %q", opts.Datasource)
	}
	return ds, nil
}

func (r *PanelQueryRunner) publish(channel string, req *model.DataQueryRequest) {
	log := r.logger.WithFields(logrus.Fields{"channel": channel, "request_id": req.RequestID})
	if r.opts.Bus == nil {
		log.Debug("panel query runner: no bus, dropping side-channel request")
		return
	}
	r.opts.Bus.Publish(channel, req)
	log.Debug("panel query runner: side-channel request published")
}

func (r *PanelQueryRunner) pipeToSubject(src stream.Observable[*model.PanelData]) *activeRun {
	run := &activeRun{done: make(chan struct{})}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.active.sub.Unsubscribe()
		r.active.settle()
	}
	r.active = run
	run.sub = src.Subscribe(stream.Observer[*model.PanelData]{
		Next: func(data *model.PanelData) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.active != run {
				return
			}
			r.lastResult = PreProcessPanelData(data, r.lastResult)
			r.lastRun = run
			r.subject.Next(r.lastResult)
			if settled(r.lastResult.State) {
				run.settle()
			}
		},
	})
	return run
}

// CancelQuery stops the active run. A last result still in the Loading
// state is republished as Done.
func (r *PanelQueryRunner) CancelQuery() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return
	}
	r.active.sub.Unsubscribe()
	r.active.settle()
	r.active = nil

	if r.lastResult != nil && r.lastResult.State == model.LoadingStateLoading {
		done := *r.lastResult
		done.State = model.LoadingStateDone
		r.subject.Next(&done)
	}
}

// ResendLastResult republishes the cached result unchanged.
func (r *PanelQueryRunner) ResendLastResult() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastResult != nil {
		r.subject.Next(r.lastResult)
	}
}

// UseLastResultFrom adopts other's last result and republishes it.
func (r *PanelQueryRunner) UseLastResultFrom(other *PanelQueryRunner) {
	last := other.GetLastResult()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastResult = last
	r.lastRun = nil
	if last != nil {
		r.subject.Next(last)
	}
}

// Destroy completes the result stream and stops the active run. It is safe
// to call more than once.
func (r *PanelQueryRunner) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subject.Complete()
	if r.active != nil {
		r.active.sub.Unsubscribe()
		r.active.settle()
		r.active = nil
	}
}

// GetLastResult returns the cached result, or nil.
func (r *PanelQueryRunner) GetLastResult() *model.PanelData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastResult
}
