package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/tinytelemetry/panels/internal/datasource"
	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/rangeutil"
	"github.com/tinytelemetry/panels/internal/runner"
	"github.com/tinytelemetry/panels/internal/stream"
)

// PanelRefKey is the query model key naming the panel a shared dashboard
// query listens to.
const PanelRefKey = "panelId"

// ErrPanelNotFound is returned for unknown panel ids.
var ErrPanelNotFound = errors.New("panel not found")

// attach creates a runner for every panel. The dashboard serves the shared
// dashboard datasource for its own panels.
func (d *Dashboard) attach(opts runner.Options) {
	opts.Shared = d
	for _, p := range d.Panels {
		p.mu.Lock()
		if p.runner == nil {
			p.runner = runner.New(p, opts)
		}
		p.mu.Unlock()
	}
}

// destroy stops every panel runner.
func (d *Dashboard) destroy() {
	for _, p := range d.Panels {
		if r := p.QueryRunner(); r != nil {
			r.Destroy()
		}
	}
}

// PanelRunOptions builds the run options of p from the dashboard's current
// time range, timezone and variables.
func (d *Dashboard) PanelRunOptions(p *Panel, now time.Time) (runner.QueryRunnerOptions, error) {
	raw, tz := d.TimeRange()
	tr, err := rangeutil.ParseTimeRange(raw, now)
	if err != nil {
		return runner.QueryRunnerOptions{}, errors.Wrapf(err, "dashboard %s: time range", d.UID)
	}
	return runner.QueryRunnerOptions{
		Datasource:    p.Datasource,
		Queries:       p.Targets,
		PanelID:       p.ID,
		DashboardUID:  d.UID,
		Timezone:      tz,
		TimeRange:     tr,
		TimeInfo:      raw.From + " to " + raw.To,
		MaxDataPoints: p.MaxDataPoints,
		MinInterval:   p.Interval,
		ScopedVars:    d.ScopedVars(),
		CacheTimeout:  p.CacheTimeout,
	}, nil
}

func (d *Dashboard) panelRunner(id int64) (*Panel, *runner.PanelQueryRunner, error) {
	p := d.GetPanelByID(id)
	if p == nil {
		return nil, nil, errors.Wrapf(ErrPanelNotFound, "dashboard %s: panel %d", d.UID, id)
	}
	r := p.QueryRunner()
	if r == nil {
		return nil, nil, errors.Errorf("dashboard %s: panel %d has no runner", d.UID, id)
	}
	return p, r, nil
}

// RunPanel starts a run of panel id without waiting for its result.
func (d *Dashboard) RunPanel(ctx context.Context, id int64) error {
	p, r, err := d.panelRunner(id)
	if err != nil {
		return err
	}
	opts, err := d.PanelRunOptions(p, time.Now())
	if err != nil {
		return err
	}
	r.Run(ctx, opts)
	return nil
}

// RefreshPanel runs panel id and returns its settled, fully processed
// result.
func (d *Dashboard) RefreshPanel(ctx context.Context, id int64) (*model.PanelData, error) {
	p, r, err := d.panelRunner(id)
	if err != nil {
		return nil, err
	}
	opts, err := d.PanelRunOptions(p, time.Now())
	if err != nil {
		return nil, err
	}
	return r.RunAndWait(ctx, opts, runner.GetDataOptions{WithTransforms: true, WithFieldConfig: true})
}

// Refresh starts a run of every panel.
func (d *Dashboard) Refresh(ctx context.Context) error {
	for _, p := range d.Panels {
		if err := d.RunPanel(ctx, p.ID); err != nil {
			return err
		}
	}
	return nil
}

// RunSharedRequest serves the shared dashboard datasource: it relays the
// unprocessed results of the panel named by the first query's panelId. When
// that panel is not in view nothing else runs it, so it is run here with the
// requesting panel's time range.
func (d *Dashboard) RunSharedRequest(opts runner.QueryRunnerOptions) stream.Observable[*model.PanelData] {
	return stream.Create(func(ctx context.Context, emit func(*model.PanelData)) error {
		listenTo := panelRef(opts.Queries)
		if listenTo == 0 {
			emit(queryError("Missing panel reference ID"))
			return nil
		}
		source := d.GetPanelByID(listenTo)
		if source == nil || source.QueryRunner() == nil {
			emit(queryError(fmt.Sprintf("Unknown Panel: %d", listenTo)))
			return nil
		}
		if d.referenceLoops(source, opts.PanelID) {
			emit(queryError(fmt.Sprintf("Panel %d cannot reference itself", opts.PanelID)))
			return nil
		}
		sourceRunner := source.QueryRunner()

		sub := sourceRunner.GetData(runner.GetDataOptions{}).Subscribe(stream.Observer[*model.PanelData]{Next: emit})
		defer sub.Unsubscribe()

		if source.ID != opts.PanelID && !source.InView() {
			_, tz := d.TimeRange()
			sourceRunner.Run(context.Background(), runner.QueryRunnerOptions{
				Datasource:    source.Datasource,
				Queries:       source.Targets,
				PanelID:       source.ID,
				DashboardUID:  d.UID,
				Timezone:      tz,
				TimeRange:     opts.TimeRange,
				MaxDataPoints: opts.MaxDataPoints,
				MinInterval:   opts.MinInterval,
				ScopedVars:    opts.ScopedVars,
			})
		}

		<-ctx.Done()
		return nil
	})
}

// referenceLoops reports whether following shared dashboard references from
// source leads back to the panel with id self.
func (d *Dashboard) referenceLoops(source *Panel, self int64) bool {
	seen := make(map[int64]bool)
	for p := source; p != nil && !seen[p.ID]; {
		if p.ID == self {
			return true
		}
		seen[p.ID] = true
		if !datasource.IsSharedDashboardQuery(p.Datasource, nil) {
			return false
		}
		p = d.GetPanelByID(panelRef(p.Targets))
	}
	return false
}

func panelRef(queries []model.DataQuery) int64 {
	if len(queries) == 0 {
		return 0
	}
	v, ok := frame.ToFloat64(queries[0].Model[PanelRefKey])
	if !ok || v <= 0 {
		return 0
	}
	return int64(v)
}

func queryError(msg string) *model.PanelData {
	return &model.PanelData{
		State:  model.LoadingStateError,
		Series: []*frame.Frame{},
		Error:  &model.DataQueryError{Message: msg},
	}
}
