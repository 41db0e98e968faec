package dashboard

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/panels/internal/datasource"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/runner"
	"github.com/tinytelemetry/panels/internal/stream"
)

const testDashboard = `
uid: ops
title: Operations
timezone: utc
time:
  from: now-1h
  to: now
variables:
  - name: series
    current:
      text: cpu
      value: cpu
panels:
  - id: 1
    title: Values
    datasource: testdata
    maxDataPoints: 100
    targets:
      - refId: A
        model:
          scenario: csv_metric_values
          stringInput: "1,2,3"
          alias: $series
    transformations:
      - id: calculateField
        options:
          expression: cpu * 10
          alias: scaled
    fieldConfig:
      defaults:
        unit: percent
  - id: 2
    title: Reuse
    datasource: "-- Dashboard --"
    targets:
      - model:
          panelId: 1
  - id: 3
    title: Broken reference
    datasource: "-- Dashboard --"
    targets:
      - model:
          panelId: 42
  - id: 4
    title: No reference
    datasource: "-- Dashboard --"
    targets:
      - refId: A
`

func newTestService(t *testing.T) *Service {
	t.Helper()
	reg := datasource.NewRegistry()
	require.NoError(t, reg.Register(datasource.NewTestData("testdata")))
	svc := NewService(runner.Options{DataSources: reg, LoadingStateDelay: time.Hour})
	t.Cleanup(svc.Close)
	return svc
}

func loadTestDashboard(t *testing.T, svc *Service) *Dashboard {
	t.Helper()
	d, err := Parse([]byte(testDashboard))
	require.NoError(t, err)
	require.NoError(t, svc.Add(d))
	return d
}

func TestParseFillsDefaults(t *testing.T) {
	d, err := Parse([]byte("title: bare\npanels:\n  - id: 7\n    targets:\n      - {}\n      - {}\n"))
	require.NoError(t, err)
	_, err = uuid.Parse(d.UID)
	assert.NoError(t, err, "generated uid is a uuid")
	assert.Equal(t, model.DefaultTimeZone, d.Timezone)
	assert.Equal(t, model.DefaultTimeRangeFrom, d.Time.From)
	assert.Equal(t, model.DefaultTimeRangeTo, d.Time.To)
	assert.Equal(t, "A", d.Panels[0].Targets[0].RefID)
	assert.Equal(t, "B", d.Panels[0].Targets[1].RefID)
}

func TestParseRejectsBadPanels(t *testing.T) {
	_, err := Parse([]byte("panels:\n  - id: 1\n  - id: 1\n"))
	assert.ErrorContains(t, err, "duplicate panel id")
	_, err = Parse([]byte("panels:\n  - title: x\n"))
	assert.ErrorContains(t, err, "has no id")
	_, err = Parse([]byte("panels: [\n"))
	assert.Error(t, err)
}

func TestParseReadsPanelConfig(t *testing.T) {
	d, err := Parse([]byte(testDashboard))
	require.NoError(t, err)
	p := d.GetPanelByID(1)
	require.NotNil(t, p)
	assert.Equal(t, "csv_metric_values", p.Targets[0].String("scenario"))
	require.Len(t, p.Transformations(), 1)
	assert.Equal(t, "calculateField", p.Transformations()[0].ID)
	require.NotNil(t, p.FieldOverrideOptions())
	assert.Equal(t, "percent", p.FieldOverrideOptions().Defaults.Unit)
	assert.Nil(t, d.GetPanelByID(99))

	assert.Equal(t, model.ScopedVars{"series": {Text: "cpu", Value: "cpu"}}, d.ScopedVars())
	require.NoError(t, d.SetVariable("series", "mem", "mem"))
	assert.Equal(t, "mem", d.ScopedVars()["series"].Text)
	assert.Error(t, d.SetVariable("nope", "", nil))
}

func TestRefreshPanelAppliesTransformsAndFieldConfig(t *testing.T) {
	svc := newTestService(t)
	loadTestDashboard(t, svc)

	data, err := svc.RefreshPanel(context.Background(), "ops", 1)
	require.NoError(t, err)
	assert.Equal(t, model.LoadingStateDone, data.State)
	require.Len(t, data.Series, 1)
	f := data.Series[0]
	require.Len(t, f.Fields, 3)
	assert.Equal(t, "cpu", f.Fields[1].Name, "alias is templated from the dashboard variable")
	assert.Equal(t, "scaled", f.Fields[2].Name)
	assert.Equal(t, []any{10.0, 20.0, 30.0}, f.Fields[2].Values)
	assert.Equal(t, "percent", f.Fields[1].Config.Unit)

	req := data.Request
	require.NotNil(t, req)
	assert.Equal(t, "ops", req.DashboardUID)
	assert.Equal(t, int64(1), req.PanelID)
	assert.Equal(t, "utc", req.Timezone)
	assert.Equal(t, time.Hour, req.Range.Span())

	again, err := svc.PanelData("ops", 1)
	require.NoError(t, err)
	assert.Len(t, again.Series[0].Fields, 3)

	sums := svc.List()
	require.Len(t, sums, 1)
	assert.Equal(t, "Done", sums[0].Panels[0].State)
	assert.Equal(t, "NotStarted", sums[0].Panels[1].State)
}

func TestSharedRequestRelaysSourcePanel(t *testing.T) {
	svc := newTestService(t)
	d := loadTestDashboard(t, svc)

	// Panel 1 is not in view, so panel 2's shared request runs it.
	data, err := svc.RefreshPanel(context.Background(), "ops", 2)
	require.NoError(t, err)
	assert.Equal(t, model.LoadingStateDone, data.State)
	require.Len(t, data.Series, 1)
	assert.Len(t, data.Series[0].Fields, 2, "source transformations are not applied")
	assert.NotNil(t, d.GetPanelByID(1).QueryRunner().GetLastResult())
}

func TestSharedRequestDoesNotRunSourceInView(t *testing.T) {
	svc := newTestService(t)
	d := loadTestDashboard(t, svc)
	source := d.GetPanelByID(1)
	source.SetInView(true)

	opts, err := d.PanelRunOptions(d.GetPanelByID(2), time.Now())
	require.NoError(t, err)
	values := stream.Channel(context.Background(), d.RunSharedRequest(opts))

	select {
	case v := <-values:
		t.Fatalf("unexpected delivery %s before the source ran", v.State)
	case <-time.After(30 * time.Millisecond):
	}
	assert.Nil(t, source.QueryRunner().GetLastResult())

	require.NoError(t, d.RunPanel(context.Background(), 1))
	select {
	case v := <-values:
		assert.Equal(t, model.LoadingStateDone, v.State)
	case <-time.After(2 * time.Second):
		t.Fatal("shared request did not relay the source result")
	}
}

func TestSharedRequestErrors(t *testing.T) {
	svc := newTestService(t)
	loadTestDashboard(t, svc)

	data, err := svc.RefreshPanel(context.Background(), "ops", 3)
	require.NoError(t, err)
	assert.Equal(t, model.LoadingStateError, data.State)
	assert.Equal(t, "Unknown Panel: 42", data.Error.Message)

	data, err = svc.RefreshPanel(context.Background(), "ops", 4)
	require.NoError(t, err)
	assert.Equal(t, model.LoadingStateError, data.State)
	assert.Equal(t, "Missing panel reference ID", data.Error.Message)
}

func TestServiceLookupErrors(t *testing.T) {
	svc := newTestService(t)
	loadTestDashboard(t, svc)

	_, err := svc.RefreshPanel(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.RefreshPanel(context.Background(), "ops", 99)
	assert.ErrorIs(t, err, ErrPanelNotFound)
	assert.ErrorIs(t, svc.CancelPanel("ops", 99), ErrPanelNotFound)
	assert.NoError(t, svc.CancelPanel("ops", 1))

	dup, err := Parse([]byte("uid: ops\n"))
	require.NoError(t, err)
	assert.Error(t, svc.Add(dup))

	data, err := svc.PanelData("ops", 1)
	require.NoError(t, err)
	assert.Nil(t, data, "no result before the first run")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(testDashboard), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("uid: other\ntitle: Another\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	svc := newTestService(t)
	n, err := svc.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sums := svc.List()
	require.Len(t, sums, 2)
	assert.Equal(t, "Another", sums[0].Title)
	assert.Equal(t, "Operations", sums[1].Title)

	_, err = newTestService(t).LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestServiceQuery(t *testing.T) {
	svc := newTestService(t)

	data, err := svc.Query(context.Background(), runner.QueryRunnerOptions{
		Datasource: "testdata",
		Queries: []model.DataQuery{{
			RefID: "A",
			Model: map[string]any{"scenario": "csv_metric_values", "stringInput": "4,5"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.LoadingStateDone, data.State)
	require.Len(t, data.Series, 1)
	require.NotNil(t, data.Request)
	assert.Equal(t, model.CoreAppAPI, data.Request.App)

	_, err = svc.Query(context.Background(), runner.QueryRunnerOptions{Datasource: "missing"})
	assert.ErrorIs(t, err, datasource.ErrNotFound)
}

const loopingDashboard = `
uid: loops
panels:
  - id: 1
    datasource: testdata
    targets:
      - model:
          scenario: csv_metric_values
  - id: 5
    datasource: "-- Dashboard --"
    targets:
      - model:
          panelId: 5
  - id: 6
    datasource: "-- Dashboard --"
    targets:
      - model:
          panelId: 7
  - id: 7
    datasource: "-- Dashboard --"
    targets:
      - model:
          panelId: 6
`

func TestSharedRequestRejectsReferenceLoops(t *testing.T) {
	svc := newTestService(t)
	d, err := Parse([]byte(loopingDashboard))
	require.NoError(t, err)
	require.NoError(t, svc.Add(d))

	_, err = svc.RefreshPanel(context.Background(), "loops", 1)
	require.NoError(t, err)
	self := d.GetPanelByID(5).QueryRunner()
	self.UseLastResultFrom(d.GetPanelByID(1).QueryRunner())

	var deliveries atomic.Int64
	sub := self.GetData(runner.GetDataOptions{}).Subscribe(stream.Observer[*model.PanelData]{
		Next: func(*model.PanelData) { deliveries.Add(1) },
	})
	defer sub.Unsubscribe()

	data, err := svc.RefreshPanel(context.Background(), "loops", 5)
	require.NoError(t, err)
	assert.Equal(t, model.LoadingStateError, data.State)
	assert.Equal(t, "Panel 5 cannot reference itself", data.Error.Message)

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, deliveries.Load(), int64(2))

	data, err = svc.RefreshPanel(context.Background(), "loops", 6)
	require.NoError(t, err)
	assert.Equal(t, model.LoadingStateError, data.State)
	assert.Equal(t, "Panel 6 cannot reference itself", data.Error.Message)
}
