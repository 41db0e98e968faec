package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/panels/internal/backup"
	"github.com/tinytelemetry/panels/internal/dashboard"
	"github.com/tinytelemetry/panels/internal/datasource"
	"github.com/tinytelemetry/panels/internal/duckdb"
	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/rangeutil"
	"github.com/tinytelemetry/panels/internal/runner"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testDashboard = `
uid: ops
title: Operations
time: {from: now-1h, to: now}
panels:
  - id: 1
    title: Values
    datasource: testdata
    targets:
      - refId: A
        model: {scenario: csv_metric_values, stringInput: "1,2,3"}
  - id: 2
    title: Stored
    datasource: duckdb
    targets:
      - refId: A
        model: {rawSql: "SELECT metric, value FROM samples ORDER BY value"}
`

type testEnv struct {
	store  *duckdb.Store
	buffer *duckdb.InsertBuffer
	router *gin.Engine
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := datasource.NewRegistry()
	if err := reg.Register(datasource.NewTestData("testdata")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(datasource.NewSQL("duckdb", store)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	svc := dashboard.NewService(runner.Options{DataSources: reg, LoadingStateDelay: time.Hour})
	t.Cleanup(svc.Close)
	d, err := dashboard.Parse([]byte(testDashboard))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := svc.Add(d); err != nil {
		t.Fatalf("Add: %v", err)
	}

	buf := duckdb.NewInsertBuffer(store)
	t.Cleanup(buf.Stop)

	srv := NewServer("", Deps{
		Dashboards:  svc,
		DataSources: reg,
		Samples:     store,
		Sink:        buf,
	})
	return &testEnv{store: store, buffer: buf, router: srv.routes()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal %s: %v", w.Body.String(), err)
	}
	return out
}

type panelDataBody struct {
	State  string `json:"state"`
	Series []struct {
		RefID  string `json:"refId"`
		Fields []struct {
			Name   string `json:"name"`
			Type   string `json:"type"`
			Values []any  `json:"values"`
		} `json:"fields"`
	} `json:"series"`
	Error *model.DataQueryError `json:"error"`
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["dashboards"] != float64(1) {
		t.Errorf("dashboards = %v, want 1", body["dashboards"])
	}
	if body["sample_count"] != float64(0) {
		t.Errorf("sample_count = %v, want 0", body["sample_count"])
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, http.MethodPost, "/api/health", nil)
	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Errorf("health POST status = %d, want 405 or 404", w.Code)
	}
}

func TestDataSourcesAndDashboards(t *testing.T) {
	env := newTestServer(t)

	ds := decode[[]datasource.Info](t, env.do(t, http.MethodGet, "/api/datasources", nil))
	if len(ds) != 2 || ds[0].Name != "duckdb" || ds[1].Name != "testdata" {
		t.Errorf("datasources = %+v, want duckdb and testdata", ds)
	}

	list := decode[[]dashboard.Summary](t, env.do(t, http.MethodGet, "/api/dashboards", nil))
	if len(list) != 1 || list[0].UID != "ops" || len(list[0].Panels) != 2 {
		t.Fatalf("dashboards = %+v", list)
	}

	w := env.do(t, http.MethodGet, "/api/dashboards/ops", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get dashboard status = %d", w.Code)
	}
	if got := decode[map[string]any](t, w)["title"]; got != "Operations" {
		t.Errorf("title = %v, want Operations", got)
	}

	if w := env.do(t, http.MethodGet, "/api/dashboards/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing dashboard status = %d, want 404", w.Code)
	}
}

func TestRefreshAndReadPanel(t *testing.T) {
	env := newTestServer(t)

	if w := env.do(t, http.MethodGet, "/api/dashboards/ops/panels/1/data", nil); w.Code != http.StatusNotFound {
		t.Errorf("data before refresh status = %d, want 404", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/dashboards/ops/panels/1/refresh", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d: %s", w.Code, w.Body.String())
	}
	body := decode[panelDataBody](t, w)
	if body.State != "Done" {
		t.Errorf("state = %s, want Done", body.State)
	}
	if len(body.Series) != 1 || len(body.Series[0].Fields) != 2 {
		t.Fatalf("series = %+v", body.Series)
	}
	if got := body.Series[0].Fields[1].Values; len(got) != 3 || got[2] != float64(3) {
		t.Errorf("values = %v, want [1 2 3]", got)
	}

	w = env.do(t, http.MethodGet, "/api/dashboards/ops/panels/1/data", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("data status = %d", w.Code)
	}
	if got := decode[panelDataBody](t, w).State; got != "Done" {
		t.Errorf("cached state = %s, want Done", got)
	}

	if w := env.do(t, http.MethodPost, "/api/dashboards/ops/panels/1/cancel", nil); w.Code != http.StatusOK {
		t.Errorf("cancel status = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/dashboards/ops/panels/x/refresh", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/dashboards/ops/panels/9/refresh", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown panel status = %d, want 404", w.Code)
	}
}

func TestRefreshPanel_ArrowFormat(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, http.MethodPost, "/api/dashboards/ops/panels/1/refresh?format=arrow", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != ArrowContentType {
		t.Errorf("Content-Type = %q, want %q", ct, ArrowContentType)
	}
	if st := w.Header().Get("X-Panel-State"); st != "Done" {
		t.Errorf("X-Panel-State = %q, want Done", st)
	}
	frames, err := frame.ReadArrowStream(w.Body)
	if err != nil {
		t.Fatalf("ReadArrowStream: %v", err)
	}
	if len(frames) != 1 || frames[0].Len() != 3 {
		t.Fatalf("frames = %+v, want one frame of 3 rows", frames)
	}
}

func TestSamplesFeedSQLPanel(t *testing.T) {
	env := newTestServer(t)

	samples := []model.Sample{
		{Timestamp: time.Now(), Metric: "cpu", Value: 2},
		{Timestamp: time.Now(), Metric: "mem", Value: 1},
	}
	w := env.do(t, http.MethodPost, "/api/samples", samples)
	if w.Code != http.StatusAccepted {
		t.Fatalf("samples status = %d: %s", w.Code, w.Body.String())
	}
	env.buffer.Stop()

	metrics := decode[[]duckdb.MetricInfo](t, env.do(t, http.MethodGet, "/api/metrics", nil))
	if len(metrics) != 2 {
		t.Errorf("metrics = %+v, want 2", metrics)
	}

	body := decode[panelDataBody](t, env.do(t, http.MethodPost, "/api/dashboards/ops/panels/2/refresh", nil))
	if body.State != "Done" {
		t.Fatalf("state = %s, error = %+v", body.State, body.Error)
	}
	if got := body.Series[0].Fields[0].Values; len(got) != 2 || got[0] != "mem" {
		t.Errorf("metric column = %v, want [mem cpu]", got)
	}

	if w := env.do(t, http.MethodPost, "/api/samples", []model.Sample{{Value: 1}}); w.Code != http.StatusBadRequest {
		t.Errorf("sample without metric status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/samples", map[string]any{"not": "a list"}); w.Code != http.StatusBadRequest {
		t.Errorf("non-array body status = %d, want 400", w.Code)
	}
}

func TestQueryEndpoint(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, http.MethodPost, "/api/ds/query", QueryRequest{
		Datasource: "testdata",
		Queries:    []model.DataQuery{{RefID: "A", Model: map[string]any{"scenario": "random_walk"}}},
		Range:      rangeutil.RawTimeRange{From: "now-10m", To: "now"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d: %s", w.Code, w.Body.String())
	}
	body := decode[panelDataBody](t, w)
	if body.State != "Done" || len(body.Series) != 1 {
		t.Errorf("body = %+v", body)
	}

	w = env.do(t, http.MethodPost, "/api/ds/query", QueryRequest{
		Datasource: "duckdb",
		Queries:    []model.DataQuery{{RefID: "A", Model: map[string]any{"rawSql": "DROP TABLE samples"}}},
	})
	body = decode[panelDataBody](t, w)
	if body.State != "Error" || body.Error == nil {
		t.Errorf("write query state = %s, error = %+v, want Error", body.State, body.Error)
	}

	if w := env.do(t, http.MethodPost, "/api/ds/query", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing queries status = %d, want 400", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/ds/query", QueryRequest{
		Datasource: "nope",
		Queries:    []model.DataQuery{{RefID: "A"}},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown datasource status = %d, want 404", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/ds/query", QueryRequest{
		Queries: []model.DataQuery{{RefID: "A"}},
		Range:   rangeutil.RawTimeRange{From: "yesterday-ish", To: "now"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad range status = %d, want 400", w.Code)
	}
}

func TestBackupsEndpoint(t *testing.T) {
	env := newTestServer(t)
	if w := env.do(t, http.MethodGet, "/api/backups", nil); w.Code != http.StatusNotImplemented {
		t.Fatalf("backups without a manager status = %d, want 501", w.Code)
	}

	dir := t.TempDir()
	store, err := duckdb.NewStore(filepath.Join(dir, "panels.duckdb"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InsertSamples([]model.Sample{
		{Metric: "cpu", Value: 1, Timestamp: time.Now()},
		{Metric: "mem", Value: 2, Timestamp: time.Now()},
	}); err != nil {
		t.Fatalf("InsertSamples: %v", err)
	}
	mgr, err := backup.NewManager(store, backup.Config{
		Enabled:  true,
		Interval: time.Hour,
		LocalDir: filepath.Join(dir, "backups"),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Stop)

	router := NewServer("", Deps{Backups: mgr}).routes()
	req := httptest.NewRequest(http.MethodGet, "/api/backups", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("backups status = %d: %s", w.Code, w.Body.String())
	}
	snaps := decode[[]backup.Manifest](t, w)
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want the startup snapshot", len(snaps))
	}
	if snaps[0].SampleCount != 2 || len(snaps[0].Metrics) != 2 {
		t.Errorf("manifest = %+v, want 2 samples over 2 metrics", snaps[0])
	}
}
