package socketrpc

import (
	"context"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/tinytelemetry/panels/internal/dashboard"
	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/runner"
)

// stubBackend serves one dashboard "ops" with panel 1.
type stubBackend struct {
	cancelled int
	lastQuery runner.QueryRunnerOptions
	queryErr  error
}

func (b *stubBackend) panel(uid string, id int64) error {
	if uid != "ops" {
		return errors.Wrap(dashboard.ErrNotFound, uid)
	}
	if id != 1 {
		return errors.Wrapf(dashboard.ErrPanelNotFound, "%d", id)
	}
	return nil
}

func (b *stubBackend) List() []dashboard.Summary {
	return []dashboard.Summary{{UID: "ops", Title: "Operations", Panels: []dashboard.PanelSummary{{ID: 1, Title: "CPU", State: "Done"}}}}
}

func (b *stubBackend) RefreshPanel(ctx context.Context, uid string, id int64) (*model.PanelData, error) {
	if err := b.panel(uid, id); err != nil {
		return nil, err
	}
	return stubData(), nil
}

func (b *stubBackend) PanelData(uid string, id int64) (*model.PanelData, error) {
	if err := b.panel(uid, id); err != nil {
		return nil, err
	}
	return stubData(), nil
}

func (b *stubBackend) CancelPanel(uid string, id int64) error {
	if err := b.panel(uid, id); err != nil {
		return err
	}
	b.cancelled++
	return nil
}

func (b *stubBackend) Query(ctx context.Context, opts runner.QueryRunnerOptions) (*model.PanelData, error) {
	b.lastQuery = opts
	if b.queryErr != nil {
		return nil, b.queryErr
	}
	return stubData(), nil
}

func stubData() *model.PanelData {
	f := frame.NewFrame("cpu",
		frame.NewField("time", frame.FieldTypeTime, []any{time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}),
		frame.NewField("value", frame.FieldTypeNumber, []any{0.5}),
	)
	f.RefID = "A"
	return &model.PanelData{State: model.LoadingStateDone, Series: []*frame.Frame{f}}
}

func newTestDispatcher() (*Server, *stubBackend) {
	b := &stubBackend{}
	return NewServer("", b, nil), b
}

func rawParams(t *testing.T, v any) jsoniter.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return data
}

func TestDispatch_AllMethods(t *testing.T) {
	t.Parallel()
	srv, _ := newTestDispatcher()

	tests := []struct {
		method string
		params string
	}{
		{MethodListDashboards, ``},
		{MethodRefreshPanel, `{"uid":"ops","panelId":1}`},
		{MethodPanelData, `{"uid":"ops","panelId":1}`},
		{MethodCancelPanel, `{"uid":"ops","panelId":1}`},
		{MethodQuery, `{"queries":[{"refId":"A"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			t.Parallel()
			resp := srv.dispatch(context.Background(), Request{
				JSONRPC: "2.0",
				ID:      1,
				Method:  tt.method,
				Params:  jsoniter.RawMessage(tt.params),
			})
			if resp.Error != nil {
				t.Fatalf("dispatch(%s) error: %s", tt.method, resp.Error.Message)
			}
			if resp.Result == nil {
				t.Fatalf("dispatch(%s) returned nil result", tt.method)
			}
			if resp.JSONRPC != "2.0" {
				t.Errorf("JSONRPC = %q, want 2.0", resp.JSONRPC)
			}
			if resp.ID != 1 {
				t.Errorf("ID = %d, want 1", resp.ID)
			}
		})
	}
}

func TestDispatch_MethodNotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestDispatcher()

	resp := srv.dispatch(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: "TotalLogCount"})
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestDispatch_InvalidParams(t *testing.T) {
	t.Parallel()
	srv, _ := newTestDispatcher()

	tests := []struct {
		name   string
		method string
		params string
	}{
		{"malformed", MethodRefreshPanel, `not json`},
		{"missing panel", MethodPanelData, `{"uid":"ops"}`},
		{"missing uid", MethodCancelPanel, `{"panelId":1}`},
		{"no queries", MethodQuery, `{"datasource":"testdata"}`},
		{"bad range", MethodQuery, `{"queries":[{"refId":"A"}],"range":{"from":"later","to":"now"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.dispatch(context.Background(), Request{
				JSONRPC: "2.0",
				ID:      2,
				Method:  tt.method,
				Params:  jsoniter.RawMessage(tt.params),
			})
			if resp.Error == nil {
				t.Fatal("expected error for invalid params")
			}
			if resp.Error.Code != CodeInvalidParams {
				t.Errorf("error code = %d, want %d", resp.Error.Code, CodeInvalidParams)
			}
		})
	}
}

func TestDispatch_NotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestDispatcher()

	for _, p := range []PanelParams{{UID: "missing", PanelID: 1}, {UID: "ops", PanelID: 7}} {
		resp := srv.dispatch(context.Background(), Request{
			JSONRPC: "2.0",
			ID:      3,
			Method:  MethodRefreshPanel,
			Params:  rawParams(t, p),
		})
		if resp.Error == nil || resp.Error.Code != CodeNotFound {
			t.Errorf("RefreshPanel(%+v) error = %+v, want code %d", p, resp.Error, CodeNotFound)
		}
	}
}

func TestDispatch_QueryDefaultsAndErrors(t *testing.T) {
	t.Parallel()
	srv, b := newTestDispatcher()

	resp := srv.dispatch(context.Background(), Request{
		JSONRPC: "2.0",
		ID:      4,
		Method:  MethodQuery,
		Params: rawParams(t, QueryParams{
			Datasource:    "testdata",
			Queries:       []model.DataQuery{{RefID: "A"}},
			MaxDataPoints: 50,
			Interval:      "10s",
		}),
	})
	if resp.Error != nil {
		t.Fatalf("Query error: %s", resp.Error.Message)
	}
	got := b.lastQuery
	if got.Datasource != "testdata" || got.MaxDataPoints != 50 || got.MinInterval != "10s" {
		t.Errorf("query options = %+v", got)
	}
	if got.TimeRange.Raw.From != model.DefaultTimeRangeFrom || got.TimeRange.Raw.To != model.DefaultTimeRangeTo {
		t.Errorf("raw range = %+v, want defaults", got.TimeRange.Raw)
	}
	if span := got.TimeRange.To.Sub(got.TimeRange.From); span != 6*time.Hour {
		t.Errorf("range span = %v, want 6h", span)
	}

	b.queryErr = errors.New("boom")
	resp = srv.dispatch(context.Background(), Request{
		JSONRPC: "2.0",
		ID:      5,
		Method:  MethodQuery,
		Params:  rawParams(t, QueryParams{Queries: []model.DataQuery{{RefID: "A"}}}),
	})
	if resp.Error == nil || resp.Error.Code != CodeApplication {
		t.Errorf("error = %+v, want code %d", resp.Error, CodeApplication)
	}
}

func TestDispatch_PreservesRequestID(t *testing.T) {
	t.Parallel()
	srv, _ := newTestDispatcher()

	for _, id := range []int{0, 1, 42, 9999} {
		resp := srv.dispatch(context.Background(), Request{JSONRPC: "2.0", ID: id, Method: MethodListDashboards})
		if resp.ID != id {
			t.Errorf("request ID %d: response ID = %d", id, resp.ID)
		}
	}
}
