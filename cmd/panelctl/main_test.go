package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/tinytelemetry/panels/internal/dashboard"
	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/rangeutil"
	"github.com/tinytelemetry/panels/internal/socketrpc"
)

type fakeClient struct {
	cancelled []int64
	query     socketrpc.QueryParams
	data      *model.PanelData
}

func (c *fakeClient) ListDashboards() ([]dashboard.Summary, error) {
	return []dashboard.Summary{{
		UID:    "ops",
		Title:  "Operations",
		Panels: []dashboard.PanelSummary{{ID: 1, Title: "CPU", Datasource: "testdata", State: "Done"}},
	}}, nil
}

func (c *fakeClient) RefreshPanel(uid string, id int64) (*model.PanelData, error) {
	if uid != "ops" {
		return nil, errors.New("dashboard not found")
	}
	return c.data, nil
}

func (c *fakeClient) PanelData(uid string, id int64) (*model.PanelData, error) {
	return nil, nil
}

func (c *fakeClient) CancelPanel(uid string, id int64) error {
	c.cancelled = append(c.cancelled, id)
	return nil
}

func (c *fakeClient) Query(params socketrpc.QueryParams) (*model.PanelData, error) {
	c.query = params
	return c.data, nil
}

func testData(rows int) *model.PanelData {
	values := make([]any, rows)
	for i := range values {
		values[i] = float64(i) + 0.5
	}
	cpu := frame.NewField("cpu", frame.FieldTypeNumber, values)
	cpu.Config.Unit = "percent"
	f := frame.NewFrame("load", cpu)
	return &model.PanelData{State: model.LoadingStateDone, Series: []*frame.Frame{f}}
}

func runCmd(t *testing.T, c *fakeClient, asJSON bool, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	err := run(c, printer{w: &buf, json: asJSON, maxRows: 3}, args, rangeutil.RawTimeRange{From: "now-1h", To: "now"})
	return buf.String(), err
}

func TestRun_List(t *testing.T) {
	out, err := runCmd(t, &fakeClient{}, false, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"Operations", "ops", "CPU", "testdata", "Done"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_RefreshTruncatesRows(t *testing.T) {
	out, err := runCmd(t, &fakeClient{data: testData(5)}, false, "refresh", "ops", "1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	for _, want := range []string{"cpu (percent)", "0.5", "2.5", "3 of 5 rows"} {
		if !strings.Contains(out, want) {
			t.Errorf("refresh output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "4.5") {
		t.Errorf("refresh output shows a truncated row:\n%s", out)
	}
}

func TestRun_JSONOutput(t *testing.T) {
	out, err := runCmd(t, &fakeClient{data: testData(1)}, true, "refresh", "ops", "1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	var got model.PanelData
	if err := jsonAPI.UnmarshalFromString(out, &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.State != model.LoadingStateDone || len(got.Series) != 1 {
		t.Errorf("decoded = %+v", got)
	}
}

func TestRun_CancelAndQuery(t *testing.T) {
	c := &fakeClient{data: testData(1)}
	if out, err := runCmd(t, c, false, "cancel", "ops", "7"); err != nil || !strings.Contains(out, "cancelled") {
		t.Fatalf("cancel: %q, %v", out, err)
	}
	if len(c.cancelled) != 1 || c.cancelled[0] != 7 {
		t.Errorf("cancelled = %v, want [7]", c.cancelled)
	}

	if _, err := runCmd(t, c, false, "query", "duckdb", `{"rawSql":"SELECT 1"}`); err != nil {
		t.Fatalf("query: %v", err)
	}
	if c.query.Datasource != "duckdb" || c.query.Range.From != "now-1h" {
		t.Errorf("query params = %+v", c.query)
	}
	if len(c.query.Queries) != 1 || c.query.Queries[0].Model["rawSql"] != "SELECT 1" {
		t.Errorf("queries = %+v", c.query.Queries)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := [][]string{
		{"refresh", "ops"},
		{"refresh", "ops", "x"},
		{"data", "ops", "1"},
		{"query", "duckdb", "{not json"},
		{"refresh", "missing", "1"},
		{"explode"},
	}
	for _, args := range tests {
		if _, err := runCmd(t, &fakeClient{data: testData(1)}, false, args...); err == nil {
			t.Errorf("run(%v) succeeded, want error", args)
		}
	}
}
