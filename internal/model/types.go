package model

import (
	"time"

	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/rangeutil"
)

// LoadingState is the lifecycle state of a panel's data.
type LoadingState string

const (
	LoadingStateNotStarted LoadingState = "NotStarted"
	LoadingStateLoading    LoadingState = "Loading"
	LoadingStateStreaming  LoadingState = "Streaming"
	LoadingStateDone       LoadingState = "Done"
	LoadingStateError      LoadingState = "Error"
)

// CoreApp identifies the part of the product that issued a request.
type CoreApp string

const (
	CoreAppDashboard CoreApp = "dashboard"
	CoreAppExplore   CoreApp = "explore"
	CoreAppAPI       CoreApp = "api"
)

// DataQuery is one query target of a panel. Datasource specific settings
// (scenario, rawSql, ...) live in Model.
type DataQuery struct {
	RefID      string         `json:"refId" yaml:"refId"`
	Hide       bool           `json:"hide,omitempty" yaml:"hide,omitempty"`
	Datasource string         `json:"datasource,omitempty" yaml:"datasource,omitempty"`
	Channel    string         `json:"channel,omitempty" yaml:"channel,omitempty"`
	Model      map[string]any `json:"model,omitempty" yaml:"model,omitempty"`
}

// Clone returns a deep copy of q.
func (q DataQuery) Clone() DataQuery {
	out := q
	if q.Model != nil {
		out.Model = deepCopyMap(q.Model)
	}
	return out
}

// String returns a string model value, or "" when missing.
func (q DataQuery) String(key string) string {
	s, _ := q.Model[key].(string)
	return s
}

// CloneQueries deep copies a list of queries.
func CloneQueries(queries []DataQuery) []DataQuery {
	if queries == nil {
		return nil
	}
	out := make([]DataQuery, len(queries))
	for i, q := range queries {
		out[i] = q.Clone()
	}
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// ScopedVar is a template variable bound for the duration of a request.
type ScopedVar struct {
	Text  string `json:"text" yaml:"text"`
	Value any    `json:"value" yaml:"value"`
}

// ScopedVars maps variable names (without "$") to values.
type ScopedVars map[string]ScopedVar

// Clone returns a shallow copy of vars. A nil map clones to an empty one.
func (vars ScopedVars) Clone() ScopedVars {
	out := make(ScopedVars, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// With returns a copy of vars with extra merged over it.
func (vars ScopedVars) With(extra ScopedVars) ScopedVars {
	out := vars.Clone()
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// DataQueryRequest is built once per run and treated as read-only after
// it has been dispatched.
type DataQueryRequest struct {
	RequestID     string                  `json:"requestId"`
	App           CoreApp                 `json:"app"`
	DashboardUID  string                  `json:"dashboardUID,omitempty"`
	PanelID       int64                   `json:"panelId,omitempty"`
	Timezone      string                  `json:"timezone"`
	Range         rangeutil.TimeRange     `json:"range"`
	RangeRaw      *rangeutil.RawTimeRange `json:"rangeRaw,omitempty"`
	TimeInfo      string                  `json:"timeInfo,omitempty"`
	Interval      string                  `json:"interval"`
	IntervalMs    int64                   `json:"intervalMs"`
	Targets       []DataQuery             `json:"targets"`
	MaxDataPoints int                     `json:"maxDataPoints"`
	ScopedVars    ScopedVars              `json:"scopedVars"`
	CacheTimeout  string                  `json:"cacheTimeout,omitempty"`
	StartTime     time.Time               `json:"startTime"`
	QueryTopic    string                  `json:"queryTopic,omitempty"`
}

// DataQueryResponse is one packet emitted by a datasource. Packets with the
// same Key replace each other.
type DataQueryResponse struct {
	Key   string          `json:"key,omitempty"`
	State LoadingState    `json:"state,omitempty"`
	Data  []*frame.Frame  `json:"data"`
	Error *DataQueryError `json:"error,omitempty"`
}

// DataQueryError describes a failed query.
type DataQueryError struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	RefID   string `json:"refId,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

func (e *DataQueryError) Error() string {
	if e.RefID != "" {
		return e.RefID + ": " + e.Message
	}
	return e.Message
}

// Timings records where time was spent for one snapshot.
type Timings struct {
	QueryTime          time.Duration `json:"queryTime"`
	DataProcessingTime time.Duration `json:"dataProcessingTime"`
}

// PanelData is one delivered state of a panel's query results. Consumers
// share instances and must not modify them.
type PanelData struct {
	State     LoadingState        `json:"state"`
	Series    []*frame.Frame      `json:"series"`
	Request   *DataQueryRequest   `json:"request,omitempty"`
	Error     *DataQueryError     `json:"error,omitempty"`
	TimeRange rangeutil.TimeRange `json:"timeRange"`
	Timings   Timings             `json:"timings"`
}
