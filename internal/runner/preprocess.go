package runner

import (
	"time"

	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
)

// PreProcessPanelData normalizes a raw snapshot against the previously
// cached one. It does not modify either argument.
//
// A Loading snapshot without series keeps showing the previous result (or
// itself on the first call) with its state switched to Loading. Any other
// snapshot gets its frames copied with field types filled in, and its
// processing time recorded. Request and time range fall back to last when
// the raw snapshot has none.
func PreProcessPanelData(data, last *model.PanelData) *model.PanelData {
	if data == nil {
		return last
	}
	if data.State == model.LoadingStateLoading && len(data.Series) == 0 {
		base := last
		if base == nil {
			base = data
		}
		out := *base
		out.State = model.LoadingStateLoading
		return &out
	}

	start := time.Now()
	series := make([]*frame.Frame, 0, len(data.Series))
	for _, f := range data.Series {
		if f == nil {
			continue
		}
		nf := f.ShallowCopy()
		frame.GuessFieldTypes(nf)
		series = append(series, nf)
	}

	out := *data
	out.Series = series
	out.Timings.DataProcessingTime = time.Since(start)
	if last != nil {
		if out.Request == nil {
			out.Request = last.Request
		}
		if out.TimeRange.From.IsZero() && out.TimeRange.To.IsZero() {
			out.TimeRange = last.TimeRange
		}
		if out.Timings.QueryTime == 0 {
			out.Timings.QueryTime = last.Timings.QueryTime
		}
	}
	return &out
}
