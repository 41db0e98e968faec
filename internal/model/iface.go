package model

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tinytelemetry/panels/internal/frame"
)

// PluginMeta describes a datasource implementation.
type PluginMeta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Mixed     bool   `json:"mixed,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`
}

// DataSource executes queries. Query writes zero or more packets to out and
// returns when it has nothing more to send; it must stop when ctx is done.
// Query must not close out.
type DataSource interface {
	Name() string
	Interval() string
	Meta() PluginMeta
	Query(ctx context.Context, req *DataQueryRequest, out chan<- DataQueryResponse) error
}

// Send delivers resp unless ctx is done first. It reports whether resp was sent.
func Send(ctx context.Context, out chan<- DataQueryResponse, resp DataQueryResponse) bool {
	select {
	case out <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}

// ToDataQueryError converts any error into a DataQueryError.
func ToDataQueryError(err error) *DataQueryError {
	if err == nil {
		return nil
	}
	var dqe *DataQueryError
	if errors.As(err, &dqe) {
		return dqe
	}
	msg := err.Error()
	if msg == "" {
		msg = "Query error"
	}
	out := &DataQueryError{Message: msg}
	if cause := errors.Cause(err); cause != err {
		out.Cause = cause.Error()
	}
	return out
}

// SampleWriter appends samples to storage.
type SampleWriter interface {
	InsertSamples(samples []Sample) error
}

// FrameQuerier runs read-only SQL and returns the result as a frame.
type FrameQuerier interface {
	QueryFrame(ctx context.Context, query string) (*frame.Frame, error)
}
