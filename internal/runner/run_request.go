package runner

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/stream"
)

const firstRequestID = 100

var requestCounter atomic.Int64

// NextRequestID returns a process-wide unique request id: Q100, Q101, ...
func NextRequestID() string {
	return "Q" + strconv.FormatInt(requestCounter.Add(1)-1+firstRequestID, 10)
}

type runningQueryState struct {
	req     *model.DataQueryRequest
	keys    []string
	packets map[string]model.DataQueryResponse
	data    *model.PanelData
}

// process folds one packet into the running state and returns the snapshot
// to deliver. Packets replace earlier packets with the same key; the series
// of all keys are concatenated in first-seen order.
func (s *runningQueryState) process(packet model.DataQueryResponse) *model.PanelData {
	key := packet.Key
	if key == "" {
		key = model.DefaultPacketKey
	}
	if _, seen := s.packets[key]; !seen {
		s.keys = append(s.keys, key)
	}
	s.packets[key] = packet

	var (
		series []*frame.Frame
		qerr   *model.DataQueryError
	)
	for _, k := range s.keys {
		p := s.packets[k]
		series = append(series, p.Data...)
		if p.Error != nil && qerr == nil {
			qerr = p.Error
		}
	}

	state := packet.State
	if state == "" {
		state = model.LoadingStateDone
	}
	if qerr != nil {
		state = model.LoadingStateError
	}

	s.data = &model.PanelData{
		State:     state,
		Series:    series,
		Request:   s.req,
		Error:     qerr,
		TimeRange: s.req.Range,
		Timings:   model.Timings{QueryTime: time.Since(s.req.StartTime)},
	}
	return s.data
}

// RunRequest dispatches req to ds and streams the resulting snapshots.
//
// The stream starts in the Loading state, which is only delivered if no
// packet arrives within loadingDelay. A request without targets yields a
// single Done snapshot. A failing query yields an Error snapshot rather than
// a stream error. Unsubscribing cancels the context passed to ds.Query.
func RunRequest(ds model.DataSource, req *model.DataQueryRequest, loadingDelay time.Duration) stream.Observable[*model.PanelData] {
	return stream.Create(func(ctx context.Context, emit func(*model.PanelData)) error {
		state := &runningQueryState{
			req:     req,
			packets: make(map[string]model.DataQueryResponse),
			data: &model.PanelData{
				State:     model.LoadingStateLoading,
				Series:    []*frame.Frame{},
				Request:   req,
				TimeRange: req.Range,
			},
		}

		if len(req.Targets) == 0 {
			emit(&model.PanelData{
				State:     model.LoadingStateDone,
				Series:    []*frame.Frame{},
				Request:   req,
				TimeRange: req.Range,
			})
			return nil
		}

		packets := make(chan model.DataQueryResponse)
		errc := make(chan error, 1)
		go func() {
			errc <- ds.Query(ctx, req, packets)
			close(packets)
		}()

		var timeout <-chan time.Time
		if loadingDelay <= 0 {
			emit(state.data)
		} else {
			timer := time.NewTimer(loadingDelay)
			defer timer.Stop()
			timeout = timer.C
		}

		received := false
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-timeout:
				timeout = nil
				if !received {
					emit(state.data)
				}
			case packet, ok := <-packets:
				if !ok {
					return finish(state, <-errc, received, emit)
				}
				received = true
				timeout = nil
				emit(state.process(packet))
			}
		}
	})
}

func finish(state *runningQueryState, err error, received bool, emit func(*model.PanelData)) error {
	if err != nil {
		last := *state.data
		last.State = model.LoadingStateError
		last.Error = model.ToDataQueryError(err)
		last.Timings.QueryTime = time.Since(state.req.StartTime)
		emit(&last)
		return nil
	}
	if !received {
		emit(&model.PanelData{
			State:     model.LoadingStateDone,
			Series:    []*frame.Frame{},
			Request:   state.req,
			TimeRange: state.req.Range,
			Timings:   model.Timings{QueryTime: time.Since(state.req.StartTime)},
		})
	}
	return nil
}
