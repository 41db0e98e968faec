package datasource

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/rangeutil"
	"github.com/tinytelemetry/panels/internal/templating"
)

// DefaultSQLParallelism bounds the targets of one request queried at once.
const DefaultSQLParallelism = 4

// ErrUnknownMacro is returned for $__name(...) macros that are not supported.
var ErrUnknownMacro = errors.New("unknown macro")

var macroPattern = regexp.MustCompile(`\$__(\w+)\(([^)]*)\)`)

// SQL runs the "rawSql" of each target against a FrameQuerier.
type SQL struct {
	name        string
	interval    string
	querier     model.FrameQuerier
	parallelism int
	logger      logrus.FieldLogger
}

// NewSQL creates a SQL datasource over querier.
func NewSQL(name string, querier model.FrameQuerier) *SQL {
	if name == "" {
		name = "duckdb"
	}
	return &SQL{
		name:        name,
		querier:     querier,
		parallelism: DefaultSQLParallelism,
		logger:      logrus.StandardLogger().WithField("datasource", name),
	}
}

// WithInterval sets the minimum interval reported to the runner.
func (d *SQL) WithInterval(interval string) *SQL {
	d.interval = interval
	return d
}

func (d *SQL) Name() string     { return d.name }
func (d *SQL) Interval() string { return d.interval }

func (d *SQL) Meta() model.PluginMeta {
	return model.PluginMeta{ID: "duckdb-sql", Name: "DuckDB SQL"}
}

// Query runs the visible targets concurrently and sends one packet per
// target, in target order. A failing target is reported in its packet and
// does not stop the others.
func (d *SQL) Query(ctx context.Context, req *model.DataQueryRequest, out chan<- model.DataQueryResponse) error {
	var targets []model.DataQuery
	for _, q := range req.Targets {
		if !q.Hide {
			targets = append(targets, q)
		}
	}
	packets := make([]model.DataQueryResponse, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for i, q := range targets {
		g.Go(func() error {
			packets[i] = d.queryTarget(gctx, req, q)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, p := range packets {
		if !model.Send(ctx, out, p) {
			return nil
		}
	}
	return nil
}

func (d *SQL) queryTarget(ctx context.Context, req *model.DataQueryRequest, q model.DataQuery) model.DataQueryResponse {
	resp := model.DataQueryResponse{Key: q.RefID, State: model.LoadingStateDone, Data: []*frame.Frame{}}
	fail := func(err error) model.DataQueryResponse {
		resp.State = model.LoadingStateError
		resp.Error = model.ToDataQueryError(err)
		if resp.Error.RefID == "" {
			resp.Error.RefID = q.RefID
		}
		return resp
	}

	raw := strings.TrimSpace(q.String("rawSql"))
	if raw == "" {
		return fail(errors.New("rawSql is empty"))
	}
	query, err := Interpolate(raw, req)
	if err != nil {
		return fail(err)
	}

	log := d.logger.WithFields(logrus.Fields{"request_id": req.RequestID, "ref_id": q.RefID})
	log.WithField("sql", query).Debug("sql: query")

	f, err := d.querier.QueryFrame(ctx, query)
	if err != nil {
		log.WithError(err).Warn("sql: query failed")
		return fail(err)
	}
	f.RefID = q.RefID
	if f.Name == "" {
		f.Name = q.RefID
	}
	resp.Data = []*frame.Frame{f}
	return resp
}

// Interpolate expands time macros and then template variables in sql.
//
//	$__timeFilter(col)        col BETWEEN <from> AND <to>
//	$__timeFrom()             <from>
//	$__timeTo()               <to>
//	$__timeGroup(col[, iv])   time_bucket(<iv or request interval>, col)
func Interpolate(sql string, req *model.DataQueryRequest) (string, error) {
	from := fmt.Sprintf("epoch_ms(%d)", req.Range.From.UnixMilli())
	to := fmt.Sprintf("epoch_ms(%d)", req.Range.To.UnixMilli())

	var firstErr error
	out := macroPattern.ReplaceAllStringFunc(sql, func(match string) string {
		m := macroPattern.FindStringSubmatch(match)
		name, args := m[1], splitArgs(m[2])
		switch name {
		case "timeFilter":
			if len(args) != 1 {
				firstErr = errors.Errorf("$__timeFilter expects 1 argument, got %d", len(args))
				return match
			}
			return fmt.Sprintf("%s BETWEEN %s AND %s", args[0], from, to)
		case "timeFrom":
			return from
		case "timeTo":
			return to
		case "timeGroup":
			if len(args) < 1 || len(args) > 2 {
				firstErr = errors.Errorf("$__timeGroup expects 1 or 2 arguments, got %d", len(args))
				return match
			}
			ms := req.IntervalMs
			if len(args) == 2 {
				iv := templating.Replace(args[1], req.ScopedVars)
				n, err := rangeutil.IntervalToMs(iv)
				if err != nil {
					firstErr = errors.Wrapf(err, "$__timeGroup interval %q", args[1])
					return match
				}
				ms = n
			}
			if ms <= 0 {
				ms = 1000
			}
			return fmt.Sprintf("time_bucket(INTERVAL '%d milliseconds', %s)", ms, args[0])
		}
		if firstErr == nil {
			firstErr = errors.Wrapf(ErrUnknownMacro, "$__%s", name)
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return templating.Replace(out, req.ScopedVars), nil
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
