package duckdb

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
)

// DefaultMaxRows caps the rows returned by QueryFrame.
const DefaultMaxRows = 10000

// ErrNotReadOnly is returned for queries that could modify the database.
var ErrNotReadOnly = errors.New("duckdb: only read-only SELECT/WITH queries are allowed")

// dangerousKeywordPattern matches statement keywords at word boundaries, so
// "RESET" does not match "SET".
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET|CHECKPOINT)\b`,
)

var (
	blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)
	lineCommentPattern  = regexp.MustCompile(`--[^\n]*`)
)

func stripSQLComments(query string) string {
	return lineCommentPattern.ReplaceAllString(blockCommentPattern.ReplaceAllString(query, " "), "")
}

// ValidateReadOnly rejects statement chaining, anything that is not a
// SELECT/WITH query and queries using write or admin keywords outside
// comments.
func ValidateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if strings.Contains(strings.TrimSuffix(trimmed, ";"), ";") {
		return errors.Wrap(ErrNotReadOnly, "query must not contain multiple statements")
	}
	stripped := strings.TrimSpace(stripSQLComments(trimmed))
	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return ErrNotReadOnly
	}
	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return errors.Wrapf(ErrNotReadOnly, "disallowed keyword %s", strings.ToUpper(match))
	}
	return nil
}

// QueryFrame runs a read-only query and returns its result as a frame. At
// most MaxRows rows are read.
func (s *Store) QueryFrame(ctx context.Context, query string) (*frame.Frame, error) {
	if err := ValidateReadOnly(query); err != nil {
		return nil, err
	}
	query = strings.TrimSuffix(strings.TrimSpace(query), ";")

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "duckdb: query")
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.Wrap(err, "duckdb: column types")
	}
	f := frame.NewFrame("")
	for _, ct := range colTypes {
		f.Fields = append(f.Fields, frame.NewField(ct.Name(), fieldType(ct.DatabaseTypeName()), nil))
	}

	values := make([]any, len(colTypes))
	ptrs := make([]any, len(colTypes))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for n := 0; rows.Next(); n++ {
		if n >= s.MaxRows {
			s.logger.WithField("max_rows", s.MaxRows).Warn("duckdb: query result truncated")
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "duckdb: scan")
		}
		for i, field := range f.Fields {
			field.Values = append(field.Values, normalize(field.Type, values[i]))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "duckdb: rows")
	}
	f.Meta = &frame.FrameMeta{ExecutedQueryString: query}
	return f, nil
}

func fieldType(dbType string) frame.FieldType {
	t := strings.ToUpper(dbType)
	switch {
	case strings.HasPrefix(t, "TIMESTAMP"), t == "DATE", t == "TIMESTAMPTZ":
		return frame.FieldTypeTime
	case strings.HasPrefix(t, "DECIMAL"), strings.HasSuffix(t, "INT"), strings.HasSuffix(t, "INTEGER"),
		t == "DOUBLE", t == "FLOAT", t == "REAL", t == "BIGINT", t == "HUGEINT", t == "UHUGEINT":
		return frame.FieldTypeNumber
	case t == "BOOLEAN":
		return frame.FieldTypeBoolean
	case t == "VARCHAR", t == "JSON", t == "UUID", t == "BLOB", t == "ENUM":
		return frame.FieldTypeString
	}
	return frame.FieldTypeOther
}

// normalize maps driver values onto the value kinds frames carry.
func normalize(typ frame.FieldType, v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case *big.Int:
		f, _ := new(big.Float).SetInt(val).Float64()
		return f
	case time.Time:
		return val
	case interface{ Float64() float64 }:
		return val.Float64()
	}
	switch typ {
	case frame.FieldTypeNumber:
		if n, ok := frame.ToFloat64(v); ok {
			return n
		}
	case frame.FieldTypeString:
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	case frame.FieldTypeOther:
		switch v.(type) {
		case string, bool, float64, int64, int32:
			return v
		}
		return fmt.Sprint(v)
	}
	return v
}

// InsertSamples appends samples in a single transaction.
func (s *Store) InsertSamples(samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	ctx, cancel := s.queryCtx(context.Background())
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "duckdb: begin")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO samples (ts, metric, value, labels) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "duckdb: prepare insert")
	}
	defer stmt.Close()

	for _, smp := range samples {
		labels := "{}"
		if len(smp.Labels) > 0 {
			b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(smp.Labels)
			if err != nil {
				return errors.Wrapf(err, "duckdb: labels of %s", smp.Metric)
			}
			labels = string(b)
		}
		ts := smp.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, ts.UTC(), smp.Metric, smp.Value, labels); err != nil {
			return errors.Wrapf(err, "duckdb: insert %s", smp.Metric)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "duckdb: commit")
	}
	committed = true
	return nil
}

// MetricInfo summarizes one stored metric.
type MetricInfo struct {
	Metric      string    `json:"metric"`
	SampleCount int64     `json:"sampleCount"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Metrics lists the stored metrics.
func (s *Store) Metrics(ctx context.Context) ([]MetricInfo, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT metric, sample_count, first_seen, last_seen FROM metric_catalog ORDER BY metric`)
	if err != nil {
		return nil, errors.Wrap(err, "duckdb: list metrics")
	}
	defer rows.Close()

	var out []MetricInfo
	for rows.Next() {
		var m MetricInfo
		if err := rows.Scan(&m.Metric, &m.SampleCount, &m.FirstSeen, &m.LastSeen); err != nil {
			return nil, errors.Wrap(err, "duckdb: scan metric")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SampleCount returns the number of stored samples.
func (s *Store) SampleCount(ctx context.Context) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM samples").Scan(&n); err != nil {
		return 0, errors.Wrap(err, "duckdb: count samples")
	}
	return n, nil
}

// DeleteBefore removes samples older than cutoff and returns how many were
// deleted.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	ctx, cancel := s.queryCtx(context.Background())
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM samples WHERE ts < ?", cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "duckdb: delete expired samples")
	}
	return res.RowsAffected()
}

// SchemaDescription describes the queryable tables.
func (s *Store) SchemaDescription() string {
	return `Table 'samples': ts (TIMESTAMP), metric (VARCHAR), value (DOUBLE), labels (JSON). ` +
		`View 'metric_catalog': metric, sample_count, first_seen, last_seen.`
}
