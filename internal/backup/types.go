// Package backup takes periodic snapshots of the sample database and
// optionally uploads them to S3-compatible storage. Every snapshot gets a
// JSON manifest describing the metrics it holds.
package backup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/panels/internal/duckdb"
)

// Config controls periodic DuckDB backups.
type Config struct {
	Enabled   bool
	Interval  time.Duration
	LocalDir  string
	KeepLast  int
	BucketURL string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	S3UseSSL       bool

	Logger logrus.FieldLogger
}

// Snapshotter is the minimal DB snapshot contract used by Manager.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(dstPath string) error
	Metrics(ctx context.Context) ([]duckdb.MetricInfo, error)
}

// Manifest describes one snapshot. Counts are read just before the copy
// starts, so samples written during the copy may be missing from them.
type Manifest struct {
	File        string              `json:"file"`
	CreatedAt   time.Time           `json:"createdAt"`
	SampleCount int64               `json:"sampleCount"`
	LastSample  time.Time           `json:"lastSample"`
	Metrics     []duckdb.MetricInfo `json:"metrics"`
	Uploaded    bool                `json:"uploaded"`
}

// unchangedSince reports whether m describes the same data as prev.
func (m *Manifest) unchangedSince(prev *Manifest) bool {
	return prev != nil && m.SampleCount == prev.SampleCount && m.LastSample.Equal(prev.LastSample) &&
		len(m.Metrics) == len(prev.Metrics)
}

// Uploader uploads one backup artifact.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) error
}
