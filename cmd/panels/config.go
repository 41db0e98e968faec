package main

import (
	"time"

	"github.com/tinytelemetry/panels/internal/duckdb"
	"github.com/tinytelemetry/panels/internal/model"
)

const (
	defaultBindHost            = "127.0.0.1"
	defaultAPIPort             = 3000
	defaultTCPPort             = 4000
	defaultQueryTimeout        = model.DefaultQueryTimeout
	defaultMaxConcurrentReads  = duckdb.DefaultMaxConcurrentQueries
	defaultInsertBatchSize     = duckdb.DefaultBatchSize
	defaultInsertFlushInterval = duckdb.DefaultFlushInterval
	defaultInsertFlushQueue    = duckdb.DefaultFlushQueueSize
	defaultLoadingStateDelay   = model.DefaultLoadingStateDelay
	defaultRetentionDays       = 30 // 0 = disabled
	defaultLogLevel            = "info"
	defaultBackupInterval      = 6 * time.Hour
	defaultBackupKeepLast      = 24
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	APIEnabled          bool          `mapstructure:"api-enabled"`
	APIPort             int           `mapstructure:"api-port"`
	APIAddr             string        `mapstructure:"api-addr"`
	TCPEnabled          bool          `mapstructure:"tcp-enabled"`
	TCPPort             int           `mapstructure:"tcp-port"`
	TCPAddr             string        `mapstructure:"tcp-addr"`
	SocketPath          string        `mapstructure:"socket-path"`
	DBPath              string        `mapstructure:"db-path"`
	DashboardsDir       string        `mapstructure:"dashboards-dir"`
	DefaultDatasource   string        `mapstructure:"default-datasource"`
	QueryTimeout        time.Duration `mapstructure:"query-timeout"`
	MaxConcurrentReads  int           `mapstructure:"max-concurrent-queries"`
	LoadingStateDelay   time.Duration `mapstructure:"loading-state-delay"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval"`
	InsertFlushQueue    int           `mapstructure:"insert-flush-queue-size"`
	SampleJournal       string        `mapstructure:"sample-journal"`
	SideChannels        []string      `mapstructure:"side-channels"`
	SideChannelJournal  string        `mapstructure:"side-channel-journal"`
	RetentionDays       int           `mapstructure:"retention-days"`
	LogLevel            string        `mapstructure:"log-level"`

	BackupEnabled        bool          `mapstructure:"backup-enabled"`
	BackupInterval       time.Duration `mapstructure:"backup-interval"`
	BackupLocalDir       string        `mapstructure:"backup-local-dir"`
	BackupKeepLast       int           `mapstructure:"backup-keep-last"`
	BackupBucketURL      string        `mapstructure:"backup-bucket-url"`
	BackupS3Endpoint     string        `mapstructure:"backup-s3-endpoint"`
	BackupS3Region       string        `mapstructure:"backup-s3-region"`
	BackupS3AccessKey    string        `mapstructure:"backup-s3-access-key"`
	BackupS3SecretKey    string        `mapstructure:"backup-s3-secret-key"`
	BackupS3SessionToken string        `mapstructure:"backup-s3-session-token"`
	BackupS3UseSSL       bool          `mapstructure:"backup-s3-use-ssl"`

	ConfigPath string `mapstructure:"-"` // not from config file
}
