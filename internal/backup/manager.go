package backup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/panels/internal/duckdb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 24

	snapshotPrefix = "panels-"
	snapshotSuffix = ".duckdb"
	manifestSuffix = ".json"
	// Lexical order of names matches chronological order.
	snapshotTimeLayout = "20060102-150405.000000000"
)

// Manager runs periodic local snapshots and optional remote uploads.
type Manager struct {
	store    Snapshotter
	cfg      Config
	uploader Uploader
	logger   logrus.FieldLogger

	// mu serializes RunOnce and guards last.
	mu   sync.Mutex
	last *Manifest

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager initializes the backup manager. It returns nil when backups
// are disabled.
func NewManager(store Snapshotter, cfg Config) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if store == nil {
		return nil, errors.New("backup: nil snapshotter")
	}
	if strings.TrimSpace(store.DBPath()) == "" {
		return nil, errors.New("backup: db-path is empty (in-memory store)")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, errors.New("backup: local-dir is required when backup is enabled")
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, errors.Wrap(err, "backup: create local-dir")
	}

	var uploader Uploader
	if strings.TrimSpace(cfg.BucketURL) != "" {
		s3u, err := NewS3Uploader(S3Config{
			BucketURL:    cfg.BucketURL,
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			SessionToken: cfg.S3SessionToken,
			UseSSL:       cfg.S3UseSSL,
		})
		if err != nil {
			return nil, errors.Wrap(err, "backup: init s3 uploader")
		}
		uploader = s3u
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		cfg:      cfg,
		uploader: uploader,
		logger:   cfg.Logger.WithField("component", "backup"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	// Startup snapshot shortens the recovery point after restarts.
	if err := m.RunOnce(ctx); err != nil {
		m.logger.WithError(err).Warn("backup: startup snapshot failed")
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *Manager) log() logrus.FieldLogger {
	if m.logger == nil {
		return logrus.StandardLogger()
	}
	return m.logger
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.RunOnce(m.ctx); err != nil && m.ctx.Err() == nil {
				m.log().WithError(err).Warn("backup: periodic snapshot failed")
			}
		case <-m.done:
			return
		}
	}
}

// RunOnce creates one local snapshot with its manifest, uploads both when
// configured and prunes old local copies. When no sample was added or
// removed since the previous snapshot nothing is written.
func (m *Manager) RunOnce(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	manifest, err := m.describe(ctx, now)
	if err != nil {
		return errors.Wrap(err, "describe samples")
	}
	if manifest.unchangedSince(m.last) {
		m.log().WithField("previous", m.last.File).Debug("backup: samples unchanged, skipping snapshot")
		return nil
	}

	base := snapshotPrefix + now.Format(snapshotTimeLayout)
	manifest.File = base + snapshotSuffix
	localPath := filepath.Join(m.cfg.LocalDir, manifest.File)
	manifestPath := filepath.Join(m.cfg.LocalDir, base+manifestSuffix)

	if err := m.store.SnapshotTo(localPath); err != nil {
		return errors.Wrap(err, "snapshot")
	}
	m.log().WithFields(logrus.Fields{
		"path":    localPath,
		"samples": manifest.SampleCount,
		"metrics": len(manifest.Metrics),
	}).Info("backup: created snapshot")

	if m.uploader != nil {
		if err := m.uploader.UploadFile(ctx, localPath); err != nil {
			if werr := writeManifest(manifestPath, manifest); werr != nil {
				m.log().WithError(werr).WithField("path", manifestPath).Error("backup: write manifest after failed upload")
			}
			return errors.Wrap(err, "upload")
		}
		manifest.Uploaded = true
	}
	if err := writeManifest(manifestPath, manifest); err != nil {
		return errors.Wrap(err, "write manifest")
	}
	if m.uploader != nil {
		if err := m.uploader.UploadFile(ctx, manifestPath); err != nil {
			return errors.Wrap(err, "upload manifest")
		}
		m.log().WithField("file", manifest.File).Info("backup: uploaded snapshot")
	}
	m.last = manifest

	if err := pruneLocalBackups(m.cfg.LocalDir, m.cfg.KeepLast); err != nil {
		return errors.Wrap(err, "prune local backups")
	}
	return nil
}

func (m *Manager) describe(ctx context.Context, now time.Time) (*Manifest, error) {
	metrics, err := m.store.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	manifest := &Manifest{CreatedAt: now, Metrics: metrics}
	if manifest.Metrics == nil {
		manifest.Metrics = []duckdb.MetricInfo{}
	}
	for _, mi := range metrics {
		manifest.SampleCount += mi.SampleCount
		if mi.LastSeen.After(manifest.LastSample) {
			manifest.LastSample = mi.LastSeen
		}
	}
	return manifest, nil
}

func writeManifest(path string, manifest *Manifest) error {
	b, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// Snapshots returns the manifests of the local snapshots, newest first.
// Safe on a nil manager.
func (m *Manager) Snapshots() ([]Manifest, error) {
	if m == nil {
		return nil, nil
	}
	paths, err := filepath.Glob(filepath.Join(m.cfg.LocalDir, snapshotPrefix+"*"+manifestSuffix))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	out := make([]Manifest, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrap(err, "backup: read manifest")
		}
		var manifest Manifest
		if err := json.Unmarshal(b, &manifest); err != nil {
			m.log().WithError(err).WithField("path", p).Warn("backup: skipping unreadable manifest")
			continue
		}
		if _, err := os.Stat(filepath.Join(m.cfg.LocalDir, manifest.File)); err != nil {
			continue
		}
		out = append(out, manifest)
	}
	return out, nil
}

// Stop cancels an in-flight upload and ends the periodic loop. Safe on a
// nil manager.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		m.cancel()
		close(m.done)
		m.wg.Wait()
	})
}

func pruneLocalBackups(localDir string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(localDir, snapshotPrefix+"*"+snapshotSuffix))
	if err != nil {
		return err
	}
	if len(matches) <= keepLast {
		return nil
	}

	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	for _, oldPath := range matches[keepLast:] {
		manifestPath := strings.TrimSuffix(oldPath, snapshotSuffix) + manifestSuffix
		for _, p := range []string{oldPath, manifestPath} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
