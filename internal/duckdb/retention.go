package duckdb

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RetentionCleaner periodically deletes samples older than the retention
// period.
type RetentionCleaner struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	logger    logrus.FieldLogger
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewRetentionCleaner starts a cleaner keeping retentionDays of samples. It
// returns nil when retentionDays <= 0.
func NewRetentionCleaner(store *Store, retentionDays int) *RetentionCleaner {
	if retentionDays <= 0 {
		return nil
	}
	rc := &RetentionCleaner{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  time.Hour,
		logger:    store.logger,
		done:      make(chan struct{}),
	}

	// Catch up after downtime.
	rc.cleanup()

	rc.wg.Add(1)
	go rc.loop()
	return rc
}

func (rc *RetentionCleaner) loop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	n, err := rc.store.DeleteBefore(time.Now().Add(-rc.retention))
	if err != nil {
		rc.logger.WithError(err).Error("duckdb: retention cleanup failed")
		return
	}
	if n > 0 {
		rc.logger.WithField("deleted", n).Info("duckdb: retention cleanup removed expired samples")
	}
}

// Stop ends the cleaner. Safe on a nil cleaner and when called twice.
func (rc *RetentionCleaner) Stop() {
	if rc == nil {
		return
	}
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
