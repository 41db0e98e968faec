package duckdb

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/panels/internal/journal"
	"github.com/tinytelemetry/panels/internal/model"
)

// Defaults for InsertBufferConfig.
const (
	DefaultBatchSize      = 2000
	DefaultFlushInterval  = 100 * time.Millisecond
	DefaultFlushQueueSize = 64
)

type journaledSample struct {
	seq    uint64
	sample model.Sample
}

// InsertBuffer batches samples and writes them on a flush goroutine, so Add
// never waits for DuckDB. With a journal configured, samples are persisted
// before Add returns and committed once written.
type InsertBuffer struct {
	writer        model.SampleWriter
	journal       *journal.Journal[model.Sample]
	logger        logrus.FieldLogger
	maxBatch      int
	flushInterval time.Duration

	mu        sync.Mutex
	pending   []journaledSample
	flushChan chan []journaledSample
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	tickWg    sync.WaitGroup

	backpressure atomic.Int64
	lastBPLog    atomic.Int64
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	Journal        *journal.Journal[model.Sample]
	Logger         logrus.FieldLogger
}

// NewInsertBuffer starts a buffer writing to writer.
func NewInsertBuffer(writer model.SampleWriter, conf ...InsertBufferConfig) *InsertBuffer {
	var c InsertBufferConfig
	if len(conf) > 0 {
		c = conf[0]
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.FlushQueueSize <= 0 {
		c.FlushQueueSize = DefaultFlushQueueSize
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger().WithField("component", "insert-buffer")
	}

	b := &InsertBuffer{
		writer:        writer,
		journal:       c.Journal,
		logger:        c.Logger,
		maxBatch:      c.BatchSize,
		flushInterval: c.FlushInterval,
		pending:       make([]journaledSample, 0, c.BatchSize),
		flushChan:     make(chan []journaledSample, c.FlushQueueSize),
		done:          make(chan struct{}),
	}

	b.wg.Add(2)
	b.tickWg.Add(1)
	go b.flushWorker()
	go b.tickLoop()
	return b
}

// Recover writes journaled samples left over from a previous run.
func (b *InsertBuffer) Recover() (int, error) {
	if b.journal == nil {
		return 0, nil
	}
	var batch []journaledSample
	err := b.journal.Replay(func(seq uint64, s model.Sample) error {
		batch = append(batch, journaledSample{seq: seq, sample: s})
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := b.flushBatch(batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drain()
		case <-b.done:
			b.drain()
			return
		}
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		if err := b.flushBatch(batch); err != nil {
			b.logger.WithError(err).Error("insert buffer: flush failed")
		}
	}
}

// Add queues samples for insertion.
func (b *InsertBuffer) Add(samples ...model.Sample) error {
	items := make([]journaledSample, 0, len(samples))
	for _, s := range samples {
		var seq uint64
		if b.journal != nil {
			var err error
			if seq, err = b.journal.Append(s); err != nil {
				return errors.Wrap(err, "insert buffer: journal append")
			}
		}
		items = append(items, journaledSample{seq: seq, sample: s})
	}

	b.mu.Lock()
	b.pending = append(b.pending, items...)
	var batch []journaledSample
	if len(b.pending) >= b.maxBatch {
		batch = b.pending
		b.pending = make([]journaledSample, 0, b.maxBatch)
	}
	b.mu.Unlock()

	if batch != nil {
		b.enqueue(batch)
	}
	return nil
}

func (b *InsertBuffer) drain() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]journaledSample, 0, b.maxBatch)
	b.mu.Unlock()
	b.enqueue(batch)
}

// enqueue hands batch to the flush worker, or writes it inline when the
// queue is full.
func (b *InsertBuffer) enqueue(batch []journaledSample) {
	select {
	case b.flushChan <- batch:
	default:
		n := b.backpressure.Add(1)
		now := time.Now().Unix()
		if last := b.lastBPLog.Load(); now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
			b.logger.WithField("inline_flushes", n).Warn("insert buffer: flush queue full, writing inline")
		}
		if err := b.flushBatch(batch); err != nil {
			b.logger.WithError(err).Error("insert buffer: inline flush failed")
		}
	}
}

// Stop flushes what is pending, waits for the writes and closes the journal.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.tickWg.Wait()
		close(b.flushChan)
		b.wg.Wait()
		if b.journal != nil {
			if err := b.journal.Close(); err != nil {
				b.logger.WithError(err).Warn("insert buffer: journal close")
			}
		}
	})
}

func (b *InsertBuffer) flushBatch(batch []journaledSample) error {
	if len(batch) == 0 {
		return nil
	}
	samples := make([]model.Sample, len(batch))
	var maxSeq uint64
	for i, item := range batch {
		samples[i] = item.sample
		maxSeq = max(maxSeq, item.seq)
	}
	if err := b.writer.InsertSamples(samples); err != nil {
		return err
	}
	if b.journal != nil && maxSeq > 0 {
		if err := b.journal.Commit(maxSeq); err != nil {
			return errors.Wrapf(err, "journal commit seq=%d", maxSeq)
		}
	}
	return nil
}
