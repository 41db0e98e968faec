package bus

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/panels/internal/journal"
	"github.com/tinytelemetry/panels/internal/model"
)

// Message is a journaled side-channel request.
type Message struct {
	Channel string                  `json:"channel"`
	Request *model.DataQueryRequest `json:"request"`
}

// JournalSink persists published requests so a consumer that was not
// running can pick them up later with Drain.
type JournalSink struct {
	journal *journal.Journal[Message]
	logger  logrus.FieldLogger
}

// OpenJournalSink opens or creates the journal at path.
func OpenJournalSink(path string, logger logrus.FieldLogger) (*JournalSink, error) {
	j, err := journal.Open[Message](path)
	if err != nil {
		return nil, errors.Wrap(err, "bus: open journal")
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "bus-journal")
	}
	return &JournalSink{journal: j, logger: logger}, nil
}

// Publish appends the request. Failures are logged.
func (s *JournalSink) Publish(channel string, req *model.DataQueryRequest) {
	if _, err := s.journal.Append(Message{Channel: channel, Request: req}); err != nil {
		s.logger.WithError(err).WithField("channel", channel).Error("bus: journal append failed")
	}
}

// Drain hands every pending message to fn in publish order and commits the
// ones fn accepted. It stops at the first error from fn; that message and
// the ones after it stay pending.
func (s *JournalSink) Drain(fn func(Message) error) (int, error) {
	var (
		n       int
		lastSeq uint64
	)
	err := s.journal.Replay(func(seq uint64, m Message) error {
		if err := fn(m); err != nil {
			return err
		}
		n++
		lastSeq = seq
		return nil
	})
	if lastSeq > 0 {
		if cerr := s.journal.Commit(lastSeq); cerr != nil && err == nil {
			err = cerr
		}
	}
	return n, err
}

// Close closes the journal.
func (s *JournalSink) Close() error {
	return s.journal.Close()
}
