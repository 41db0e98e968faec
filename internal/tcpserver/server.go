// Package tcpserver ingests newline-delimited JSON samples over TCP.
package tcpserver

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/panels/internal/model"
)

// DefaultMaxLineSize is the default maximum size (in bytes) of a single line.
const DefaultMaxLineSize = 1024 * 1024 // 1MB

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink accepts decoded samples.
type Sink interface {
	Add(samples ...model.Sample) error
}

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	MaxLineSize int
	Logger      logrus.FieldLogger
}

// Stats counts lines handled since start.
type Stats struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// Server listens for samples, one JSON object per line:
//
//	{"ts":"2025-01-01T00:00:00Z","metric":"cpu","value":0.5,"labels":{"host":"a"}}
//
// A line may also hold a JSON array of samples. Lines that do not decode
// or lack a metric are logged and counted, and the connection stays open.
type Server struct {
	listener    net.Listener
	addr        string
	sink        Sink
	maxLineSize int
	logger      logrus.FieldLogger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewServer creates a new TCP server. Default addr is "127.0.0.1:4000".
func NewServer(addr string, sink Sink, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = "127.0.0.1:4000"
	}
	var c ServerConfig
	if len(conf) > 0 {
		c = conf[0]
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = DefaultMaxLineSize
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		sink:        sink,
		maxLineSize: c.MaxLineSize,
		logger:      c.Logger.WithField("component", "tcp-ingest"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "tcp ingest: listen on %s", s.addr)
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				continue
			}
			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}()

	s.logger.WithField("addr", listener.Addr().String()).Info("tcp ingest: listening")
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), s.maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		samples, err := decodeLine(line)
		if err == nil {
			err = s.sink.Add(samples...)
		}
		if err != nil {
			s.rejected.Add(1)
			s.logger.WithError(err).WithField("remote", conn.RemoteAddr().String()).Warn("tcp ingest: rejected line")
			continue
		}
		s.accepted.Add(int64(len(samples)))
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.logger.WithFields(logrus.Fields{
				"remote":   conn.RemoteAddr().String(),
				"max_size": s.maxLineSize,
			}).Warn("tcp ingest: dropped connection, line exceeds max size")
			return
		}
		s.logger.WithError(err).WithField("remote", conn.RemoteAddr().String()).Warn("tcp ingest: read")
	}
}

func decodeLine(line []byte) ([]model.Sample, error) {
	var samples []model.Sample
	if line[0] == '[' {
		if err := json.Unmarshal(line, &samples); err != nil {
			return nil, errors.Wrap(err, "decode sample array")
		}
	} else {
		var smp model.Sample
		if err := json.Unmarshal(line, &smp); err != nil {
			return nil, errors.Wrap(err, "decode sample")
		}
		samples = []model.Sample{smp}
	}
	for i, smp := range samples {
		if smp.Metric == "" {
			return nil, errors.Errorf("sample %d has no metric", i)
		}
	}
	return samples, nil
}

// Stop gracefully shuts down the TCP server.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
	})
	return nil
}

// Stats returns the accepted sample and rejected line counts.
func (s *Server) Stats() Stats {
	return Stats{Accepted: s.accepted.Load(), Rejected: s.rejected.Load()}
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
