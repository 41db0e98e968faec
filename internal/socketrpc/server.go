package socketrpc

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/panels/internal/dashboard"
	"github.com/tinytelemetry/panels/internal/datasource"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/rangeutil"
	"github.com/tinytelemetry/panels/internal/runner"
)

const (
	// scannerInitBufSize is the initial buffer size for the per-connection scanner (1 MB).
	scannerInitBufSize = 1024 * 1024
	// scannerMaxTokenSize is the maximum token size the scanner will accept (10 MB).
	scannerMaxTokenSize = 10 * 1024 * 1024
)

// Backend is the dashboard service served over the socket.
type Backend interface {
	List() []dashboard.Summary
	RefreshPanel(ctx context.Context, uid string, panelID int64) (*model.PanelData, error)
	PanelData(uid string, panelID int64) (*model.PanelData, error)
	CancelPanel(uid string, panelID int64) error
	Query(ctx context.Context, opts runner.QueryRunnerOptions) (*model.PanelData, error)
}

// Server exposes a Backend over a Unix domain socket using JSON-RPC 2.0.
type Server struct {
	socketPath string
	backend    Backend
	logger     logrus.FieldLogger

	// QueryTimeout bounds RefreshPanel and Query calls.
	QueryTimeout time.Duration

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates a new socket RPC server.
func NewServer(socketPath string, backend Backend, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:   socketPath,
		backend:      backend,
		logger:       logger.WithField("component", "socketrpc"),
		QueryTimeout: model.DefaultQueryTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins listening on the Unix socket and accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return errors.Wrap(err, "socketrpc: mkdir")
	}

	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if dialErr != nil {
			// Nobody listening: stale socket file.
			os.Remove(s.socketPath)
		} else {
			conn.Close()
			return errors.Errorf("socketrpc: another server is already listening on %s", s.socketPath)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.Wrap(err, "socketrpc: listen")
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.WithField("path", s.socketPath).Info("socketrpc: listening")
	return nil
}

// Stop closes the listener, cancels in-flight calls, waits for connections
// to drain and removes the socket file.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		os.Remove(s.socketPath)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Warn("socketrpc: accept")
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Unblock the scanner on Stop.
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			encoder.Encode(Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "parse error"}})
			continue
		}
		if err := encoder.Encode(s.dispatch(s.ctx, req)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	marshalResult := func(v any, err error) Response {
		if err != nil {
			resp.Error = &RPCError{Code: errorCode(err), Message: err.Error()}
			return resp
		}
		data, merr := json.Marshal(v)
		if merr != nil {
			resp.Error = &RPCError{Code: CodeInternal, Message: merr.Error()}
			return resp
		}
		resp.Result = data
		return resp
	}

	invalidParams := func(err error) Response {
		resp.Error = &RPCError{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
		return resp
	}

	panelParams := func() (PanelParams, error) {
		var p PanelParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return p, err
		}
		if p.UID == "" || p.PanelID <= 0 {
			return p, errors.New("uid and panelId are required")
		}
		return p, nil
	}

	switch req.Method {
	case MethodListDashboards:
		return marshalResult(s.backend.List(), nil)

	case MethodRefreshPanel:
		p, err := panelParams()
		if err != nil {
			return invalidParams(err)
		}
		ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
		defer cancel()
		return marshalResult(s.backend.RefreshPanel(ctx, p.UID, p.PanelID))

	case MethodPanelData:
		p, err := panelParams()
		if err != nil {
			return invalidParams(err)
		}
		return marshalResult(s.backend.PanelData(p.UID, p.PanelID))

	case MethodCancelPanel:
		p, err := panelParams()
		if err != nil {
			return invalidParams(err)
		}
		if err := s.backend.CancelPanel(p.UID, p.PanelID); err != nil {
			return marshalResult(nil, err)
		}
		return marshalResult("cancelled", nil)

	case MethodQuery:
		var p QueryParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if len(p.Queries) == 0 {
			return invalidParams(errors.New("queries are required"))
		}
		if p.Range.From == "" {
			p.Range.From = model.DefaultTimeRangeFrom
		}
		if p.Range.To == "" {
			p.Range.To = model.DefaultTimeRangeTo
		}
		tr, err := rangeutil.ParseTimeRange(p.Range, time.Now())
		if err != nil {
			return invalidParams(err)
		}
		ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
		defer cancel()
		return marshalResult(s.backend.Query(ctx, runner.QueryRunnerOptions{
			Datasource:    p.Datasource,
			Queries:       p.Queries,
			TimeRange:     tr,
			MaxDataPoints: p.MaxDataPoints,
			MinInterval:   p.Interval,
		}))

	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
		return resp
	}
}

func errorCode(err error) int {
	if errors.Is(err, dashboard.ErrNotFound) || errors.Is(err, dashboard.ErrPanelNotFound) || errors.Is(err, datasource.ErrNotFound) {
		return CodeNotFound
	}
	return CodeApplication
}
