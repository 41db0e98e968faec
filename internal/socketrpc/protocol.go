// Package socketrpc serves the dashboard service over a Unix domain socket
// using line-delimited JSON-RPC 2.0.
package socketrpc

import (
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/rangeutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON-RPC 2.0 method reference
//
//   Method           Params                                          Result
//   ──────────────   ─────────────────────────────────────────────   ───────────────────
//   ListDashboards   (none)                                          []dashboard.Summary
//   RefreshPanel     PanelParams                                     model.PanelData
//   PanelData        PanelParams                                     model.PanelData|null
//   CancelPanel      PanelParams                                     "cancelled"
//   Query            QueryParams                                     model.PanelData
//
// Error codes:
//   -32700  Parse error
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error
//   -32000  Application error
//   -32004  Dashboard, panel or datasource not found

// Error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeApplication    = -32000
	CodeNotFound       = -32004
)

// Method names.
const (
	MethodListDashboards = "ListDashboards"
	MethodRefreshPanel   = "RefreshPanel"
	MethodPanelData      = "PanelData"
	MethodCancelPanel    = "CancelPanel"
	MethodQuery          = "Query"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      int                 `json:"id"`
	Method  string              `json:"method"`
	Params  jsoniter.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      int                 `json:"id"`
	Result  jsoniter.RawMessage `json:"result,omitempty"`
	Error   *RPCError           `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// PanelParams addresses one panel.
type PanelParams struct {
	UID     string `json:"uid"`
	PanelID int64  `json:"panelId"`
}

// QueryParams describes an ad-hoc query.
type QueryParams struct {
	Datasource    string                 `json:"datasource"`
	Queries       []model.DataQuery      `json:"queries"`
	Range         rangeutil.RawTimeRange `json:"range"`
	MaxDataPoints int                    `json:"maxDataPoints,omitempty"`
	Interval      string                 `json:"interval,omitempty"`
}

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/panels/panels.sock, falling back to
// ~/.local/state/panels/panels.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "panels", "panels.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/panels.sock"
	}
	return filepath.Join(home, ".local", "state", "panels", "panels.sock")
}
