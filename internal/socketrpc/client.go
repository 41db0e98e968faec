package socketrpc

import (
	"bufio"
	"net"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/tinytelemetry/panels/internal/dashboard"
	"github.com/tinytelemetry/panels/internal/model"
)

// DefaultCallTimeout bounds one call, including panel refreshes.
const DefaultCallTimeout = time.Minute

// Client calls a socket RPC server. Calls are serialized on one connection.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	scanner *bufio.Scanner
	encoder *jsoniter.Encoder

	// Timeout bounds each call.
	Timeout time.Duration
}

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "socketrpc: dial")
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	return &Client{
		conn:    conn,
		scanner: scanner,
		encoder: json.NewEncoder(conn),
		Timeout: DefaultCallTimeout,
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs a JSON-RPC call and unmarshals the result into dest.
func (c *Client) call(method string, params any, dest any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := Request{JSONRPC: "2.0", ID: c.nextID, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "socketrpc: marshal params")
		}
		req.Params = data
	}

	c.conn.SetDeadline(time.Now().Add(c.Timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.encoder.Encode(req); err != nil {
		return errors.Wrap(err, "socketrpc: send")
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return errors.Wrap(err, "socketrpc: read")
		}
		return errors.New("socketrpc: connection closed")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return errors.Wrap(err, "socketrpc: unmarshal response")
	}
	if resp.ID != req.ID {
		return errors.Errorf("socketrpc: response id %d, want %d", resp.ID, req.ID)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if dest != nil {
		if err := json.Unmarshal(resp.Result, dest); err != nil {
			return errors.Wrap(err, "socketrpc: unmarshal result")
		}
	}
	return nil
}

// IsNotFound reports whether err is a not-found error from the server.
func IsNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeNotFound
}

func (c *Client) ListDashboards() ([]dashboard.Summary, error) {
	var result []dashboard.Summary
	err := c.call(MethodListDashboards, nil, &result)
	return result, err
}

func (c *Client) RefreshPanel(uid string, panelID int64) (*model.PanelData, error) {
	var result *model.PanelData
	err := c.call(MethodRefreshPanel, PanelParams{UID: uid, PanelID: panelID}, &result)
	return result, err
}

// PanelData returns the panel's last result, or nil when it has not run.
func (c *Client) PanelData(uid string, panelID int64) (*model.PanelData, error) {
	var result *model.PanelData
	err := c.call(MethodPanelData, PanelParams{UID: uid, PanelID: panelID}, &result)
	return result, err
}

func (c *Client) CancelPanel(uid string, panelID int64) error {
	return c.call(MethodCancelPanel, PanelParams{UID: uid, PanelID: panelID}, nil)
}

func (c *Client) Query(params QueryParams) (*model.PanelData, error) {
	var result *model.PanelData
	err := c.call(MethodQuery, params, &result)
	return result, err
}
