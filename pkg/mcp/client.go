package mcp

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
)

// Session is a live connection to a tool server.
type Session interface {
	ServerInfo() Implementation
	ListAllTools(ctx context.Context) ([]Tool, error)
	// Cancel asks the server to go away and waits until it has, or ctx ends.
	Cancel(ctx context.Context) error
	// Done is closed once the session can no longer be used.
	Done() <-chan struct{}
}

// maxToolPages bounds cursor paging against servers that never stop.
const maxToolPages = 1000

// Client speaks newline-delimited JSON-RPC 2.0 over a reader/writer pair.
type Client struct {
	name   string
	logger logging.Logger

	writer  io.WriteCloser
	writeMu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[string]chan *message

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	infoMu     sync.RWMutex
	serverInfo Implementation

	stop   func()
	exited <-chan struct{}
}

// NewClient starts reading frames from r. Requests are written to w.
func NewClient(name string, r io.Reader, w io.WriteCloser, logger logging.Logger) *Client {
	return newClient(name, r, w, nil, nil, logger)
}

// newClient wires a client to a transport. stop is called once when the
// session closes; exited, if set, is closed when the transport is gone.
func newClient(name string, r io.Reader, w io.WriteCloser, stop func(), exited <-chan struct{}, logger logging.Logger) *Client {
	c := &Client{
		name:    name,
		logger:  logger,
		writer:  w,
		pending: make(map[string]chan *message),
		done:    make(chan struct{}),
		stop:    stop,
		exited:  exited,
	}
	if c.exited == nil {
		c.exited = c.done
	}
	go c.readLoop(r)
	return c
}

func (c *Client) ServerInfo() Implementation {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.serverInfo
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the session closed, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Initialize performs the handshake and records the server's identity.
func (c *Client) Initialize(ctx context.Context, clientInfo Implementation) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      clientInfo,
	}
	var result InitializeResult
	if err := c.Call(ctx, MethodInitialize, params, &result); err != nil {
		return nil, err
	}

	c.infoMu.Lock()
	c.serverInfo = result.ServerInfo
	c.infoMu.Unlock()

	if err := c.Notify(MethodInitialized, nil); err != nil {
		return nil, err
	}

	c.logger.Debugf("Initialized, server: %s %s, protocol: %s", result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)
	return &result, nil
}

// ListTools fetches one page of tools.
func (c *Client) ListTools(ctx context.Context, cursor string) (*ListToolsResult, error) {
	var params interface{}
	if cursor != "" {
		params = ListToolsParams{Cursor: cursor}
	}
	var result ListToolsResult
	if err := c.Call(ctx, MethodToolsList, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListAllTools follows cursors until the server reports no more pages.
func (c *Client) ListAllTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for page := 0; page < maxToolPages; page++ {
		result, err := c.ListTools(ctx, cursor)
		if err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
	return nil, errors.NewInternalError("too many tool pages", nil).WithContext("server", c.name)
}

// Call sends a request and decodes its result into result (which may be nil).
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	n := c.nextID.Add(1)
	id := strconv.FormatInt(n, 10)
	ch := make(chan *message, 1)

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return c.closedError()
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	req := struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      int64       `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{JSONRPC: jsonRPCVersion, ID: n, Method: method, Params: params}

	if err := c.write(req); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return errors.NewDomainError(errors.ErrorTypeInternal, method+" failed", resp.Error).WithContext("server", c.name)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return errors.NewValidationError("invalid "+method+" result", err).WithContext("server", c.name)
			}
		}
		return nil
	case <-c.done:
		return c.closedError()
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errors.NewTimeoutError(method+" timed out", ctx.Err()).WithContext("server", c.name)
		}
		return errors.NewCancelledError(method+" cancelled", ctx.Err()).WithContext("server", c.name)
	}
}

// Notify sends a notification.
func (c *Client) Notify(method string, params interface{}) error {
	return c.write(struct {
		JSONRPC string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{JSONRPC: jsonRPCVersion, Method: method, Params: params})
}

// Cancel closes the session and waits for the underlying transport to exit.
func (c *Client) Cancel(ctx context.Context) error {
	c.closeWith(errors.NewCancelledError("session cancelled", nil))
	select {
	case <-c.exited:
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("timed out waiting for server to exit", ctx.Err()).WithContext("server", c.name)
	}
}

func (c *Client) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.NewInternalError("failed to encode message", err)
	}
	data = append(data, '\n')

	select {
	case <-c.done:
		return c.closedError()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(data); err != nil {
		c.closeWith(errors.NewIOError("failed to write to server", err))
		return c.closedError()
	}
	return nil
}

func (c *Client) readLoop(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if err == io.EOF {
				c.closeWith(errors.NewProcessError("server closed its output", nil))
			} else {
				c.closeWith(errors.NewIOError("failed to read from server", err))
			}
			return
		}
	}
}

func (c *Client) dispatch(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Debugf("Ignoring non JSON-RPC output, server: %s, line: %q", c.name, strings.TrimSpace(string(line)))
		return
	}

	switch {
	case msg.isRequest():
		go c.answer(&msg)
	case msg.isNotification():
		c.logger.Debugf("Notification from server: %s, method: %s", c.name, msg.Method)
	default:
		id := strings.Trim(string(msg.ID), `"`)
		c.mu.Lock()
		ch, ok := c.pending[id]
		c.mu.Unlock()
		if !ok {
			c.logger.Debugf("Response for unknown request, server: %s, id: %s", c.name, id)
			return
		}
		ch <- &msg
	}
}

// answer replies to requests the server sends us. Only ping is supported.
func (c *Client) answer(req *message) {
	resp := message{JSONRPC: jsonRPCVersion, ID: req.ID}
	if req.Method == MethodPing {
		resp.Result = json.RawMessage(`{}`)
	} else {
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
	if err := c.write(resp); err != nil {
		c.logger.Debugf("Failed to answer %s, server: %s, error: %v", req.Method, c.name, err)
	}
}

func (c *Client) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		close(c.done)
		_ = c.writer.Close()
		if c.stop != nil {
			c.stop()
		}
	})
}

func (c *Client) closedError() error {
	<-c.done
	return errors.NewProcessError("session closed", c.closeErr).WithContext("server", c.name)
}
