// Package mcptest provides a minimal stdio tool server for tests.
package mcptest

import (
	"bufio"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/core-tools/hsu-host/pkg/mcp"
)

// Server answers initialize, ping and tools/list.
type Server struct {
	Info  mcp.Implementation
	Tools []mcp.Tool

	// PageSize splits tools/list into cursor pages when positive.
	PageSize int
	// ToolsListDelay holds every tools/list response back.
	ToolsListDelay time.Duration
	// FailToolsList answers tools/list with an error.
	FailToolsList bool

	writeMu sync.Mutex
}

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *mcp.RPCError   `json:"error,omitempty"`
}

// Serve handles frames from r until it hits EOF.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var req frame
			if jerr := json.Unmarshal(line, &req); jerr == nil && req.Method != "" && len(req.ID) > 0 {
				wg.Add(1)
				go func(req frame) {
					defer wg.Done()
					s.handle(req, w)
				}(req)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) handle(req frame, w io.Writer) {
	resp := frame{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case mcp.MethodInitialize:
		resp.Result = mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			ServerInfo:      s.Info,
		}
	case mcp.MethodPing:
		resp.Result = struct{}{}
	case mcp.MethodToolsList:
		if s.ToolsListDelay > 0 {
			time.Sleep(s.ToolsListDelay)
		}
		if s.FailToolsList {
			resp.Error = &mcp.RPCError{Code: -32603, Message: "tools unavailable"}
			break
		}
		var params mcp.ListToolsParams
		_ = json.Unmarshal(req.Params, &params)
		resp.Result = s.page(params.Cursor)
	default:
		resp.Error = &mcp.RPCError{Code: -32601, Message: "method not found"}
	}

	s.write(w, resp)
}

func (s *Server) page(cursor string) mcp.ListToolsResult {
	tools := s.Tools
	if tools == nil {
		tools = []mcp.Tool{}
	}
	if s.PageSize <= 0 {
		return mcp.ListToolsResult{Tools: tools}
	}

	start, _ := strconv.Atoi(cursor)
	if start > len(tools) {
		start = len(tools)
	}
	end := start + s.PageSize
	if end >= len(tools) {
		return mcp.ListToolsResult{Tools: tools[start:]}
	}
	return mcp.ListToolsResult{Tools: tools[start:end], NextCursor: strconv.Itoa(end)}
}

func (s *Server) write(w io.Writer, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = w.Write(append(data, '\n'))
}
