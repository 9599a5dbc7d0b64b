// Package mcp exposes Atlas budget, billing and conversation data to
// operators as Model Context Protocol tools over stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/samber/lo"

	"github.com/atlas-chat/atlas/pkg/billing"
	"github.com/atlas-chat/atlas/pkg/budget"
	"github.com/atlas-chat/atlas/pkg/logger"
	"github.com/atlas-chat/atlas/pkg/store"
	"github.com/atlas-chat/atlas/pkg/tiers"
)

const protocolVersion = "2024-11-05"

// Deps are the data sources behind the tools.
type Deps struct {
	Store   store.Store
	Tiers   *tiers.Registry
	Budget  *budget.Checker
	Billing *billing.Service
	Logger  *logger.Logger
}

// Server is a minimal MCP server that communicates over stdio using JSON-RPC 2.0.
type Server struct {
	store   store.Store
	tiers   *tiers.Registry
	budget  *budget.Checker
	billing *billing.Service
	log     *logger.Logger
	version string
}

// New creates a new MCP Server.
func New(d Deps, version string) *Server {
	log := d.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{
		store:   d.Store,
		tiers:   d.Tiers,
		budget:  d.Budget,
		billing: d.Billing,
		log:     log.Named("mcp"),
		version: version,
	}
}

// ToolNames lists the tools the server exposes.
func (s *Server) ToolNames() []string {
	return lo.Map(allTools, func(t ToolDefinition, _ int) string { return t.Name })
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, rpcError(nil, CodeParseError, "parse error"))
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil {
			s.writeResponse(w, resp)
		}
	}
	return scanner.Err()
}

// dispatch returns nil for notifications.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "atlas", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return result(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return rpcError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return result(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}

	s.log.Debugw("tool call", "tool", params.Name)
	return result(req.ID, handler(ctx, s, params.Arguments))
}

func (s *Server) writeResponse(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Errorw("marshal response failed", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.log.Errorw("write response failed", "error", err)
	}
}
