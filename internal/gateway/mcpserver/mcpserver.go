// Package mcpserver exposes the execution broker over the Model Context
// Protocol, so MCP-capable assistants can run code through the same queue,
// limits, and sandbox as every other caller. Transport is stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/kimbia/internal/broker"
	"github.com/jkaninda/kimbia/internal/execution"
)

// callerID identifies all MCP submissions to the broker. The stdio
// transport serves one client, so one queue identity is enough.
const callerID = "mcp"

// Server wraps an MCP stdio server around the broker.
type Server struct {
	broker *broker.Broker
	logger *slog.Logger
	mcp    *server.MCPServer
}

// New creates the MCP server and registers its tools.
func New(b *broker.Broker, version string, logger *slog.Logger) *Server {
	s := &Server{
		broker: b,
		logger: logger,
		mcp: server.NewMCPServer(
			"kimbia",
			version,
			server.WithToolCapabilities(false),
		),
	}

	s.mcp.AddTool(mcp.NewTool("run_code",
		mcp.WithDescription("Execute a code snippet in an isolated sandbox and return its output."),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Language name or alias, e.g. python3, js, rust."),
		),
		mcp.WithString("source",
			mcp.Required(),
			mcp.Description("Program source code."),
		),
		mcp.WithString("stdin",
			mcp.Description("Text fed to the program's standard input."),
		),
	), s.handleRunCode)

	s.mcp.AddTool(mcp.NewTool("list_languages",
		mcp.WithDescription("List the languages available for run_code."),
	), s.handleListLanguages)

	return s
}

// Serve blocks serving the stdio transport until the client disconnects.
func (s *Server) Serve() error {
	s.logger.Info("mcp gateway serving on stdio")
	return server.ServeStdio(s.mcp)
}

// runCodeReply is the JSON payload returned by the run_code tool.
type runCodeReply struct {
	Outcome    string `json:"outcome"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Stage      string `json:"stage,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
}

func (s *Server) handleRunCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, err := req.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError("language is required"), nil
	}
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}
	stdin := req.GetString("stdin", "")

	start := time.Now()
	s.logger.Info("mcp run_code",
		slog.String("language", language),
		slog.Int("source_bytes", len(source)),
	)

	res, err := s.broker.Submit(ctx, execution.Request{
		Language: language,
		Source:   source,
		Stdin:    stdin,
		CallerID: callerID,
	})
	if err != nil {
		switch {
		case errors.Is(err, execution.ErrLanguageNotFound):
			return mcp.NewToolResultError(fmt.Sprintf("unknown language %q; call list_languages for the catalog", language)), nil
		case errors.Is(err, execution.ErrRejected):
			return mcp.NewToolResultError("too many pending executions, try again shortly"), nil
		default:
			s.logger.Error("mcp execution failed",
				slog.String("language", language),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError("execution failed"), nil
		}
	}

	payload, err := json.Marshal(runCodeReply{
		Outcome:    string(res.Outcome),
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		Stage:      res.Stage,
		DurationMS: res.Duration.Milliseconds(),
		Detail:     res.Detail,
	})
	if err != nil {
		return mcp.NewToolResultError("encoding result failed"), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) handleListLanguages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reg := s.broker.Registry()

	var sb strings.Builder
	for _, id := range reg.Languages() {
		profile, err := reg.Resolve(id)
		if err != nil {
			continue
		}
		sb.WriteString(profile.ID)
		if len(profile.Aliases) > 0 {
			sb.WriteString(" (")
			sb.WriteString(strings.Join(profile.Aliases, ", "))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}
