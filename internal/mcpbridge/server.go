package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"kernelbridge/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// DefaultExecuteTimeout bounds kernel_execute when the caller gives no timeout.
const DefaultExecuteTimeout = 60 * time.Second

// Server serves the kernel tools over MCP.
type Server struct {
	kernel         Kernel
	mcp            *server.MCPServer
	executeTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithExecuteTimeout overrides DefaultExecuteTimeout.
func WithExecuteTimeout(d time.Duration) Option {
	return func(s *Server) { s.executeTimeout = d }
}

// NewServer creates an MCP server for k.
func NewServer(k Kernel, version string, opts ...Option) *Server {
	s := &Server{kernel: k, executeTimeout: DefaultExecuteTimeout}
	for _, opt := range opts {
		opt(s)
	}
	s.mcp = server.NewMCPServer(
		"kernelbridge",
		version,
		server.WithToolCapabilities(false),
	)
	s.mcp.AddTools(s.serverTools()...)
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio reads JSON-RPC requests from in and writes responses to out until
// in is closed or ctx is done.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(logging.StdLogger("MCP", logging.LevelError))
	logging.Info("MCP", "Serving kernel %s over stdio", s.kernel.KernelType())
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Tools lists the tool definitions.
func (s *Server) Tools() []mcp.Tool {
	serverTools := s.serverTools()
	tools := make([]mcp.Tool, 0, len(serverTools))
	for _, t := range serverTools {
		tools = append(tools, t.Tool)
	}
	return tools
}

func (s *Server) serverTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("kernel_status",
				mcp.WithDescription("Show the kernel type and connection state"),
			),
			Handler: s.handleStatus,
		},
		{
			Tool: mcp.NewTool("kernel_info",
				mcp.WithDescription("Request kernel_info from the kernel: language, implementation and protocol version"),
			),
			Handler: s.handleInfo,
		},
		{
			Tool: mcp.NewTool("kernel_execute",
				mcp.WithDescription("Execute code on the kernel and return its output"),
				mcp.WithString("code",
					mcp.Required(),
					mcp.Description("Source code to execute"),
				),
				mcp.WithNumber("timeout",
					mcp.Description("Seconds to wait for the execution to finish"),
				),
			),
			Handler: s.handleExecute,
		},
		{
			Tool: mcp.NewTool("kernel_interrupt",
				mcp.WithDescription("Interrupt the code currently running on the kernel"),
			),
			Handler: s.handleInterrupt,
		},
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"kernel":          s.kernel.KernelType(),
		"state":           s.kernel.State().String(),
		"connection_file": s.kernel.ConnectionFile(),
	})
}

func (s *Server) handleInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := s.kernel.RefreshKernelInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get kernel info: %v", err)), nil
	}
	return jsonResult(info)
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError("code is required"), nil
	}
	timeout := s.executeTimeout
	if secs := req.GetFloat("timeout", 0); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	result, err := execute(execCtx, s.kernel, code)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			interruptCtx, cancelInterrupt := context.WithTimeout(ctx, 5*time.Second)
			defer cancelInterrupt()
			if ierr := s.kernel.Interrupt(interruptCtx); ierr != nil {
				logging.Warn("MCP", "Failed to interrupt kernel after timeout: %v", ierr)
			}
			return mcp.NewToolResultError(fmt.Sprintf("Execution timed out after %s and was interrupted\n%s", timeout, result.Text())), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}
	logging.Debug("MCP", "Executed cell %d in %s with status %s", result.ExecutionCount, logging.Since(start), result.Status)

	switch {
	case result.Error != nil:
		return mcp.NewToolResultError(result.Text() + result.Error.String()), nil
	case result.Status == "aborted":
		return mcp.NewToolResultError("Execution was aborted"), nil
	}
	return mcp.NewToolResultText(result.Text()), nil
}

func (s *Server) handleInterrupt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.kernel.Interrupt(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to interrupt kernel: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Interrupted kernel '%s'", s.kernel.KernelType())), nil
}
