package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"kernelbridge/internal/app"
	"kernelbridge/internal/mcpbridge"
	"kernelbridge/pkg/logging"

	"github.com/spf13/cobra"
)

var mcpExecuteTimeout = mcpbridge.DefaultExecuteTimeout

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp <kernel>",
		Short: "Serve a kernel to MCP clients over stdio",
		Long: `Launches the named kernel and serves it as an MCP server on stdin and
stdout. The server offers the kernel_status, kernel_info, kernel_execute and
kernel_interrupt tools. Logs go to stderr so stdout carries only protocol
messages. The kernel is shut down when the client disconnects.`,
		Args: cobra.ExactArgs(1),
		RunE: runMCP,
	}
	cmd.Flags().DurationVar(&mcpExecuteTimeout, "execute-timeout", mcpbridge.DefaultExecuteTimeout, "Default time limit for kernel_execute")
	return cmd
}

func runMCP(cmd *cobra.Command, args []string) error {
	application, err := app.NewApplication(newAppConfig())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := application.Launcher().Create(ctx, args[0])
	if err != nil {
		return err
	}
	defer func() {
		disposeCtx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		if err := conn.Dispose(disposeCtx); err != nil {
			logging.Error("MCP", err, "Failed to dispose kernel %s", conn.KernelType())
		}
	}()

	server := mcpbridge.NewServer(mcpbridge.FromConnection(conn), rootCmd.Version,
		mcpbridge.WithExecuteTimeout(mcpExecuteTimeout))
	return server.ServeStdio(ctx, os.Stdin, os.Stdout)
}
