package cmd

import (
	"os"

	"kernelbridge/internal/app"

	"github.com/spf13/cobra"
)

// Persistent flags shared by every command that talks to kernels.
var (
	configPath string
	debug      bool
	logFormat  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kernelbridge",
	Short: "Launch Jupyter kernels and talk to them over the wire protocol",
	Long: `kernelbridge launches Jupyter kernels from their kernel specs, connects to
all five protocol channels and keeps the connection healthy with heartbeats.
Use it to inspect installed kernels, to stream a kernel's output, or to expose
a kernel to AI assistants as an MCP server.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. unknown kernels, failed launches)
	SilenceUsage: true,
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "kernelbridge version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

// newAppConfig collects the persistent flags into an application config.
func newAppConfig() *app.Config {
	cfg := app.NewConfig(configPath, debug)
	cfg.LogFormat = logFormat
	cfg.LogOutput = os.Stderr
	return cfg
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file applied on top of ~/.config/kernelbridge and ./.kernelbridge")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
	rootCmd.AddCommand(newSpecsCmd())
	rootCmd.AddCommand(newConnectCmd())
	rootCmd.AddCommand(newMCPCmd())
}
