// Package main is the entry point for the livechat bridge.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"livechat/pkg/config"
	"livechat/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "livechat [config-dir]",
	Short: "livechat - Discord live chat bridge",
	Long: `livechat bridges Discord guild text channels and external applications.

It reads <config-dir>/configuration.json (default: the current directory),
connects one Discord session per configured bot and serves the bridge API.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBridge,
}

var runCmd = &cobra.Command{
	Use:   "run [config-dir]",
	Short: "Run the bridge in the foreground",
	Long: `Run the bridge in the foreground until interrupted.

Examples:
  # Use ./configuration.json
  livechat run

  # Use /etc/livechat/configuration.json
  livechat run /etc/livechat`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBridge,
}

var validateCmd = &cobra.Command{
	Use:   "validate [config-dir]",
	Short: "Validate the configuration and exit",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validate(cmd.OutOrStdout(), configDir(args))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.GetFullVersion())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serviceCmd)
}

func configDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// runBridge runs in the foreground, or under the service manager when
// started by one.
func runBridge(cmd *cobra.Command, args []string) error {
	dir := configDir(args)
	if !service.Interactive() {
		return RunService(dir)
	}

	app, err := newApp(dir)
	if err != nil {
		return err
	}
	app.Run()
	return nil
}

func validate(w io.Writer, dir string) error {
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	bindings := 0
	for _, bot := range cfg.Bots {
		bindings += len(bot.Bindings)
	}
	fmt.Fprintf(w, "Configuration OK: %d bots, %d bindings, API on %s:%d\n",
		len(cfg.Bots), bindings, cfg.Address, cfg.Port)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
