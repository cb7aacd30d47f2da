// Command pricefeed runs the synthetic price feed server and its client tools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "config/app.yaml"
	defaultServerURL  = "http://localhost:8000"
	configPathEnv     = "PRICEFEED_CONFIG"
)

func main() {
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type rootOptions struct {
	configPath string
	serverURL  string
	apiPrefix  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "pricefeed",
		Short:         "Synthetic market price feed",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		fmt.Sprintf("Path to application configuration file (default: $%s or %s)", configPathEnv, defaultConfigPath))
	root.PersistentFlags().StringVar(&opts.serverURL, "server", defaultServerURL, "Base URL of a running pricefeed server")
	root.PersistentFlags().StringVar(&opts.apiPrefix, "api-prefix", "/api/v1", "API prefix of the server")

	root.AddCommand(
		newServeCmd(opts),
		newTickersCmd(opts),
		newHistoryCmd(opts),
		newStatsCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func resolveConfigPath(flagValue string, lookup func(string) (string, bool)) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v, ok := lookup(configPathEnv); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return filepath.Clean(defaultConfigPath)
}
