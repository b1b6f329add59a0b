// Command memlinkctl is an operator CLI for a memlink cache: scalar
// get/set, per-server stats, ring membership, a throughput
// micro-benchmark, and a metrics/health admin endpoint, in the style of
// the teacher's cmd/nova command tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/memlink/internal/config"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "memlinkctl",
		Short: "memlinkctl - operator CLI for a memlink cache",
		Long:  "memlinkctl talks to a memcached cluster through the memlink client library: inspect routing, issue ad hoc commands, and run a throughput benchmark.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a memlink YAML config file (defaults to built-in defaults + MEMLINK_* env vars)")

	rootCmd.AddCommand(
		getCmd(),
		setCmd(),
		statsCmd(),
		ringCmd(),
		benchCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads configFile (if set), layers MEMLINK_* environment
// overrides on top, and returns the resulting Config.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
