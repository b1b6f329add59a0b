package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/memlink"
)

func statsCmd() *cobra.Command {
	var versionOnly bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-server STAT output (or VERSION with --version)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := memlink.New(cfg.Cache)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if versionOnly {
				versions := c.Version(ctx)
				servers := sortedKeys(versions)
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SERVER\tVERSION")
				for _, s := range servers {
					fmt.Fprintf(w, "%s\t%s\n", s, versions[s])
				}
				return w.Flush()
			}

			stats := c.Stats(ctx)
			servers := sortedKeys(stats)
			if len(servers) == 0 {
				fmt.Println("no live servers")
				return nil
			}
			for _, s := range servers {
				fmt.Printf("=== %s ===\n", s)
				keys := sortedKeys(stats[s])
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				for _, k := range keys {
					fmt.Fprintf(w, "  %s\t%s\n", k, stats[s][k])
				}
				w.Flush()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&versionOnly, "version", false, "show each server's VERSION instead of full STAT output")
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
