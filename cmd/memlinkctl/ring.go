package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oriys/memlink"
)

func ringCmd() *cobra.Command {
	var routeKey string

	cmd := &cobra.Command{
		Use:   "ring",
		Short: "Show ring membership, or route a single key with --key",
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

			if routeKey != "" {
				server, candidates, ok := c.RouteKey(routeKey)
				if !ok {
					fmt.Println("no live server for key")
					return nil
				}
				fmt.Printf("primary: %s\n", server)
				if len(candidates) > 1 {
					fmt.Printf("failover order: %s\n", strings.Join(candidates, " -> "))
				}
				return nil
			}

			live := make(map[string]bool)
			for _, s := range c.LiveServers() {
				live[s] = true
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tSTATE")
			for _, s := range c.Servers() {
				state := "quarantined"
				if live[s] {
					state = "live"
				}
				fmt.Fprintf(w, "%s\t%s\n", s, state)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&routeKey, "key", "", "show the routing decision for this key instead of the full ring")
	return cmd
}
