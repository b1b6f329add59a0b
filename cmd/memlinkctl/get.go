package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/memlink"
)

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch a key's value",
		Args:  cobra.ExactArgs(1),
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

			value, found, err := c.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintf(os.Stderr, "(miss)\n")
				os.Exit(1)
			}
			os.Stdout.Write(value)
			fmt.Println()
			return nil
		},
	}
	return cmd
}
