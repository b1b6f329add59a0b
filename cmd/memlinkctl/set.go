package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/memlink"
)

func setCmd() *cobra.Command {
	var (
		flags      uint32
		expiration uint32
	)

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value at key",
		Args:  cobra.ExactArgs(2),
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

			ok, err := c.Set(ctx, args[0], []byte(args[1]), flags, expiration)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("set did not succeed")
			}
			fmt.Println("OK")
			return nil
		},
	}

	cmd.Flags().Uint32Var(&flags, "flags", 0, "opaque client flags stored alongside the value")
	cmd.Flags().Uint32Var(&expiration, "expiration", 0, "expiration in seconds (0 = never, or an absolute unix time per the wire convention)")
	return cmd
}
