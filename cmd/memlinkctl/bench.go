package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/memlink"
)

func benchCmd() *cobra.Command {
	var (
		concurrency int
		duration    time.Duration
		valueSize   int
		keySpace    int
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a fixed-duration Set/Get throughput benchmark",
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

			value := make([]byte, valueSize)
			for i := range value {
				value[i] = byte('a' + i%26)
			}

			ctx, cancel := context.WithTimeout(context.Background(), duration)
			defer cancel()

			var ops, hits, errs atomic.Int64
			var g errgroup.Group
			start := time.Now()

			for w := 0; w < concurrency; w++ {
				worker := w
				g.Go(func() error {
					for i := 0; ; i++ {
						select {
						case <-ctx.Done():
							return nil
						default:
						}
						key := fmt.Sprintf("memlinkctl-bench-%d-%d", worker, i%keySpace)
						if i%10 == 0 {
							if _, err := c.Set(ctx, key, value, 0, 60); err != nil {
								errs.Add(1)
								continue
							}
						} else {
							_, found, err := c.Get(ctx, key)
							if err != nil {
								errs.Add(1)
								continue
							}
							if found {
								hits.Add(1)
							}
						}
						ops.Add(1)
					}
				})
			}
			g.Wait()

			elapsed := time.Since(start)
			total := ops.Load()
			fmt.Printf("ops:        %d\n", total)
			fmt.Printf("duration:   %s\n", elapsed)
			fmt.Printf("throughput: %.0f ops/s\n", float64(total)/elapsed.Seconds())
			fmt.Printf("hits:       %d\n", hits.Load())
			fmt.Printf("errors:     %d\n", errs.Load())
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "number of concurrent workers")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to run")
	cmd.Flags().IntVar(&valueSize, "value-size", 128, "size in bytes of each stored value")
	cmd.Flags().IntVar(&keySpace, "key-space", 1000, "number of distinct keys per worker")
	return cmd
}
