package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/systerd/internal/neurobus"
	"github.com/basket/systerd/internal/transport"
	"github.com/basket/systerd/internal/tui"
)

func eventsCmd() *cobra.Command {
	var (
		topic    string
		kind     string
		limit    int
		follow   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent NeuroBus events",
		Long:  "Show recent NeuroBus rows, oldest first. --follow keeps polling for new rows.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if kind != "" && !neurobus.Kind(kind).Valid() {
				return fmt.Errorf("invalid kind %q (want event, command or learning)", kind)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fetch := neurobusFetcher(clientFor(cfg), topic, kind, limit)
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if follow && interactive(out) {
				return tui.RunEvents(ctx, fetch, interval)
			}

			var lastID int64
			for {
				rows, err := fetch(ctx)
				if err != nil {
					return fmt.Errorf("events: %w", err)
				}
				for i := len(rows) - 1; i >= 0; i-- {
					if rows[i].ID <= lastID {
						continue
					}
					fmt.Fprintln(out, tui.FormatEvent(rows[i], 0))
					lastID = rows[i].ID
				}
				if !follow {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "only rows with this topic")
	cmd.Flags().StringVar(&kind, "kind", "", "only rows of this kind (event, command, learning)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "rows per fetch (1-1000)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new rows")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	return cmd
}

func neurobusFetcher(c *transport.Client, topic, kind string, limit int) tui.EventFetcher {
	args := map[string]any{"limit": limit}
	if topic != "" {
		args["topic"] = topic
	}
	if kind != "" {
		args["kind"] = kind
	}
	return func(ctx context.Context) ([]neurobus.Message, error) {
		var rows []neurobus.Message
		if err := c.CallTool(ctx, "read_neurobus", args, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
}
