package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fyrsmithlabs/insightd/internal/events"
	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var (
		natsURL string
		token   string
		prefix  string
		count   int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream insight lifecycle events from NATS",
		Long: `Subscribe to insight lifecycle events published by insightd and print
one JSON object per line. Requires events.nats_enabled on the daemon.

Examples:
  insightctl watch
  insightctl watch --nats-url nats://nats.internal:4222 --count 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc, err := events.Connect(events.ConnectOptions{URL: natsURL, Token: token, Name: "insightctl"}, nil)
			if err != nil {
				return err
			}
			defer nc.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			w := &lineWriter{w: cmd.OutOrStdout()}
			seen := 0
			var mu sync.Mutex
			sub, err := events.SubscribeNATS(nc, prefix, func(_ context.Context, e insight.Event) error {
				mu.Lock()
				defer mu.Unlock()
				if count > 0 && seen >= count {
					return nil
				}
				if err := w.write(e); err != nil {
					return err
				}
				seen++
				if count > 0 && seen >= count {
					cancel()
				}
				return nil
			}, nil)
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
			if err := nc.Flush(); err != nil {
				return fmt.Errorf("subscribing: %w", err)
			}

			<-ctx.Done()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&natsURL, "nats-url", envOr("INSIGHTCTL_NATS_URL", "nats://localhost:4222"), "NATS server URL")
	f.StringVar(&token, "nats-token", "", "NATS auth token")
	f.StringVar(&prefix, "prefix", events.DefaultSubjectPrefix, "subject prefix configured on the daemon")
	f.IntVar(&count, "count", 0, "exit after this many events (0 = run until interrupted)")
	return cmd
}

type lineWriter struct {
	w io.Writer
}

func (l *lineWriter) write(e insight.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(l.w, "%s\n", data)
	return err
}
