package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	api "shadmission/pkg/api/monitor"
	monitorclient "shadmission/pkg/clients/monitor"
	"shadmission/pkg/logging"
	"shadmission/pkg/redis"
)

func newWatchCmd() *cobra.Command {
	var (
		count    int
		redisURL string
		channel  string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live snapshots",
		Long:  "Follow live snapshots over the lookout WebSocket, or from the Redis relay with --redis.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			seen := 0
			emit := func(s api.Snapshot) error {
				if count > 0 && seen >= count {
					return nil
				}
				if err := printLive(cmd.OutOrStdout(), s); err != nil {
					return err
				}
				seen++
				if count > 0 && seen >= count {
					cancel()
				}
				return nil
			}

			if redisURL != "" {
				return watchRedis(ctx, redisURL, channel, emit)
			}
			return watchStream(ctx, emit)
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "stop after this many snapshots (0 = run until interrupted)")
	cmd.Flags().StringVar(&redisURL, "redis", "", "read the Redis relay at this URL instead of the WebSocket")
	cmd.Flags().StringVar(&channel, "channel", "shadmission:snapshots", "Redis relay channel")
	return cmd
}

func printLive(w io.Writer, s api.Snapshot) error {
	if output == "json" {
		return writeJSON(w, s)
	}
	_, err := fmt.Fprintln(w, snapshotLine(s))
	return err
}

func watchStream(ctx context.Context, emit func(api.Snapshot) error) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	stream, err := client.Stream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	go func() {
		<-ctx.Done()
		_ = stream.Close()
	}()

	for {
		s, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, monitorclient.ErrStreamClosed) {
				return nil
			}
			return fmt.Errorf("live stream: %w", err)
		}
		if err := emit(s); err != nil {
			return err
		}
	}
}

func watchRedis(ctx context.Context, url, channel string, emit func(api.Snapshot) error) error {
	client, err := redis.NewClientFromURL(ctx, url)
	if err != nil {
		return err
	}
	defer client.Close()

	ps := redis.NewTypedPubSub[api.Snapshot](client, logging.NewDiscardLogger())
	var emitErr error
	err = ps.Subscribe(ctx, channel, nil, func(s api.Snapshot) {
		if emitErr != nil {
			return
		}
		emitErr = emit(s)
	})
	if emitErr != nil {
		return emitErr
	}
	return err
}
