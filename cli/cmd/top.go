package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"shadmission/pkg/history"
	"shadmission/pkg/logging"
)

func newTopCmd() *cobra.Command {
	var (
		seconds int
		peers   bool
		follow  bool
		every   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Rank torrents by recent transfer",
		Long:  "Load the last --seconds of history, keep it current from the live feed and rank torrents by average transfer rate.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			agg := history.NewFromClient(client, history.Options{
				InitialSeconds: seconds,
				StripPeers:     !peers,
				Logger:         logging.NewDiscardLogger(),
			})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- agg.Run(ctx) }()
			defer func() {
				cancel()
				<-done
			}()

			state, err := waitLoaded(ctx, agg)
			if err != nil {
				return err
			}
			if state.Error != "" && len(state.Data) == 0 {
				return errors.New(state.Error)
			}
			if err := renderTop(cmd.OutOrStdout(), state, seconds, peers); err != nil {
				return err
			}
			if !follow {
				return nil
			}

			ticker := time.NewTicker(every)
			defer ticker.Stop()
			dirty := false
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-agg.Changes():
					dirty = true
				case <-ticker.C:
					if !dirty {
						continue
					}
					dirty = false
					if err := renderTop(cmd.OutOrStdout(), agg.State(), seconds, peers); err != nil {
						return err
					}
				}
			}
		},
	}

	cmd.Flags().IntVar(&seconds, "seconds", history.DefaultInitialSeconds, "window to rank over, in seconds")
	cmd.Flags().BoolVar(&peers, "peers", false, "keep peer lists and show them per torrent")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep re-ranking as live snapshots arrive")
	cmd.Flags().DurationVar(&every, "every", 2*time.Second, "with --follow, minimum time between redraws")
	return cmd
}

func waitLoaded(ctx context.Context, agg *history.Aggregator) (history.State, error) {
	for {
		if s := agg.State(); !s.IsLoading {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return history.State{}, ctx.Err()
		case <-agg.Changes():
		}
	}
}

func renderTop(w io.Writer, state history.State, seconds int, peers bool) error {
	hi := nowFunc().UnixMilli()
	lo := hi - int64(seconds)*1000
	s := history.Summarize(state.Data, lo, hi)
	if output == "json" {
		return writeJSON(w, s)
	}

	status := okColor.Sprint("live")
	if !state.IsConnected {
		status = warnColor.Sprint("disconnected")
	}
	fmt.Fprintf(w, "[%s]  ", status)
	printSummary(w, s, peers)
	fmt.Fprintln(w)
	return nil
}
