package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	api "shadmission/pkg/api/monitor"
	"shadmission/pkg/history"
)

func newHistoryCmd() *cobra.Command {
	var (
		seconds int
		from    string
		to      string
		summary bool
		peers   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print stored snapshots",
		Long:  "Print stored snapshots for the last --seconds, or for a --from/--to window. --summary totals the window per torrent instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var snaps []api.Snapshot
			var lo, hi int64
			switch {
			case from != "" || to != "":
				if from == "" || to == "" {
					return errors.New("--from and --to must be given together")
				}
				f, err := parseTimeArg(from)
				if err != nil {
					return err
				}
				t, err := parseTimeArg(to)
				if err != nil {
					return err
				}
				resp, err := client.Range(cmd.Context(), f, t)
				if err != nil {
					return fmt.Errorf("fetch snapshots: %w", err)
				}
				if output == "json" && !summary {
					return writeJSON(out, resp)
				}
				snaps, lo, hi = resp.Snapshots, resp.From, resp.To

			default:
				resp, err := client.Last(cmd.Context(), seconds)
				if err != nil {
					return fmt.Errorf("fetch snapshots: %w", err)
				}
				if output == "json" && !summary {
					return writeJSON(out, resp)
				}
				snaps = resp.Snapshots
				hi = nowFunc().UnixMilli()
				lo = hi - int64(resp.Seconds)*1000
			}

			if summary {
				s := history.Summarize(snaps, lo, hi)
				if output == "json" {
					return writeJSON(out, s)
				}
				printSummary(out, s, peers)
				return nil
			}

			for _, s := range snaps {
				fmt.Fprintln(out, snapshotLine(s))
			}
			fmt.Fprintf(out, "%d snapshots\n", len(snaps))
			return nil
		},
	}

	cmd.Flags().IntVar(&seconds, "seconds", api.DefaultQuerySeconds, "trailing window in seconds")
	cmd.Flags().StringVar(&from, "from", "", "window start: epoch ms, RFC 3339 or a duration ago (e.g. 2h)")
	cmd.Flags().StringVar(&to, "to", "", "window end, same formats as --from")
	cmd.Flags().BoolVar(&summary, "summary", false, "total the window per torrent")
	cmd.Flags().BoolVar(&peers, "peers", false, "with --summary, list peers under each torrent")
	return cmd
}
