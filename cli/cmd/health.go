package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that lookout is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			resp, err := client.Health(ctx)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", failColor.Sprint("DOWN"), client.BaseURL())
				return err
			}
			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), resp)
			}

			skew := nowFunc().Sub(time.UnixMilli(resp.Timestamp)).Round(time.Millisecond)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (status %s, clock skew %s)\n",
				okColor.Sprint("UP"), client.BaseURL(), resp.Status, skew)
			return nil
		},
	}
}
