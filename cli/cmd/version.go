package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"shadmission/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print CLI version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.GetInfo()
			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return nil
		},
	}
}
