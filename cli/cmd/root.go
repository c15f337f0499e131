package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	monitorclient "shadmission/pkg/clients/monitor"
	"shadmission/pkg/config"
)

var (
	baseURL string
	output  string
	noColor bool
)

// NewRootCmd returns the root command for the shadmission CLI
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "shadmission",
		Short:         "Transfer history for a Transmission daemon",
		Long:          "shadmission reads the snapshots recorded by lookout: stored history, the live feed and per-torrent summaries.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				color.NoColor = true
			}
			switch output {
			case "", "text", "json":
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want json or text)", output)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&baseURL, "url", config.GetEnv("SHADMISSION_URL", "http://localhost:3000"), "lookout base URL (env SHADMISSION_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "", "output format: json|text (default: text)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", config.GetEnvBool("SHADMISSION_NO_COLOR", false), "disable colored output (env SHADMISSION_NO_COLOR)")

	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newTopCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newClient() (*monitorclient.Client, error) {
	return monitorclient.NewClient(baseURL)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
