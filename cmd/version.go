package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgillich/textrpc/internal/buildinfo"
)

var versionCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String()) //nolint:errcheck // console
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
