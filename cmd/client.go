package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgillich/textrpc/internal"
	"github.com/pgillich/textrpc/internal/model"
)

var clientViper = viper.New() //nolint:gochecknoglobals // CMD

// clientCmd represents the client command
var clientCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra
	Use:   "client [operation:text]...",
	Short: "Client",
	Long:  `Sends each argument as a command and prints the replies`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SetContext(cmd.Parent().Context())

		return RunService(cmd, args, clientViper, &internal.ClientConfig{
			TracingConfig: internal.TracingConfig{
				Command: model.CommandLine(cmd.Context()),
			},
			Out: cmd.OutOrStdout(),
		}, internal.NewClientService)
	},
}

func init() {
	rootCmd.AddCommand(clientCmd)
	addBrokerFlags(clientCmd.Flags(), "client")
	bindViper(clientViper, clientCmd.Flags())
}
