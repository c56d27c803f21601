package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgillich/textrpc/internal"
	"github.com/pgillich/textrpc/internal/model"
)

var gatewayViper = viper.New() //nolint:gochecknoglobals // CMD

// gatewayCmd represents the gateway command
var gatewayCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra
	Use:   "gateway",
	Short: "HTTP gateway",
	Long:  `JSON HTTP gateway of the RPC client, optionally with an embedded worker`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SetContext(cmd.Parent().Context())

		return RunService(cmd, args, gatewayViper, &internal.GatewayConfig{
			TracingConfig: internal.TracingConfig{
				Command: model.CommandLine(cmd.Context()),
			},
		}, internal.NewGatewayService)
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.Flags().String("listenaddr", "localhost:8882", "Listen address")
	gatewayCmd.Flags().Bool("embeddedWorker", true, "Run a worker in the gateway process")
	addBrokerFlags(gatewayCmd.Flags(), "gateway")
	addStartupFlags(gatewayCmd.Flags())
	bindViper(gatewayViper, gatewayCmd.Flags())
}
