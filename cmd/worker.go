package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgillich/textrpc/internal"
	"github.com/pgillich/textrpc/internal/model"
)

var workerViper = viper.New() //nolint:gochecknoglobals // CMD

// workerCmd represents the worker command
var workerCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra
	Use:   "worker",
	Short: "RPC worker",
	Long:  `Consumes the command queue, runs the text operations and sends the replies`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SetContext(cmd.Parent().Context())

		return RunService(cmd, args, workerViper, &internal.WorkerConfig{
			TracingConfig: internal.TracingConfig{
				Command: model.CommandLine(cmd.Context()),
			},
		}, internal.NewWorkerService)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().String("listenaddr", "localhost:8881", "Status listen address")
	addBrokerFlags(workerCmd.Flags(), "worker")
	addStartupFlags(workerCmd.Flags())
	bindViper(workerViper, workerCmd.Flags())
}
