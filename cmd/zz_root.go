package cmd

import (
	"context"
	"strings"

	"emperror.dev/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pgillich/textrpc/internal"
	"github.com/pgillich/textrpc/internal/logger"
	"github.com/pgillich/textrpc/internal/model"
	"github.com/pgillich/textrpc/internal/mqrpc"
)

var cfgFile string //nolint:gochecknoglobals // cobra

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra
	Use:   "textrpc",
	Short: "Text processing RPC over RabbitMQ",
	Long: `Text processing RPC over RabbitMQ.

A worker consumes "operation:text" commands from the command queue and
replies on the reply queue of the sender. The gateway exposes the RPC
client over HTTP; the client command sends commands from the shell.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs the one selected by args.
// It is called by main.main() and by the tests.
func Execute(ctx context.Context, args []string, serverRunner model.ServerRunner) error {
	ctx = model.WithCommandLine(ctx, strings.Join(append([]string{rootCmd.Use}, args...), " "))
	ctx = model.WithServerRunner(ctx, serverRunner)
	rootCmd.SetArgs(args)
	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		logger.GetLogger(rootCmd.Use).Error(err, "Bad", "args", args)

		return err
	}

	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
}

// addBrokerFlags registers the flags of internal.BrokerConfig and internal.TracingConfig.
func addBrokerFlags(flags *pflag.FlagSet, instance string) {
	flags.String("amqpURL", mqrpc.DefaultURL, "AMQP broker URL (env: CLOUDAMQP_URL)")
	flags.String("queue", mqrpc.DefaultQueue, "Command queue")
	flags.Duration("heartbeat", mqrpc.DefaultHeartbeat, "Broker heartbeat; keep-alive messages are sent at half of it")
	flags.Duration("reconnectDelay", mqrpc.DefaultReconnectDelay, "Delay between reconnect attempts")
	flags.Duration("replyTimeout", mqrpc.DefaultReplyTimeout, "Reply wait timeout")
	flags.Int("maxPending", mqrpc.DefaultMaxPending, "Max requests waiting for a reply")
	flags.Int("maxInFlight", mqrpc.DefaultMaxInFlight, "Max concurrent calls")
	flags.Bool("disableKeepAlive", false, "Disable keep-alive messages")
	flags.String("instance", instance, "Instance name, used as AMQP connection name")
	flags.String("jaegerURL", "-", "Jaeger collector address, '-' disables")
	flags.String("otlpURL", "-", "OTLP HTTP trace endpoint, '-' disables")
}

func addStartupFlags(flags *pflag.FlagSet) {
	flags.Duration("startupDelay", 0, "Delay before the first start")
	flags.Int("startupAttempts", internal.DefaultStartupAttempts, "Start attempts before giving up")
	flags.Duration("startupRetryDelay", internal.DefaultStartupRetryDelay, "Delay between start attempts")
}

// bindViper binds the flags and the environment to v.
func bindViper(v *viper.Viper, flags *pflag.FlagSet) {
	if err := v.BindPFlags(flags); err != nil {
		logger.GetLogger(rootCmd.Use).Error(err, "Unable to bind flags")
		panic(err)
	}
	if err := v.BindEnv("amqpURL", "CLOUDAMQP_URL", "AMQPURL"); err != nil {
		logger.GetLogger(rootCmd.Use).Error(err, "Unable to bind env")
		panic(err)
	}
	v.AutomaticEnv()
}

func RunService(cmd *cobra.Command, args []string, v *viper.Viper, config interface{}, newService model.NewService) error {
	commandLine := model.CommandLine(cmd.Context())
	log := logger.GetLogger(cmd.Use).WithValues(logger.KeyCmd, commandLine)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.WrapIf(err, "config file")
		}
		log.Info("Using config file", "path", v.ConfigFileUsed())
	}
	if err := v.Unmarshal(config); err != nil {
		return errors.WrapIf(err, "config")
	}

	return errors.WrapIf(newService(cmd.Context(), config, log).Run(args), "service run")
}
