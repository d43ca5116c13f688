// Command carouseld runs the rotation daemon: the privileged broker, the
// rotation scheduler, and the local control API.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"carousel/config"
	"carousel/daemon"
	"carousel/internal/logging"
)

func main() {
	if err := logging.Configure("info"); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "carouseld",
		Short: "Carousel rotation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, debug)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Config file path")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.AddCommand(brokerCmd(&configPath, &debug))
	return cmd
}

// brokerCmd serves only the broker. Deployments that keep the privileged
// proxy away from the scheduler run this as a separate unit.
func brokerCmd(configPath *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "broker",
		Short: "Serve only the privileged execution broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, *debug)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.RunBroker(ctx, cfg)
		},
	}
}

func loadConfig(path string, debug bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	if err := logging.Configure(cfg.Log.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultConfigPath = "/etc/carousel/config.yaml"
