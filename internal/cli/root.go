// Package cli holds the uabridge command line: the process commands and the
// admin command shell.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/amine-amaach/opcua-bridge/internal/config"
	ulog "github.com/amine-amaach/opcua-bridge/internal/log"
	"github.com/amine-amaach/opcua-bridge/internal/metrics"
	"github.com/amine-amaach/opcua-bridge/internal/services"
	"github.com/amine-amaach/opcua-bridge/internal/uaclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRootCmd builds the uabridge command.
func NewRootCmd(version string) *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:          "uabridge",
		Short:        "OPC UA client bridge",
		Long:         `uabridge keeps MQTT topics and log streams in sync with OPC UA server values.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./configs/config.json)")

	var withShell bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfgFile, withShell, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	runCmd.Flags().BoolVarP(&withShell, "shell", "s", false, "read admin commands from stdin")

	execCmd := &cobra.Command{
		Use:   "exec -- COMMAND [ARGS...]",
		Short: "Run one admin command against the configured bridge without connecting",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := execOnce(cfgFile, strings.Join(args, " "))
			fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of uabridge",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "uabridge version %s\n", version)
		},
	}

	root.AddCommand(runCmd, execCmd, versionCmd)
	return root
}

// loadConfig reads the configuration with a bootstrap logger and returns
// the logger the configuration asks for.
func loadConfig(cfgFile string) (config.Cfg, *logrus.Logger, error) {
	boot := ulog.NewLogger("INFO", "TEXT", false)
	cfg, err := config.GetConfigs(cfgFile, boot)
	if err != nil {
		return cfg, boot, err
	}
	return cfg, ulog.NewLogger(cfg.LoggerConfig.Level, cfg.LoggerConfig.Format, cfg.LoggerConfig.DisableTimestamp), nil
}

func newBridge(cfg config.Cfg, logger *logrus.Logger, m *metrics.Metrics) *services.BridgeSvc {
	bridge := services.NewBridgeSvc(cfg.Defaults, uaclient.NewDialer(logger), logger, m)
	bridge.AddSink(services.NewLogSinkSvc(logger))
	return bridge
}

func execOnce(cfgFile, line string) (string, error) {
	cfg, logger, err := loadConfig(cfgFile)
	if err != nil {
		return "", err
	}
	bridge := newBridge(cfg, logger, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		bridge.Shutdown(ctx)
	}()
	if err := bridge.Apply(cfg); err != nil {
		return "", errors.Wrap(err, "apply config")
	}
	out := NewShell(bridge, logger).Exec(line)
	if strings.HasPrefix(out, "error:") {
		return out, errors.New(strings.TrimSpace(strings.TrimPrefix(out, "error:")))
	}
	return out, nil
}
