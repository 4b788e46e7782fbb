package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/amine-amaach/opcua-bridge/internal/config"
	ulog "github.com/amine-amaach/opcua-bridge/internal/log"
	"github.com/amine-amaach/opcua-bridge/internal/services"
	"github.com/spf13/cobra"
)

const version = "v1.0.0"

func main() {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:           "uasim",
		Short:         "OPC UA server simulating IoT sensors",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "log debug messages")

	banner := `
 _   _  __ _ ___(_)_ __ ___  
| | | |/ _' / __| | '_ ' _ \   %s
| |_| | (_| \__ \ | | | | | |
 \__,_|\__,_|___/_|_| |_| |_|
IoT Sensors Data Over OPCUA
`
	fmt.Println(ulog.Colorize(fmt.Sprintf(banner, version), ulog.Cyan))

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, ulog.Colorize(err.Error(), ulog.Red))
		os.Exit(1)
	}
}

func serve(parent context.Context, configPath string, debug bool) error {
	logger := ulog.NewZapLogger(debug)
	defer logger.Sync()

	cfg, err := config.GetConfigs(configPath, ulog.NewLogger("INFO", "TEXT", false))
	if err != nil {
		return err
	}

	sim, err := services.NewSensorSimSvc(cfg.Simulator, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sim.ListenAndServe(); err != nil && ctx.Err() == nil {
			logger.Errorw("Server stopped ⛔", "Err", err)
			stop()
		}
	}()
	sim.Run(ctx)

	<-ctx.Done()
	if err := sim.Close(); err != nil {
		logger.Warnw("Close failed 🔔", "Err", err)
	}
	logger.Infow("Simulation server stopped ✅")
	return nil
}
