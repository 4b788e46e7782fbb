package cli

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/config"
	"github.com/amine-amaach/opcua-bridge/internal/metrics"
	"github.com/amine-amaach/opcua-bridge/internal/services"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func run(parent context.Context, cfgFile string, withShell bool, in io.Reader, out io.Writer) error {
	cfg, logger, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	var metricsSrv *http.Server
	if cfg.EnablePrometheus {
		m = metrics.New()
		metricsSrv = &http.Server{Addr: cfg.PrometheusAddress, Handler: m.Handler()}
		go func() {
			logger.WithField("Address", cfg.PrometheusAddress).Infoln("Serving metrics ✅")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithField("Err", err).Errorln("Metrics server stopped ⛔")
			}
		}()
	}

	bridge := newBridge(cfg, logger, m)

	var mqttSession *services.MqttSessionSvc
	if cfg.MQTTConfig.Enabled {
		if mqttSession, err = setupMqtt(ctx, cfg, bridge, logger); err != nil {
			return err
		}
	}

	if err := bridge.Apply(cfg); err != nil {
		return errors.Wrap(err, "apply config")
	}
	if err := bridge.Start(ctx); err != nil {
		return errors.Wrap(err, "start bridge")
	}

	sh := NewShell(bridge, logger)
	for _, line := range cfg.Startup {
		res := strings.TrimSpace(sh.Exec(line))
		logger.WithFields(logrus.Fields{"Command": line, "Result": res}).Infoln("Startup command")
	}

	if withShell {
		go func() {
			sh.Run(ctx, in, out)
			stop()
		}()
	}

	<-ctx.Done()
	logger.Warnln("Signal caught ❌ Exiting...")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	bridge.Shutdown(sctx)
	if mqttSession != nil {
		mqttSession.Close(sctx)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(sctx)
	}
	return nil
}

// setupMqtt adds the mqtt sink and makes output bindings listen for writes.
func setupMqtt(ctx context.Context, cfg config.Cfg, bridge *services.BridgeSvc, logger *logrus.Logger) (*services.MqttSessionSvc, error) {
	encoder, err := services.NewEncoderSvc(cfg.MQTTConfig.PayloadFormat)
	if err != nil {
		return nil, err
	}
	session := services.NewMqttSessionSvc(logger, cfg.MQTTConfig)
	if err := session.EstablishMqttSession(ctx); err != nil {
		return nil, err
	}
	bridge.AddSink(services.NewPublisherSvc(session, encoder, logger))
	bridge.SetCommandPort(session, cfg.MQTTConfig.TopicPrefix)
	return session, nil
}
