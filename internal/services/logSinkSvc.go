package services

import (
	"context"

	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/sirupsen/logrus"
)

// LogSinkSvc writes every sample to the log.
type LogSinkSvc struct {
	Log *logrus.Logger
}

func NewLogSinkSvc(log *logrus.Logger) *LogSinkSvc {
	return &LogSinkSvc{Log: log}
}

func (s *LogSinkSvc) Name() string { return "log" }

func (s *LogSinkSvc) Deliver(_ context.Context, sample model.Sample) error {
	fields := logrus.Fields{
		"Binding":   sample.Binding,
		"Reason":    sample.Reason,
		"Status":    sample.Status,
		"Timestamp": sample.TimeStamp,
	}
	if sample.HasValue {
		fields["Value"] = sample.Value
	}
	if sample.Overrides > 0 {
		fields["Overrides"] = sample.Overrides
	}
	if sample.Error != "" {
		fields["Err"] = sample.Error
	}
	entry := s.Log.WithFields(fields)
	if sample.Good {
		entry.Infoln("Sample ✅")
	} else {
		entry.Warnln("Sample 🔔")
	}
	return nil
}
