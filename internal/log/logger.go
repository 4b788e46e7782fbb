package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from the logger config section.
// Unknown levels fall back to INFO, unknown formats to TEXT.
func NewLogger(level, format string, disableTimestamp bool) *logrus.Logger {
	var log = logrus.New()

	switch strings.ToUpper(format) {
	case "JSON":
		log.Formatter = &logrus.JSONFormatter{
			DisableTimestamp: disableTimestamp,
		}
	default:
		log.Formatter = &logrus.TextFormatter{
			DisableColors:    false,
			DisableTimestamp: disableTimestamp,
			FullTimestamp:    true,
		}
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.Level = lvl
	log.Out = os.Stdout
	return log
}

// DebugLevel maps the per-session/per-subscription debug verbosity (0..5)
// onto a logrus level.
func DebugLevel(verbosity int) logrus.Level {
	switch {
	case verbosity <= 0:
		return logrus.InfoLevel
	case verbosity == 1:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}
