// Package blaze provides the core implementation of the blaze connection pool.
package blaze

import (
	"github.com/sirupsen/logrus"

	"github.com/mox692/blaze/interfaces"
)

// logrusLevels maps the Logger capability's levels onto logrus levels.
var logrusLevels = map[interfaces.LogLevel]logrus.Level{
	interfaces.LogLevelDebug: logrus.DebugLevel,
	interfaces.LogLevelInfo:  logrus.InfoLevel,
	interfaces.LogLevelWarn:  logrus.WarnLevel,
	interfaces.LogLevelError: logrus.ErrorLevel,
}

// LogrusLogger routes pool events through a logrus logger, tagging every
// entry with the component field so pool output is filterable in embedders
// that share one logger across subsystems.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps an existing logrus logger.
func NewLogrusLogger(logger *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{
		entry: logger.WithField("component", "blaze"),
	}
}

// NewDefaultLogger creates the logger used when BlazeConfig.Logger is nil: a
// standalone logrus logger at the given level. Unknown levels fall back to
// info.
func NewDefaultLogger(level interfaces.LogLevel) *LogrusLogger {
	base := logrus.New()
	if lvl, ok := logrusLevels[level]; ok {
		base.SetLevel(lvl)
	}
	return NewLogrusLogger(base)
}

func (logger *LogrusLogger) Debug(msg string) {
	logger.entry.Debug(msg)
}

func (logger *LogrusLogger) Info(msg string) {
	logger.entry.Info(msg)
}

func (logger *LogrusLogger) Warn(msg string) {
	logger.entry.Warn(msg)
}

func (logger *LogrusLogger) Error(err error) {
	logger.entry.WithError(err).Error("pool error")
}
