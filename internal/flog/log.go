// Package flog is Fustor's structured-logging facade, a thin wrapper over
// logrus in the spirit of rclone's fs/log: one process-wide logger, fields
// attached per call site rather than ad-hoc string formatting.
package flog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide structured logger. Agent and Fusion mains call
// SetLevel/SetJSON during startup; everything else just calls the package
// functions below.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel parses and applies a level name ("debug", "info", "notice"
// mapped to info, "error"). Unknown levels fall back to info.
func SetLevel(name string) {
	switch name {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}
}

// SetJSON switches the output formatter to JSON, used when Fustor runs
// under a log-aggregating supervisor.
func SetJSON() {
	Logger.SetFormatter(&logrus.JSONFormatter{})
}

// Fields is an alias so call sites don't need to import logrus directly.
type Fields = logrus.Fields

// With returns an entry pre-populated with fields, following logrus's
// idiom of chaining WithField calls.
func With(fields Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// View returns an entry scoped to a view id, the most common logging
// dimension across the Fusion side.
func View(viewID string) *logrus.Entry {
	return Logger.WithField("view_id", viewID)
}

// Pipe returns an entry scoped to a pipe id, the most common logging
// dimension across the Agent side.
func Pipe(pipeID string) *logrus.Entry {
	return Logger.WithField("pipe_id", pipeID)
}
