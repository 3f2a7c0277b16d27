// Package logging configures the structured logger shared by every
// entrypoint. Output is JSON so CloudWatch and the container log driver can
// index fields directly.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a JSON logger with the level taken from LOG_LEVEL. Unknown or
// empty levels fall back to info.
func New() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// Component returns an entry tagged with the component name, the convention
// all packages use for their per-component loggers.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}
