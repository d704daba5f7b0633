package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a JSON logger writing to stdout. Unknown levels fall back to info.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}
