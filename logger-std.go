//go:build !tinygo

package rfm9x

import (
	"github.com/sirupsen/logrus"
)

func init() {
	log := logrus.New()
	log.Formatter = new(logrus.TextFormatter)
	log.Level = logrus.InfoLevel
	SetLogger(NewLogrusLogger(log))
}

// logrusLogger routes driver messages to a logrus logger, tagged with the
// component field.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger adapts l to Logger. Pass the result to SetLogger to share
// the application's logger, level and formatter with the driver.
func NewLogrusLogger(l *logrus.Logger) Logger {
	return &logrusLogger{entry: l.WithField("component", "rfm9x")}
}

func (l *logrusLogger) Debug(msg string) { l.entry.Debug(msg) }
func (l *logrusLogger) Info(msg string)  { l.entry.Info(msg) }
func (l *logrusLogger) Warn(msg string)  { l.entry.Warn(msg) }
func (l *logrusLogger) Error(msg string) { l.entry.Error(msg) }
