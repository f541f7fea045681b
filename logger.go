package rfm9x

import "sync/atomic"

// Logger receives the driver's diagnostic messages. Messages are plain
// strings so TinyGo builds can log without formatting machinery.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

type loggerBox struct{ Logger }

// current is read from the interrupt goroutine, so replacement is atomic.
var current atomic.Pointer[loggerBox]

// SetLogger replaces the package logger. A nil logger silences the driver.
func SetLogger(l Logger) {
	if l == nil {
		l = nopLogger{}
	}
	current.Store(&loggerBox{l})
}

func logger() Logger {
	if b := current.Load(); b != nil {
		return b.Logger
	}
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string) {}
func (nopLogger) Info(string)  {}
func (nopLogger) Warn(string)  {}
func (nopLogger) Error(string) {}
