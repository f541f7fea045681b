//go:build tinygo

package rfm9x

import (
	"machine"
)

func init() {
	SetLogger(serialLogger{verbose: false})
}

// serialLogger writes to the USB serial console, the same port the host
// console commands arrive on. Debug output is suppressed unless verbose.
type serialLogger struct {
	verbose bool
}

// NewSerialLogger returns a console logger; verbose enables debug lines.
func NewSerialLogger(verbose bool) Logger {
	return serialLogger{verbose: verbose}
}

func (l serialLogger) log(level, msg string) {
	machine.Serial.Write([]byte(level))
	machine.Serial.Write([]byte("rfm9x: "))
	machine.Serial.Write([]byte(msg))
	machine.Serial.Write([]byte("\r\n"))
}

func (l serialLogger) Debug(msg string) {
	if l.verbose {
		l.log("[DEBUG] ", msg)
	}
}
func (l serialLogger) Info(msg string)  { l.log("[INFO]  ", msg) }
func (l serialLogger) Warn(msg string)  { l.log("[WARN]  ", msg) }
func (l serialLogger) Error(msg string) { l.log("[ERROR] ", msg) }
