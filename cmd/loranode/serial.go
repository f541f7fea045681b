package main

import (
	"fmt"
	"io"
	"os"

	"go.bug.st/serial"

	"github.com/michcald/rfm9x/internal/nodeconfig"
)

type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return nil }

// openConsole opens the configured serial port, or stdin/stdout when no port is set.
func openConsole(c nodeconfig.Console) (io.ReadWriteCloser, error) {
	if c.Port == "" {
		log.Info("Console on stdin")
		return stdio{Reader: os.Stdin, Writer: os.Stdout}, nil
	}
	if c.Baud <= 0 {
		return nil, fmt.Errorf("invalid serial baud rate: %d", c.Baud)
	}

	port, err := serial.Open(c.Port, &serial.Mode{BaudRate: c.Baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", c.Port, err)
	}
	log.WithField("port", c.Port).WithField("baud", c.Baud).Info("Console on serial port")
	return port, nil
}
