// Command loranode runs one node of the LoRa relay mesh on a Linux board.
// It answers relay requests that end here, forwards those passing through,
// and takes send/relay commands from a serial or stdin console.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/michcald/rfm9x"
	"github.com/michcald/rfm9x/internal/journal"
	"github.com/michcald/rfm9x/internal/nodeconfig"
)

const relayTick = 100 * time.Millisecond

var log = logrus.New()

func main() {
	configPath := flag.String("config", "loranode.json5", "path to the node settings file")
	flag.Parse()

	log.Formatter = new(logrus.TextFormatter)
	log.Out = os.Stdout

	cfg, err := nodeconfig.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.Level = lvl
	} else {
		log.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
	}
	rfm9x.SetLogger(rfm9x.NewLogrusLogger(log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Node stopped")
	}
}

func run(ctx context.Context, cfg nodeconfig.Config) error {
	jnl, err := journal.Open(ctx, cfg.JournalPath, journal.Options{Logger: log})
	if err != nil {
		return err
	}
	defer func() { _ = jnl.Close() }()

	led := newStatusLED(cfg.Hardware.LEDPin)

	rc, err := cfg.RadioConfig()
	if err != nil {
		return err
	}
	rc.Journal = jnl
	rc.Handler = rfm9x.ReceiveFunc(func(msg rfm9x.ReceivedMessage) []byte {
		led.toggle()
		jnl.Record("LoRa Received: " + msg.String())
		return []byte(cfg.Reply)
	})

	dev, err := rfm9x.New(rfm9x.Config{
		RadioConfig: rc,
		ResetPin:    cfg.Hardware.ResetPin,
		IRQPin:      cfg.Hardware.IRQPin,
		SpiBusPath:  cfg.Hardware.SPI,
		SpiClockHz:  cfg.Hardware.SPIClockHz,
	})
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	log.WithField("radio", dev.String()).Info("Radio ready")
	dev.Listen()

	go relayLoop(ctx, dev)

	port, err := openConsole(cfg.Console)
	if err != nil {
		return err
	}
	defer func() { _ = port.Close() }()

	c := &console{dev: dev, journal: jnl, out: port}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.serve(ctx, port)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case <-done:
		log.Info("Console closed")
	}
	return nil
}

// relayLoop drives the relay engine until ctx is done.
func relayLoop(ctx context.Context, dev *rfm9x.Device) {
	t := time.NewTicker(relayTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := dev.RelayCheckRepeat(); err != nil {
				log.WithError(err).Warn("Relay step failed")
			}
		}
	}
}

// statusLED blinks on every delivered message. A zero pin disables it.
type statusLED struct {
	pin rfm9x.Pin
	on  atomic.Bool
}

func newStatusLED(bcm int) *statusLED {
	led := &statusLED{}
	if bcm == 0 {
		return led
	}
	pin, err := rfm9x.OpenPin(bcm)
	if err != nil {
		log.WithError(err).Warn("Status LED unavailable")
		return led
	}
	led.pin = pin
	_ = pin.Out(rfm9x.Low)
	return led
}

func (l *statusLED) toggle() {
	if l.pin == nil {
		return
	}
	on := !l.on.Load()
	l.on.Store(on)
	_ = l.pin.Out(rfm9x.Level(on))
}
