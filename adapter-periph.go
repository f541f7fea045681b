//go:build !tinygo

package rfm9x

import (
	"fmt"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Config holds the configuration for the Linux/periph.io driver.
type Config struct {
	RadioConfig
	// ResetPin is the GPIO pin number (BCM numbering) wired to the module's RESET.
	// Optional.
	ResetPin int
	// IRQPin is the GPIO pin number (BCM numbering) wired to DIO0.
	// Defaults to 25 if not provided.
	IRQPin int
	// SpiBusPath is the path to the SPI bus (e.g., "/dev/spidev0.0").
	// Defaults to "/dev/spidev0.0" if not provided.
	SpiBusPath string
	// SpiClockHz is the SPI clock frequency in Hz.
	// Defaults to 5000000 (5MHz) if not provided.
	SpiClockHz int
}

// New creates and initializes an SX127x driver for Linux systems.
// It applies configuration defaults, initializes the GPIO and SPI interfaces using periph.io,
// and configures the radio module.
// It returns the initialized driver or an error if hardware initialization fails.
func New(c Config) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}

	if c.SpiBusPath == "" {
		c.SpiBusPath = "/dev/spidev0.0"
	}
	p, err := spireg.Open(c.SpiBusPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port: %w", err)
	}

	if c.SpiClockHz == 0 {
		c.SpiClockHz = 5000000
	}
	conn, err := p.Connect(physic.Frequency(c.SpiClockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create SPI connection: %w", err)
	}

	var resetWrapper Pin
	if c.ResetPin != 0 {
		resetWrapper, err = openPin(c.ResetPin)
		if err != nil {
			p.Close()
			return nil, err
		}
	}

	if c.IRQPin == 0 {
		c.IRQPin = 25
	}
	irqWrapper, err := openPin(c.IRQPin)
	if err != nil {
		p.Close()
		return nil, err
	}

	dev, err := NewWithHardware(HardwareConfig{
		RadioConfig: c.RadioConfig,
		Reset:       resetWrapper,
		IRQ:         irqWrapper,
	}, conn)
	if err != nil {
		p.Close()
		return nil, err
	}

	dev.closer = p
	return dev, nil
}

// OpenPin returns the BCM numbered GPIO as a Pin, for status LEDs and similar.
func OpenPin(bcm int) (Pin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}
	return openPin(bcm)
}

func openPin(bcm int) (Pin, error) {
	name := fmt.Sprintf("GPIO%d", bcm)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("failed to open pin %s", name)
	}
	return &realPin{PinIO: p}, nil
}
