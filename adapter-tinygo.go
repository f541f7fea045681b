//go:build tinygo

package rfm9x

import (
	"machine"
)

// TinyGoConfig holds the configuration for the TinyGo driver.
type TinyGoConfig struct {
	RadioConfig
	// SPI is the bus the module is wired to. It is configured by NewTinyGo.
	SPI *machine.SPI
	// SpiClockHz is the SPI clock frequency in Hz.
	// Defaults to 5000000 (5MHz) if not provided.
	SpiClockHz uint32
	// CSPin is the chip select, driven in software.
	CSPin machine.Pin
	// ResetPin is wired to RESET. machine.NoPin if not connected.
	ResetPin machine.Pin
	// IRQPin is wired to DIO0. machine.NoPin if not connected.
	IRQPin machine.Pin
}

// machinePin adapts a machine.Pin to Pin.
type machinePin struct {
	pin    machine.Pin
	signal *edgeSignal
}

func (p *machinePin) Out(l Level) error {
	p.pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	p.pin.Set(bool(l))
	return nil
}

func (p *machinePin) In(pull Pull) error {
	p.pin.Configure(machine.PinConfig{Mode: toPinMode(pull)})
	return nil
}

func (p *machinePin) Read() Level {
	return Level(p.pin.Get())
}

// Watch registers handler for edge. The pin interrupt only signals the
// handler goroutine; HandleInterrupt does bus I/O and must not run in
// interrupt context.
func (p *machinePin) Watch(edge Edge, handler func()) error {
	change, ok := toPinChange(edge)
	if !ok {
		return nil
	}
	if p.signal != nil {
		p.Unwatch()
	}

	sig := startEdgeSignal(handler)
	p.signal = sig
	return p.pin.SetInterrupt(change, func(machine.Pin) {
		sig.notify()
	})
}

func (p *machinePin) Unwatch() error {
	err := p.pin.SetInterrupt(0, nil)
	if p.signal != nil {
		p.signal.close()
		p.signal = nil
	}
	return err
}

func toPinMode(pull Pull) machine.PinMode {
	switch pull {
	case PullUp:
		return machine.PinInputPullup
	case PullDown:
		return machine.PinInputPulldown
	default:
		return machine.PinInput
	}
}

func toPinChange(edge Edge) (machine.PinChange, bool) {
	switch edge {
	case RisingEdge:
		return machine.PinRising, true
	case FallingEdge:
		return machine.PinFalling, true
	case BothEdges:
		return machine.PinToggle, true
	default:
		return 0, false
	}
}

// machineSPI frames every transaction with the chip select.
type machineSPI struct {
	bus *machine.SPI
	cs  machine.Pin
}

func (s machineSPI) Tx(w, r []byte) error {
	s.cs.Low()
	defer s.cs.High()
	return s.bus.Tx(w, r)
}

// NewTinyGo configures the SPI bus and pins and initializes an SX127x driver.
func NewTinyGo(c TinyGoConfig) (*Device, error) {
	if c.SpiClockHz == 0 {
		c.SpiClockHz = 5000000
	}
	if err := c.SPI.Configure(machine.SPIConfig{Frequency: c.SpiClockHz, Mode: 0}); err != nil {
		return nil, err
	}

	c.CSPin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	c.CSPin.High()

	hw := HardwareConfig{RadioConfig: c.RadioConfig}
	if c.ResetPin != machine.NoPin {
		hw.Reset = &machinePin{pin: c.ResetPin}
	}
	if c.IRQPin != machine.NoPin {
		hw.IRQ = &machinePin{pin: c.IRQPin}
	}
	return NewWithHardware(hw, machineSPI{bus: c.SPI, cs: c.CSPin})
}
