//go:build !tinygo

package rfm9x

import (
	"time"

	"periph.io/x/conn/v3/gpio"
)

// realPin wraps a gpio.PinIO to satisfy the Pin interface.
type realPin struct {
	gpio.PinIO
	stopWatch chan struct{}
}

func (p *realPin) Out(l Level) error {
	if l == High {
		return p.PinIO.Out(gpio.High)
	}
	return p.PinIO.Out(gpio.Low)
}

func (p *realPin) In(pull Pull) error {
	return p.PinIO.In(toGPIOPull(pull), gpio.NoEdge)
}

func (p *realPin) Read() Level {
	if p.PinIO.Read() == gpio.High {
		return High
	}
	return Low
}

// Watch runs handler on its own goroutine for every detected edge. The DIO0
// line of the SX127x is active high, so a missed edge is recovered by
// checking the level after each wait timeout.
func (p *realPin) Watch(edge Edge, handler func()) error {
	if err := p.PinIO.In(gpio.PullDown, toGPIOEdge(edge)); err != nil {
		return err
	}

	stop := make(chan struct{})
	p.stopWatch = stop

	go func() {
		for {
			fired := p.PinIO.WaitForEdge(time.Second)
			select {
			case <-stop:
				return
			default:
			}
			if fired || (edge == RisingEdge && p.PinIO.Read() == gpio.High) {
				handler()
			}
		}
	}()
	return nil
}

func (p *realPin) Unwatch() error {
	if p.stopWatch != nil {
		close(p.stopWatch)
		p.stopWatch = nil
	}
	// Disable edge detection
	return p.PinIO.In(gpio.PullDown, gpio.NoEdge)
}

func toGPIOPull(pull Pull) gpio.Pull {
	switch pull {
	case PullFloat:
		return gpio.Float
	case PullDown:
		return gpio.PullDown
	case PullUp:
		return gpio.PullUp
	default:
		return gpio.PullNoChange
	}
}

func toGPIOEdge(edge Edge) gpio.Edge {
	switch edge {
	case RisingEdge:
		return gpio.RisingEdge
	case FallingEdge:
		return gpio.FallingEdge
	case BothEdges:
		return gpio.BothEdges
	default:
		return gpio.NoEdge
	}
}
