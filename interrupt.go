package rfm9x

import (
	"fmt"
	"math"
)

// HandleInterrupt services a DIO0 completion interrupt. It is registered on
// the IRQ pin by NewWithHardware and may also be called directly by boards
// that route the interrupt themselves. It never waits on the foreground.
func (d *Device) HandleInterrupt() {
	d.irqMu.Lock()
	defer d.irqMu.Unlock()

	var deliver *ReceivedMessage

	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return
	}

	irq := d.readRegister(_REG_IRQ_FLAGS)
	var ack []byte
	switch {
	case d.mode == ModeReceive && irq&IRQRxDone != 0:
		deliver, ack = d.receive()

	case d.mode == ModeTransmit && irq&IRQTxDone != 0:
		d.stats.txCompleted.Add(1)
		if d.resumeRx {
			d.resumeRx = false
			d.setMode(ModeReceive)
		} else {
			d.setMode(ModeStandby)
		}
		select {
		case d.txDone <- struct{}{}:
		default:
		}

	case d.mode == ModeCAD && irq&IRQCadDone != 0:
		d.setMode(ModeStandby)
		select {
		case d.cadDone <- irq&IRQCadDetected != 0:
		default:
		}

	default:
		logger().Debug(fmt.Sprintf("Spurious interrupt, mode=%s irq=%#02x", d.mode, irq))
	}

	d.writeRegister(_REG_IRQ_FLAGS, 0xFF)

	// The ack goes out after the flags are cleared so its TxDone is not lost.
	if ack != nil {
		d.transmit(ack)
		d.resumeRx = true
		d.stats.acksSent.Add(1)
	}
	d.mu.Unlock()

	if deliver != nil && d.config.Handler != nil {
		d.config.Handler.OnReceive(*deliver)
	}
}

// receive pulls the packet out of the FIFO and runs it through interception,
// decryption, auto-ack and publication. It returns the message to hand to the
// receive handler and an encoded ack to transmit, either of which may be nil.
// Call with mu held.
func (d *Device) receive() (*ReceivedMessage, []byte) {
	n := d.readRegister(_REG_RX_NB_BYTES)
	d.writeRegister(_REG_FIFO_ADDR_PTR, d.readRegister(_REG_FIFO_RX_CURRENT))
	packet := d.readRegisterN(_REG_FIFO, int(n))
	d.writeRegister(_REG_IRQ_FLAGS, 0xFF)

	snr := float64(int8(d.readRegister(_REG_PKT_SNR_VALUE))) / 4
	rssi := packetRSSI(d.readRegister(_REG_PKT_RSSI_VALUE), snr, d.config.Frequency)

	f, err := DecodeFrame(packet)
	if err != nil {
		d.stats.dropped.Add(1)
		logger().Debug("Dropped frame: " + err.Error())
		return nil, nil
	}
	d.stats.received.Add(1)
	d.journal.Record(fmt.Sprintf("LoRa Message on Air: from=%d to=%d id=%d flags=%s message=%q",
		f.From, f.To, f.ID, f.Flags, f.Payload))

	if d.relayCheckAck(f, rssi, snr) {
		d.stats.intercepted.Add(1)
		return nil, nil
	}

	if d.config.Cipher != nil && len(f.Payload) > 0 && len(f.Payload)%CipherBlockSize == 0 {
		plain, err := decryptPayload(d.config.Cipher, f.Payload)
		if err != nil {
			d.stats.dropped.Add(1)
			logger().Warn("Dropped frame: " + err.Error())
			return nil, nil
		}
		f.Payload = plain
	}

	local := d.config.Address
	var ack []byte
	if d.config.AutoAck && f.To == local && f.Flags == FlagsPlain && len(f.RelayPath) == 0 {
		ack, err = d.encodeForAir(Frame{To: f.From, From: local, ID: f.ID, Flags: FlagsAck, Payload: ackPayload})
		if err != nil {
			logger().Warn("Ack not sent: " + err.Error())
		}
	}

	msg := ReceivedMessage{Frame: f, RSSI: rssi, SNR: snr}

	if len(f.RelayPath) > 0 && f.To == local && (f.Flags == FlagsRelaySend || f.Flags == FlagsRelayReply) {
		d.publish(event{kind: eventRelayWork, relay: RelayInFlight{
			Message:      f.Payload,
			To:           f.To,
			From:         f.From,
			FromPrevious: local,
			ID:           f.ID,
			Flags:        f.Flags,
			RelayPath:    f.RelayPath,
			RSSI:         rssi,
			SNR:          snr,
		}})
	}

	if ack == nil {
		d.setMode(ModeReceive)
	}
	d.publish(event{kind: eventReceived, msg: msg})

	if f.Flags.carriesAck() {
		return nil, ack
	}
	return &msg, ack
}

// relayCheckAck swallows frames addressed to other nodes. When this node sits
// in the frame's relay path immediately before the sender, the frame is the
// next hop forwarding our message, and it is published as relay evidence.
//
// Adjacency is judged from the declared sender's position in the path, not a
// previous-hop field, so paths that revisit an address can be misread.
func (d *Device) relayCheckAck(f Frame, rssi, snr float64) bool {
	local := d.config.Address
	if f.To == BroadcastAddress && d.config.ReceiveAll {
		return false
	}
	if f.To == local {
		return false
	}

	self := f.RelayPath.Index(local)
	from := f.RelayPath.Index(f.From)
	if self >= 0 && from > 0 && self+1 == from {
		d.publish(event{kind: eventOverheard, relay: RelayInFlight{
			Message:      f.Payload,
			To:           f.To,
			From:         f.From,
			FromPrevious: local,
			ID:           f.ID,
			Flags:        f.Flags,
			RSSI:         rssi,
			SNR:          snr,
		}})
	}
	return true
}

// packetRSSI converts the raw packet RSSI register to dBm. Below 0dB SNR the
// SNR is added; otherwise the raw value is scaled by 16/15. The offset depends
// on the band (HF port from 779MHz).
func packetRSSI(raw byte, snr, freqMHz float64) float64 {
	rssi := float64(raw)
	if snr < 0 {
		rssi += snr
	} else {
		rssi = rssi * 16 / 15
	}
	if freqMHz >= 779 {
		rssi -= 157
	} else {
		rssi -= 164
	}
	return math.Round(rssi*100) / 100
}
