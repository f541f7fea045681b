package rfm9x

import (
	"fmt"
	"time"
)

// ackPayload is the body of acks and relay acks.
var ackPayload = []byte("!")

// LastHeaderID returns the id used by the most recent exchange.
func (d *Device) LastHeaderID() HeaderID {
	return HeaderID(d.lastID.Load())
}

// assignID fixes the id for one exchange: the caller's id when non-zero,
// otherwise the next cyclic id.
func (d *Device) assignID(id HeaderID) HeaderID {
	if id == 0 {
		id = NextHeaderID(d.LastHeaderID())
	}
	d.lastID.Store(uint32(id))
	return id
}

// encodeForAir encrypts the payload when a cipher is configured and serializes the frame.
func (d *Device) encodeForAir(f Frame) ([]byte, error) {
	if d.config.Cipher != nil {
		enc, err := encryptPayload(d.config.Cipher, f.Payload)
		if err != nil {
			return nil, err
		}
		f.Payload = enc
	}
	return EncodeFrame(f)
}

// transmit loads raw into the FIFO and starts the transmission. Call with mu held.
func (d *Device) transmit(raw []byte) {
	d.setMode(ModeStandby)
	d.writeRegister(_REG_FIFO_ADDR_PTR, 0)
	d.writeRegister(_REG_FIFO, raw...)
	d.writeRegister(_REG_PAYLOAD_LENGTH, byte(len(raw)))

	// A completion left over from an earlier transmission must not satisfy the next wait.
	select {
	case <-d.txDone:
	default:
	}
	d.setMode(ModeTransmit)
}

// waitPacketSent waits for the interrupt handler to take the radio out of
// transmit. It returns false when WaitPacketSentTimeout passes first.
func (d *Device) waitPacketSent() bool {
	d.mu.Lock()
	transmitting := d.mode == ModeTransmit
	d.mu.Unlock()
	if !transmitting {
		return true
	}

	dl := d.deadlineAfter(d.config.WaitPacketSentTimeout)
	timer := time.NewTimer(dl.remaining())
	defer timer.Stop()
	select {
	case <-d.txDone:
		return true
	case <-timer.C:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode != ModeTransmit
}

// Send queues one frame for transmission without waiting for an ack.
// A nil error only means the frame was handed to the radio.
// This method is concurrent safe.
func (d *Device) Send(payload []byte, to Address, id HeaderID, flags Flags, path RelayPath) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.send(payload, to, id, flags, path)
}

func (d *Device) send(payload []byte, to Address, id HeaderID, flags Flags, path RelayPath) error {
	if d.closed.Load() {
		return fmt.Errorf("%w: %w", ErrPkg, ErrClosed)
	}

	raw, err := d.encodeForAir(Frame{
		To:        to,
		From:      d.config.Address,
		ID:        id,
		Flags:     flags,
		RelayPath: path,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPkg, err)
	}

	if d.config.TxDelay > 0 {
		time.Sleep(d.config.TxDelay)
	}
	if !d.waitPacketSent() {
		logger().Warn("Previous transmission did not complete, aborting it")
	}

	d.mu.Lock()
	d.setMode(ModeStandby)
	d.mu.Unlock()

	if !d.waitCAD() {
		logger().Warn("Channel activity detected, transmitting anyway")
	}

	d.mu.Lock()
	d.resumeRx = false
	d.transmit(raw)
	d.mu.Unlock()
	return nil
}

// listenAfterSend waits for the current transmission and switches to receive.
func (d *Device) listenAfterSend() {
	if !d.waitPacketSent() {
		logger().Warn("Transmission did not complete in time")
	}
	d.mu.Lock()
	d.setMode(ModeReceive)
	d.mu.Unlock()
}

// SendToWait sends payload to a node and waits for its ack, retransmitting up
// to retries times. Each wait lasts RetryTimeout plus random jitter. A
// broadcast destination returns immediately with a zero message.
// On failure the error is a *DeliveryError with reason CouldNotContact.
// This method is concurrent safe.
func (d *Device) SendToWait(payload []byte, to Address, flags Flags, retries int, id HeaderID) (ReceivedMessage, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.sendToWait(payload, to, flags, retries, id)
}

func (d *Device) sendToWait(payload []byte, to Address, flags Flags, retries int, id HeaderID) (ReceivedMessage, error) {
	id = d.assignID(id)
	local := d.config.Address

	for range max(retries, 0) + 1 {
		if err := d.send(payload, to, id, flags, nil); err != nil {
			return ReceivedMessage{}, err
		}
		d.listenAfterSend()

		if to == BroadcastAddress {
			return ReceivedMessage{}, nil
		}

		acked := d.await(d.deadlineAfter(d.retryWindow()), func(in *inbox) bool {
			m := in.last
			return m != nil && m.To == local && m.Flags == FlagsAck && m.ID == id
		})
		if acked {
			reply := *d.inbox.last
			d.journal.Record("Direct Message Reply: " + reply.String())
			return reply, nil
		}
	}

	err := &DeliveryError{Dest: to, Reason: CouldNotContact}
	d.journal.Record(err.Error())
	return ReceivedMessage{}, err
}

// SendAck acknowledges id to a node and waits for the transmission to finish.
// This method is concurrent safe.
func (d *Device) SendAck(to Address, id HeaderID) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.sendFlagged(to, id, FlagsAck)
}

// SendRelayAck confirms a relay reply to the hop that delivered it.
// This method is concurrent safe.
func (d *Device) SendRelayAck(to Address, id HeaderID) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.sendFlagged(to, id, FlagsRelayReply)
}

func (d *Device) sendFlagged(to Address, id HeaderID, flags Flags) error {
	if err := d.send(ackPayload, to, id, flags, nil); err != nil {
		return err
	}
	d.listenAfterSend()
	return nil
}
