package rfm9x

import (
	"fmt"
)

// SendToWaitRelay sends payload to the next hop of a relay path and waits for
// proof that the hop took it: either the hop is overheard forwarding the frame
// further along the path, or a relay reply for the same id arrives. Retries and
// jittered windows follow SendToWait.
// On failure the error is a *DeliveryError with reason CouldNotContact.
// This method is concurrent safe.
func (d *Device) SendToWaitRelay(payload []byte, to Address, path RelayPath, flags Flags, retries int, id HeaderID) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.sendToWaitRelay(payload, to, path, flags, retries, id)
}

func (d *Device) sendToWaitRelay(payload []byte, to Address, path RelayPath, flags Flags, retries int, id HeaderID) error {
	id = d.assignID(id)
	local := d.config.Address

	confirmed := func(in *inbox) bool {
		if o := in.overheard; o != nil && o.FromPrevious == local && o.From == to &&
			o.Flags == FlagsRelaySend && o.ID == id {
			return true
		}
		m := in.last
		return m != nil && m.To == local && m.Flags == FlagsRelayReply && m.ID == id
	}

	for range max(retries, 0) + 1 {
		if err := d.send(payload, to, id, flags, path); err != nil {
			return err
		}
		d.listenAfterSend()

		if d.await(d.deadlineAfter(d.retryWindow()), confirmed) {
			d.journal.Record(fmt.Sprintf("ACK: relay id=%d via=%d", id, to))
			d.inbox.overheard = nil
			return nil
		}
	}

	d.journal.Record("ACK: Failed")
	return &DeliveryError{Dest: to, Reason: CouldNotContact}
}

// repeatWaitReturn waits for the relay reply matching rec. The window grows
// with the number of hops between this node and the end of the path.
// Call with opMu held.
func (d *Device) repeatWaitReturn(rec RelayInFlight) (ReceivedMessage, bool) {
	pos := max(rec.RelayPath.Index(d.config.Address), 0)
	window := relayReturnWindow(d.retryWindow(), len(rec.RelayPath)-pos)

	ok := d.await(d.deadlineAfter(window), func(in *inbox) bool {
		m := in.last
		return m != nil && m.Flags == FlagsRelayReply && m.ID == rec.ID
	})
	if !ok {
		return ReceivedMessage{}, false
	}
	return *d.inbox.last, true
}

// RelayCheckRepeat runs one step of the relay engine. It takes the pending
// relay job, if any. An intermediate hop forwards the job, waits for the reply
// and forwards the reply back towards the originator. The last hop asks the
// receive handler for a reply and sends it back along the reversed path.
// Call it periodically from the node's main loop. It returns nil when there
// was no job or the job was handled.
// This method is concurrent safe.
func (d *Device) RelayCheckRepeat() error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.drain(nil)
	if d.inbox.work == nil {
		return nil
	}
	job := *d.inbox.work
	defer func() { d.inbox.work = nil }()

	local := d.config.Address
	pos := job.RelayPath.Index(local)
	switch {
	case pos < 0:
		logger().Warn(fmt.Sprintf("Relay job %d does not list this node in %v, dropping", job.ID, []Address(job.RelayPath)))
		return nil

	case pos < len(job.RelayPath)-1:
		return d.forward(job, job.RelayPath[pos+1])

	case job.Flags == FlagsRelaySend:
		return d.answer(job)

	default:
		logger().Debug(fmt.Sprintf("Late relay reply %d from %d, dropping", job.ID, job.From))
		return nil
	}
}

// forward moves a job one hop further and relays the reply back. Call with opMu held.
func (d *Device) forward(job RelayInFlight, next Address) error {
	d.journal.Record(fmt.Sprintf("Relaying Message to: %d\t Message: %q\tRelay List: %v",
		next, job.Message, []Address(job.RelayPath)))

	if err := d.sendToWaitRelay(job.Message, next, job.RelayPath, job.Flags, DefaultRetries, job.ID); err != nil {
		d.journal.Record(err.Error())
		return err
	}

	start := d.now()
	reply, ok := d.repeatWaitReturn(job)
	if !ok {
		err := &DeliveryError{Dest: next, Reason: NeverReturned}
		d.journal.Record(fmt.Sprintf("%s Time_ns: %d", err, d.now().Sub(start).Nanoseconds()))
		return err
	}
	d.inbox.last = nil

	pos := reply.RelayPath.Index(d.config.Address)
	if pos < 0 || pos >= len(reply.RelayPath)-1 {
		logger().Warn(fmt.Sprintf("Relay reply %d cannot be forwarded along %v", reply.ID, []Address(reply.RelayPath)))
		return nil
	}
	back := reply.RelayPath[pos+1]
	// The originator retransmits on loss, so the reply is forwarded once.
	if err := d.sendToWaitRelay(reply.Payload, back, reply.RelayPath, reply.Flags, 0, reply.ID); err != nil {
		logger().Debug("Relay reply not confirmed: " + err.Error())
	}
	d.journal.Record(fmt.Sprintf("LoRa got a response from Repeat Reply: %q", reply.Payload))
	return nil
}

// answer handles a job that reached the end of its path. Call with opMu held.
func (d *Device) answer(job RelayInFlight) error {
	if d.config.Handler == nil {
		logger().Warn(fmt.Sprintf("No receive handler, relay message %d from %d unanswered", job.ID, job.From))
		return nil
	}
	reply := d.config.Handler.OnReceive(job.received())

	rev := job.RelayPath.Reversed()
	if len(rev) < 2 {
		logger().Warn(fmt.Sprintf("Relay path %v too short to reply", []Address(job.RelayPath)))
		return nil
	}
	if err := d.sendToWaitRelay(reply, rev[1], rev, FlagsRelayReply, 0, job.ID); err != nil {
		logger().Debug("Relay reply not confirmed: " + err.Error())
	}
	return nil
}

// RelaySend is the originator side of a relayed exchange. It hands payload to
// the first hop, waits for the reply to travel back along the path and
// confirms it with a relay ack. path usually starts with this node's address.
// On failure the error is a *DeliveryError: CouldNotContact when the first hop
// never confirmed, NeverReturned when no reply came back.
// This method is concurrent safe.
func (d *Device) RelaySend(payload []byte, to Address, path RelayPath, id HeaderID) (ReceivedMessage, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if err := d.sendToWaitRelay(payload, to, path, FlagsRelaySend, DefaultRetries, id); err != nil {
		d.journal.Record(err.Error())
		return ReceivedMessage{}, err
	}

	start := d.now()
	reply, ok := d.repeatWaitReturn(RelayInFlight{Message: payload, ID: d.LastHeaderID(), RelayPath: path})
	// The reply addressed to us also lands as a relay job; it is consumed here.
	defer func() { d.inbox.work = nil }()
	if !ok {
		err := &DeliveryError{Dest: to, Reason: NeverReturned}
		d.journal.Record(fmt.Sprintf("%s Time_ns: %d", err, d.now().Sub(start).Nanoseconds()))
		return ReceivedMessage{}, err
	}

	d.journal.Record(fmt.Sprintf("Responded Relay: Time_ns: %d\t Payload: %s", d.now().Sub(start).Nanoseconds(), reply))
	if err := d.sendFlagged(reply.From, reply.ID, FlagsRelayReply); err != nil {
		logger().Warn("Relay ack not sent: " + err.Error())
	}
	return reply, nil
}
