package rfm9x

import (
	"time"
)

type eventKind uint8

const (
	// eventReceived carries a frame delivered to this node.
	eventReceived eventKind = iota
	// eventOverheard carries a relay forward overheard from the next hop.
	eventOverheard
	// eventRelayWork carries a relayed frame addressed to this node.
	eventRelayWork
)

type event struct {
	kind  eventKind
	msg   ReceivedMessage
	relay RelayInFlight
}

// publish hands an event from the interrupt handler to the foreground. It
// never blocks: when the channel is full the oldest event is discarded.
func (d *Device) publish(ev event) {
	select {
	case d.events <- ev:
		return
	default:
	}
	select {
	case <-d.events:
		d.stats.eventsDropped.Add(1)
	default:
	}
	select {
	case d.events <- ev:
	default:
		d.stats.eventsDropped.Add(1)
	}
}

// inbox is the foreground view of published events. Only the latest
// received frame, overheard forward and relay job are kept.
type inbox struct {
	last      *ReceivedMessage
	overheard *RelayInFlight
	work      *RelayInFlight
}

func (in *inbox) apply(ev event) {
	switch ev.kind {
	case eventReceived:
		msg := ev.msg
		in.last = &msg
	case eventOverheard:
		rec := ev.relay
		in.overheard = &rec
	case eventRelayWork:
		rec := ev.relay
		in.work = &rec
	}
}

// deadline is a monotonic point in time that waits are bounded by.
type deadline struct {
	at  time.Time
	now func() time.Time
}

func (d *Device) deadlineAfter(dur time.Duration) deadline {
	return deadline{at: d.now().Add(dur), now: d.now}
}

// remaining returns the time left, never negative.
func (dl deadline) remaining() time.Duration {
	if r := dl.at.Sub(dl.now()); r > 0 {
		return r
	}
	return 0
}

func (dl deadline) expired() bool {
	return dl.remaining() == 0
}

// drain applies every pending event to the inbox. It stops early and returns
// true as soon as cond holds. A nil cond drains everything. Call with opMu held.
func (d *Device) drain(cond func(*inbox) bool) bool {
	for {
		select {
		case ev := <-d.events:
			d.inbox.apply(ev)
			if cond != nil && cond(&d.inbox) {
				return true
			}
		default:
			return false
		}
	}
}

// await consumes events until cond holds or dl passes. cond is evaluated
// after every event so a matching frame is never hidden by a later one.
// Call with opMu held.
func (d *Device) await(dl deadline, cond func(*inbox) bool) bool {
	if cond(&d.inbox) || d.drain(cond) {
		return true
	}

	timer := time.NewTimer(dl.remaining())
	defer timer.Stop()
	for {
		select {
		case ev := <-d.events:
			d.inbox.apply(ev)
			if cond(&d.inbox) {
				return true
			}
		case <-timer.C:
			return d.drain(cond)
		}
	}
}

// retryWindow is the jittered ack wait: RetryTimeout plus up to 100% extra.
func (d *Device) retryWindow() time.Duration {
	base := d.config.RetryTimeout
	return base + time.Duration(float64(base)*d.jitter())
}

// relayReturnWindow scales a retry window by the hops a reply has to travel.
func relayReturnWindow(window time.Duration, remainingHops int) time.Duration {
	if remainingHops < 1 {
		remainingHops = 1
	}
	return window * 4 * time.Duration(remainingHops)
}
