package rfm9x

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestSendToWaitAcked(t *testing.T) {
	e := newEther(t)
	sender := newTestNode(t, e, RadioConfig{Address: 1})
	inbox := &messageLog{}
	receiver := newTestNode(t, e, RadioConfig{Address: 2, AutoAck: true, Handler: inbox})
	receiver.Listen()

	reply, err := sender.SendToWait([]byte("hello"), 2, FlagsPlain, DefaultRetries, 0)
	if err != nil {
		t.Fatalf("SendToWait failed: %v", err)
	}
	if reply.From != 2 || reply.Flags != FlagsAck || reply.ID != 1 || string(reply.Payload) != "!" {
		t.Errorf("Unexpected ack %s", reply)
	}
	if sender.LastHeaderID() != 1 {
		t.Errorf("Expected header id 1, got %d", sender.LastHeaderID())
	}

	msgs := inbox.received()
	if len(msgs) != 1 || string(msgs[0].Payload) != "hello" || msgs[0].From != 1 {
		t.Fatalf("Expected one delivery of hello, got %v", msgs)
	}
	if msgs[0].RSSI == 0 {
		t.Error("Expected RSSI on delivered message")
	}
	if got := receiver.Stats().AcksSent; got != 1 {
		t.Errorf("Expected 1 ack sent, got %d", got)
	}
	eventually(t, time.Second, func() bool { return receiver.Mode() == ModeReceive },
		"receiver back in receive after ack")
	if !sender.jnl.contains("Direct Message Reply") {
		t.Error("Expected reply to be journaled")
	}
}

func TestSendToWaitRetries(t *testing.T) {
	e := newEther(t)
	sender := newTestNode(t, e, RadioConfig{Address: 1, RetryTimeout: 20 * time.Millisecond})

	_, err := sender.SendToWait([]byte("anyone?"), 9, FlagsPlain, 2, 0)

	var de *DeliveryError
	if !errors.As(err, &de) || de.Reason != CouldNotContact || de.Dest != 9 {
		t.Fatalf("Expected CouldNotContact for 9, got %v", err)
	}
	if !errors.Is(err, ErrCouldNotContact) {
		t.Error("Expected errors.Is ErrCouldNotContact")
	}
	if err.Error() != "1.9.could not contact" {
		t.Errorf("Unexpected status line %q", err.Error())
	}

	eventually(t, time.Second, func() bool { return len(e.sent(sender.spi)) == 3 }, "three transmissions")
	for _, f := range e.sent(sender.spi) {
		if f.ID != 1 {
			t.Errorf("Expected every attempt to reuse id 1, got %d", f.ID)
		}
	}
	if !sender.jnl.contains("1.9.could not contact") {
		t.Error("Expected failure to be journaled")
	}
}

func TestSendToWaitBroadcast(t *testing.T) {
	e := newEther(t)
	sender := newTestNode(t, e, RadioConfig{Address: 1, RetryTimeout: time.Second})

	start := time.Now()
	if _, err := sender.SendToWait([]byte("all"), BroadcastAddress, FlagsPlain, DefaultRetries, 0); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Expected broadcast not to wait for an ack")
	}
	eventually(t, time.Second, func() bool { return len(e.sent(sender.spi)) == 1 }, "one transmission")
}

func TestBroadcastNeedsReceiveAll(t *testing.T) {
	e := newEther(t)
	sender := newTestNode(t, e, RadioConfig{Address: 1})
	deaf := &messageLog{}
	n2 := newTestNode(t, e, RadioConfig{Address: 2, Handler: deaf})
	all := &messageLog{}
	n3 := newTestNode(t, e, RadioConfig{Address: 3, ReceiveAll: true, AutoAck: true, Handler: all})
	n2.Listen()
	n3.Listen()

	if _, err := sender.SendToWait([]byte("all"), BroadcastAddress, FlagsPlain, 0, 0); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	eventually(t, time.Second, func() bool { return len(all.received()) == 1 }, "broadcast delivered with ReceiveAll")
	eventually(t, time.Second, func() bool { return n2.Stats().Intercepted == 1 }, "broadcast swallowed without ReceiveAll")
	if len(deaf.received()) != 0 {
		t.Error("Expected no delivery without ReceiveAll")
	}
	if n3.Stats().AcksSent != 0 {
		t.Error("Expected broadcasts not to be acked")
	}
}

func TestOtherNodesTrafficIntercepted(t *testing.T) {
	e := newEther(t)
	sender := newTestNode(t, e, RadioConfig{Address: 1, RetryTimeout: 20 * time.Millisecond})
	bystanderLog := &messageLog{}
	bystander := newTestNode(t, e, RadioConfig{Address: 3, AutoAck: true, Handler: bystanderLog})
	bystander.Listen()

	_, _ = sender.SendToWait([]byte("for 2"), 2, FlagsPlain, 0, 0)

	eventually(t, time.Second, func() bool { return bystander.Stats().Intercepted == 1 }, "frame intercepted")
	if len(bystanderLog.received()) != 0 || bystander.Stats().AcksSent != 0 {
		t.Error("Expected a frame for another node to be neither delivered nor acked")
	}
}

func TestEncryptedExchange(t *testing.T) {
	key := []byte("0123456789abcdef")
	c1, err := NewAESCipher(key)
	if err != nil {
		t.Fatalf("NewAESCipher failed: %v", err)
	}
	c2, _ := NewAESCipher(key)

	e := newEther(t)
	sender := newTestNode(t, e, RadioConfig{Address: 1, Cipher: c1})
	inbox := &messageLog{}
	receiver := newTestNode(t, e, RadioConfig{Address: 2, AutoAck: true, Cipher: c2, Handler: inbox})
	receiver.Listen()

	reply, err := sender.SendToWait([]byte("secret"), 2, FlagsPlain, DefaultRetries, 0)
	if err != nil {
		t.Fatalf("SendToWait failed: %v", err)
	}
	if string(reply.Payload) != "!" {
		t.Errorf("Expected decrypted ack payload, got %q", reply.Payload)
	}
	msgs := inbox.received()
	if len(msgs) != 1 || string(msgs[0].Payload) != "secret" {
		t.Fatalf("Expected decrypted delivery, got %v", msgs)
	}

	onAir := e.sent(sender.spi)[0].Payload
	if len(onAir) != CipherBlockSize || bytes.Contains(onAir, []byte("secret")) {
		t.Errorf("Expected one encrypted block on air, got %q", onAir)
	}
}

func TestSendAck(t *testing.T) {
	e := newEther(t)
	sender := newTestNode(t, e, RadioConfig{Address: 1})

	if err := sender.SendAck(4, 42); err != nil {
		t.Fatalf("SendAck failed: %v", err)
	}
	if err := sender.SendRelayAck(4, 43); err != nil {
		t.Fatalf("SendRelayAck failed: %v", err)
	}
	if sender.Mode() != ModeReceive {
		t.Errorf("Expected receive after ack, got %s", sender.Mode())
	}

	eventually(t, time.Second, func() bool { return len(e.sent(sender.spi)) == 2 }, "two acks")
	sent := e.sent(sender.spi)
	if sent[0].Flags != FlagsAck || sent[0].ID != 42 || string(sent[0].Payload) != "!" {
		t.Errorf("Unexpected ack %s", sent[0])
	}
	if sent[1].Flags != FlagsRelayReply || sent[1].ID != 43 {
		t.Errorf("Unexpected relay ack %s", sent[1])
	}
}

func TestRelayTraversal(t *testing.T) {
	e := newEther(t)
	origin := newTestNode(t, e, RadioConfig{Address: 1})
	hop := newTestNode(t, e, RadioConfig{Address: 2})
	sink := &messageLog{reply: []byte("Pressure")}
	dest := newTestNode(t, e, RadioConfig{Address: 3, Handler: sink})
	for _, n := range []*testNode{origin, hop, dest} {
		n.Listen()
	}
	hop.serveRelay(t)
	dest.serveRelay(t)

	reply, err := origin.RelaySend([]byte("valve open"), 2, RelayPath{1, 2, 3}, 0)
	if err != nil {
		t.Fatalf("RelaySend failed: %v", err)
	}
	if string(reply.Payload) != "Pressure" || reply.Flags != FlagsRelayReply || reply.From != 2 {
		t.Errorf("Unexpected relay reply %s", reply)
	}
	if got := []Address(reply.RelayPath); len(got) != 3 || got[0] != 3 || got[2] != 1 {
		t.Errorf("Expected reply along [3 2 1], got %v", got)
	}

	msgs := sink.received()
	if len(msgs) != 1 || string(msgs[0].Payload) != "valve open" || msgs[0].Flags != FlagsRelaySend {
		t.Fatalf("Expected one relay delivery at the destination, got %v", msgs)
	}

	// The hop forwarded the request to 3 and the reply back to 1.
	var toDest, toOrigin bool
	for _, f := range e.sent(hop.spi) {
		toDest = toDest || (f.To == 3 && f.Flags == FlagsRelaySend)
		toOrigin = toOrigin || (f.To == 1 && f.Flags == FlagsRelayReply && string(f.Payload) == "Pressure")
	}
	if !toDest || !toOrigin {
		t.Errorf("Expected hop to forward both ways, sent %v", e.sent(hop.spi))
	}
	// The originator confirmed the reply to the hop that delivered it.
	eventually(t, time.Second, func() bool {
		for _, f := range e.sent(origin.spi) {
			if f.To == 2 && f.Flags == FlagsRelayReply && string(f.Payload) == "!" {
				return true
			}
		}
		return false
	}, "relay ack from originator")
	if !hop.jnl.contains("Relaying Message to: 3") {
		t.Error("Expected forward to be journaled")
	}
}

func TestRelaySendCouldNotContact(t *testing.T) {
	e := newEther(t)
	origin := newTestNode(t, e, RadioConfig{Address: 1, RetryTimeout: 20 * time.Millisecond})

	_, err := origin.RelaySend([]byte("x"), 2, RelayPath{1, 2, 3}, 0)
	if !errors.Is(err, ErrCouldNotContact) {
		t.Fatalf("Expected CouldNotContact, got %v", err)
	}
	eventually(t, time.Second, func() bool { return len(e.sent(origin.spi)) == DefaultRetries+1 }, "all attempts sent")
}

func TestRelaySendNeverReturned(t *testing.T) {
	e := newEther(t)
	origin := newTestNode(t, e, RadioConfig{Address: 1})
	hop := newTestNode(t, e, RadioConfig{Address: 2})
	origin.Listen()
	hop.Listen()
	hop.serveRelay(t)

	_, err := origin.RelaySend([]byte("x"), 2, RelayPath{1, 2, 3}, 0)

	var de *DeliveryError
	if !errors.As(err, &de) || de.Reason != NeverReturned || de.Dest != 2 {
		t.Fatalf("Expected NeverReturned for 2, got %v", err)
	}
	if !errors.Is(err, ErrNeverReturned) {
		t.Error("Expected errors.Is ErrNeverReturned")
	}
	eventually(t, time.Second, func() bool { return hop.jnl.contains("1.3.could not contact") },
		"hop gives up on 3")
}

func TestRelayCheckRepeatIdle(t *testing.T) {
	n := newTestNode(t, nil, RadioConfig{Address: 1})
	if err := n.RelayCheckRepeat(); err != nil {
		t.Errorf("Expected nil with no relay job, got %v", err)
	}
}

func TestRelayJobNotListingNodeDropped(t *testing.T) {
	n := newTestNode(t, nil, RadioConfig{Address: 5})
	n.publish(event{kind: eventRelayWork, relay: RelayInFlight{ID: 3, Flags: FlagsRelaySend, RelayPath: RelayPath{1, 2}}})

	if err := n.RelayCheckRepeat(); err != nil {
		t.Errorf("Expected job to be dropped quietly, got %v", err)
	}
	n.opMu.Lock()
	defer n.opMu.Unlock()
	if n.inbox.work != nil {
		t.Error("Expected relay job cleared")
	}
}
