package rfm9x

import (
	"fmt"
)

// Address identifies a node. 0..254 are concrete nodes, 255 is broadcast.
type Address byte

// BroadcastAddress is accepted by every node and never acknowledged.
const BroadcastAddress Address = 255

// HeaderID correlates a request with its ack and relay replies. Valid ids are 1..255.
type HeaderID byte

// NextHeaderID returns the id following last, wrapping 255 to 1 and never yielding 0.
func NextHeaderID(last HeaderID) HeaderID {
	if last >= 255 {
		return 1
	}
	return last + 1
}

// Flags marks the kind of a frame. The values are mutually exclusive.
type Flags byte

const (
	FlagsPlain      Flags = 0x00
	FlagsAck        Flags = 0x80
	FlagsRelaySend  Flags = 0x81
	FlagsRelayReply Flags = 0x82
)

// carriesAck reports whether the ack bit is set, which is true for acks and both relay kinds.
func (f Flags) carriesAck() bool {
	return f&FlagsAck != 0
}

func (f Flags) String() string {
	switch f {
	case FlagsPlain:
		return "plain"
	case FlagsAck:
		return "ack"
	case FlagsRelaySend:
		return "relay-send"
	case FlagsRelayReply:
		return "relay-reply"
	default:
		return fmt.Sprintf("flags(%#02x)", byte(f))
	}
}

// RelayPath is the ordered forwarding chain from originator to destination.
type RelayPath []Address

// Index returns the position of a in the path or -1.
func (p RelayPath) Index(a Address) int {
	for i, v := range p {
		if v == a {
			return i
		}
	}
	return -1
}

// Reversed returns a new path in reverse order, the route a reply takes.
func (p RelayPath) Reversed() RelayPath {
	if p == nil {
		return nil
	}
	r := make(RelayPath, len(p))
	for i, v := range p {
		r[len(p)-1-i] = v
	}
	return r
}

// Frame is one radio packet.
// Wire layout: to | from | id | flags | relayCount | relay[relayCount] | payload.
type Frame struct {
	To        Address
	From      Address
	ID        HeaderID
	Flags     Flags
	RelayPath RelayPath
	Payload   []byte
}

const (
	_HEADER_SIZE   = 5 // to, from, id, flags, relay count
	_MAX_RELAY_LEN = _FIFO_SIZE - _HEADER_SIZE
)

func (f Frame) String() string {
	return fmt.Sprintf("Frame(to=%d, from=%d, id=%d, flags=%s, relay=%v, payload=%q)",
		f.To, f.From, f.ID, f.Flags, []Address(f.RelayPath), f.Payload)
}

// EncodeFrame serializes f without encryption.
// It returns ErrPayloadTooLarge when the frame would not fit the FIFO.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.RelayPath) > _MAX_RELAY_LEN {
		return nil, fmt.Errorf("%w: relay path of %d hops", ErrPayloadTooLarge, len(f.RelayPath))
	}
	size := _HEADER_SIZE + len(f.RelayPath) + len(f.Payload)
	if size > _FIFO_SIZE {
		return nil, fmt.Errorf("%w: frame is %d bytes, limit is %d", ErrPayloadTooLarge, size, _FIFO_SIZE)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(f.To), byte(f.From), byte(f.ID), byte(f.Flags), byte(len(f.RelayPath)))
	for _, a := range f.RelayPath {
		buf = append(buf, byte(a))
	}
	buf = append(buf, f.Payload...)
	return buf, nil
}

// DecodeFrame parses a raw packet. Packets shorter than the header, or whose
// relay count points past the end of the packet, yield ErrInvalidFrame.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < _HEADER_SIZE {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(data))
	}
	n := int(data[4])
	if _HEADER_SIZE+n > len(data) {
		return Frame{}, fmt.Errorf("%w: relay count %d exceeds %d byte packet", ErrInvalidFrame, n, len(data))
	}

	f := Frame{
		To:    Address(data[0]),
		From:  Address(data[1]),
		ID:    HeaderID(data[2]),
		Flags: Flags(data[3]),
	}
	if n > 0 {
		f.RelayPath = make(RelayPath, n)
		for i := range n {
			f.RelayPath[i] = Address(data[_HEADER_SIZE+i])
		}
	}
	f.Payload = make([]byte, len(data)-_HEADER_SIZE-n)
	copy(f.Payload, data[_HEADER_SIZE+n:])
	return f, nil
}

// ReceivedMessage is a decoded frame with the link quality measured on reception.
type ReceivedMessage struct {
	Frame
	RSSI float64 // dBm
	SNR  float64 // dB, quarter-dB resolution
}

// RelayInFlight is the bookkeeping for a frame being relayed through this node.
type RelayInFlight struct {
	Message      []byte
	To           Address
	From         Address
	FromPrevious Address // hop that handed the frame to this node
	ID           HeaderID
	Flags        Flags
	RelayPath    RelayPath
	RSSI         float64
	SNR          float64
}

// received converts the record into the message shape handed to a ReceiveHandler.
func (r RelayInFlight) received() ReceivedMessage {
	return ReceivedMessage{
		Frame: Frame{
			To:        r.To,
			From:      r.From,
			ID:        r.ID,
			Flags:     r.Flags,
			RelayPath: r.RelayPath,
			Payload:   r.Message,
		},
		RSSI: r.RSSI,
		SNR:  r.SNR,
	}
}
