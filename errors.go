package rfm9x

import (
	"errors"
	"fmt"
)

var (
	ErrPkg             = errors.New("rfm9x")
	ErrNotDetected     = errors.New("transceiver not detected")
	ErrTimeout         = errors.New("timeout waiting for device")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidFrame    = errors.New("invalid frame")
	ErrCipher          = errors.New("cipher failure")
	ErrCouldNotContact = errors.New("could not contact")
	ErrNeverReturned   = errors.New("forwarded message never returned")
	ErrClosed          = errors.New("device closed")
)

// FailureReason classifies a DeliveryError. The numeric value is the status
// code reported to the host console.
type FailureReason int

const (
	// CouldNotContact means no ack or relay confirmation arrived within the retries.
	CouldNotContact FailureReason = 1
	// NeverReturned means the relay hop confirmed but no reply came back along the path.
	NeverReturned FailureReason = 2
)

// DeliveryError is returned when a send or relay exchange is abandoned.
type DeliveryError struct {
	Dest   Address
	Reason FailureReason
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%d.%d.%s", int(e.Reason), e.Dest, e.Unwrap())
}

func (e *DeliveryError) Unwrap() error {
	if e.Reason == NeverReturned {
		return ErrNeverReturned
	}
	return ErrCouldNotContact
}
