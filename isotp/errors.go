package isotp

import (
	"encoding/hex"
	"fmt"
)

// EmptyPayloadError reports a write of zero bytes.
type EmptyPayloadError struct{}

func (e EmptyPayloadError) Error() string {
	return "empty payload"
}

// MalformedPduError reports CAN payload bytes that do not parse as any
// ISO-TP frame type.
type MalformedPduError struct {
	Data []byte
}

func (e MalformedPduError) Error() string {
	return fmt.Sprintf("malformed PDU: %s", hex.EncodeToString(e.Data))
}

// LengthOutOfRangeError reports a payload length the selected profile
// cannot carry.
type LengthOutOfRangeError struct {
	Length uint32
}

func (e LengthOutOfRangeError) Error() string {
	return fmt.Sprintf("length %d out of range", e.Length)
}

// InvalidDataLengthError reports a frame or reassembly whose byte count
// disagrees with its declared length.
type InvalidDataLengthError struct {
	Actual   uint32
	Expected uint32
}

func (e InvalidDataLengthError) Error() string {
	return fmt.Sprintf("invalid data length: actual %d, expected %d", e.Actual, e.Expected)
}

// InvalidSequenceError reports a consecutive frame out of order.
type InvalidSequenceError struct {
	Actual   uint8
	Expected uint8
}

func (e InvalidSequenceError) Error() string {
	return fmt.Sprintf("invalid sequence: actual %d, expected %d", e.Actual, e.Expected)
}

// InvalidStateError reports a frame arriving while the channel was not waiting
// for that frame type.
type InvalidStateError struct {
	Expected State
	Found    State
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("unexpected state: expected %s, found %s", e.Expected, e.Found)
}

// MixFramesError reports a consecutive frame with no prior first frame
// declaring a length.
type MixFramesError struct{}

func (e MixFramesError) Error() string {
	return "consecutive frame without a preceding first frame"
}

// OverloadFlowError reports a remote flow-control frame with status
// Overflow.
type OverloadFlowError struct{}

func (e OverloadFlowError) Error() string {
	return "remote node reported overflow"
}

// ConvertError reports a failed PDU to frame conversion.
type ConvertError struct {
	Src    string
	Target string
}

func (e ConvertError) Error() string {
	return fmt.Sprintf("cannot convert %s to %s", e.Src, e.Target)
}

// ContextError reports a channel lookup or bookkeeping failure.
type ContextError struct {
	Op      string
	Channel string
}

func (e ContextError) Error() string {
	return fmt.Sprintf("context error: %s on channel %q", e.Op, e.Channel)
}

// DeviceError wraps a transport send failure.
type DeviceError struct {
	Cause error
}

func (e DeviceError) Error() string {
	if e.Cause == nil {
		return "device error"
	}
	return fmt.Sprintf("device error: %v", e.Cause)
}

func (e DeviceError) Unwrap() error {
	return e.Cause
}
