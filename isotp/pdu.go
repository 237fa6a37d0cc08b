package isotp

import "time"

// FrameType is the ISO-TP frame type carried in the high nibble of the
// first payload byte.
type FrameType uint8

const (
	FrameTypeSingle      FrameType = 0x00
	FrameTypeFirst       FrameType = 0x10
	FrameTypeConsecutive FrameType = 0x20
	FrameTypeFlowControl FrameType = 0x30
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeSingle:
		return "SingleFrame"
	case FrameTypeFirst:
		return "FirstFrame"
	case FrameTypeConsecutive:
		return "ConsecutiveFrame"
	case FrameTypeFlowControl:
		return "FlowControlFrame"
	}
	return "Unknown"
}

// FlowStatus is the status nibble of a flow-control frame.
type FlowStatus uint8

const (
	FlowStatusContinue FlowStatus = 0x00
	FlowStatusWait     FlowStatus = 0x01
	FlowStatusOverflow FlowStatus = 0x02
)

// FlowControl holds the decoded body of a flow-control frame. STminByte
// keeps the raw wire byte; STmin() applies the standard decode.
type FlowControl struct {
	Status    FlowStatus
	BlockSize uint8
	STminByte uint8
}

// STmin decodes the separation-time byte: 0x00-0x7F are milliseconds,
// 0xF1-0xF9 are 100-900 microseconds, everything else is tolerated as 0.
func (fc FlowControl) STmin() time.Duration {
	switch {
	case fc.STminByte <= 0x7F:
		return time.Duration(fc.STminByte) * time.Millisecond
	case fc.STminByte >= 0xF1 && fc.STminByte <= 0xF9:
		return time.Duration(fc.STminByte-0xF0) * 100 * time.Microsecond
	}
	return 0
}

// DefaultFlowControl is what fromData synthesizes when the caller
// supplies no hint: continue to send, no block limit, 10 ms separation.
func DefaultFlowControl() FlowControl {
	return FlowControl{Status: FlowStatusContinue, BlockSize: 0, STminByte: 10}
}

// PDU is one ISO-TP frame's logical content, independent of CAN framing.
// Which fields are meaningful depends on Type: Single and Consecutive use
// Data (plus Sequence for Consecutive), First adds the total Length, and
// FlowControl uses only the FlowControl field.
type PDU struct {
	Type        FrameType
	Length      uint32
	Sequence    uint8
	Data        []byte
	FlowControl FlowControl
}

// NewSingle builds a single-frame PDU without consulting a codec budget;
// the codec's Encode rejects it later if it cannot fit.
func NewSingle(data []byte) (PDU, error) {
	if len(data) == 0 {
		return PDU{}, EmptyPayloadError{}
	}
	return PDU{Type: FrameTypeSingle, Data: data}, nil
}

// NewFlowControl builds a flow-control PDU from explicit parameters.
func NewFlowControl(fc FlowControl) PDU {
	return PDU{Type: FrameTypeFlowControl, FlowControl: fc}
}
