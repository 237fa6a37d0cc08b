package isotp

import (
	"encoding/binary"
	"math"

	"github.com/LoveWonYoung/iso15765/can"
)

// Standard selects the ISO 15765-2 revision the codec speaks.
type Standard uint8

const (
	// Std2004 is the 2004 revision: nibble-coded single-frame lengths and
	// 12-bit first-frame lengths only.
	Std2004 Standard = iota
	// Std2016 adds the escape forms: byte-coded single-frame lengths and
	// 32-bit first-frame lengths.
	Std2016
)

func (s Standard) String() string {
	if s == Std2004 {
		return "ISO15765-2:2004"
	}
	return "ISO15765-2:2016"
}

// Codec turns payloads into PDU sequences and raw CAN payloads into
// typed PDUs. It is stateless and safe for concurrent use.
type Codec struct {
	Standard Standard
	FD       bool
	Padding  byte
}

// NewCodec builds a codec with the revision's customary padding byte,
// 0xAA for 2016 and 0x00 for 2004.
func NewCodec(standard Standard, fd bool) Codec {
	c := Codec{Standard: standard, FD: fd}
	if standard == Std2016 {
		c.Padding = 0xAA
	}
	return c
}

// maxFrame is the largest CAN payload the codec may emit.
func (c Codec) maxFrame() int {
	if c.FD {
		return 64
	}
	return 8
}

// singleBudget is the largest payload one single frame carries.
func (c Codec) singleBudget() int {
	if c.Standard == Std2004 {
		// The length lives in a nibble, so CAN-FD tops out at 15.
		if b := c.maxFrame() - 1; b < 15 {
			return b
		}
		return 15
	}
	if c.FD {
		return c.maxFrame() - 2
	}
	return 7
}

// firstBudget is the payload chunk a first frame carries for the given
// total length.
func (c Codec) firstBudget(total uint32) int {
	if c.Standard == Std2016 && total > 0xFFF {
		return c.maxFrame() - 6
	}
	return c.maxFrame() - 2
}

// Decode parses one received CAN payload into a typed PDU. Malformed
// input returns an error, never panics.
func (c Codec) Decode(data []byte) (PDU, error) {
	if len(data) < 3 {
		return PDU{}, MalformedPduError{Data: append([]byte(nil), data...)}
	}
	switch FrameType(data[0] & 0xF0) {
	case FrameTypeSingle:
		return c.decodeSingle(data)
	case FrameTypeFirst:
		return c.decodeFirst(data)
	case FrameTypeConsecutive:
		return PDU{
			Type:     FrameTypeConsecutive,
			Sequence: data[0] & 0x0F,
			Data:     append([]byte(nil), data[1:]...),
		}, nil
	case FrameTypeFlowControl:
		status := FlowStatus(data[0] & 0x0F)
		if status > FlowStatusOverflow {
			return PDU{}, MalformedPduError{Data: append([]byte(nil), data...)}
		}
		return PDU{
			Type: FrameTypeFlowControl,
			FlowControl: FlowControl{
				Status:    status,
				BlockSize: data[1],
				STminByte: data[2],
			},
		}, nil
	}
	return PDU{}, MalformedPduError{Data: append([]byte(nil), data...)}
}

func (c Codec) decodeSingle(data []byte) (PDU, error) {
	length := int(data[0] & 0x0F)
	if length == 0 {
		if c.Standard == Std2004 {
			return PDU{}, MalformedPduError{Data: append([]byte(nil), data...)}
		}
		// 2016 escape form: the real length sits in the second byte.
		length = int(data[1])
		if length > c.maxFrame()-2 {
			return PDU{}, LengthOutOfRangeError{Length: uint32(length)}
		}
		if 2+length > len(data) {
			return PDU{}, InvalidDataLengthError{
				Actual:   uint32(len(data) - 2),
				Expected: uint32(length),
			}
		}
		return PDU{
			Type: FrameTypeSingle,
			Data: append([]byte(nil), data[2:2+length]...),
		}, nil
	}
	if length > c.singleBudget() {
		return PDU{}, LengthOutOfRangeError{Length: uint32(length)}
	}
	if 1+length > len(data) {
		return PDU{}, InvalidDataLengthError{
			Actual:   uint32(len(data) - 1),
			Expected: uint32(length),
		}
	}
	return PDU{
		Type: FrameTypeSingle,
		Data: append([]byte(nil), data[1:1+length]...),
	}, nil
}

func (c Codec) decodeFirst(data []byte) (PDU, error) {
	// The sender fills the first frame completely; anything shorter is a
	// framing fault.
	if len(data) != c.maxFrame() {
		return PDU{}, InvalidDataLengthError{
			Actual:   uint32(len(data)),
			Expected: uint32(c.maxFrame()),
		}
	}
	length := uint32(data[0]&0x0F)<<8 | uint32(data[1])
	start := 2
	if length == 0 {
		if c.Standard == Std2004 {
			return PDU{}, MalformedPduError{Data: append([]byte(nil), data...)}
		}
		// 2016 escape form: 32-bit big-endian length.
		length = binary.BigEndian.Uint32(data[2:6])
		start = 6
	}
	return PDU{
		Type:   FrameTypeFirst,
		Length: length,
		Data:   append([]byte(nil), data[start:]...),
	}, nil
}

// Encode renders a PDU as raw CAN payload bytes. Single, first and
// flow-control frames are padded out with the codec's padding byte;
// consecutive frames are not, since the chunk has no length field of its
// own. CAN-FD padding rounds up to the next DLC bucket.
func (c Codec) Encode(p PDU) ([]byte, error) {
	switch p.Type {
	case FrameTypeSingle:
		return c.encodeSingle(p)
	case FrameTypeFirst:
		return c.encodeFirst(p)
	case FrameTypeConsecutive:
		if len(p.Data) == 0 {
			return nil, EmptyPayloadError{}
		}
		if len(p.Data) > c.maxFrame()-1 {
			return nil, LengthOutOfRangeError{Length: uint32(len(p.Data))}
		}
		out := make([]byte, 0, 1+len(p.Data))
		out = append(out, byte(FrameTypeConsecutive)|p.Sequence&0x0F)
		return append(out, p.Data...), nil
	case FrameTypeFlowControl:
		if p.FlowControl.Status > FlowStatusOverflow {
			return nil, MalformedPduError{}
		}
		out := make([]byte, 8)
		out[0] = byte(FrameTypeFlowControl) | byte(p.FlowControl.Status)
		out[1] = p.FlowControl.BlockSize
		out[2] = p.FlowControl.STminByte
		for i := 3; i < 8; i++ {
			out[i] = c.Padding
		}
		return out, nil
	}
	return nil, MalformedPduError{}
}

func (c Codec) encodeSingle(p PDU) ([]byte, error) {
	if len(p.Data) == 0 {
		return nil, EmptyPayloadError{}
	}
	if len(p.Data) > c.singleBudget() {
		return nil, LengthOutOfRangeError{Length: uint32(len(p.Data))}
	}
	var out []byte
	if c.Standard == Std2016 && len(p.Data) > 7 {
		// Escape form.
		out = make([]byte, 0, 2+len(p.Data))
		out = append(out, byte(FrameTypeSingle), byte(len(p.Data)))
	} else {
		out = make([]byte, 0, 1+len(p.Data))
		out = append(out, byte(FrameTypeSingle)|byte(len(p.Data)))
	}
	out = append(out, p.Data...)
	return c.pad(out), nil
}

func (c Codec) encodeFirst(p PDU) ([]byte, error) {
	if p.Length > 0xFFF && c.Standard == Std2004 {
		return nil, LengthOutOfRangeError{Length: p.Length}
	}
	var out []byte
	if c.Standard == Std2016 && p.Length > 0xFFF {
		out = make([]byte, 6, c.maxFrame())
		out[0] = byte(FrameTypeFirst)
		binary.BigEndian.PutUint32(out[2:6], p.Length)
	} else {
		out = make([]byte, 2, c.maxFrame())
		out[0] = byte(FrameTypeFirst) | byte(p.Length>>8&0x0F)
		out[1] = byte(p.Length)
	}
	if len(out)+len(p.Data) > c.maxFrame() {
		return nil, InvalidDataLengthError{
			Actual:   uint32(len(out) + len(p.Data)),
			Expected: uint32(c.maxFrame()),
		}
	}
	out = append(out, p.Data...)
	for len(out) < c.maxFrame() {
		out = append(out, c.Padding)
	}
	return out, nil
}

// pad extends a single-frame payload to a full classic frame or the next
// CAN-FD bucket.
func (c Codec) pad(data []byte) []byte {
	target := 8
	if c.FD {
		target = can.NearestSize(len(data))
	}
	for len(data) < target {
		data = append(data, c.Padding)
	}
	return data
}

// FromData segments a payload into the ordered PDU sequence a transmit
// needs. A payload within the single-frame budget yields one single
// frame. Anything larger yields a first frame, the flow-control frames
// the local side will answer with (callers pass hints, otherwise a
// Continue/0/10ms default is synthesized), then consecutive frames with
// the sequence starting at 1 and wrapping 15 to 0.
func (c Codec) FromData(payload []byte, hints ...FlowControl) ([]PDU, error) {
	if len(payload) == 0 {
		return nil, EmptyPayloadError{}
	}
	if len(payload) <= c.singleBudget() {
		return []PDU{{Type: FrameTypeSingle, Data: append([]byte(nil), payload...)}}, nil
	}
	if c.Standard == Std2004 && len(payload) > 0xFFF {
		return nil, LengthOutOfRangeError{Length: uint32(len(payload))}
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, LengthOutOfRangeError{Length: math.MaxUint32}
	}

	total := uint32(len(payload))
	firstLen := c.firstBudget(total)
	pdus := []PDU{{
		Type:   FrameTypeFirst,
		Length: total,
		Data:   append([]byte(nil), payload[:firstLen]...),
	}}
	if len(hints) == 0 {
		hints = []FlowControl{DefaultFlowControl()}
	}
	for _, fc := range hints {
		pdus = append(pdus, NewFlowControl(fc))
	}

	chunk := c.maxFrame() - 1
	sequence := uint8(1)
	for offset := firstLen; offset < len(payload); offset += chunk {
		end := offset + chunk
		if end > len(payload) {
			end = len(payload)
		}
		pdus = append(pdus, PDU{
			Type:     FrameTypeConsecutive,
			Sequence: sequence,
			Data:     append([]byte(nil), payload[offset:end]...),
		})
		sequence = (sequence + 1) & 0x0F
	}
	return pdus, nil
}
