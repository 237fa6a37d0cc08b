// Package can holds the CAN frame model shared by the transport layer and
// the device adapters: the frame value type, DLC/length conversion for
// classic CAN and CAN-FD, and asc-style text rendering.
package can

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Direct marks which way a frame travelled on the bus.
type Direct uint8

const (
	Transmit Direct = iota
	Receive
)

func (d Direct) String() string {
	if d == Transmit {
		return "Tx"
	}
	return "Rx"
}

// Frame is one CAN 2.0 or CAN-FD frame. ID carries the raw arbitration
// bits; the transport layer only ever compares it against configured ids.
type Frame struct {
	ID            uint32
	Data          []byte
	Channel       string
	Extended      bool
	FD            bool
	BitrateSwitch bool
	Remote        bool
	Direct        Direct
	Timestamp     uint64
}

// canFdSizes are the payload sizes a CAN-FD DLC can express above 8 bytes.
var canFdSizes = []int{12, 16, 20, 24, 32, 48, 64}

// NearestSize rounds size up to the next length a CAN frame can carry:
// identity up to 8, then the CAN-FD DLC buckets. Sizes above 64 are
// rejected with -1.
func NearestSize(size int) int {
	if size <= 8 {
		return size
	}
	for _, s := range canFdSizes {
		if size <= s {
			return s
		}
	}
	return -1
}

// LengthToDlc converts a payload length to the DLC value encoding it.
// The length must be one NearestSize can return.
func LengthToDlc(length int) (uint8, error) {
	if length >= 0 && length <= 8 {
		return uint8(length), nil
	}
	for i, s := range canFdSizes {
		if length == s {
			return uint8(9 + i), nil
		}
	}
	return 0, fmt.Errorf("no DLC encodes a %d byte payload", length)
}

// DlcToLength converts a DLC value to the payload length it declares.
func DlcToLength(dlc uint8) (int, error) {
	if dlc <= 8 {
		return int(dlc), nil
	}
	if dlc <= 15 {
		return canFdSizes[dlc-9], nil
	}
	return 0, fmt.Errorf("invalid DLC %d", dlc)
}

// String renders the frame in the asc candump style,
// e.g. "can0 7e0 Tx [8] (fd,brs) 0210010000000000".
func (f *Frame) String() string {
	var idStr string
	if f.Extended {
		idStr = fmt.Sprintf("%08x", f.ID)
	} else {
		idStr = fmt.Sprintf("%03x", f.ID)
	}
	var flags []string
	if f.FD {
		flags = append(flags, "fd")
	}
	if f.BitrateSwitch {
		flags = append(flags, "brs")
	}
	if f.Remote {
		flags = append(flags, "rtr")
	}
	var flagStr string
	if len(flags) > 0 {
		flagStr = fmt.Sprintf(" (%s)", strings.Join(flags, ","))
	}
	return fmt.Sprintf("%s %s %s [%d]%s %s",
		f.Channel, idStr, f.Direct, len(f.Data), flagStr, hex.EncodeToString(f.Data))
}
