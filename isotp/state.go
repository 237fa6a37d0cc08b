package isotp

import "strings"

// State is a bitset over the channel's protocol phases. Several wait
// flags may be set at once (a sender of a first frame is Sending and
// WaitFlowCtrl); StateError is exclusive and absorbs everything else.
type State uint8

const (
	StateIdle            State = 0x00
	StateSending         State = 0x01
	StateWaitSingle      State = 0x02
	StateWaitFirst       State = 0x04
	StateWaitFlowCtrl    State = 0x08
	StateWaitData        State = 0x10
	StateWaitBusy        State = 0x20
	StateResponsePending State = 0x40
	StateError           State = 0x80
)

var stateNames = []struct {
	flag State
	name string
}{
	{StateSending, "Sending"},
	{StateWaitSingle, "WaitSingle"},
	{StateWaitFirst, "WaitFirst"},
	{StateWaitFlowCtrl, "WaitFlowCtrl"},
	{StateWaitData, "WaitData"},
	{StateWaitBusy, "WaitBusy"},
	{StateResponsePending, "ResponsePending"},
	{StateError, "Error"},
}

func (s State) String() string {
	if s == StateIdle {
		return "Idle"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether every flag in mask is set.
func (s State) Has(mask State) bool {
	return s&mask == mask
}

// Any reports whether at least one flag in mask is set.
func (s State) Any(mask State) bool {
	return s&mask != 0
}
