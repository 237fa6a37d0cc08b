// Package device defines the CAN device surface the transport layer
// drives, plus three backends: an in-process virtual bus, a SocketCAN
// adapter and an SLCAN serial adapter.
package device

import "github.com/LoveWonYoung/iso15765/can"

// Listener receives device traffic callbacks. OnFrameReceived delivers
// inbound frames in bus order; OnFrameTransmitted acknowledges one
// outbound frame by its arbitration id.
type Listener interface {
	OnFrameReceived(channel string, frames []can.Frame)
	OnFrameTransmitted(channel string, id uint32)
}

// Device is one CAN endpoint. Outbound frames go through the Send
// queue; inbound traffic and transmit acknowledgements arrive on the
// registered listeners.
type Device interface {
	// Send queues one outbound frame. It fails once the device is closed
	// or the transport is gone; queued frames are still delivered.
	Send(frame can.Frame) error
	// RegisterListener adds a named listener; false if the name is taken.
	RegisterListener(name string, l Listener) bool
	// UnregisterListener removes a named listener; false if unknown.
	UnregisterListener(name string) bool
	// Start launches the device's transmit/receive loops.
	Start()
	// Close stops the loops and releases the transport.
	Close() error
}
