package device

import (
	"fmt"
	"sort"
	"sync"

	brutcan "github.com/brutella/can"
	log "github.com/sirupsen/logrus"

	"github.com/LoveWonYoung/iso15765/can"
)

const effFlag uint32 = 0x80000000

// SocketCAN drives a Linux SocketCAN interface through brutella/can.
// Classic CAN only; the kernel acknowledges transmits implicitly, so the
// adapter acks to its listeners right after a successful publish.
type SocketCAN struct {
	channel string
	bus     *brutcan.Bus

	mu        sync.RWMutex
	listeners map[string]Listener
	started   bool
	closed    bool
}

// NewSocketCAN opens the named SocketCAN interface, e.g. "can0".
func NewSocketCAN(channel string) (*SocketCAN, error) {
	bus, err := brutcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	d := &SocketCAN{
		channel:   channel,
		bus:       bus,
		listeners: make(map[string]Listener),
	}
	bus.Subscribe(d)
	return d, nil
}

func (d *SocketCAN) Channel() string {
	return d.channel
}

func (d *SocketCAN) Send(frame can.Frame) error {
	if len(frame.Data) > 8 {
		return fmt.Errorf("socketcan: %d byte payload exceeds classic CAN", len(frame.Data))
	}
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return fmt.Errorf("socketcan device %s is closed", d.channel)
	}
	out := brutcan.Frame{
		ID:     frame.ID,
		Length: uint8(len(frame.Data)),
	}
	if frame.Extended {
		out.ID |= effFlag
	}
	copy(out.Data[:], frame.Data)
	if err := d.bus.Publish(out); err != nil {
		return err
	}
	d.dispatchTransmitted(frame.ID)
	return nil
}

// Handle implements brutella/can's receive callback.
func (d *SocketCAN) Handle(frame brutcan.Frame) {
	length := int(frame.Length)
	if length > 8 {
		length = 8
	}
	rx := can.Frame{
		ID:       frame.ID &^ effFlag,
		Data:     append([]byte(nil), frame.Data[:length]...),
		Channel:  d.channel,
		Extended: frame.ID&effFlag != 0,
		Direct:   can.Receive,
	}
	d.dispatchReceived([]can.Frame{rx})
}

func (d *SocketCAN) RegisterListener(name string, l Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listeners[name]; ok {
		return false
	}
	d.listeners[name] = l
	return true
}

func (d *SocketCAN) UnregisterListener(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listeners[name]; !ok {
		return false
	}
	delete(d.listeners, name)
	return true
}

func (d *SocketCAN) snapshot() []Listener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.listeners))
	for name := range d.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Listener, 0, len(names))
	for _, name := range names {
		out = append(out, d.listeners[name])
	}
	return out
}

func (d *SocketCAN) dispatchReceived(frames []can.Frame) {
	for _, l := range d.snapshot() {
		l.OnFrameReceived(d.channel, frames)
	}
}

func (d *SocketCAN) dispatchTransmitted(id uint32) {
	for _, l := range d.snapshot() {
		l.OnFrameTransmitted(d.channel, id)
	}
}

func (d *SocketCAN) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	go func() {
		if err := d.bus.ConnectAndPublish(); err != nil {
			log.Warnf("socketcan %s: receive loop ended: %v", d.channel, err)
		}
	}()
}

func (d *SocketCAN) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.bus.Disconnect()
}
