package device

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/LoveWonYoung/iso15765/can"
)

// VirtualBus is an in-process CAN segment. Every endpoint sees every
// frame the other endpoints transmit, in transmit order per endpoint.
// It exists so the whole transport stack runs in tests and examples
// without hardware.
type VirtualBus struct {
	mu        sync.RWMutex
	endpoints map[string]*VirtualDevice
}

func NewVirtualBus() *VirtualBus {
	return &VirtualBus{endpoints: make(map[string]*VirtualDevice)}
}

// Endpoint attaches (or returns) the device on the named channel.
func (b *VirtualBus) Endpoint(channel string) *VirtualDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.endpoints[channel]; ok {
		return d
	}
	d := &VirtualDevice{
		bus:       b,
		channel:   channel,
		tx:        make(chan can.Frame, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		listeners: make(map[string]Listener),
	}
	b.endpoints[channel] = d
	return d
}

// broadcast hands one transmitted frame to every endpoint except the
// sender. Delivery is synchronous, which preserves per-channel frame
// order.
func (b *VirtualBus) broadcast(from *VirtualDevice, frame can.Frame) {
	b.mu.RLock()
	others := make([]*VirtualDevice, 0, len(b.endpoints))
	for _, d := range b.endpoints {
		if d != from {
			others = append(others, d)
		}
	}
	b.mu.RUnlock()
	sort.Slice(others, func(i, j int) bool { return others[i].channel < others[j].channel })
	for _, d := range others {
		rx := frame
		rx.Channel = d.channel
		rx.Direct = can.Receive
		rx.Data = append([]byte(nil), frame.Data...)
		d.dispatchReceived([]can.Frame{rx})
	}
}

// VirtualDevice is one endpoint of a VirtualBus. The tx channel is
// never closed; Close signals shutdown through quit so a Send blocked
// on a full buffer unblocks with an error instead of panicking.
type VirtualDevice struct {
	bus     *VirtualBus
	channel string
	tx      chan can.Frame
	quit    chan struct{}
	done    chan struct{}

	mu        sync.RWMutex
	listeners map[string]Listener
	started   bool
	closed    bool
}

func (d *VirtualDevice) Channel() string {
	return d.channel
}

func (d *VirtualDevice) Send(frame can.Frame) error {
	select {
	case <-d.quit:
		return fmt.Errorf("virtual device %s is closed", d.channel)
	default:
	}
	select {
	case d.tx <- frame:
		return nil
	case <-d.quit:
		return fmt.Errorf("virtual device %s is closed", d.channel)
	}
}

func (d *VirtualDevice) RegisterListener(name string, l Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listeners[name]; ok {
		return false
	}
	d.listeners[name] = l
	return true
}

func (d *VirtualDevice) UnregisterListener(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listeners[name]; !ok {
		return false
	}
	delete(d.listeners, name)
	return true
}

// Start launches the transmit loop. Each outbound frame is acknowledged
// to the local listeners, then delivered to the rest of the bus.
func (d *VirtualDevice) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	go d.run()
}

func (d *VirtualDevice) run() {
	defer close(d.done)
	for {
		select {
		case frame := <-d.tx:
			d.forward(frame)
		case <-d.quit:
			// Drain whatever was queued before the shutdown.
			for {
				select {
				case frame := <-d.tx:
					d.forward(frame)
				default:
					return
				}
			}
		}
	}
}

func (d *VirtualDevice) forward(frame can.Frame) {
	frame.Channel = d.channel
	frame.Direct = can.Transmit
	log.Debugf("virtual bus: %s", frame.String())
	d.dispatchTransmitted(frame.ID)
	d.bus.broadcast(d, frame)
}

func (d *VirtualDevice) snapshot() []Listener {
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

func (d *VirtualDevice) dispatchReceived(frames []can.Frame) {
	for _, l := range d.snapshot() {
		l.OnFrameReceived(d.channel, frames)
	}
}

func (d *VirtualDevice) dispatchTransmitted(id uint32) {
	for _, l := range d.snapshot() {
		l.OnFrameTransmitted(d.channel, id)
	}
}

// Close stops the transmit loop after draining queued frames.
func (d *VirtualDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()
	close(d.quit)
	if started {
		<-d.done
	}
	return nil
}
