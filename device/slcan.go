package device

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/LoveWonYoung/iso15765/can"
)

// SLCAN drives a Lawicel-style serial CAN adapter (USBtin, CANable and
// friends) over its ASCII line protocol: 't'/'T' data frames, 'r'/'R'
// remote frames, CR terminated. Classic CAN only.
type SLCAN struct {
	channel string
	port    serial.Port

	mu        sync.RWMutex
	listeners map[string]Listener
	started   bool
	closed    bool
	done      chan struct{}
}

// NewSLCAN opens the serial port of an SLCAN adapter. The channel names
// the logical ISO-TP channel this device serves.
func NewSLCAN(channel, portName string, baudRate int) (*SLCAN, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, err
	}
	return &SLCAN{
		channel:   channel,
		port:      port,
		listeners: make(map[string]Listener),
		done:      make(chan struct{}),
	}, nil
}

func (d *SLCAN) Channel() string {
	return d.channel
}

// encodeFrame renders one frame as an SLCAN command line.
func encodeFrame(frame can.Frame) (string, error) {
	if len(frame.Data) > 8 {
		return "", fmt.Errorf("slcan: %d byte payload exceeds classic CAN", len(frame.Data))
	}
	var b strings.Builder
	switch {
	case frame.Remote && frame.Extended:
		b.WriteByte('R')
	case frame.Remote:
		b.WriteByte('r')
	case frame.Extended:
		b.WriteByte('T')
	default:
		b.WriteByte('t')
	}
	if frame.Extended {
		fmt.Fprintf(&b, "%08X", frame.ID&0x1FFFFFFF)
	} else {
		fmt.Fprintf(&b, "%03X", frame.ID&0x7FF)
	}
	b.WriteByte('0' + byte(len(frame.Data)))
	if !frame.Remote {
		b.WriteString(strings.ToUpper(hex.EncodeToString(frame.Data)))
	}
	b.WriteByte('\r')
	return b.String(), nil
}

// decodeLine parses one SLCAN line into a frame. Lines that are not
// data/remote frames (status, acks) return false.
func decodeLine(line string) (can.Frame, bool) {
	if len(line) < 5 {
		return can.Frame{}, false
	}
	var frame can.Frame
	var idLen int
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen = 3 + 5
		frame.Extended = true
	case 'r':
		idLen = 3
		frame.Remote = true
	case 'R':
		idLen = 3 + 5
		frame.Extended = true
		frame.Remote = true
	default:
		return can.Frame{}, false
	}
	if len(line) < 1+idLen+1 {
		return can.Frame{}, false
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return can.Frame{}, false
	}
	frame.ID = uint32(id)
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > 8 {
		return can.Frame{}, false
	}
	if !frame.Remote {
		body := line[1+idLen+1:]
		if len(body) < dlc*2 {
			return can.Frame{}, false
		}
		data, err := hex.DecodeString(body[:dlc*2])
		if err != nil {
			return can.Frame{}, false
		}
		frame.Data = data
	}
	frame.Direct = can.Receive
	return frame, true
}

func (d *SLCAN) Send(frame can.Frame) error {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return fmt.Errorf("slcan device %s is closed", d.channel)
	}
	line, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	if _, err := d.port.Write([]byte(line)); err != nil {
		return err
	}
	d.dispatchTransmitted(frame.ID)
	return nil
}

func (d *SLCAN) RegisterListener(name string, l Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listeners[name]; ok {
		return false
	}
	d.listeners[name] = l
	return true
}

func (d *SLCAN) UnregisterListener(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listeners[name]; !ok {
		return false
	}
	delete(d.listeners, name)
	return true
}

func (d *SLCAN) snapshot() []Listener {
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

func (d *SLCAN) dispatchReceived(frames []can.Frame) {
	for _, l := range d.snapshot() {
		l.OnFrameReceived(d.channel, frames)
	}
}

func (d *SLCAN) dispatchTransmitted(id uint32) {
	for _, l := range d.snapshot() {
		l.OnFrameTransmitted(d.channel, id)
	}
}

// Start opens the CAN channel on the adapter and launches the read
// loop.
func (d *SLCAN) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	if _, err := d.port.Write([]byte("O\r")); err != nil {
		log.Warnf("slcan %s: open command failed: %v", d.channel, err)
	}
	go d.run()
}

func (d *SLCAN) run() {
	defer close(d.done)
	scanner := bufio.NewScanner(d.port)
	scanner.Split(scanCR)
	for scanner.Scan() {
		frame, ok := decodeLine(scanner.Text())
		if !ok {
			continue
		}
		frame.Channel = d.channel
		d.dispatchReceived([]can.Frame{frame})
	}
	if err := scanner.Err(); err != nil {
		d.mu.RLock()
		closed := d.closed
		d.mu.RUnlock()
		if !closed {
			log.Warnf("slcan %s: read loop ended: %v", d.channel, err)
		}
	}
}

// scanCR splits the serial stream on the CR terminators SLCAN uses.
func scanCR(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\r' || b == '\a' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Close shuts the CAN channel and releases the port.
func (d *SLCAN) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()
	if _, err := d.port.Write([]byte("C\r")); err != nil {
		log.Debugf("slcan %s: close command failed: %v", d.channel, err)
	}
	err := d.port.Close()
	if started {
		<-d.done
	}
	return err
}
