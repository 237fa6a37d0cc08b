package isotp

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/LoveWonYoung/iso15765/can"
	"github.com/LoveWonYoung/iso15765/device"
)

// writeWaitMask are the flags that stall a transmit: an unacknowledged
// frame, a pending response, or the remote side holding us off.
const writeWaitMask = StateSending | StateResponsePending | StateWaitFlowCtrl | StateWaitBusy

// pollInterval is how often the write gate re-checks channel state.
const pollInterval = 10 * time.Millisecond

// waiter is the suspension primitive a write uses between frames. The
// blocking and cooperative clients share one algorithm and differ only
// here.
type waiter interface {
	wait(d time.Duration) error
}

// sleepWaiter blocks the calling goroutine.
type sleepWaiter struct{}

func (sleepWaiter) wait(d time.Duration) error {
	time.Sleep(d)
	return nil
}

// ctxWaiter suspends cooperatively and honors cancellation.
type ctxWaiter struct {
	ctx context.Context
}

func (w ctxWaiter) wait(d time.Duration) error {
	if d <= 0 {
		return w.ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Client orchestrates multi-frame writes over one device and bridges the
// device's callbacks into context transitions. It implements
// device.Listener; register it on the device under a name of your
// choosing.
type Client struct {
	dev      device.Device
	registry *Registry
	codec    Codec
	respond  FlowControl
}

// NewClient builds a client over a device and a channel registry. The
// client answers incoming first frames with a default flow control;
// SetFlowControl overrides that policy.
func NewClient(dev device.Device, registry *Registry, codec Codec) *Client {
	return &Client{
		dev:      dev,
		registry: registry,
		codec:    codec,
		respond:  DefaultFlowControl(),
	}
}

// SetFlowControl changes the flow control this client answers incoming
// first frames with.
func (c *Client) SetFlowControl(fc FlowControl) {
	c.respond = fc
}

// Registry exposes the channel registry the client drives.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Write transmits a payload on the channel, blocking the calling
// goroutine while pacing and flow control demand. A functional write is
// addressed to the channel's FID instead of its TxID. The write gate
// exits only when the channel errors; use WriteContext for cancellation.
func (c *Client) Write(channel string, functional bool, payload []byte) error {
	return c.write(channel, functional, payload, sleepWaiter{})
}

// WriteContext is Write with cooperative cancellation: the STmin pacing
// delay and the write-wait poll both honor ctx.
func (c *Client) WriteContext(ctx context.Context, channel string, functional bool, payload []byte) error {
	return c.write(channel, functional, payload, ctxWaiter{ctx: ctx})
}

func (c *Client) write(channel string, functional bool, payload []byte, w waiter) error {
	address, err := c.registry.Address(channel)
	if err != nil {
		return err
	}
	pdus, err := c.codec.FromData(payload)
	if err != nil {
		return err
	}
	id := address.TxID
	if functional {
		id = address.FID
	}
	for i, pdu := range pdus {
		if err := c.writeWait(channel, w); err != nil {
			return err
		}
		data, err := c.codec.Encode(pdu)
		if err != nil {
			convErr := ConvertError{Src: pdu.Type.String(), Target: "can frame"}
			log.Warnf("channel %s: %v: %v", channel, convErr, err)
			c.registry.MarkError(channel, convErr)
			return convErr
		}
		if err := c.mark(channel, pdu, i == len(pdus)-1, w); err != nil {
			return err
		}
		frame := can.Frame{
			ID:       id,
			Data:     data,
			Channel:  channel,
			Extended: id > 0x7FF,
			FD:       c.codec.FD,
			Direct:   can.Transmit,
		}
		if err := c.dev.Send(frame); err != nil {
			devErr := DeviceError{Cause: err}
			c.registry.MarkError(channel, devErr)
			return devErr
		}
	}
	return nil
}

// writeWait stalls until the channel accepts the next frame. It returns
// an error once the channel is in Error, or when the waiter is
// cancelled.
func (c *Client) writeWait(channel string, w waiter) error {
	for {
		state, err := c.registry.State(channel)
		if err != nil {
			return err
		}
		if state.Any(StateError) {
			return InvalidStateError{Expected: StateIdle, Found: state}
		}
		if !state.Any(writeWaitMask) {
			return nil
		}
		if err := w.wait(pollInterval); err != nil {
			return err
		}
	}
}

// mark applies the transmit-side state transition for a frame about to
// leave. Consecutive frames honor the negotiated STmin before they are
// marked.
func (c *Client) mark(channel string, pdu PDU, last bool, w waiter) error {
	switch pdu.Type {
	case FrameTypeSingle:
		return c.registry.StateAdd(channel, StateSending|StateWaitSingle|StateWaitFirst)
	case FrameTypeFirst:
		return c.registry.StateAdd(channel, StateSending|StateWaitFlowCtrl)
	case FrameTypeConsecutive:
		stMin, err := c.registry.STmin(channel)
		if err != nil {
			return err
		}
		if err := w.wait(stMin); err != nil {
			return err
		}
		if last {
			if err := c.registry.StateRemove(channel, StateWaitData); err != nil {
				return err
			}
			return c.registry.StateAdd(channel, StateSending|StateWaitSingle|StateWaitFirst)
		}
		if err := c.registry.StateAdd(channel, StateSending); err != nil {
			return err
		}
		return c.registry.StateAdd(channel, StateWaitData)
	case FrameTypeFlowControl:
		return c.registry.StateAdd(channel, StateSending)
	}
	return ConvertError{Src: pdu.Type.String(), Target: "state transition"}
}

// OnFrameReceived implements device.Listener: keep the frames addressed
// to this channel, decode them and feed the context handlers. A decode
// failure aborts the rest of the batch and errors the channel.
func (c *Client) OnFrameReceived(channel string, frames []can.Frame) {
	address, err := c.registry.Address(channel)
	if err != nil {
		log.Warnf("frames on unknown channel %q dropped: %v", channel, err)
		return
	}
	for _, frame := range frames {
		if frame.ID != address.RxID {
			continue
		}
		pdu, err := c.codec.Decode(frame.Data)
		if err != nil {
			log.Warnf("channel %s: undecodable frame %s: %v", channel, frame.String(), err)
			c.registry.MarkError(channel, err)
			return
		}
		c.dispatch(channel, address, pdu)
	}
}

// dispatch routes one decoded PDU to its handler. Handler errors are
// already mirrored to the sinks, so they are only logged here.
func (c *Client) dispatch(channel string, address Address, pdu PDU) {
	switch pdu.Type {
	case FrameTypeSingle:
		if err := c.registry.OnSingleFrame(channel, pdu.Data); err != nil {
			log.Debugf("channel %s: single frame rejected: %v", channel, err)
		}
	case FrameTypeFirst:
		if err := c.registry.OnFirstFrame(channel, pdu.Length, pdu.Data); err != nil {
			log.Debugf("channel %s: first frame rejected: %v", channel, err)
			return
		}
		c.answerFlowControl(channel, address)
		c.registry.notify(channel, Event{
			Type: EventFirstFrameReceived,
			Data: append([]byte(nil), pdu.Data...),
		})
	case FrameTypeConsecutive:
		if err := c.registry.OnConsecutiveFrame(channel, pdu.Sequence, pdu.Data); err != nil {
			log.Debugf("channel %s: consecutive frame rejected: %v", channel, err)
		}
	case FrameTypeFlowControl:
		if err := c.registry.OnFlowControlFrame(channel, pdu.FlowControl); err != nil {
			log.Debugf("channel %s: flow control rejected: %v", channel, err)
		}
	}
}

// answerFlowControl transmits this side's flow-control response to a
// first frame and moves the channel into the receiving phase.
func (c *Client) answerFlowControl(channel string, address Address) {
	data, err := c.codec.Encode(NewFlowControl(c.respond))
	if err != nil {
		c.registry.MarkError(channel, ConvertError{Src: "flow control", Target: "can frame"})
		return
	}
	if err := c.registry.StateAdd(channel, StateSending); err != nil {
		log.Warnf("channel %s: %v", channel, err)
		return
	}
	if err := c.registry.StateAdd(channel, StateWaitData); err != nil {
		log.Warnf("channel %s: %v", channel, err)
		return
	}
	frame := can.Frame{
		ID:       address.TxID,
		Data:     data,
		Channel:  channel,
		Extended: address.TxID > 0x7FF,
		FD:       c.codec.FD,
		Direct:   can.Transmit,
	}
	if err := c.dev.Send(frame); err != nil {
		c.registry.MarkError(channel, DeviceError{Cause: err})
	}
}

// OnFrameTransmitted implements device.Listener: a transmit
// acknowledgement for this channel's tx or functional id clears Sending.
// Acks for other ids belong to other channels and are ignored.
func (c *Client) OnFrameTransmitted(channel string, id uint32) {
	address, err := c.registry.Address(channel)
	if err != nil {
		return
	}
	if id != address.TxID && id != address.FID {
		return
	}
	if err := c.registry.StateRemove(channel, StateSending); err != nil {
		log.Warnf("channel %s: %v", channel, err)
	}
}
