package isotp

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// dataContext is the reassembly buffer of one channel. sequence and
// length are nil until a frame establishes them.
type dataContext struct {
	sequence *uint8
	length   *uint32
	buffer   []byte
}

func (d *dataContext) clear() {
	d.sequence = nil
	d.length = nil
	d.buffer = nil
}

// channelContext is the mutable state of one logical connection. Each
// channel carries its own lock so traffic on one channel never blocks
// another.
type channelContext struct {
	mu        sync.RWMutex
	address   Address
	stMin     time.Duration
	state     State
	data      dataContext
	listeners []EventListener
}

// Registry maps channel names to their contexts. The registry lock only
// guards the map; per-channel state is guarded by the channel's own
// lock.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*channelContext
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*channelContext)}
}

// Add registers a channel. Registering a name twice is an error; Remove
// it first to reconfigure.
func (r *Registry) Add(channel string, address Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[channel]; ok {
		return ContextError{Op: "add duplicate", Channel: channel}
	}
	r.channels[channel] = &channelContext{address: address}
	return nil
}

// Remove deregisters a channel and drops its state and listeners.
func (r *Registry) Remove(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, channel)
}

func (r *Registry) lookup(channel string) (*channelContext, error) {
	r.mu.RLock()
	ctx, ok := r.channels[channel]
	r.mu.RUnlock()
	if !ok {
		return nil, ContextError{Op: "lookup", Channel: channel}
	}
	return ctx, nil
}

// Address returns the channel's configured ids.
func (r *Registry) Address(channel string) (Address, error) {
	ctx, err := r.lookup(channel)
	if err != nil {
		return Address{}, err
	}
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	return ctx.address, nil
}

// State returns the channel's current protocol state.
func (r *Registry) State(channel string) (State, error) {
	ctx, err := r.lookup(channel)
	if err != nil {
		return StateIdle, err
	}
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	return ctx.state, nil
}

// STmin returns the separation time negotiated by the last flow-control
// frame.
func (r *Registry) STmin(channel string) (time.Duration, error) {
	ctx, err := r.lookup(channel)
	if err != nil {
		return 0, err
	}
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	return ctx.stMin, nil
}

// Reset returns the channel to Idle with an empty buffer, keeping its
// address and listeners. This is the only way out of the Error state.
func (r *Registry) Reset(channel string) error {
	ctx, err := r.lookup(channel)
	if err != nil {
		return err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.state = StateIdle
	ctx.stMin = 0
	ctx.data.clear()
	return nil
}

// RegisterListener appends an event sink; dispatch preserves
// registration order.
func (r *Registry) RegisterListener(channel string, l EventListener) error {
	ctx, err := r.lookup(channel)
	if err != nil {
		return err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.listeners = append(ctx.listeners, l)
	return nil
}

// UnregisterListeners drops every event sink of the channel.
func (r *Registry) UnregisterListeners(channel string) error {
	ctx, err := r.lookup(channel)
	if err != nil {
		return err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.listeners = nil
	return nil
}

// notify dispatches one event to the channel's sinks, synchronously and
// in registration order. The listener slice is read under the shared
// lock; no lock is held while a sink runs.
func (r *Registry) notify(channel string, event Event) {
	ctx, err := r.lookup(channel)
	if err != nil {
		log.Warnf("event %s dropped: %v", event.Type, err)
		return
	}
	ctx.mu.RLock()
	sinks := make([]EventListener, len(ctx.listeners))
	copy(sinks, ctx.listeners)
	ctx.mu.RUnlock()
	for _, sink := range sinks {
		sink.OnIsoTpEvent(channel, event)
	}
}

// stateAdd merges flags into the channel state. WaitData supersedes the
// wait flags of the phase before it, and Error absorbs everything: once
// set, only a reset changes the state again.
func (ctx *channelContext) stateAdd(flags State) {
	if ctx.state.Any(StateError) {
		return
	}
	switch {
	case flags.Any(StateError):
		ctx.state = StateError
	case flags.Any(StateWaitData):
		if ctx.state.Any(StateSending) {
			ctx.state = StateSending | StateWaitData
		} else {
			ctx.state = StateWaitData
		}
	default:
		ctx.state |= flags
	}
}

func (ctx *channelContext) stateRemove(flags State) {
	if ctx.state.Any(StateError) {
		return
	}
	ctx.state &^= flags
}

// StateAdd merges flags into the channel's state bitset.
func (r *Registry) StateAdd(channel string, flags State) error {
	ctx, err := r.lookup(channel)
	if err != nil {
		return err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.stateAdd(flags)
	return nil
}

// StateRemove clears flags from the channel's state bitset.
func (r *Registry) StateRemove(channel string, flags State) error {
	ctx, err := r.lookup(channel)
	if err != nil {
		return err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.stateRemove(flags)
	return nil
}

// MarkError forces the channel into the Error state and mirrors the
// cause to the sinks. Only Reset clears it.
func (r *Registry) MarkError(channel string, cause error) {
	ctx, err := r.lookup(channel)
	if err != nil {
		log.Warnf("cannot mark error on channel %q: %v", channel, err)
		return
	}
	ctx.mu.Lock()
	ctx.stateAdd(StateError)
	ctx.mu.Unlock()
	r.notify(channel, Event{Type: EventErrorOccurred, Err: cause})
}

// fail mirrors a handler error to the sinks before it is returned, so a
// failure is observable exactly once through both paths.
func (r *Registry) fail(channel string, err error) error {
	r.notify(channel, Event{Type: EventErrorOccurred, Err: err})
	return err
}

// OnSingleFrame handles a received single frame: the whole payload in
// one event.
func (r *Registry) OnSingleFrame(channel string, data []byte) error {
	ctx, err := r.lookup(channel)
	if err != nil {
		return r.fail(channel, err)
	}
	ctx.mu.Lock()
	if !ctx.state.Any(StateWaitSingle) {
		found := ctx.state
		ctx.mu.Unlock()
		return r.fail(channel, InvalidStateError{Expected: StateWaitSingle, Found: found})
	}
	ctx.stMin = 0
	ctx.stateRemove(StateSending | StateWaitSingle | StateWaitFirst)
	ctx.mu.Unlock()
	r.notify(channel, Event{Type: EventDataReceived, Data: append([]byte(nil), data...)})
	return nil
}

// OnFirstFrame handles a received first frame: record the declared
// length and the initial chunk. A first frame landing in the middle of a
// reassembly aborts the old one with an error event and then starts the
// new one.
func (r *Registry) OnFirstFrame(channel string, length uint32, data []byte) error {
	ctx, err := r.lookup(channel)
	if err != nil {
		return r.fail(channel, err)
	}
	ctx.mu.Lock()
	if ctx.state.Any(StateWaitData) || len(ctx.data.buffer) > 0 {
		found := ctx.state
		ctx.data.clear()
		ctx.stateRemove(StateSending | StateWaitSingle | StateWaitFirst | StateWaitData)
		ctx.data.length = &length
		ctx.data.buffer = append([]byte(nil), data...)
		ctx.mu.Unlock()
		r.notify(channel, Event{
			Type: EventErrorOccurred,
			Err:  InvalidStateError{Expected: StateWaitFirst, Found: found},
		})
		return nil
	}
	if !ctx.state.Any(StateWaitFirst) {
		found := ctx.state
		ctx.mu.Unlock()
		return r.fail(channel, InvalidStateError{Expected: StateWaitFirst, Found: found})
	}
	ctx.data.length = &length
	ctx.data.buffer = append([]byte(nil), data...)
	ctx.stateRemove(StateSending | StateWaitSingle | StateWaitFirst)
	ctx.mu.Unlock()
	return nil
}

// OnConsecutiveFrame handles one reassembly chunk. The first chunk of a
// message must carry sequence 1; each chunk after that increments mod
// 16. A sequence mismatch leaves the buffer untouched so the sender can
// retry; overshooting the declared length discards the buffer and drops
// back to Idle.
func (r *Registry) OnConsecutiveFrame(channel string, sequence uint8, data []byte) error {
	ctx, err := r.lookup(channel)
	if err != nil {
		return r.fail(channel, err)
	}
	ctx.mu.Lock()
	if !ctx.state.Any(StateWaitData) {
		found := ctx.state
		ctx.mu.Unlock()
		return r.fail(channel, InvalidStateError{Expected: StateWaitData, Found: found})
	}
	if ctx.data.length == nil {
		ctx.mu.Unlock()
		return r.fail(channel, MixFramesError{})
	}
	expected := uint8(1)
	if ctx.data.sequence != nil {
		expected = (*ctx.data.sequence + 1) & 0x0F
	}
	if sequence != expected {
		ctx.mu.Unlock()
		return r.fail(channel, InvalidSequenceError{Actual: sequence, Expected: expected})
	}
	seq := sequence
	ctx.data.sequence = &seq
	ctx.data.buffer = append(ctx.data.buffer, data...)

	total := *ctx.data.length
	got := uint32(len(ctx.data.buffer))
	switch {
	case got > total:
		ctx.data.clear()
		ctx.state = StateIdle
		ctx.mu.Unlock()
		return r.fail(channel, InvalidDataLengthError{Actual: got, Expected: total})
	case got == total:
		payload := ctx.data.buffer
		ctx.data.clear()
		ctx.state = StateIdle
		ctx.mu.Unlock()
		r.notify(channel, Event{Type: EventDataReceived, Data: payload})
		return nil
	}
	ctx.mu.Unlock()
	r.notify(channel, Event{Type: EventWait})
	return nil
}

// OnFlowControlFrame handles the remote side's flow-control answer:
// Continue releases the sender with the negotiated STmin, Wait stalls
// it, Overflow aborts the transfer.
func (r *Registry) OnFlowControlFrame(channel string, fc FlowControl) error {
	ctx, err := r.lookup(channel)
	if err != nil {
		return r.fail(channel, err)
	}
	ctx.mu.Lock()
	if !ctx.state.Any(StateWaitFlowCtrl) {
		found := ctx.state
		ctx.mu.Unlock()
		return r.fail(channel, InvalidStateError{Expected: StateWaitFlowCtrl, Found: found})
	}
	switch fc.Status {
	case FlowStatusContinue:
		ctx.stMin = fc.STmin()
		ctx.stateRemove(StateWaitBusy | StateWaitFlowCtrl)
		ctx.mu.Unlock()
		return nil
	case FlowStatusWait:
		ctx.stateAdd(StateWaitBusy)
		ctx.mu.Unlock()
		r.notify(channel, Event{Type: EventWait})
		return nil
	}
	ctx.stateAdd(StateError)
	ctx.mu.Unlock()
	return r.fail(channel, OverloadFlowError{})
}
