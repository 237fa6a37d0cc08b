package isotp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/iso15765/can"
	"github.com/LoveWonYoung/iso15765/device"
)

// endpoint bundles one side of a test connection.
type endpoint struct {
	dev      *device.VirtualDevice
	registry *Registry
	client   *Client
	received chan []byte
}

// newTestPair wires a tester and an ecu endpoint over a fresh virtual
// bus, with the ecu side armed for reception.
func newTestPair(t *testing.T, codec Codec) (tester, ecu *endpoint) {
	t.Helper()
	bus := device.NewVirtualBus()

	build := func(channel string, address Address) *endpoint {
		e := &endpoint{
			dev:      bus.Endpoint(channel),
			registry: NewRegistry(),
			received: make(chan []byte, 4),
		}
		require.NoError(t, e.registry.Add(channel, address))
		e.client = NewClient(e.dev, e.registry, codec)
		require.True(t, e.dev.RegisterListener("isotp", e.client))
		require.NoError(t, e.registry.RegisterListener(channel, EventListenerFunc(
			func(_ string, event Event) {
				if event.Type == EventDataReceived {
					e.received <- event.Data
				}
			})))
		e.dev.Start()
		t.Cleanup(func() { e.dev.Close() })
		return e
	}

	tester = build("tester", Address{TxID: 0x7E0, RxID: 0x7E8, FID: 0x7DF})
	ecu = build("ecu", Address{TxID: 0x7E8, RxID: 0x7E0, FID: 0x7DF})
	require.NoError(t, ecu.registry.StateAdd("ecu", StateWaitSingle|StateWaitFirst))
	return tester, ecu
}

func waitReceived(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for DataReceived")
		return nil
	}
}

func TestWriteSingleFrameEndToEnd(t *testing.T) {
	tester, ecu := newTestPair(t, NewCodec(Std2016, false))

	require.NoError(t, tester.client.Write("tester", false, []byte{0x3E, 0x00}))
	assert.Equal(t, []byte{0x3E, 0x00}, waitReceived(t, ecu.received))
}

func TestWriteMultiFrameEndToEnd(t *testing.T) {
	tester, ecu := newTestPair(t, NewCodec(Std2004, false))

	payload := []byte{
		0x62, 0xF1, 0x87, 0x44, 0x56, 0x43,
		0x37, 0x45, 0x32, 0x30, 0x30, 0x30, 0x30,
		0x30, 0x30,
	}
	require.NoError(t, tester.client.Write("tester", false, payload))
	assert.Equal(t, payload, waitReceived(t, ecu.received))

	// Exactly one reception for one write.
	select {
	case extra := <-ecu.received:
		t.Fatalf("unexpected second reception: %x", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWriteLongPayloadSequenceWrap(t *testing.T) {
	tester, ecu := newTestPair(t, NewCodec(Std2016, false))

	// 6 + 18*7 bytes: enough consecutive frames to wrap the sequence.
	payload := make([]byte, 132)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	require.NoError(t, tester.client.WriteContext(context.Background(), "tester", false, payload))
	assert.Equal(t, payload, waitReceived(t, ecu.received))
}

func TestWriteRoundTripBothDirections(t *testing.T) {
	tester, ecu := newTestPair(t, NewCodec(Std2016, false))

	request := make([]byte, 20)
	require.NoError(t, tester.client.Write("tester", false, request))
	assert.Equal(t, request, waitReceived(t, ecu.received))

	// After the transfer the tester is back to waiting; the ecu can
	// answer on the same connection.
	response := []byte{0x62, 0xF1, 0x90, 0x01}
	require.NoError(t, ecu.client.Write("ecu", false, response))
	assert.Equal(t, response, waitReceived(t, tester.received))
}

func TestWriteContextCancellation(t *testing.T) {
	// A lone endpoint: nobody answers the first frame with flow control,
	// so the write stalls until the context gives up.
	bus := device.NewVirtualBus()
	dev := bus.Endpoint("tester")
	registry := NewRegistry()
	require.NoError(t, registry.Add("tester", Address{TxID: 0x7E0, RxID: 0x7E8}))
	client := NewClient(dev, registry, NewCodec(Std2016, false))
	require.True(t, dev.RegisterListener("isotp", client))
	dev.Start()
	t.Cleanup(func() { dev.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := client.WriteContext(ctx, "tester", false, make([]byte, 100))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWriteUnknownChannel(t *testing.T) {
	bus := device.NewVirtualBus()
	client := NewClient(bus.Endpoint("tester"), NewRegistry(), NewCodec(Std2016, false))

	err := client.Write("nope", false, []byte{1})
	assert.IsType(t, ContextError{}, err)
}

func TestWriteEmptyPayload(t *testing.T) {
	bus := device.NewVirtualBus()
	registry := NewRegistry()
	require.NoError(t, registry.Add("tester", Address{TxID: 1, RxID: 2}))
	client := NewClient(bus.Endpoint("tester"), registry, NewCodec(Std2016, false))

	err := client.Write("tester", false, nil)
	assert.IsType(t, EmptyPayloadError{}, err)
}

// frameTap records raw frames a device delivers.
type frameTap struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (f *frameTap) OnFrameReceived(channel string, frames []can.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frames...)
}

func (f *frameTap) OnFrameTransmitted(channel string, id uint32) {}

func (f *frameTap) ids() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint32, len(f.frames))
	for i, frame := range f.frames {
		out[i] = frame.ID
	}
	return out
}

func TestFunctionalWriteUsesFunctionalID(t *testing.T) {
	tester, ecu := newTestPair(t, NewCodec(Std2016, false))

	tap := &frameTap{}
	require.True(t, ecu.dev.RegisterListener("tap", tap))

	require.NoError(t, tester.client.Write("tester", true, []byte{0x3E, 0x80}))

	require.Eventually(t, func() bool {
		ids := tap.ids()
		return len(ids) == 1 && ids[0] == 0x7DF
	}, time.Second, 10*time.Millisecond)
}

func TestWriteAfterDeviceClosed(t *testing.T) {
	bus := device.NewVirtualBus()
	dev := bus.Endpoint("tester")
	registry := NewRegistry()
	require.NoError(t, registry.Add("tester", Address{TxID: 1, RxID: 2}))
	sink := &recordingSink{}
	require.NoError(t, registry.RegisterListener("tester", sink))
	client := NewClient(dev, registry, NewCodec(Std2016, false))
	require.NoError(t, dev.Close())

	err := client.Write("tester", false, []byte{1, 2, 3})
	require.Error(t, err)
	assert.IsType(t, DeviceError{}, err)

	// The failure errors the channel and reaches the sinks.
	state, stateErr := registry.State("tester")
	require.NoError(t, stateErr)
	assert.Equal(t, StateError, state)
	require.Len(t, sink.byType(EventErrorOccurred), 1)

	// A later write is refused until the channel is reset.
	err = client.Write("tester", false, []byte{1})
	assert.IsType(t, InvalidStateError{}, err)
}

func TestDecodeFailureAbortsBatch(t *testing.T) {
	tester, _ := newTestPair(t, NewCodec(Std2004, false))

	sink := &recordingSink{}
	require.NoError(t, tester.registry.RegisterListener("tester", sink))

	// An undecodable frame on the rx id errors the channel.
	tester.client.OnFrameReceived("tester", []can.Frame{
		{ID: 0x7E8, Data: []byte{0x40, 0x00, 0x00, 0x00}},
		{ID: 0x7E8, Data: []byte{0x02, 0x3E, 0x00, 0, 0, 0, 0, 0}},
	})

	state, err := tester.registry.State("tester")
	require.NoError(t, err)
	assert.Equal(t, StateError, state)
	// The second frame of the batch was never dispatched.
	assert.Empty(t, sink.byType(EventDataReceived))
}

func TestFramesForOtherIdsIgnored(t *testing.T) {
	tester, _ := newTestPair(t, NewCodec(Std2004, false))

	tester.client.OnFrameReceived("tester", []can.Frame{
		{ID: 0x123, Data: []byte{0x40, 0x00, 0x00, 0x00}},
	})
	state, err := tester.registry.State("tester")
	require.NoError(t, err)
	assert.False(t, state.Any(StateError))
}

func TestTransmitAckClearsSendingPerChannel(t *testing.T) {
	tester, _ := newTestPair(t, NewCodec(Std2004, false))

	require.NoError(t, tester.registry.StateAdd("tester", StateSending))
	// An ack for a foreign id leaves Sending set.
	tester.client.OnFrameTransmitted("tester", 0x111)
	state, _ := tester.registry.State("tester")
	assert.True(t, state.Any(StateSending))

	tester.client.OnFrameTransmitted("tester", 0x7E0)
	state, _ = tester.registry.State("tester")
	assert.False(t, state.Any(StateSending))
}

func TestConcurrentWrites(t *testing.T) {
	// Two independent connections on one bus, written concurrently from
	// both sides. Run with -race.
	bus := device.NewVirtualBus()

	build := func(channel string, address Address) *endpoint {
		e := &endpoint{
			dev:      bus.Endpoint(channel),
			registry: NewRegistry(),
			received: make(chan []byte, 16),
		}
		require.NoError(t, e.registry.Add(channel, address))
		e.client = NewClient(e.dev, e.registry, NewCodec(Std2016, false))
		require.True(t, e.dev.RegisterListener("isotp", e.client))
		require.NoError(t, e.registry.RegisterListener(channel, EventListenerFunc(
			func(_ string, event Event) {
				if event.Type == EventDataReceived {
					e.received <- event.Data
				}
			})))
		e.dev.Start()
		t.Cleanup(func() { e.dev.Close() })
		return e
	}

	a := build("a", Address{TxID: 0x600, RxID: 0x601})
	b := build("b", Address{TxID: 0x601, RxID: 0x600})
	c := build("c", Address{TxID: 0x700, RxID: 0x701})
	d := build("d", Address{TxID: 0x701, RxID: 0x700})
	require.NoError(t, b.registry.StateAdd("b", StateWaitSingle|StateWaitFirst))
	require.NoError(t, d.registry.StateAdd("d", StateWaitSingle|StateWaitFirst))

	payloadAB := make([]byte, 40)
	payloadCD := make([]byte, 60)
	for i := range payloadAB {
		payloadAB[i] = 0xAB
	}
	for i := range payloadCD {
		payloadCD[i] = 0xCD
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, a.client.Write("a", false, payloadAB))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, c.client.WriteContext(context.Background(), "c", false, payloadCD))
	}()
	wg.Wait()

	assert.Equal(t, payloadAB, waitReceived(t, b.received))
	assert.Equal(t, payloadCD, waitReceived(t, d.received))
}
