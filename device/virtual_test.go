package device

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/iso15765/can"
)

type recordingListener struct {
	mu          sync.Mutex
	received    []can.Frame
	transmitted []uint32
}

func (l *recordingListener) OnFrameReceived(channel string, frames []can.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, frames...)
}

func (l *recordingListener) OnFrameTransmitted(channel string, id uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transmitted = append(l.transmitted, id)
}

func (l *recordingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.received), len(l.transmitted)
}

func TestVirtualBusDelivery(t *testing.T) {
	bus := NewVirtualBus()
	a := bus.Endpoint("a")
	b := bus.Endpoint("b")

	la, lb := &recordingListener{}, &recordingListener{}
	require.True(t, a.RegisterListener("l", la))
	require.True(t, b.RegisterListener("l", lb))
	a.Start()
	b.Start()
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(can.Frame{ID: 0x123, Data: []byte{1, 2, 3}}))

	require.Eventually(t, func() bool {
		rx, _ := lb.counts()
		return rx == 1
	}, time.Second, 5*time.Millisecond)

	lb.mu.Lock()
	frame := lb.received[0]
	lb.mu.Unlock()
	assert.Equal(t, uint32(0x123), frame.ID)
	assert.Equal(t, []byte{1, 2, 3}, frame.Data)
	assert.Equal(t, "b", frame.Channel)
	assert.Equal(t, can.Receive, frame.Direct)

	// The sender sees the ack, not its own frame.
	require.Eventually(t, func() bool {
		_, tx := la.counts()
		return tx == 1
	}, time.Second, 5*time.Millisecond)
	rx, _ := la.counts()
	assert.Zero(t, rx)
}

func TestVirtualBusPreservesOrder(t *testing.T) {
	bus := NewVirtualBus()
	a := bus.Endpoint("a")
	b := bus.Endpoint("b")
	lb := &recordingListener{}
	require.True(t, b.RegisterListener("l", lb))
	a.Start()
	b.Start()
	defer a.Close()
	defer b.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, a.Send(can.Frame{ID: 0x100, Data: []byte{byte(i)}}))
	}
	require.Eventually(t, func() bool {
		rx, _ := lb.counts()
		return rx == 20
	}, time.Second, 5*time.Millisecond)

	lb.mu.Lock()
	defer lb.mu.Unlock()
	for i, frame := range lb.received {
		assert.Equal(t, byte(i), frame.Data[0])
	}
}

func TestVirtualDeviceListenerRegistry(t *testing.T) {
	bus := NewVirtualBus()
	d := bus.Endpoint("a")
	l := &recordingListener{}

	assert.True(t, d.RegisterListener("l", l))
	assert.False(t, d.RegisterListener("l", l))
	assert.True(t, d.UnregisterListener("l"))
	assert.False(t, d.UnregisterListener("l"))
}

func TestVirtualDeviceClose(t *testing.T) {
	bus := NewVirtualBus()
	d := bus.Endpoint("a")
	d.Start()

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Error(t, d.Send(can.Frame{ID: 1}))
}

func TestCloseUnblocksPendingSend(t *testing.T) {
	bus := NewVirtualBus()
	d := bus.Endpoint("a")

	// Not started, so frames pile up until the buffer is full and the
	// next Send blocks.
	for i := 0; ; i++ {
		if len(d.tx) == cap(d.tx) {
			break
		}
		require.NoError(t, d.Send(can.Frame{ID: uint32(i)}))
	}

	errc := make(chan error, 1)
	go func() {
		errc <- d.Send(can.Frame{ID: 0xFFF})
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, d.Close())
	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send stayed blocked after Close")
	}
}

func TestEndpointReturnsSameDevice(t *testing.T) {
	bus := NewVirtualBus()
	assert.Same(t, bus.Endpoint("a"), bus.Endpoint("a"))
	assert.Equal(t, "a", bus.Endpoint("a").Channel())
}
