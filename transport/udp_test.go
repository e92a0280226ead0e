package transport

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startListenerOnFreePort starts a listener-mode transport on an
// OS-assigned port and returns it with its bound port.
func startListenerOnFreePort(t *testing.T) (*UDPTransport, uint16) {
	t.Helper()

	tr := NewUDPTransport()
	require.NoError(t, tr.StartListener(0))

	addr := tr.LocalAddr().(*net.UDPAddr)
	return tr, uint16(addr.Port)
}

func TestUDPTransportStartStop(t *testing.T) {
	tr, _ := startListenerOnFreePort(t)

	assert.Equal(t, ModeListener, tr.Mode())
	assert.NotNil(t, tr.LocalAddr())

	tr.Stop()
	assert.Nil(t, tr.LocalAddr())
}

func TestUDPTransportStartIdempotent(t *testing.T) {
	tr, port := startListenerOnFreePort(t)
	defer tr.Stop()

	// Second start is a no-op and keeps the original binding.
	require.NoError(t, tr.StartListener(0))
	assert.Equal(t, int(port), tr.LocalAddr().(*net.UDPAddr).Port)
}

func TestUDPTransportStopIdempotent(t *testing.T) {
	tr, _ := startListenerOnFreePort(t)

	tr.Stop()
	tr.Stop() // second stop must not panic or hang

	idle := NewUDPTransport()
	idle.Stop()
}

func TestUDPTransportSendReceive(t *testing.T) {
	receiver, port := startListenerOnFreePort(t)
	defer receiver.Stop()

	var mu sync.Mutex
	var got []*VoicePacket
	receiver.SetDatagramHandler(func(p *VoicePacket, addr net.Addr) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	sender := NewUDPTransport()
	require.NoError(t, sender.StartInitiator("127.0.0.1", port))
	defer sender.Stop()

	payload := []byte{0x10, 0x20, 0x30}
	require.NoError(t, sender.SendFrame(&VoicePacket{Sequence: 0, Payload: payload}))
	require.NoError(t, sender.SendFrame(&VoicePacket{Sequence: 1, Payload: payload}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, uint32(0), got[0].Sequence)
	assert.Equal(t, uint32(1), got[1].Sequence)
	assert.Equal(t, payload, got[0].Payload)
	assert.Equal(t, uint64(2), sender.SentPackets())
	assert.Equal(t, uint64(2), receiver.ReceivedPackets())
}

func TestUDPTransportListenerLearnsRemote(t *testing.T) {
	listener, port := startListenerOnFreePort(t)
	defer listener.Stop()

	received := make(chan *VoicePacket, 1)
	listener.SetDatagramHandler(func(p *VoicePacket, addr net.Addr) {
		received <- p
	})

	assert.Nil(t, listener.RemoteAddr())

	sender := NewUDPTransport()
	require.NoError(t, sender.StartInitiator("127.0.0.1", port))
	defer sender.Stop()

	require.NoError(t, sender.SendFrame(&VoicePacket{Sequence: 0, Payload: []byte{1}}))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	// The listener learned the sender's source address and can now reply.
	remote := listener.RemoteAddr()
	require.NotNil(t, remote)
	assert.Equal(t, sender.LocalAddr().(*net.UDPAddr).Port, remote.(*net.UDPAddr).Port)
	assert.NoError(t, listener.SendFrame(&VoicePacket{Sequence: 0, Payload: []byte{2}}))
}

func TestUDPTransportMalformedDatagram(t *testing.T) {
	listener, port := startListenerOnFreePort(t)
	defer listener.Stop()

	delivered := make(chan struct{}, 4)
	listener.SetDatagramHandler(func(p *VoicePacket, addr net.Addr) {
		delivered <- struct{}{}
	})

	// A 3-byte datagram is shorter than the sequence header.
	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return listener.MalformedPackets() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(0), listener.ReceivedPackets())
	assert.Empty(t, delivered)

	// The receive loop stays alive and still delivers good datagrams.
	_, err = conn.Write([]byte{0x05, 0x00, 0x00, 0x00, 0xFF})
	require.NoError(t, err)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("receive loop did not survive malformed datagram")
	}
}

func TestUDPTransportSendWithoutRemote(t *testing.T) {
	listener, _ := startListenerOnFreePort(t)
	defer listener.Stop()

	err := listener.SendFrame(&VoicePacket{Sequence: 0, Payload: []byte{1}})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), listener.FailedSends())
}

func TestUDPTransportSendNotStarted(t *testing.T) {
	tr := NewUDPTransport()

	err := tr.SendFrame(&VoicePacket{Sequence: 0, Payload: []byte{1}})
	assert.Error(t, err)
}

func TestUDPTransportSetRemote(t *testing.T) {
	a, portA := startListenerOnFreePort(t)
	defer a.Stop()

	got := make(chan *VoicePacket, 1)
	a.SetDatagramHandler(func(p *VoicePacket, addr net.Addr) { got <- p })

	b, _ := startListenerOnFreePort(t)
	defer b.Stop()

	require.NoError(t, b.SetRemote("127.0.0.1", portA))
	require.NoError(t, b.SendFrame(&VoicePacket{Sequence: 3, Payload: []byte{9}}))

	select {
	case p := <-got:
		assert.Equal(t, uint32(3), p.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for datagram after SetRemote")
	}
}

func TestUDPTransportPeerMode(t *testing.T) {
	// Two peers on localhost with crossed ports, as in a real P2P call.
	a := NewUDPTransport()
	require.NoError(t, a.StartListener(0))
	portA := uint16(a.LocalAddr().(*net.UDPAddr).Port)
	a.Stop()

	b := NewUDPTransport()
	require.NoError(t, b.StartListener(0))
	portB := uint16(b.LocalAddr().(*net.UDPAddr).Port)
	b.Stop()

	peerA := NewUDPTransport()
	require.NoError(t, peerA.StartPeer("127.0.0.1", portA, portB))
	defer peerA.Stop()

	peerB := NewUDPTransport()
	require.NoError(t, peerB.StartPeer("127.0.0.1", portB, portA))
	defer peerB.Stop()

	gotA := make(chan *VoicePacket, 1)
	gotB := make(chan *VoicePacket, 1)
	peerA.SetDatagramHandler(func(p *VoicePacket, addr net.Addr) { gotA <- p })
	peerB.SetDatagramHandler(func(p *VoicePacket, addr net.Addr) { gotB <- p })

	require.NoError(t, peerA.SendFrame(&VoicePacket{Sequence: 0, Payload: []byte{0xA}}))
	require.NoError(t, peerB.SendFrame(&VoicePacket{Sequence: 0, Payload: []byte{0xB}}))

	for _, ch := range []chan *VoicePacket{gotA, gotB} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("peer datagram not delivered")
		}
	}
}

func TestUDPTransportStopJoinsQuickly(t *testing.T) {
	tr, _ := startListenerOnFreePort(t)

	start := time.Now()
	tr.Stop()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLinkObserverLossAndJitter(t *testing.T) {
	o := newLinkObserver()
	base := time.Now()

	// Sequences 0..9 with 2 and 7 missing: 20% loss.
	for _, seq := range []uint32{0, 1, 3, 4, 5, 6, 8, 9} {
		o.recordArrival(seq, 100, base.Add(time.Duration(seq)*20*time.Millisecond))
	}

	loss, jitter, kbps := o.snapshot(base.Add(200 * time.Millisecond))
	assert.InDelta(t, 0.2, loss, 0.001)
	assert.Greater(t, jitter, time.Duration(0))
	assert.Greater(t, kbps, 0.0)

	expected, lost := o.expectedAndLost()
	assert.Equal(t, uint64(10), expected)
	assert.Equal(t, uint64(2), lost)
}

func itoa(v uint16) string {
	return strconv.Itoa(int(v))
}
