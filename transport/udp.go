package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DatagramHandler processes one received voice packet. It runs on the
// receive goroutine, so implementations must be fast or hand off.
type DatagramHandler func(packet *VoicePacket, addr net.Addr)

// Mode identifies how the transport was started.
type Mode int

const (
	// ModeIdle means the transport has not been started.
	ModeIdle Mode = iota
	// ModeListener binds a local port and learns the remote address from
	// arriving datagrams.
	ModeListener
	// ModeInitiator fixes the remote address up front on an ephemeral port.
	ModeInitiator
	// ModePeer binds a known local port with a known remote address.
	ModePeer
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeListener:
		return "listener"
	case ModeInitiator:
		return "initiator"
	case ModePeer:
		return "peer"
	default:
		return "idle"
	}
}

// UDPTransport is the connectionless datagram endpoint of a call.
//
// A single receive loop reads datagrams into a fixed scratch buffer,
// parses them, and invokes the registered handler. Transient send errors
// are counted and not retried; the real-time path never blocks on error
// recovery. The socket is owned exclusively by the transport and closed
// on Stop, which also unblocks the receive loop.
type UDPTransport struct {
	mu      sync.RWMutex
	conn    net.PacketConn
	remote  net.Addr
	mode    Mode
	handler DatagramHandler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	observer *linkObserver

	sent      atomic.Uint64
	received  atomic.Uint64
	failed    atomic.Uint64
	malformed atomic.Uint64
}

// NewUDPTransport creates a transport in idle mode. One of the Start
// methods must be called before frames can flow.
func NewUDPTransport() *UDPTransport {
	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
	}).Debug("Creating UDP transport")

	return &UDPTransport{
		observer: newLinkObserver(),
	}
}

// SetDatagramHandler registers the callback invoked for each well-formed
// received packet. It may be called before or after start.
func (t *UDPTransport) SetDatagramHandler(handler DatagramHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = handler
}

// StartListener binds the given local port and learns the remote address
// from received datagrams. Starting an already-started transport is a
// no-op returning nil.
func (t *UDPTransport) StartListener(localPort uint16) error {
	return t.start(ModeListener, fmt.Sprintf(":%d", localPort), "")
}

// StartInitiator binds an ephemeral local port and fixes the remote
// address up front.
func (t *UDPTransport) StartInitiator(remoteIP string, remotePort uint16) error {
	return t.start(ModeInitiator, ":0", net.JoinHostPort(remoteIP, fmt.Sprintf("%d", remotePort)))
}

// StartPeer binds a known local port and sets a known remote address, with
// no address learning. Both sides of a P2P call use this symmetrically.
func (t *UDPTransport) StartPeer(remoteIP string, localPort, remotePort uint16) error {
	return t.start(ModePeer, fmt.Sprintf(":%d", localPort), net.JoinHostPort(remoteIP, fmt.Sprintf("%d", remotePort)))
}

func (t *UDPTransport) start(mode Mode, localAddr, remoteAddr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.start",
			"mode":     t.mode.String(),
		}).Debug("Transport already started, ignoring start request")
		return nil
	}

	var remote net.Addr
	if remoteAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", remoteAddr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "UDPTransport.start",
				"remote":   remoteAddr,
				"error":    err.Error(),
			}).Error("Failed to resolve remote address")
			return fmt.Errorf("resolve remote address %s: %w", remoteAddr, err)
		}
		remote = addr
	}

	conn, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.start",
			"local":    localAddr,
			"error":    err.Error(),
		}).Error("Failed to bind UDP socket")
		return fmt.Errorf("bind %s: %w", localAddr, err)
	}

	t.conn = conn
	t.remote = remote
	t.mode = mode
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.done = make(chan struct{})

	go t.receiveLoop()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.start",
		"mode":     mode.String(),
		"local":    conn.LocalAddr().String(),
		"remote":   remoteAddr,
	}).Info("UDP transport started")

	return nil
}

// SetRemote updates the send target. Allowed at any time after start.
func (t *UDPTransport) SetRemote(ip string, port uint16) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("resolve remote address %s:%d: %w", ip, port, err)
	}

	t.mu.Lock()
	t.remote = addr
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.SetRemote",
		"remote":   addr.String(),
	}).Info("Remote address updated")

	return nil
}

// RemoteAddr returns the current send target, nil if none is known yet.
func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.remote
}

// LocalAddr returns the bound local address, nil before start.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Mode returns the mode the transport was started in.
func (t *UDPTransport) Mode() Mode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.mode
}

// SendFrame serializes the packet and sends it as one datagram to the
// current remote address. A partial send counts as failure. Transient
// errors increment the failed counter and are not retried.
func (t *UDPTransport) SendFrame(packet *VoicePacket) error {
	t.mu.RLock()
	conn := t.conn
	remote := t.remote
	t.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("transport not started")
	}
	if remote == nil {
		t.failed.Add(1)
		return fmt.Errorf("no remote address known")
	}

	data, err := packet.Serialize()
	if err != nil {
		t.failed.Add(1)
		return fmt.Errorf("serialize packet: %w", err)
	}

	n, err := conn.WriteTo(data, remote)
	if err != nil {
		t.failed.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.SendFrame",
			"sequence": packet.Sequence,
			"error":    err.Error(),
		}).Debug("Datagram send failed")
		return fmt.Errorf("send datagram: %w", err)
	}
	if n != len(data) {
		t.failed.Add(1)
		return fmt.Errorf("partial send: %d of %d bytes", n, len(data))
	}

	t.sent.Add(1)
	return nil
}

// Stop closes the socket, which unblocks and terminates the receive loop.
// Stopping an idle or already-stopped transport is a no-op.
func (t *UDPTransport) Stop() {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	done := t.done
	t.conn = nil
	t.cancel = nil
	t.mu.Unlock()

	if conn == nil {
		return
	}

	cancel()
	_ = conn.Close()
	<-done

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.Stop",
		"sent":     t.sent.Load(),
		"received": t.received.Load(),
		"failed":   t.failed.Load(),
	}).Info("UDP transport stopped")
}

// receiveLoop reads datagrams into a fixed scratch buffer until the socket
// is closed. Datagrams shorter than the wire header are discarded and
// counted as malformed; everything else is handed to the datagram handler.
func (t *UDPTransport) receiveLoop() {
	defer close(t.done)

	scratch := make([]byte, 2048)

	for {
		t.mu.RLock()
		conn := t.conn
		ctx := t.ctx
		t.mu.RUnlock()

		if conn == nil || ctx.Err() != nil {
			return
		}

		n, addr, err := conn.ReadFrom(scratch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			// A closed socket surfaces as a persistent read error; the
			// context check above decides whether this was a shutdown.
			logrus.WithFields(logrus.Fields{
				"function": "UDPTransport.receiveLoop",
				"error":    err.Error(),
			}).Debug("Datagram read failed")
			continue
		}

		t.handleDatagram(scratch[:n], addr)
	}
}

// handleDatagram parses one datagram, maintains link statistics, applies
// listener-mode address learning, and dispatches to the handler.
func (t *UDPTransport) handleDatagram(data []byte, addr net.Addr) {
	packet, err := ParseVoicePacket(data)
	if err != nil {
		t.malformed.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.handleDatagram",
			"size":     len(data),
			"source":   addr.String(),
		}).Debug("Discarding malformed datagram")
		return
	}

	t.received.Add(1)
	t.observer.recordArrival(packet.Sequence, len(data), time.Now())

	// Listener mode learns the remote continuously so the endpoint keeps
	// talking to wherever the peer currently is.
	t.mu.Lock()
	if t.mode == ModeListener {
		t.remote = addr
	}
	handler := t.handler
	t.mu.Unlock()

	if handler != nil {
		handler(packet, addr)
	}
}

// Stats returns a snapshot of the transport counters and link estimates.
func (t *UDPTransport) Stats() Stats {
	loss, jitter, kbps := t.observer.snapshot(time.Now())

	return Stats{
		Sent:          t.sent.Load(),
		Received:      t.received.Load(),
		Failed:        t.failed.Load(),
		Malformed:     t.malformed.Load(),
		LossRate:      loss,
		Jitter:        jitter,
		BandwidthKbps: kbps,
	}
}

// PacketAccounting returns the expected and lost datagram counts derived
// from receive-side sequence numbers, for loss reporting.
func (t *UDPTransport) PacketAccounting() (expected, lost uint64) {
	return t.observer.expectedAndLost()
}

// SentPackets returns the number of datagrams sent successfully.
func (t *UDPTransport) SentPackets() uint64 { return t.sent.Load() }

// ReceivedPackets returns the number of well-formed datagrams received.
func (t *UDPTransport) ReceivedPackets() uint64 { return t.received.Load() }

// FailedSends returns the number of failed or partial sends.
func (t *UDPTransport) FailedSends() uint64 { return t.failed.Load() }

// MalformedPackets returns the number of datagrams discarded as malformed.
func (t *UDPTransport) MalformedPackets() uint64 { return t.malformed.Load() }
