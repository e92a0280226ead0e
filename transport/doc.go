// Package transport implements the datagram transport for NovaVoice calls.
//
// The wire format is deliberately small: each UDP datagram carries a 4-byte
// little-endian sequence number followed by the encoded audio payload. The
// datagram length implies the payload length, so there is no length prefix,
// magic number, or checksum beyond UDP's own.
//
// A transport runs in one of three modes chosen at start time:
//
//   - Listener: bind a local port and learn the remote address from
//     arriving datagrams.
//   - Initiator: fix the remote address up front on an ephemeral local port.
//   - Peer: bind a known local port and set a known remote address, with no
//     learning. Both sides of a P2P call use this symmetrically.
//
// Example:
//
//	tr := transport.NewUDPTransport()
//	tr.SetDatagramHandler(func(p *transport.VoicePacket, addr net.Addr) {
//	    // decode and enqueue for playback
//	})
//	if err := tr.StartPeer("192.168.1.15", 45000, 11111); err != nil {
//	    log.Fatal(err)
//	}
package transport
