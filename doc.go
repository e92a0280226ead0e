// Package novavoice implements a peer-to-peer real-time voice endpoint.
//
// Each endpoint concurrently captures microphone audio, preprocesses it
// (automatic gain control, noise suppression, voice activity detection),
// compresses it with a speech codec at an adaptively chosen bitrate,
// transmits it over UDP, and symmetrically receives, decodes, buffers and
// plays remote audio. Two endpoints exchange audio symmetrically with no
// central server.
//
// The Session type owns the whole pipeline:
//
//	[Capture] → [Preprocessor.in] → [Encoder] → [FrameBuffer.tx] → [Transport.send]
//	                                                                       │
//	                                                                       ▼ network
//	[Playback] ← [Preprocessor.out] ← [Decoder] ← [FrameBuffer.rx] ← [Transport.recv]
//	                                                  ▲
//	                                          [BitrateController] ← network stats
//
// Example:
//
//	session, err := novavoice.NewSession(novavoice.Options{
//	    Mode:       novavoice.ModePeerToPeer,
//	    RemoteIP:   "192.168.1.15",
//	    LocalPort:  45000,
//	    RemotePort: 11111,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := session.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Stop()
package novavoice
