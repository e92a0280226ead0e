// Package codec provides the speech codec capability and the adaptive
// bitrate controller for NovaVoice calls.
//
// The codec operates frame-synchronously at 16 kHz mono with 20 ms work
// units: 320 samples in, a variable-size encoded payload out. Two
// implementations share the Codec interface: an Opus-backed codec using
// the pure Go pion/opus decoder, and a pass-through codec that carries the
// raw little-endian sample bytes unchanged. Both endpoints of a call must
// agree on the codec in use; there is no in-band negotiation.
//
// The bitrate controller computes a target bitrate from network and audio
// metrics, smooths transitions so the codec is not whipsawed, and commits
// a change only when it clears a stability threshold.
package codec
