// Package audio provides the signal-processing half of a NovaVoice
// endpoint: device-backed capture and playback workers, per-frame noise
// suppression with voice activity detection, and the preprocessor that
// chains gain control, denoising, resampling, and the speech codec on
// both directions of a call.
//
// The capture path runs AGC, denoise and VAD at the 48 kHz device rate in
// 10 ms work units, then downsamples to the 16 kHz codec rate in 20 ms
// work units for encoding. The playback path is the mirror image.
//
// The audio device itself is an external collaborator reached through the
// Device interface; a synthetic implementation paces tests and headless
// runs at the real frame cadence.
package audio
