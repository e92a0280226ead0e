// Package buffer provides the bounded frame queues that connect the audio
// pipeline stages of a NovaVoice call.
//
// Two independent FIFOs exist per endpoint: the input buffer carries frames
// from the capture device toward the network, and the output buffer carries
// decoded frames from the network toward the playback device. Both apply a
// drop-oldest overflow policy: real-time voice prefers fresh audio over
// complete audio, so when a queue is full the stalest frame is evicted and
// counted rather than blocking a producer.
//
// Example:
//
//	mgr := buffer.NewManager(buffer.DefaultCapacity)
//	mgr.Input().PushCaptured(buffer.NewAudioFrame(samples, 48000))
//
//	frame, ok := mgr.Output().PopWait(10 * time.Millisecond)
//	if !ok {
//	    // play silence for this period
//	}
package buffer
