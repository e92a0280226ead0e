package transport

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of the transport's view of the link.
// Loss is derived from sequence-number gaps on the receive side, jitter
// from smoothed inter-arrival variance, and bandwidth from received bytes
// over the observation window.
type Stats struct {
	Sent      uint64
	Received  uint64
	Failed    uint64
	Malformed uint64

	LossRate      float64       // 0.0 - 1.0
	Jitter        time.Duration // smoothed inter-arrival variance
	BandwidthKbps float64       // observed receive bandwidth
}

// linkObserver accumulates receive-side link quality measurements.
//
// Jitter follows the RFC 3550 interarrival estimator shape: a running
// 1/16-weighted mean of the absolute deviation between consecutive
// arrival gaps. Loss compares the highest sequence number seen against
// the count of datagrams actually received.
type linkObserver struct {
	mu sync.Mutex

	firstSeq    uint32
	highestSeq  uint32
	gotAny      bool
	received    uint64
	totalBytes  uint64
	windowStart time.Time

	lastArrival time.Time
	lastGap     time.Duration
	jitter      time.Duration
}

func newLinkObserver() *linkObserver {
	return &linkObserver{}
}

// recordArrival folds one received datagram into the link estimate.
func (o *linkObserver) recordArrival(seq uint32, size int, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.gotAny {
		o.gotAny = true
		o.firstSeq = seq
		o.highestSeq = seq
		o.windowStart = now
	} else if seq > o.highestSeq {
		o.highestSeq = seq
	}

	o.received++
	o.totalBytes += uint64(size)

	if !o.lastArrival.IsZero() {
		gap := now.Sub(o.lastArrival)
		if o.lastGap > 0 {
			deviation := gap - o.lastGap
			if deviation < 0 {
				deviation = -deviation
			}
			o.jitter += (deviation - o.jitter) / 16
		}
		o.lastGap = gap
	}
	o.lastArrival = now
}

// snapshot derives loss, jitter and bandwidth from the accumulated state.
func (o *linkObserver) snapshot(now time.Time) (loss float64, jitter time.Duration, kbps float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.gotAny {
		return 0, 0, 0
	}

	expected := uint64(o.highestSeq-o.firstSeq) + 1
	if expected > o.received {
		loss = float64(expected-o.received) / float64(expected)
	}

	elapsed := now.Sub(o.windowStart).Seconds()
	if elapsed > 0 {
		kbps = float64(o.totalBytes) * 8 / 1000 / elapsed
	}

	return loss, o.jitter, kbps
}

// expectedAndLost returns the raw packet accounting used for loss reports.
func (o *linkObserver) expectedAndLost() (expected, lost uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.gotAny {
		return 0, 0
	}

	expected = uint64(o.highestSeq-o.firstSeq) + 1
	if expected > o.received {
		lost = expected - o.received
	}
	return expected, lost
}
