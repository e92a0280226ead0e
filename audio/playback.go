package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/novavoice/buffer"
)

// Playback pops decoded frames from its source buffer and writes them to
// the audio device, falling through to silence when the buffer starves so
// the device never stalls.
//
// Underruns are recovered by re-preparing the device and counted; any
// other device error exits the worker, which the session treats as end of
// call.
type Playback struct {
	mu     sync.Mutex
	device Device
	params DeviceParams
	source *buffer.FrameBuffer

	volume atomic.Uint64 // math.Float64bits
	muted  atomic.Bool

	running atomic.Bool
	done    chan struct{}

	played    atomic.Uint64
	silence   atomic.Uint64
	underruns atomic.Uint64
}

// NewPlayback creates a playback wrapper around the given device backend.
func NewPlayback(device Device) *Playback {
	p := &Playback{device: device}
	p.volume.Store(math.Float64bits(1.0))
	return p
}

// Initialize opens the device at the canonical format, recording the
// achieved rate when the hardware negotiates differently.
func (p *Playback) Initialize(deviceName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	achieved, err := p.device.Open(deviceName, DefaultDeviceParams())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Playback.Initialize",
			"device":   deviceName,
			"error":    err.Error(),
		}).Error("Failed to open playback device")
		return fmt.Errorf("open playback device %q: %w", deviceName, err)
	}

	p.params = achieved

	if achieved.SampleRate != DeviceSampleRate {
		logrus.WithFields(logrus.Fields{
			"function":       "Playback.Initialize",
			"requested_rate": DeviceSampleRate,
			"achieved_rate":  achieved.SampleRate,
		}).Warn("Playback device negotiated a different sample rate")
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Playback.Initialize",
		"device":      deviceName,
		"sample_rate": achieved.SampleRate,
		"period_size": achieved.PeriodSize,
	}).Info("Playback device initialized")

	return nil
}

// SetSource directs the worker to pop frames from the given buffer.
func (p *Playback) SetSource(source *buffer.FrameBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
}

// SetVolume sets the output volume, clamped to [0, 2].
func (p *Playback) SetVolume(volume float64) {
	p.volume.Store(math.Float64bits(clampGain(volume)))
}

// Volume returns the current output volume.
func (p *Playback) Volume() float64 {
	return math.Float64frombits(p.volume.Load())
}

// SetMuted replaces output audio with silence without stopping the worker.
func (p *Playback) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// Muted reports whether playback is muted.
func (p *Playback) Muted() bool { return p.muted.Load() }

// AchievedRate returns the rate the device actually negotiated.
func (p *Playback) AchievedRate() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params.SampleRate
}

// PlayedFrames returns the number of real frames written so far.
func (p *Playback) PlayedFrames() uint64 { return p.played.Load() }

// SilencePeriods returns the number of zero-filled periods emitted while
// the source buffer was starved.
func (p *Playback) SilencePeriods() uint64 { return p.silence.Load() }

// Underruns returns the number of recovered device underruns.
func (p *Playback) Underruns() uint64 { return p.underruns.Load() }

// Start spawns the playback worker. Starting a running playback is a
// no-op.
func (p *Playback) Start() error {
	p.mu.Lock()
	source := p.source
	p.mu.Unlock()

	if source == nil {
		return errors.New("playback source not set")
	}

	if !p.running.CompareAndSwap(false, true) {
		return nil
	}

	p.done = make(chan struct{})
	go p.worker()

	logrus.WithFields(logrus.Fields{
		"function": "Playback.Start",
	}).Info("Playback worker started")

	return nil
}

// Stop signals the worker, drops the device to unblock any pending write,
// and joins.
func (p *Playback) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}

	_ = p.device.Drop()
	<-p.done

	logrus.WithFields(logrus.Fields{
		"function":  "Playback.Stop",
		"played":    p.played.Load(),
		"underruns": p.underruns.Load(),
	}).Info("Playback worker stopped")
}

// worker pops one frame per iteration with a bounded wait; on timeout it
// writes a zero-filled period of the same length instead of pausing.
func (p *Playback) worker() {
	defer close(p.done)

	p.mu.Lock()
	period := p.params.PeriodSize
	source := p.source
	p.mu.Unlock()

	if period == 0 {
		period = DevicePeriodSize
	}

	for p.running.Load() {
		var samples []int16

		frame, ok := source.PopWait(buffer.DefaultPopTimeout)
		if ok {
			samples = frame.Samples
			if p.muted.Load() {
				for i := range samples {
					samples[i] = 0
				}
			} else {
				applyGain(samples, p.Volume())
			}
		} else {
			samples = make([]int16, period)
			p.silence.Add(1)
		}

		if _, err := p.device.Write(samples); err != nil {
			if errors.Is(err, ErrDeviceUnderrun) {
				p.underruns.Add(1)
				if prepErr := p.device.Prepare(); prepErr != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Playback.worker",
						"error":    prepErr.Error(),
					}).Error("Playback device recovery failed, worker exiting")
					return
				}
				continue
			}
			if p.running.Load() {
				logrus.WithFields(logrus.Fields{
					"function": "Playback.worker",
					"error":    err.Error(),
				}).Error("Playback device write failed, worker exiting")
			}
			return
		}

		if ok {
			p.played.Add(1)
		}
	}
}
