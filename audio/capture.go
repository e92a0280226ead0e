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

// Capture reads PCM periods from the audio device, applies the input gain,
// and pushes the resulting frames into its sink buffer.
//
// The worker runs until Stop or a non-recoverable device error. Overruns
// are recovered by re-preparing the device and counted; any other device
// error exits the worker, which the session treats as end of call.
type Capture struct {
	mu     sync.Mutex
	device Device
	params DeviceParams
	sink   *buffer.FrameBuffer

	gain  atomic.Uint64 // math.Float64bits
	muted atomic.Bool

	running atomic.Bool
	done    chan struct{}

	captured atomic.Uint64
	overruns atomic.Uint64
}

// NewCapture creates a capture wrapper around the given device backend.
func NewCapture(device Device) *Capture {
	c := &Capture{device: device}
	c.gain.Store(math.Float64bits(1.0))
	return c
}

// Initialize opens the device at the canonical format. If the hardware
// negotiates a different rate it is recorded and reported; the rest of
// the pipeline stays bound to the canonical rate.
func (c *Capture) Initialize(deviceName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	achieved, err := c.device.Open(deviceName, DefaultDeviceParams())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Capture.Initialize",
			"device":   deviceName,
			"error":    err.Error(),
		}).Error("Failed to open capture device")
		return fmt.Errorf("open capture device %q: %w", deviceName, err)
	}

	c.params = achieved

	if achieved.SampleRate != DeviceSampleRate {
		logrus.WithFields(logrus.Fields{
			"function":       "Capture.Initialize",
			"requested_rate": DeviceSampleRate,
			"achieved_rate":  achieved.SampleRate,
		}).Warn("Capture device negotiated a different sample rate")
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Capture.Initialize",
		"device":      deviceName,
		"sample_rate": achieved.SampleRate,
		"period_size": achieved.PeriodSize,
	}).Info("Capture device initialized")

	return nil
}

// SetSink directs captured frames into the given buffer.
func (c *Capture) SetSink(sink *buffer.FrameBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// SetGain sets the input gain, clamped to [0, 2].
func (c *Capture) SetGain(gain float64) {
	c.gain.Store(math.Float64bits(clampGain(gain)))
}

// Gain returns the current input gain.
func (c *Capture) Gain() float64 {
	return math.Float64frombits(c.gain.Load())
}

// SetMuted replaces captured audio with silence without stopping the
// worker, so the frame cadence is preserved.
func (c *Capture) SetMuted(muted bool) {
	c.muted.Store(muted)
}

// Muted reports whether capture is muted.
func (c *Capture) Muted() bool { return c.muted.Load() }

// AchievedRate returns the rate the device actually negotiated.
func (c *Capture) AchievedRate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.SampleRate
}

// CapturedFrames returns the number of periods read so far.
func (c *Capture) CapturedFrames() uint64 { return c.captured.Load() }

// Overruns returns the number of recovered device overruns.
func (c *Capture) Overruns() uint64 { return c.overruns.Load() }

// Start spawns the capture worker. Starting a running capture is a no-op.
func (c *Capture) Start() error {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()

	if sink == nil {
		return errors.New("capture sink not set")
	}

	if !c.running.CompareAndSwap(false, true) {
		return nil
	}

	c.done = make(chan struct{})
	go c.worker()

	logrus.WithFields(logrus.Fields{
		"function": "Capture.Start",
	}).Info("Capture worker started")

	return nil
}

// Stop signals the worker, drops the device to unblock any pending read,
// and joins.
func (c *Capture) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}

	_ = c.device.Drop()
	<-c.done

	logrus.WithFields(logrus.Fields{
		"function": "Capture.Stop",
		"captured": c.captured.Load(),
		"overruns": c.overruns.Load(),
	}).Info("Capture worker stopped")
}

// worker reads one period per iteration, applies gain, and pushes the
// frame into the sink.
func (c *Capture) worker() {
	defer close(c.done)

	c.mu.Lock()
	period := c.params.PeriodSize
	rate := c.params.SampleRate
	sink := c.sink
	c.mu.Unlock()

	if period == 0 {
		period = DevicePeriodSize
	}
	if rate == 0 {
		rate = DeviceSampleRate
	}

	for c.running.Load() {
		samples := make([]int16, period)

		n, err := c.device.Read(samples)
		if err != nil {
			if errors.Is(err, ErrDeviceOverrun) {
				c.overruns.Add(1)
				if prepErr := c.device.Prepare(); prepErr != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Capture.worker",
						"error":    prepErr.Error(),
					}).Error("Capture device recovery failed, worker exiting")
					return
				}
				continue
			}
			if c.running.Load() {
				logrus.WithFields(logrus.Fields{
					"function": "Capture.worker",
					"error":    err.Error(),
				}).Error("Capture device read failed, worker exiting")
			}
			return
		}

		c.captured.Add(1)

		if c.muted.Load() {
			for i := range samples[:n] {
				samples[i] = 0
			}
		} else {
			applyGain(samples[:n], c.Gain())
		}

		sink.PushCaptured(buffer.NewAudioFrame(samples[:n], rate))
	}
}

// applyGain scales samples with clipping protection at the int16 bounds.
func applyGain(samples []int16, gain float64) {
	if gain == 1.0 {
		return
	}

	for i, sample := range samples {
		scaled := float64(sample) * gain
		switch {
		case scaled > 32767:
			samples[i] = 32767
		case scaled < -32768:
			samples[i] = -32768
		default:
			samples[i] = int16(scaled)
		}
	}
}

// clampGain bounds a gain or volume setting to [0, 2].
func clampGain(g float64) float64 {
	if g < 0 {
		return 0
	}
	if g > 2 {
		return 2
	}
	return g
}
