package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Canonical device format.
const (
	// DeviceSampleRate is the canonical capture and playback rate in Hz.
	DeviceSampleRate = 48000

	// DeviceChannels is the canonical channel count.
	DeviceChannels = 1

	// DevicePeriodSize is the per-read/write period in frames: one codec
	// work unit (20 ms) so captured periods map one-to-one onto encoded
	// packets.
	DevicePeriodSize = DeviceSampleRate * 20 / 1000
)

// Device errors. Overrun and underrun are transient: the worker recovers
// by calling Prepare and continues. Any other error is fatal to the
// worker and ends the call.
var (
	ErrDeviceOverrun  = errors.New("device overrun")
	ErrDeviceUnderrun = errors.New("device underrun")
	ErrDeviceClosed   = errors.New("device closed")
)

// DeviceParams are the hardware parameters negotiated at open time.
type DeviceParams struct {
	SampleRate uint32
	Channels   int
	PeriodSize int
}

// DefaultDeviceParams returns the canonical format.
func DefaultDeviceParams() DeviceParams {
	return DeviceParams{
		SampleRate: DeviceSampleRate,
		Channels:   DeviceChannels,
		PeriodSize: DevicePeriodSize,
	}
}

// Device is the audio hardware collaborator: a blocking PCM source or
// sink. Open negotiates parameters and returns what the hardware actually
// achieved; the pipeline stays bound to the canonical rate and resamples
// when they differ.
//
// Drop aborts in-flight blocking I/O so a worker can be unblocked during
// shutdown; Prepare re-arms the device after an overrun or underrun.
type Device interface {
	Open(name string, params DeviceParams) (DeviceParams, error)
	Read(buf []int16) (int, error)
	Write(buf []int16) (int, error)
	Prepare() error
	Drop() error
	Close() error
}

// SyntheticDevice is a clock-paced in-memory device used by tests and
// headless runs. Reads deliver queued frames, or silence when none are
// queued, at the real period cadence; writes are recorded up to a bounded
// history. Drop unblocks a pending paced wait immediately.
type SyntheticDevice struct {
	mu      sync.Mutex
	params  DeviceParams
	open    bool
	dropped chan struct{}

	pending [][]int16 // frames to serve on Read
	written [][]int16 // frames received on Write

	readErr  error // one-shot error injected for the next Read
	writeErr error // one-shot error injected for the next Write

	paced bool
}

// NewSyntheticDevice creates a device that paces I/O at the period
// cadence, like real hardware.
func NewSyntheticDevice() *SyntheticDevice {
	return &SyntheticDevice{paced: true}
}

// NewUnpacedSyntheticDevice creates a device whose I/O completes
// immediately, for tests that should not depend on wall-clock time.
func NewUnpacedSyntheticDevice() *SyntheticDevice {
	return &SyntheticDevice{}
}

// Open records the requested parameters and marks the device ready.
func (d *SyntheticDevice) Open(name string, params DeviceParams) (DeviceParams, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return d.params, fmt.Errorf("device already open")
	}

	d.params = params
	d.open = true
	d.dropped = make(chan struct{})

	logrus.WithFields(logrus.Fields{
		"function":    "SyntheticDevice.Open",
		"device":      name,
		"sample_rate": params.SampleRate,
		"period_size": params.PeriodSize,
	}).Debug("Synthetic device opened")

	return params, nil
}

// QueueFrame adds a frame to be served by a subsequent Read.
func (d *SyntheticDevice) QueueFrame(samples []int16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	frame := make([]int16, len(samples))
	copy(frame, samples)
	d.pending = append(d.pending, frame)
}

// FailNextRead makes the next Read return err once.
func (d *SyntheticDevice) FailNextRead(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

// FailNextWrite makes the next Write return err once.
func (d *SyntheticDevice) FailNextWrite(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErr = err
}

// Written returns copies of all frames written so far.
func (d *SyntheticDevice) Written() [][]int16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([][]int16, len(d.written))
	for i, f := range d.written {
		c := make([]int16, len(f))
		copy(c, f)
		out[i] = c
	}
	return out
}

// Read fills buf with the next queued frame, or silence, after the period
// pacing delay.
func (d *SyntheticDevice) Read(buf []int16) (int, error) {
	if err := d.pace(len(buf)); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return 0, ErrDeviceClosed
	}
	if d.readErr != nil {
		err := d.readErr
		d.readErr = nil
		return 0, err
	}

	if len(d.pending) > 0 {
		n := copy(buf, d.pending[0])
		d.pending = d.pending[1:]
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return len(buf), nil
	}

	for i := range buf {
		buf[i] = 0
	}
	return len(buf), nil
}

// Write records buf after the period pacing delay.
func (d *SyntheticDevice) Write(buf []int16) (int, error) {
	if err := d.pace(len(buf)); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return 0, ErrDeviceClosed
	}
	if d.writeErr != nil {
		err := d.writeErr
		d.writeErr = nil
		return 0, err
	}

	frame := make([]int16, len(buf))
	copy(frame, buf)
	d.written = append(d.written, frame)
	if len(d.written) > 1024 {
		d.written = d.written[1:]
	}

	return len(buf), nil
}

// pace sleeps for the real duration of n frames, interruptible by Drop.
func (d *SyntheticDevice) pace(n int) error {
	d.mu.Lock()
	paced := d.paced
	open := d.open
	rate := d.params.SampleRate
	dropped := d.dropped
	d.mu.Unlock()

	if !open {
		return ErrDeviceClosed
	}
	if !paced || rate == 0 {
		return nil
	}

	delay := time.Duration(n) * time.Second / time.Duration(rate)
	select {
	case <-time.After(delay):
		return nil
	case <-dropped:
		return ErrDeviceClosed
	}
}

// Prepare re-arms the device after a transient failure.
func (d *SyntheticDevice) Prepare() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return ErrDeviceClosed
	}
	return nil
}

// Drop aborts any pending paced wait.
func (d *SyntheticDevice) Drop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dropped != nil {
		select {
		case <-d.dropped:
		default:
			close(d.dropped)
		}
	}
	return nil
}

// Close drops pending I/O and marks the device closed.
func (d *SyntheticDevice) Close() error {
	_ = d.Drop()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.open = false
	return nil
}
