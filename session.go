package novavoice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/novavoice/audio"
	"github.com/opd-ai/novavoice/buffer"
	"github.com/opd-ai/novavoice/codec"
	"github.com/opd-ai/novavoice/transport"
)

// DefaultPort is used when a mode's port argument is omitted.
const DefaultPort = 8888

// statsInterval is the cadence of the statistics tick; the loop sleeps in
// short increments so shutdown stays responsive.
const (
	statsInterval  = 5 * time.Second
	statsPollSlice = 100 * time.Millisecond
)

// SessionMode selects how the transport connects the two endpoints.
type SessionMode int

const (
	// ModePeerToPeer binds a local port and sends to a known remote,
	// symmetrically on both sides.
	ModePeerToPeer SessionMode = iota
	// ModeServer listens on a local port and learns the remote address
	// from the first caller.
	ModeServer
	// ModeClient connects out to a server from an ephemeral local port.
	ModeClient
)

// String returns a human-readable mode name.
func (m SessionMode) String() string {
	switch m {
	case ModeServer:
		return "server"
	case ModeClient:
		return "client"
	default:
		return "p2p"
	}
}

// Options configure a Session.
type Options struct {
	Mode       SessionMode
	RemoteIP   string
	LocalPort  uint16
	RemotePort uint16

	// DeviceName selects the audio device; "default" when empty.
	DeviceName string

	// Preprocessing tunes the signal chain; audio.DefaultPreprocessingConfig()
	// is used when the whole struct is the zero value.
	Preprocessing audio.PreprocessingConfig

	// CaptureDevice and PlaybackDevice inject device backends; synthetic
	// devices are used when nil, which keeps headless runs and tests
	// working without hardware.
	CaptureDevice  audio.Device
	PlaybackDevice audio.Device

	// BufferCapacity bounds each frame queue; buffer.DefaultCapacity
	// when zero.
	BufferCapacity int
}

// Session owns every component of one endpoint: the frame buffers, the
// transport, the capture and playback workers, and the preprocessor with
// its codec and bitrate controller. Ownership is strictly unidirectional;
// components only hold the queue endpoints they need.
//
// Start spawns the long-lived workers (capture, playback, receive, send,
// stats). Stop flips the running flag, closes the socket and drops the
// devices to unblock them, joins everything in reverse creation order,
// and clears the buffers.
type Session struct {
	opts Options

	buffers   *buffer.Manager
	transport *transport.UDPTransport
	capture   *audio.Capture
	playback  *audio.Playback
	pre       *audio.Preprocessor

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewSession creates and wires the pipeline without starting any worker.
func NewSession(opts Options) (*Session, error) {
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewSession",
		"mode":        opts.Mode.String(),
		"remote_ip":   opts.RemoteIP,
		"local_port":  opts.LocalPort,
		"remote_port": opts.RemotePort,
		"device":      opts.DeviceName,
	}).Info("Creating voice session")

	pre, err := audio.NewPreprocessor(opts.Preprocessing)
	if err != nil {
		return nil, fmt.Errorf("create preprocessor: %w", err)
	}

	s := &Session{
		opts:      opts,
		buffers:   buffer.NewManager(opts.BufferCapacity),
		transport: transport.NewUDPTransport(),
		capture:   audio.NewCapture(opts.CaptureDevice),
		playback:  audio.NewPlayback(opts.PlaybackDevice),
		pre:       pre,
	}

	if err := s.capture.Initialize(opts.DeviceName); err != nil {
		_ = pre.Close()
		return nil, err
	}
	if err := s.playback.Initialize(opts.DeviceName); err != nil {
		_ = pre.Close()
		return nil, err
	}

	s.capture.SetSink(s.buffers.Input())
	s.playback.SetSource(s.buffers.Output())
	s.transport.SetDatagramHandler(s.onDatagram)

	return s, nil
}

// validateOptions fills defaults and rejects inconsistent settings.
func validateOptions(opts *Options) error {
	switch opts.Mode {
	case ModePeerToPeer:
		if opts.RemoteIP == "" {
			return errors.New("p2p mode requires a remote address")
		}
		if opts.LocalPort == 0 || opts.RemotePort == 0 {
			return errors.New("p2p mode requires local and remote ports")
		}
	case ModeClient:
		if opts.RemoteIP == "" {
			return errors.New("client mode requires a remote address")
		}
		if opts.RemotePort == 0 {
			opts.RemotePort = DefaultPort
		}
	case ModeServer:
		if opts.LocalPort == 0 {
			opts.LocalPort = DefaultPort
		}
	default:
		return fmt.Errorf("unknown session mode %d", opts.Mode)
	}

	if opts.DeviceName == "" {
		opts.DeviceName = "default"
	}
	if opts.BufferCapacity == 0 {
		opts.BufferCapacity = buffer.DefaultCapacity
	}
	if opts.CaptureDevice == nil {
		opts.CaptureDevice = audio.NewSyntheticDevice()
	}
	if opts.PlaybackDevice == nil {
		opts.PlaybackDevice = audio.NewSyntheticDevice()
	}

	zero := audio.PreprocessingConfig{}
	if opts.Preprocessing == zero {
		opts.Preprocessing = audio.DefaultPreprocessingConfig()
	}

	return nil
}

// Start brings up the transport and spawns the workers. Starting a
// running session is a no-op.
func (s *Session) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := s.startTransport(); err != nil {
		s.running.Store(false)
		return err
	}

	if err := s.capture.Start(); err != nil {
		s.running.Store(false)
		s.transport.Stop()
		return fmt.Errorf("start capture: %w", err)
	}
	if err := s.playback.Start(); err != nil {
		s.running.Store(false)
		s.capture.Stop()
		s.transport.Stop()
		return fmt.Errorf("start playback: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)

	s.group.Go(func() error { return s.sendLoop(ctx) })
	s.group.Go(func() error { return s.statsLoop(ctx) })

	logrus.WithFields(logrus.Fields{
		"function": "Session.Start",
		"mode":     s.opts.Mode.String(),
	}).Info("Voice session started")

	return nil
}

// startTransport starts the UDP endpoint in the configured mode.
func (s *Session) startTransport() error {
	switch s.opts.Mode {
	case ModeServer:
		return s.transport.StartListener(s.opts.LocalPort)
	case ModeClient:
		return s.transport.StartInitiator(s.opts.RemoteIP, s.opts.RemotePort)
	default:
		return s.transport.StartPeer(s.opts.RemoteIP, s.opts.LocalPort, s.opts.RemotePort)
	}
}

// sendLoop pops captured frames, encodes them, and transmits one datagram
// per frame. A frame that cannot be encoded or sent in time is dropped
// and counted; the loop never blocks on error recovery.
func (s *Session) sendLoop(ctx context.Context) error {
	input := s.buffers.Input()

	for s.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, ok := input.PopWait(buffer.DefaultPopTimeout)
		if !ok {
			continue
		}

		packet, err := s.pre.Encode(frame.Samples)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.sendLoop",
				"sequence": frame.Sequence,
				"error":    err.Error(),
			}).Debug("Frame encode failed, dropping")
			continue
		}
		packet.Sequence = frame.Sequence

		if err := s.transport.SendFrame(&transport.VoicePacket{
			Sequence: packet.Sequence,
			Payload:  packet.Payload,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.sendLoop",
				"sequence": packet.Sequence,
				"error":    err.Error(),
			}).Debug("Frame send failed, dropping")
		}
	}

	return nil
}

// onDatagram runs on the transport's receive goroutine: decode
// immediately, then enqueue for playback.
func (s *Session) onDatagram(packet *transport.VoicePacket, _ net.Addr) {
	if !s.running.Load() {
		return
	}

	samples, err := s.pre.Decode(&codec.EncodedPacket{
		Payload:  packet.Payload,
		Sequence: packet.Sequence,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.onDatagram",
			"sequence": packet.Sequence,
			"error":    err.Error(),
		}).Debug("Frame decode failed, dropping")
		return
	}

	frame := buffer.NewAudioFrame(samples, audio.DeviceSampleRate)
	frame.Sequence = packet.Sequence
	s.buffers.Output().Push(frame)
}

// statsLoop periodically publishes transport observations to the bitrate
// controller and logs a statistics snapshot, sleeping in short slices so
// shutdown stays responsive.
func (s *Session) statsLoop(ctx context.Context) error {
	elapsed := time.Duration(0)

	for s.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(statsPollSlice):
			elapsed += statsPollSlice
		}

		if elapsed < statsInterval {
			continue
		}
		elapsed = 0

		stats := s.transport.Stats()

		if expected, lost := s.transport.PacketAccounting(); expected > 0 {
			s.pre.ReportPacketLoss(uint32(expected), uint32(lost))
		}
		if stats.BandwidthKbps > 0 {
			s.pre.ReportBandwidth(stats.BandwidthKbps)
		}

		logrus.WithFields(logrus.Fields{
			"function":     "Session.statsLoop",
			"buffer_in":    s.buffers.InputSize(),
			"buffer_out":   s.buffers.OutputSize(),
			"dropped":      s.buffers.DroppedFrames(),
			"sent":         stats.Sent,
			"received":     stats.Received,
			"failed":       stats.Failed,
			"malformed":    stats.Malformed,
			"captured":     s.capture.CapturedFrames(),
			"overruns":     s.capture.Overruns(),
			"played":       s.playback.PlayedFrames(),
			"underruns":    s.playback.Underruns(),
			"bitrate":      s.pre.CurrentBitrate(),
			"preprocessor": s.pre.Info(),
		}).Info("Session statistics")
	}

	return nil
}

// Stop shuts the session down in reverse creation order: flag first, then
// the send and stats loops are cancelled and joined, then playback, capture
// and the socket are stopped (each unblocking and joining its own worker),
// then the buffers are cleared. Stopping a stopped session is a no-op.
func (s *Session) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.Stop",
	}).Info("Stopping voice session")

	if s.cancel != nil {
		s.cancel()
		_ = s.group.Wait()
	}

	s.playback.Stop()
	s.capture.Stop()
	s.transport.Stop()

	s.buffers.Clear()
	_ = s.pre.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Session.Stop",
	}).Info("Voice session stopped")
}

// Running reports whether the session's workers are live.
func (s *Session) Running() bool { return s.running.Load() }

// Buffers exposes the frame queues for inspection.
func (s *Session) Buffers() *buffer.Manager { return s.buffers }

// Transport exposes the datagram endpoint for inspection.
func (s *Session) Transport() *transport.UDPTransport { return s.transport }

// Capture exposes the capture worker for gain and mute control.
func (s *Session) Capture() *audio.Capture { return s.capture }

// Playback exposes the playback worker for volume and mute control.
func (s *Session) Playback() *audio.Playback { return s.playback }

// Preprocessor exposes the signal chain and its bitrate controller.
func (s *Session) Preprocessor() *audio.Preprocessor { return s.pre }
