// Package capture implements the client's capture/encode path: read PCM
// from a capture device, gate it with VAD, encode with Opus, frame it, and
// hand the result to the transport over a bounded channel.
package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"nearcast/client/internal/agc"
	"nearcast/client/internal/encodec"
	"nearcast/client/internal/noisegate"
	"nearcast/client/internal/vad"
	"nearcast/internal/wire"
)

// queueDepth bounds the number of encoded frames awaiting transmit. At 20 ms
// per frame this is 1.2 s of backlog before the oldest frame starts getting
// dropped.
const queueDepth = 60

// OutputFrame is one encoded frame ready for the transport to send,
// already tagged with a monotonically increasing sequence number.
type OutputFrame struct {
	Seq  uint16
	Opus []byte
}

// Device describes an available capture or playback device.
type Device struct {
	ID   int
	Name string
}

// Engine owns the capture stream, the VAD/AGC/gate chain, and the Opus
// encoder. Construct with New, call Start to begin capturing, Stop to tear
// down.
type Engine struct {
	sampleRate int
	bitrate    int

	gate *noisegate.Gate
	agc  *agc.Leveler
	vad  *vad.Detector
	enc  encodec.Encoder

	openMic   atomic.Bool
	ptt       atomic.Bool
	pttActive atomic.Bool
	muted     atomic.Bool
	agcOn     atomic.Bool

	seq atomic.Uint32 // wrapped to uint16 on use; wire.AudioFrame.Seq is 16 bits

	stream interface {
		Start() error
		Stop() error
		Close() error
		Read() error
	}

	out chan OutputFrame
	mu  sync.Mutex

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	log     *slog.Logger
}

// New constructs an Engine at sampleRate (one of 48000, 24000, or 16000)
// targeting bitrate bits/sec.
func New(sampleRate, bitrate int, log *slog.Logger) (*Engine, error) {
	enc, err := encodec.NewEncoder(sampleRate, bitrate)
	if err != nil {
		return nil, fmt.Errorf("capture: new encoder: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		sampleRate: sampleRate,
		bitrate:    bitrate,
		gate:       noisegate.New(),
		agc:        agc.New(),
		vad:        vad.New(sampleRate),
		enc:        enc,
		out:        make(chan OutputFrame, queueDepth),
		log:        log,
	}
	e.agcOn.Store(true)
	return e, nil
}

// Frames returns the channel of encoded frames ready for transport.
func (e *Engine) Frames() <-chan OutputFrame { return e.out }

// ListInputDevices returns the capture devices available on this host.
func ListInputDevices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	var out []Device
	for i, d := range devices {
		if d.MaxInputChannels > 0 {
			out = append(out, Device{ID: i, Name: d.Name})
		}
	}
	return out, nil
}

// SetOpenMic bypasses the VAD gate entirely when enabled.
func (e *Engine) SetOpenMic(enabled bool) { e.openMic.Store(enabled) }

// SetPTTMode switches between VAD-gated and push-to-talk transmission.
func (e *Engine) SetPTTMode(enabled bool) {
	e.ptt.Store(enabled)
	if !enabled {
		e.pttActive.Store(false)
	}
}

// SetPTTActive reports whether the push-to-talk key is currently held; only
// meaningful when push-to-talk mode is enabled.
func (e *Engine) SetPTTActive(active bool) { e.pttActive.Store(active) }

// SetMuted stops frames from being encoded and enqueued without tearing down
// the capture stream.
func (e *Engine) SetMuted(muted bool) { e.muted.Store(muted) }

// SetAGCEnabled toggles automatic gain control on the capture chain.
func (e *Engine) SetAGCEnabled(enabled bool) { e.agcOn.Store(enabled) }

// SetAGCTargetLevel sets the AGC's desired output level, 0-100. Configure
// before Start; the leveler itself is not synchronized against the capture
// loop.
func (e *Engine) SetAGCTargetLevel(level int) { e.agc.SetTargetLevel(level) }

// SetNoiseGateEnabled toggles the noise gate. Configure before Start.
func (e *Engine) SetNoiseGateEnabled(enabled bool) { e.gate.SetEnabled(enabled) }

// Start opens the capture device (deviceID, or the system default when
// negative) and begins the capture loop.
func (e *Engine) Start(deviceID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("capture: list devices: %w", err)
	}
	dev, err := resolveDevice(devices, deviceID)
	if err != nil {
		return fmt.Errorf("capture: resolve device: %w", err)
	}

	frameSamples := encodec.SamplesPerFrame(e.sampleRate)
	buf := make([]float32, frameSamples)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(e.sampleRate),
		FramesPerBuffer: frameSamples,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return fmt.Errorf("capture: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("capture: start stream: %w", err)
	}

	e.stream = stream
	e.stopCh = make(chan struct{})
	e.running.Store(true)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.captureLoop(buf)
	}()
	return nil
}

// Stop halts capture and releases the device.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)

	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
	e.wg.Wait()

	e.mu.Lock()
	if e.stream != nil {
		e.stream.Close()
		e.stream = nil
	}
	e.mu.Unlock()
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return portaudio.DefaultInputDevice()
}

func (e *Engine) captureLoop(buf []float32) {
	pcm := make([]int16, len(buf))
	opusBuf := make([]byte, encodec.MaxPacketBytes)

	for e.running.Load() {
		if err := e.stream.Read(); err != nil {
			if e.running.Load() {
				e.log.Warn("capture read failed", "error", err)
			}
			return
		}

		// The VAD runs on the gated but pre-AGC signal: the leveler
		// normalizes everything toward its target, which would defeat an
		// energy threshold.
		e.gate.Process(buf)

		if e.ptt.Load() {
			if !e.pttActive.Load() {
				continue
			}
		} else if !e.openMic.Load() {
			if !e.vad.Gate(buf) {
				continue
			}
		}

		if e.muted.Load() {
			continue
		}

		if e.agcOn.Load() {
			e.agc.Process(buf)
		}

		for i, s := range buf {
			pcm[i] = clampToInt16(s)
		}

		n, err := e.enc.Encode(pcm, opusBuf)
		if err != nil {
			e.log.Warn("opus encode failed", "error", err)
			continue
		}
		payload := make([]byte, n)
		copy(payload, opusBuf[:n])

		e.enqueue(OutputFrame{Seq: uint16(e.seq.Add(1)), Opus: payload})
	}
}

// enqueue drops the oldest queued frame, never the newest, on overflow:
// a stale frame is worthless once a fresher one exists.
func (e *Engine) enqueue(f OutputFrame) {
	for {
		select {
		case e.out <- f:
			return
		default:
		}
		select {
		case <-e.out:
		default:
		}
	}
}

func clampToInt16(s float32) int16 {
	v := s * 32767
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// ToAudioFrame wraps an encoded OutputFrame as a wire AudioFrame, attributed
// to the local player. Position/orientation/dimension are filled in by the
// relay from its position cache, so they are left unset here.
func ToAudioFrame(f OutputFrame, sampleRate int) wire.AudioFrame {
	return wire.AudioFrame{
		Seq:        f.Seq,
		SampleRate: uint32(sampleRate),
		Data:       f.Opus,
	}
}
