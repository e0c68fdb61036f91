package audio

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/coview-labs/coview/pkg/core"
)

// Source delivers raw captured PCM. Read blocks until data is available;
// Close stops the underlying device or process.
type Source interface {
	Read(p []byte) (int, error)
	Close() error
}

// OpenMic opens a microphone capture source. The native device backend is
// preferred; when no audio context or device is available it falls back to
// an ffmpeg child process. Errors carry permission/no-device codes so
// callers can distinguish a denied microphone from a missing one.
func OpenMic(format Format) (Source, error) {
	src, malgoErr := openMalgoMic(format)
	if malgoErr == nil {
		return src, nil
	}
	src, ffmpegErr := openFFmpegMic(format)
	if ffmpegErr == nil {
		return src, nil
	}
	return nil, core.NewPermissionError(core.CodeNoDevice,
		fmt.Sprintf("no usable microphone: device backend (%v), ffmpeg (%v)", malgoErr, ffmpegErr), malgoErr)
}

// malgoMic captures from the default input device via the miniaudio
// bindings. Samples arrive on a realtime callback and are handed to Read
// through a condition-variable buffer.
type malgoMic struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func openMalgoMic(format Format) (Source, error) {
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	m := &malgoMic{
		ctx: mctx,
		buf: make([]byte, 0, format.BytesPerSecond()),
	}
	m.cond = sync.NewCond(&m.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.mu.Lock()
			m.buf = append(m.buf, input...)
			m.mu.Unlock()
			m.cond.Signal()
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	m.device = device
	return m, nil
}

func (m *malgoMic) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.buf) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return 0, io.EOF
	}
	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

func (m *malgoMic) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()

	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
	}
	return nil
}

// ffmpegMic captures s16le PCM from an ffmpeg child process writing to
// stdout.
type ffmpegMic struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func openFFmpegMic(format Format) (Source, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg not found in PATH")
	}
	args, err := micFFmpegArgs(runtime.GOOS, format)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &ffmpegMic{cmd: cmd, stdout: stdout}, nil
}

func micFFmpegArgs(goos string, format Format) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", ":0",
			"-ac", fmt.Sprintf("%d", format.Channels),
			"-ar", fmt.Sprintf("%d", format.SampleRate),
			"-f", "s16le", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-ac", fmt.Sprintf("%d", format.Channels),
			"-ar", fmt.Sprintf("%d", format.SampleRate),
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("mic capture not implemented for %s", goos)
	}
}

func (m *ffmpegMic) Read(p []byte) (int, error) {
	if m == nil || m.stdout == nil {
		return 0, io.EOF
	}
	return m.stdout.Read(p)
}

func (m *ffmpegMic) Close() error {
	if m == nil {
		return nil
	}
	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	}
	return nil
}
