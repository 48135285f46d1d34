package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oralroom/internal/apperr"
	"oralroom/internal/ports"
)

// ErrPauseUnsupported is returned by Pause and Resume on devices that can only run continuously.
var ErrPauseUnsupported = errors.New("capture device does not support pause")

const (
	defaultChunkSize    = 4096
	defaultStartupGrace = 250 * time.Millisecond
	stopGrace           = 1200 * time.Millisecond
)

// FFMPEGDevice captures microphone PCM with a long-running ffmpeg process. ffmpeg cannot be
// paused, so callers segment the continuous stream themselves.
type FFMPEGDevice struct {
	command      string
	cfg          ports.AudioConfig
	chunkSize    int
	startupGrace time.Duration
	log          zerolog.Logger

	mu      sync.Mutex
	state   ports.CaptureState
	handler func([]byte)
	proc    *ffmpegProcess
}

func NewFFMPEGDevice(command string, cfg ports.AudioConfig, log zerolog.Logger) *FFMPEGDevice {
	if command == "" {
		command = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return &FFMPEGDevice{
		command:      command,
		cfg:          cfg,
		chunkSize:    defaultChunkSize,
		startupGrace: defaultStartupGrace,
		log:          log.With().Str("component", "ffmpeg-capture").Logger(),
		state:        ports.CaptureInactive,
	}
}

// Start launches ffmpeg. An ffmpeg that exits during the startup grace period means the
// microphone could not be opened and is reported as a permission error.
func (d *FFMPEGDevice) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != ports.CaptureInactive {
		return nil
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.cfg.InputFormat,
		"-i", d.cfg.InputDevice,
		"-ac", strconv.Itoa(d.cfg.Channels),
		"-ar", strconv.Itoa(d.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.Command(d.command, args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return apperr.Recording("failed to launch the recorder", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return apperr.Permission("microphone unavailable",
				fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, trimOutput(stderr.String())))
		}
		return apperr.Permission("microphone unavailable", errors.New("ffmpeg exited before capture started"))
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return apperr.Recording("microphone capture cancelled", ctx.Err())
	case <-time.After(d.startupGrace):
	}

	proc := &ffmpegProcess{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}
	d.proc = proc
	d.state = ports.CaptureRecording
	go d.pump(proc)
	d.log.Info().Str("device", d.cfg.InputDevice).Int("sample_rate", d.cfg.SampleRate).Msg("microphone capture started")
	return nil
}

func (d *FFMPEGDevice) pump(proc *ffmpegProcess) {
	buf := make([]byte, d.chunkSize)
	for {
		n, err := proc.stdout.Read(buf)
		if n > 0 {
			d.mu.Lock()
			handler := d.handler
			d.mu.Unlock()
			if handler != nil {
				handler(append([]byte(nil), buf[:n]...))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				d.log.Warn().Err(err).Msg("microphone stream ended")
			}
			d.mu.Lock()
			if d.proc == proc {
				d.proc = nil
				d.state = ports.CaptureInactive
			}
			d.mu.Unlock()
			return
		}
	}
}

func (d *FFMPEGDevice) Stop() error {
	d.mu.Lock()
	proc := d.proc
	d.proc = nil
	d.state = ports.CaptureInactive
	d.mu.Unlock()

	if proc == nil {
		return nil
	}
	return proc.Stop()
}

func (d *FFMPEGDevice) Pause() error  { return ErrPauseUnsupported }
func (d *FFMPEGDevice) Resume() error { return ErrPauseUnsupported }

func (d *FFMPEGDevice) SupportsPause() bool { return false }

func (d *FFMPEGDevice) State() ports.CaptureState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// RequestData is a no-op: ffmpeg output is delivered as soon as it is read.
func (d *FFMPEGDevice) RequestData() {}

func (d *FFMPEGDevice) OnData(handler func([]byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

func (d *FFMPEGDevice) MimeType() string {
	return fmt.Sprintf("audio/L16; rate=%d; channels=%d", d.cfg.SampleRate, d.cfg.Channels)
}

type ffmpegProcess struct {
	stdout io.ReadCloser
	stderr *lockedBuffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (p *ffmpegProcess) Stop() error {
	p.stopOnce.Do(func() {
		if p.process != nil {
			_ = p.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-p.waitErr:
			if ok {
				p.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			if p.process != nil {
				_ = p.process.Kill()
			}
			err, ok := <-p.waitErr
			if ok {
				p.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := p.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if p.stopErr == nil {
				p.stopErr = closeErr
			}
		}

		if p.stopErr != nil && p.stderr != nil && p.stderr.Len() > 0 {
			p.stopErr = fmt.Errorf("%w: %s", p.stopErr, trimOutput(p.stderr.String()))
		}
	})

	return p.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}

// lockedBuffer collects process stderr, which exec writes from its own goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
