// Package capture shares one microphone acquisition across the segments of a multi-prompt
// question.
package capture

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"oralroom/internal/apperr"
	"oralroom/internal/domain"
	"oralroom/internal/ports"
)

// DefaultSettleDelay is how long EndSegment waits for the final flush to arrive.
const DefaultSettleDelay = 500 * time.Millisecond

var (
	ErrSegmentActive   = errors.New("capture segment already active")
	ErrNoSegment       = errors.New("no capture segment active")
	ErrControllerClose = errors.New("capture controller closed")
)

type segmentState int

const (
	segmentIdle segmentState = iota
	segmentCollecting
	segmentFlushing
)

// Controller collects device chunks into ordered segments. With a pausable device each
// segment resumes and pauses the recorder; otherwise the recorder runs continuously and only
// chunks delivered while a segment is being saved are kept.
type Controller struct {
	device ports.CaptureDevice
	settle time.Duration
	log    zerolog.Logger

	mu     sync.Mutex
	state  segmentState
	chunks [][]byte
	count  int
	closed bool
	taps   map[int]func([]byte)
	nextID int
}

func NewController(device ports.CaptureDevice, settle time.Duration, log zerolog.Logger) *Controller {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	c := &Controller{
		device: device,
		settle: settle,
		log:    log.With().Str("component", "capture-controller").Logger(),
		taps:   make(map[int]func([]byte)),
	}
	device.OnData(c.onData)
	return c
}

// StartSegment begins collecting a new segment, acquiring the microphone on first use.
func (c *Controller) StartSegment(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerClose
	}
	if c.state != segmentIdle {
		return ErrSegmentActive
	}

	c.chunks = nil
	c.state = segmentCollecting

	var err error
	switch c.device.State() {
	case ports.CaptureInactive:
		err = c.device.Start(ctx)
	case ports.CapturePaused:
		err = c.device.Resume()
	}
	if err != nil {
		c.state = segmentIdle
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return err
		}
		return apperr.Recording("could not start microphone capture", err)
	}

	c.count++
	c.log.Debug().
		Int("segment", c.count).
		Bool("pausable", c.device.SupportsPause()).
		Msg("capture segment started")
	return nil
}

// EndSegment stops collecting, waits for the final flush and returns the segment audio.
func (c *Controller) EndSegment(ctx context.Context) (domain.Blob, error) {
	c.mu.Lock()
	if c.state != segmentCollecting {
		c.mu.Unlock()
		return domain.Blob{}, ErrNoSegment
	}
	c.state = segmentFlushing
	if c.device.SupportsPause() && c.device.State() == ports.CaptureRecording {
		if err := c.device.Pause(); err != nil {
			c.log.Warn().Err(err).Msg("pause failed; continuing with flush")
		}
	}
	c.mu.Unlock()

	c.device.RequestData()

	timer := time.NewTimer(c.settle)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	c.mu.Lock()
	chunks := c.chunks
	c.chunks = nil
	c.state = segmentIdle
	c.mu.Unlock()

	data := bytes.Join(chunks, nil)
	blob := domain.Blob{Data: data, MimeType: c.mimeType(data)}
	c.log.Debug().Int("bytes", len(data)).Int("chunks", len(chunks)).Msg("capture segment ended")
	return blob, ctx.Err()
}

// Active reports whether a segment is collecting.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == segmentCollecting
}

// Close releases the microphone.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = segmentIdle
	c.chunks = nil
	c.mu.Unlock()

	if c.device.State() == ports.CaptureInactive {
		return nil
	}
	return c.device.Stop()
}

// Tap registers handler to receive a copy of every chunk accepted into a segment, in capture
// order. The returned function removes the handler.
func (c *Controller) Tap(handler func(chunk []byte)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.taps[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.taps, id)
		c.mu.Unlock()
	}
}

func (c *Controller) onData(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.mu.Lock()
	if c.state == segmentIdle {
		c.mu.Unlock()
		return
	}
	kept := append([]byte(nil), chunk...)
	c.chunks = append(c.chunks, kept)
	taps := make([]func([]byte), 0, len(c.taps))
	for _, tap := range c.taps {
		taps = append(taps, tap)
	}
	c.mu.Unlock()

	for _, tap := range taps {
		tap(kept)
	}
}

func (c *Controller) mimeType(data []byte) string {
	if mime := c.device.MimeType(); mime != "" {
		return mime
	}
	return mimetype.Detect(data).String()
}
