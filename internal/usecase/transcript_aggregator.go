package usecase

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oralroom/internal/domain"
	"oralroom/internal/ports"
)

const (
	recognitionBuffer = 256
	recognitionGrace  = 4 * time.Second
)

type transcriptAggregator struct {
	mu         sync.Mutex
	finals     []string
	lastSpoken string
}

func newTranscriptAggregator() *transcriptAggregator {
	return &transcriptAggregator{}
}

func (a *transcriptAggregator) Add(event domain.TranscriptEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	text := strings.TrimSpace(event.Text)
	if text == "" {
		return
	}
	a.lastSpoken = text
	if event.Kind == domain.TranscriptKindFinal {
		a.finals = append(a.finals, text)
	}
}

// Text joins the final results. A trailing partial that was never finalized is appended when
// it extends beyond what the finals already cover.
func (a *transcriptAggregator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	joined := strings.TrimSpace(strings.Join(a.finals, " "))
	switch {
	case joined == "":
		return a.lastSpoken
	case a.lastSpoken == "", strings.HasSuffix(joined, a.lastSpoken):
		return joined
	case len(a.lastSpoken) > len(joined):
		return strings.TrimSpace(joined + " " + a.lastSpoken)
	}
	return joined
}

func consumeTranscriptionEvents(
	session ports.StreamingSession,
	aggregator *transcriptAggregator,
	log zerolog.Logger,
	done chan struct{},
) {
	defer close(done)

	for event := range session.Events() {
		if strings.TrimSpace(event.Text) == "" {
			continue
		}
		aggregator.Add(event)
		if event.Kind == domain.TranscriptKindPartial {
			log.Debug().Str("text", event.Text).Msg("partial transcript")
		}
	}
}

// chunkSource delivers captured chunks to a tap while a segment is collecting.
type chunkSource interface {
	Tap(handler func(chunk []byte)) (remove func())
}

// liveRecognition streams one question's captured audio to a recognizer while it is being
// recorded. Failures only cost the speech text; they never block the recording.
type liveRecognition struct {
	provider ports.TranscriptionProvider
	log      zerolog.Logger

	aggregator *transcriptAggregator
	chunks     chan []byte
	ready      chan struct{}
	removeTap  func()

	mu      sync.Mutex
	closed  bool
	dropped int

	stream     ports.StreamingSession
	eventsDone chan struct{}
	pumpDone   chan struct{}
}

func startRecognition(
	ctx context.Context,
	provider ports.TranscriptionProvider,
	cfg ports.StreamingConfig,
	source chunkSource,
	log zerolog.Logger,
) *liveRecognition {
	r := &liveRecognition{
		provider:   provider,
		log:        log,
		aggregator: newTranscriptAggregator(),
		chunks:     make(chan []byte, recognitionBuffer),
		ready:      make(chan struct{}),
	}
	r.removeTap = source.Tap(r.push)
	go r.connect(ctx, cfg)
	return r
}

func (r *liveRecognition) connect(ctx context.Context, cfg ports.StreamingConfig) {
	defer close(r.ready)

	stream, err := r.provider.StartStreaming(ctx, cfg)
	if err != nil {
		r.log.Warn().Err(err).Msg("live recognition unavailable")
		return
	}
	r.stream = stream
	r.eventsDone = make(chan struct{})
	r.pumpDone = make(chan struct{})
	go consumeTranscriptionEvents(stream, r.aggregator, r.log, r.eventsDone)
	go pumpAudioChunks(r.chunks, stream, r.log, r.pumpDone)
}

func (r *liveRecognition) push(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.chunks <- chunk:
	default:
		r.dropped++
	}
}

func (r *liveRecognition) detach() {
	r.removeTap()
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.chunks)
		if r.dropped > 0 {
			r.log.Warn().Int("dropped", r.dropped).Msg("recognizer fell behind; chunks dropped")
		}
	}
}

// Finish flushes the stream and returns the recognized text with the recognizer language.
func (r *liveRecognition) Finish() (string, string) {
	r.detach()
	<-r.ready
	if r.stream == nil {
		return "", ""
	}
	<-r.pumpDone
	_ = r.stream.CloseSend()
	if err := waitForStream(r.stream, recognitionGrace); err != nil {
		r.log.Warn().Err(err).Msg("recognition stream ended with error")
	}
	<-r.eventsDone
	return r.aggregator.Text(), r.provider.Language()
}

// Abort discards the stream without waiting for final results.
func (r *liveRecognition) Abort() {
	r.detach()
	<-r.ready
	if r.stream == nil {
		return
	}
	<-r.pumpDone
	_ = r.stream.Close()
	<-r.eventsDone
}
