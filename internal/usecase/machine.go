package usecase

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oralroom/internal/apperr"
	"oralroom/internal/domain"
	"oralroom/internal/metrics"
	"oralroom/internal/ports"
)

// Capture records the segments of a question. capture.Controller implements it.
type Capture interface {
	StartSegment(ctx context.Context) error
	EndSegment(ctx context.Context) (domain.Blob, error)
}

// promptInvalidator is implemented by caching URL issuers.
type promptInvalidator interface {
	InvalidatePrompt(ref ports.URLRef)
}

// Deps are the collaborators of a Machine. Prompts, Sink and Recognizer are optional;
// PromptAudio is required for conversation questions.
type Deps struct {
	Capture     Capture
	Player      ports.PromptPlayer
	Prompts     ports.URLIssuer
	PromptAudio ports.PromptFetcher
	Uploader    ports.Uploader
	Signals     ports.Signals
	Sink        ports.EventSink
	Recognizer  ports.TranscriptionProvider
	Streaming   ports.StreamingConfig
}

// Machine drives one question through its recording stages. Transitions are serialized; every
// asynchronous completion re-enters through the same transition function, which discards it if
// the step that started it is no longer current.
type Machine struct {
	cfg       MachineConfig
	deps      Deps
	finalizer recordingFinalizer
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	closed     bool
	timer      *time.Timer
	playCancel context.CancelFunc
	live       *liveRecognition
	speech     string
	language   string
	recognized bool

	done        chan struct{}
	doneOnce    sync.Once
	releaseOnce sync.Once
}

func NewMachine(cfg MachineConfig, deps Deps, log zerolog.Logger) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:       cfg,
		deps:      deps,
		finalizer: newRecordingFinalizer(deps, cfg),
		log: log.With().
			Str("component", "stage-machine").
			Int("question_index", cfg.QuestionIndex).
			Str("variant", string(cfg.Variant)).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start enters the first stage of the question.
func (m *Machine) Start() error {
	return m.dispatch(Event{Kind: EventStart})
}

// Stop ends the recording on user request.
func (m *Machine) Stop() error {
	return m.dispatch(Event{Kind: EventStop})
}

// Replay restarts the prompt audio. Only allowed while the prompt plays and repeats are enabled.
func (m *Machine) Replay() error {
	return m.dispatch(Event{Kind: EventReplay})
}

// RetryPlayback retries a prompt that failed to play.
func (m *Machine) RetryPlayback() error {
	return m.dispatch(Event{Kind: EventRetryPlayback})
}

// RetryCapture starts the microphone again after capture failed, typically once the
// participant has granted access.
func (m *Machine) RetryCapture() error {
	return m.dispatch(Event{Kind: EventRetryCapture})
}

// RetryUpload repeats a failed upload with the same recordings.
func (m *Machine) RetryUpload() error {
	return m.dispatch(Event{Kind: EventRetryUpload})
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.Collected = append([]domain.CollectedRecording(nil), m.state.Collected...)
	return s
}

func (m *Machine) Config() MachineConfig {
	return m.cfg
}

// Done is closed when the question completes or the machine is closed.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Close cancels timers, playback and in-flight uploads and waits for them to return.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopTimerLocked()
	if m.playCancel != nil {
		m.playCancel()
	}
	live := m.live
	m.live = nil
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	if live != nil {
		live.Abort()
	}
	m.releaseCapture()
	m.finish()
}

func (m *Machine) dispatch(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMachineClosed
	}

	prev := m.state
	next, effects, err := Transition(m.cfg, m.state, ev)
	if err != nil {
		m.log.Debug().Str("event", string(ev.Kind)).Str("stage", string(prev.Stage)).Msg("action rejected")
		return err
	}
	m.state = next

	if prev.Stage != next.Stage || prev.PromptIndex != next.PromptIndex {
		metrics.StageTransitions.WithLabelValues(stageLabel(prev.Stage), stageLabel(next.Stage)).Inc()
		m.log.Info().
			Str("from", string(prev.Stage)).
			Str("to", string(next.Stage)).
			Int("prompt_index", next.PromptIndex).
			Msg("stage changed")
		if m.deps.Sink != nil {
			m.deps.Sink.StageChanged(m.cfg.QuestionIndex, next.Stage, next.PromptIndex)
		}
	}

	for _, effect := range effects {
		m.apply(effect)
	}
	return nil
}

// apply runs with m.mu held. Blocking work is moved to goroutines that report back through
// dispatch.
func (m *Machine) apply(effect Effect) {
	switch effect.Kind {
	case EffectSignal:
		m.signal(effect)

	case EffectReportError:
		m.log.Warn().Str("code", string(effect.Code)).Str("detail", effect.Detail).Msg("stage error")
		if m.deps.Signals != nil {
			m.deps.Signals.ReportError(m.cfg.QuestionIndex, effect.Code, effect.Detail)
		}
		if m.deps.Sink != nil {
			m.deps.Sink.SessionError(effect.Code, effect.Detail)
		}

	case EffectStartTimer:
		m.stopTimerLocked()
		kind := EventThinkingElapsed
		if effect.Timer == TimerTimeLimit {
			kind = EventTimeLimit
		}
		generation := effect.Generation
		m.timer = time.AfterFunc(effect.Delay, func() {
			_ = m.dispatch(Event{Kind: kind, Generation: generation})
		})

	case EffectPlayPrompt:
		if m.playCancel != nil {
			m.playCancel()
		}
		ctx, cancel := context.WithCancel(m.ctx)
		m.playCancel = cancel
		m.async(func() { m.play(ctx, effect) })

	case EffectStartCapture:
		m.startRecognitionLocked()
		m.async(func() {
			if err := m.deps.Capture.StartSegment(m.ctx); err != nil {
				_ = m.dispatch(Event{Kind: EventCaptureFailed, Generation: effect.Generation, Err: err})
				return
			}
			_ = m.dispatch(Event{Kind: EventCaptureStarted, Generation: effect.Generation})
		})

	case EffectEndCapture:
		m.stopTimerLocked()
		m.async(func() {
			blob, err := m.deps.Capture.EndSegment(m.ctx)
			if err != nil {
				_ = m.dispatch(Event{Kind: EventCaptureFailed, Generation: effect.Generation, Err: err})
				return
			}
			_ = m.dispatch(Event{Kind: EventSegmentCaptured, Generation: effect.Generation, Blob: blob})
		})

	case EffectUpload:
		recordings := effect.Recordings
		m.async(func() { m.upload(recordings) })

	case EffectFinished:
		m.stopTimerLocked()
		m.async(m.releaseCapture)
		m.finish()
	}
}

func (m *Machine) signal(effect Effect) {
	signals := m.deps.Signals
	if signals == nil {
		return
	}
	q := m.cfg.QuestionIndex
	switch effect.Signal {
	case domain.MessageQuestionStarted:
		signals.QuestionStarted(q)
	case domain.MessageAudioPlaybackStarted:
		signals.AudioPlaybackStarted(q, effect.PromptIndex)
	case domain.MessageAudioPlaybackDone:
		signals.AudioPlaybackCompleted(q, effect.PromptIndex)
	case domain.MessageRecordingStarted:
		signals.RecordingStarted(q, effect.PromptIndex)
	case domain.MessageRecordingStopped:
		signals.RecordingStopped(q, effect.PromptIndex)
	case domain.MessageUploadStarted:
		signals.UploadStarted(q)
	case domain.MessageUploadCompleted:
		signals.UploadCompleted(q, effect.Transcription)
	case domain.MessageQuestionCompleted:
		signals.QuestionCompleted(q)
	}
}

func (m *Machine) play(ctx context.Context, effect Effect) {
	source := effect.Prompt
	ref := ports.URLRef{
		RoomCode:      m.cfg.RoomCode,
		QuestionIndex: m.cfg.QuestionIndex,
		PromptIndex:   effect.PromptIndex,
	}

	var err error
	if source == "" && m.deps.Prompts != nil {
		source, err = m.deps.Prompts.PromptURL(ctx, ref)
		if err != nil {
			err = apperr.Playback("prompt audio is unavailable", err)
		}
	}
	if err == nil {
		err = m.deps.Player.Play(ctx, source)
	}

	if ctx.Err() != nil {
		// superseded by a replay or the machine was closed
		return
	}
	if err != nil {
		if inv, ok := m.deps.Prompts.(promptInvalidator); ok {
			inv.InvalidatePrompt(ref)
		}
		_ = m.dispatch(Event{Kind: EventPlaybackFailed, PlayID: effect.PlayID, Err: err})
		return
	}
	_ = m.dispatch(Event{Kind: EventPlaybackEnded, PlayID: effect.PlayID})
}

func (m *Machine) upload(recordings []domain.CollectedRecording) {
	speech, language := m.recognition()
	result, err := m.finalizer.Finalize(m.ctx, recordings, speech, language)
	if errors.Is(m.ctx.Err(), context.Canceled) {
		return
	}
	if err != nil {
		_ = m.dispatch(Event{Kind: EventUploadFailed, Err: err})
		return
	}
	_ = m.dispatch(Event{Kind: EventUploadSucceeded, Transcription: result.Transcription})
}

// recognition returns the live transcript once; retries reuse it.
func (m *Machine) recognition() (string, string) {
	m.mu.Lock()
	live := m.live
	m.live = nil
	m.mu.Unlock()

	if live != nil {
		speech, language := live.Finish()
		m.mu.Lock()
		m.speech, m.language, m.recognized = speech, language, true
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recognized {
		return "", ""
	}
	return m.speech, m.language
}

func (m *Machine) startRecognitionLocked() {
	if m.deps.Recognizer == nil || m.live != nil || m.recognized {
		return
	}
	source, ok := m.deps.Capture.(chunkSource)
	if !ok {
		return
	}
	m.live = startRecognition(m.ctx, m.deps.Recognizer, m.deps.Streaming, source, m.log)
}

func (m *Machine) async(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// releaseCapture frees the microphone when the capture implementation owns one.
func (m *Machine) releaseCapture() {
	m.releaseOnce.Do(func() {
		closer, ok := m.deps.Capture.(io.Closer)
		if !ok {
			return
		}
		if err := closer.Close(); err != nil {
			m.log.Warn().Err(err).Msg("failed to release microphone")
		}
	})
}

func (m *Machine) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

func stageLabel(stage domain.Stage) string {
	if stage == "" {
		return "none"
	}
	return string(stage)
}
