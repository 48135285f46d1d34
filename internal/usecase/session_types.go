package usecase

import (
	"time"

	"oralroom/internal/domain"
)

// MachineConfig is the per-question configuration of a recording stage machine.
type MachineConfig struct {
	RoomCode      string
	Participant   string
	QuestionIndex int
	Variant       domain.Variant
	// Prompts are prompt audio sources. An empty source is resolved through the prompt URL
	// issuer.
	Prompts      []string
	ThinkingTime time.Duration
	TimeLimit    time.Duration
	AllowRepeat  bool
	Partner      string
}

// ConfigFromQuestion builds the machine configuration for a server question.
func ConfigFromQuestion(roomCode string, participant string, q domain.ServerQuestion) MachineConfig {
	variant := q.Variant
	if variant == "" {
		variant = domain.VariantStandard
	}
	return MachineConfig{
		RoomCode:      roomCode,
		Participant:   participant,
		QuestionIndex: q.QuestionIndex,
		Variant:       variant,
		Prompts:       append([]string(nil), q.Prompts...),
		ThinkingTime:  time.Duration(q.ThinkingTime) * time.Second,
		TimeLimit:     time.Duration(q.TimeLimit) * time.Second,
		AllowRepeat:   q.AllowRepeat,
		Partner:       q.Partner,
	}
}

// promptCount is the number of prompts the question plays. Only the conversation variant
// chains more than one.
func (c MachineConfig) promptCount() int {
	if c.Variant == domain.VariantConversation || len(c.Prompts) <= 1 {
		return len(c.Prompts)
	}
	return 1
}

func (c MachineConfig) prompt(index int) string {
	if index < 0 || index >= len(c.Prompts) {
		return ""
	}
	return c.Prompts[index]
}

// explicitStop reports whether the participant may end a recording. Conversation prompts end
// on the time limit, unless there is none.
func (c MachineConfig) explicitStop() bool {
	return c.Variant != domain.VariantConversation || c.TimeLimit <= 0
}

// State is the snapshot of one question's recording stages.
type State struct {
	Stage       domain.Stage
	PromptIndex int
	// PlayID identifies the current prompt playback; replays and retries bump it so a
	// superseded playback cannot advance the machine.
	PlayID int
	// Generation identifies the current timer and capture step.
	Generation int
	Capturing  bool
	Finishing  bool

	PlayError      string
	RecordingError string
	UploadError    string

	Collected     []domain.CollectedRecording
	Transcription string
}

// Completed reports whether the question reached its terminal stage.
func (s State) Completed() bool {
	return s.Stage == domain.StageCompleted
}

type EventKind string

const (
	EventStart           EventKind = "start"
	EventPlaybackEnded   EventKind = "playback_ended"
	EventPlaybackFailed  EventKind = "playback_failed"
	EventReplay          EventKind = "replay"
	EventRetryPlayback   EventKind = "retry_playback"
	EventThinkingElapsed EventKind = "thinking_elapsed"
	EventCaptureStarted  EventKind = "capture_started"
	EventCaptureFailed   EventKind = "capture_failed"
	EventRetryCapture    EventKind = "retry_capture"
	EventTimeLimit       EventKind = "time_limit"
	EventStop            EventKind = "stop"
	EventSegmentCaptured EventKind = "segment_captured"
	EventUploadSucceeded EventKind = "upload_succeeded"
	EventUploadFailed    EventKind = "upload_failed"
	EventRetryUpload     EventKind = "retry_upload"
)

// Event is an input to Transition. PlayID and Generation tie asynchronous completions to the
// step that started them.
type Event struct {
	Kind          EventKind
	PlayID        int
	Generation    int
	Blob          domain.Blob
	Transcription string
	Err           error
}

type EffectKind string

const (
	EffectPlayPrompt   EffectKind = "play_prompt"
	EffectStartTimer   EffectKind = "start_timer"
	EffectStartCapture EffectKind = "start_capture"
	EffectEndCapture   EffectKind = "end_capture"
	EffectUpload       EffectKind = "upload"
	EffectSignal       EffectKind = "signal"
	EffectReportError  EffectKind = "report_error"
	EffectFinished     EffectKind = "finished"
)

type TimerKind string

const (
	TimerThinking  TimerKind = "thinking"
	TimerTimeLimit TimerKind = "time_limit"
)

// Effect is work the runner performs after a transition.
type Effect struct {
	Kind          EffectKind
	Signal        domain.MessageType
	Timer         TimerKind
	Delay         time.Duration
	PromptIndex   int
	Prompt        string
	PlayID        int
	Generation    int
	Recordings    []domain.CollectedRecording
	Transcription string
	Code          domain.ErrorCode
	Detail        string
}
