package ports

import (
	"context"

	"oralroom/internal/domain"
)

// KeyValueStore is the persistent client-side storage.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}

// CaptureState is the state of the underlying microphone recorder.
type CaptureState string

const (
	CaptureInactive  CaptureState = "inactive"
	CaptureRecording CaptureState = "recording"
	CapturePaused    CaptureState = "paused"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// CaptureDevice is the platform capture API. Chunks are delivered to the handler registered
// with OnData, asynchronously, in capture order.
type CaptureDevice interface {
	// Start acquires the microphone and starts recording. A denied or missing microphone is
	// reported as an apperr permission error.
	Start(ctx context.Context) error
	Stop() error
	Pause() error
	Resume() error
	SupportsPause() bool
	State() CaptureState
	// RequestData asks the device to deliver any buffered audio.
	RequestData()
	OnData(handler func(chunk []byte))
	MimeType() string
}

// PromptPlayer plays a prompt and blocks until playback ends or ctx is cancelled.
type PromptPlayer interface {
	Play(ctx context.Context, source string) error
}

// PromptFetcher loads the bytes of a prompt's audio so it can be stored with the response.
type PromptFetcher interface {
	FetchPrompt(ctx context.Context, source string) (domain.Blob, error)
}

// UploadRequest identifies one recording upload.
type UploadRequest struct {
	RoomCode            string
	Participant         string
	QuestionIndex       int
	Partner             string
	Blob                domain.Blob
	SpeechText          string
	RecognitionLanguage string
}

// UploadResult is returned by the server once an upload is acknowledged.
type UploadResult struct {
	Transcription string
}

// Uploader persists a recording and notifies the server of completion.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) (UploadResult, error)
}

// URLRef identifies a presigned URL to issue.
type URLRef struct {
	RoomCode      string
	QuestionIndex int
	PromptIndex   int
}

// URLIssuer issues presigned URLs for direct object storage access.
type URLIssuer interface {
	UploadURL(ctx context.Context, ref URLRef) (string, error)
	PromptURL(ctx context.Context, ref URLRef) (string, error)
}

// StreamingConfig describes provider-agnostic streaming settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
}

// StreamingSession is an active recognition websocket session.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.TranscriptEvent
	Wait() error
	Close() error
}

// TranscriptionProvider starts streaming recognition sessions.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
	Language() string
}

// Signals are the lifecycle notifications a recording stage emits towards the room server.
type Signals interface {
	QuestionStarted(questionIndex int)
	AudioPlaybackStarted(questionIndex int, promptIndex int)
	AudioPlaybackCompleted(questionIndex int, promptIndex int)
	RecordingStarted(questionIndex int, promptIndex int)
	RecordingStopped(questionIndex int, promptIndex int)
	UploadStarted(questionIndex int)
	UploadCompleted(questionIndex int, transcription string)
	QuestionCompleted(questionIndex int)
	ReportError(questionIndex int, code domain.ErrorCode, detail string)
}

// EventSink emits session state and errors to the UI.
type EventSink interface {
	ConnectionChanged(state domain.ReadyState, detail string)
	StageChanged(questionIndex int, stage domain.Stage, promptIndex int)
	QuestionStarted(question domain.ServerQuestion)
	SessionError(code domain.ErrorCode, detail string)
}
