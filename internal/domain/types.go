package domain

import (
	"encoding/json"
	"time"
)

// Stage models the client-side lifecycle of one exam question.
type Stage string

const (
	StageAudioPlay Stage = "audio_play"
	StageThinking  Stage = "thinking"
	StageRecording Stage = "recording"
	StageUploading Stage = "uploading"
	StageCompleted Stage = "question_completed"
)

// ReadyState is the readiness of the room channel.
type ReadyState string

const (
	ReadyStateConnecting ReadyState = "connecting"
	ReadyStateOpen       ReadyState = "open"
	ReadyStateClosed     ReadyState = "closed"
	ReadyStateError      ReadyState = "error"
)

// Variant selects the recorder flavour driving a question.
type Variant string

const (
	VariantStandard     Variant = "standard"
	VariantConversation Variant = "conversation"
	VariantDuo          Variant = "duo"
)

// AuthMethod identifies how a participant proved their identity when joining.
type AuthMethod string

const (
	AuthMethodName   AuthMethod = "name"
	AuthMethodGoogle AuthMethod = "google"
)

// MessageType is the `type` field of every frame on the room channel.
type MessageType string

// Client-emitted message types.
const (
	MessageRequestStateSync     MessageType = "request_state_sync"
	MessageRoomStatusUpdate     MessageType = "room_status_update"
	MessageQuestionStarted      MessageType = "question_started"
	MessageQuestionCompleted    MessageType = "question_completed"
	MessageRecordingStarted     MessageType = "recording_started"
	MessageRecordingStopped     MessageType = "recording_stopped"
	MessageAudioPlaybackStarted MessageType = "audio_playback_started"
	MessageAudioPlaybackDone    MessageType = "audio_playback_completed"
	MessageUploadStarted        MessageType = "upload_started"
	MessageUploadCompleted      MessageType = "upload_completed"
	MessageErrorReported        MessageType = "error_reported"
	MessageStudentStatusUpdate  MessageType = "student_status_update"
	MessageHeartbeat            MessageType = "heartbeat"
)

// Server-emitted message types that are not shared with the client list above.
const (
	MessageSessionJoined      MessageType = "session_joined"
	MessageStateSync          MessageType = "state_sync"
	MessageParticipantRemoved MessageType = "participant_removed"
	MessageRoomClosed         MessageType = "room_closed"
	MessageServerError        MessageType = "error"
)

// ErrorCode identifies errors reported to the UI and to the server.
type ErrorCode string

const (
	ErrorCodeStartup    ErrorCode = "startup"
	ErrorCodeConnection ErrorCode = "connection"
	ErrorCodePermission ErrorCode = "permission"
	ErrorCodePlayback   ErrorCode = "playback"
	ErrorCodeRecording  ErrorCode = "recording"
	ErrorCodeUpload     ErrorCode = "upload"
	ErrorCodeToken      ErrorCode = "token"
	ErrorCodeStorage    ErrorCode = "storage"
	ErrorCodeReconnect  ErrorCode = "reconnect_failed"
)

// Message is the JSON frame exchanged with the room server.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope is an outgoing frame before serialization.
type Envelope struct {
	Type    MessageType    `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Claims are the fields embedded in a session token.
type Claims struct {
	Participant string    `json:"participantName"`
	RoomCode    string    `json:"roomCode"`
	Email       string    `json:"email,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// RoomSession is the persisted descriptor of the room a client last joined.
type RoomSession struct {
	RoomCode  string `json:"roomCode"`
	Timestamp int64  `json:"timestamp"`
}

// Blob is captured audio typed with its mime type.
type Blob struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mimeType"`
}

// Size returns the blob length in bytes.
func (b Blob) Size() int {
	return len(b.Data)
}

// CollectedRecording is one completed prompt/response pair.
type CollectedRecording struct {
	PromptIndex int    `json:"promptIndex"`
	PromptAudio string `json:"promptAudio"`
	Response    Blob   `json:"response"`
}

// ServerQuestion is the payload of a server `question_started` message.
type ServerQuestion struct {
	QuestionIndex int      `json:"questionIndex"`
	Variant       Variant  `json:"variant,omitempty"`
	Prompts       []string `json:"prompts,omitempty"`
	ThinkingTime  int      `json:"thinkingTime"`
	TimeLimit     int      `json:"timeLimit"`
	AllowRepeat   bool     `json:"allowRepeat"`
	Partner       string   `json:"partner,omitempty"`
}

// Status summarizes the connection and the active question for the UI.
type Status struct {
	Connection    ReadyState `json:"connection"`
	RoomCode      string     `json:"roomCode,omitempty"`
	Participant   string     `json:"participant,omitempty"`
	Stage         Stage      `json:"stage,omitempty"`
	QuestionIndex int        `json:"questionIndex"`
	Message       string     `json:"message,omitempty"`
}

// TranscriptKind identifies whether a recognition event is partial or final text.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent represents incremental recognition output from a provider.
type TranscriptEvent struct {
	Kind          TranscriptKind `json:"kind"`
	Text          string         `json:"text"`
	IsSpeechFinal bool           `json:"isSpeechFinal"`
}

// TokenCheck is the server's answer to a token expiry check.
type TokenCheck struct {
	Expired bool           `json:"expired"`
	Decoded map[string]any `json:"decoded,omitempty"`
}

// NewEnvelope builds an outgoing frame whose payload carries the room code, participant and a
// millisecond timestamp next to the type-specific fields.
func NewEnvelope(msgType MessageType, roomCode string, participant string, at time.Time, fields map[string]any) Envelope {
	payload := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		payload[k] = v
	}
	payload["roomCode"] = roomCode
	payload["participant"] = participant
	payload["timestamp"] = at.UnixMilli()
	return Envelope{Type: msgType, Payload: payload}
}
