// Package session is the typed facade over the room channel. It is the only writer to the
// channel and republishes server events to any number of subscribers.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oralroom/internal/apperr"
	"oralroom/internal/domain"
	"oralroom/internal/events"
	"oralroom/internal/transport"
)

// Topics published by the coordinator in addition to the transport lifecycle topics and the
// server message types.
const (
	TopicStorageUnavailable = "storage_unavailable"
	TopicSessionEnded       = "session_ended"
)

// Server error code that invalidates the stored token.
const serverCodeTokenInvalid = "token_invalid"

// Transport is the room channel used by the coordinator.
type Transport interface {
	ConnectForJoin(ctx context.Context, params transport.JoinParams) error
	ConnectForReconnect(ctx context.Context, token string) error
	Disconnect()
	ClearAll()
	Send(env domain.Envelope) error
	Envelope(msgType domain.MessageType, fields map[string]any) domain.Envelope
	On(topic string, handler func(transport.Event)) events.Subscription
	Off(sub events.Subscription)
	VisibilityChanged(visible bool) bool
	State() domain.ReadyState
	Identity() (roomCode string, participant string)
}

// TokenStore is the subset of the token store the coordinator needs.
type TokenStore interface {
	SetToken(ctx context.Context, token string) bool
	ReconnectToken(ctx context.Context) (string, bool)
	SetRoomSession(ctx context.Context, roomCode string) bool
	Reject(ctx context.Context, reason string) error
	Clear(ctx context.Context)
}

// Event is delivered to coordinator subscribers.
type Event struct {
	Topic    string
	Message  domain.Message
	Question domain.ServerQuestion
	Err      error
	Attempt  int
}

type sessionJoinedPayload struct {
	Token       string `json:"token"`
	RoomCode    string `json:"roomCode"`
	Participant string `json:"participant"`
}

type serverErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Coordinator struct {
	transport Transport
	tokens    TokenStore
	log       zerolog.Logger
	emitter   *events.Emitter[Event]
	heartbeat time.Duration

	mu            sync.Mutex
	subs          []events.Subscription
	heartbeatStop chan struct{}
}

type Option func(*Coordinator)

// WithHeartbeat sends a heartbeat frame every interval while the channel is open.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Coordinator) { c.heartbeat = interval }
}

func NewCoordinator(t Transport, tokens TokenStore, log zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport: t,
		tokens:    tokens,
		log:       log.With().Str("component", "session-coordinator").Logger(),
		emitter:   events.NewEmitter[Event](),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, topic := range []string{
		transport.TopicOpen,
		transport.TopicClose,
		transport.TopicConnectionError,
		transport.TopicReconnecting,
		transport.TopicReconnectFailed,
	} {
		c.subs = append(c.subs, t.On(topic, c.relay))
	}
	c.subs = append(c.subs, t.On(transport.TopicMessage, c.handleMessage))
	return c
}

// Join opens the room channel for a new participant.
func (c *Coordinator) Join(ctx context.Context, params transport.JoinParams) error {
	return c.transport.ConnectForJoin(ctx, params)
}

// Resume reconnects with the stored token. A missing or expiring token is a token error.
func (c *Coordinator) Resume(ctx context.Context) error {
	token, ok := c.tokens.ReconnectToken(ctx)
	if !ok {
		return apperr.Token("no valid session token; join the room again")
	}
	return c.transport.ConnectForReconnect(ctx, token)
}

// Logout purges the token and forgets the room identity.
func (c *Coordinator) Logout(ctx context.Context) {
	c.tokens.Clear(ctx)
	c.transport.ClearAll()
}

// Disconnect closes the channel but keeps the identity for a later reconnect.
func (c *Coordinator) Disconnect() {
	c.stopHeartbeat()
	c.transport.Disconnect()
}

// SetVisible records host visibility. Coming back to the foreground on an open channel asks
// the server to push any events missed while backgrounded.
func (c *Coordinator) SetVisible(visible bool) {
	if c.transport.VisibilityChanged(visible) {
		c.notify(domain.MessageRequestStateSync, nil)
	}
}

// Subscribe registers handler for a topic.
func (c *Coordinator) Subscribe(topic string, handler func(Event)) events.Subscription {
	return c.emitter.On(topic, handler)
}

// Unsubscribe is idempotent.
func (c *Coordinator) Unsubscribe(sub events.Subscription) {
	c.emitter.Off(sub)
}

func (c *Coordinator) Status() domain.Status {
	roomCode, participant := c.transport.Identity()
	return domain.Status{
		Connection:  c.transport.State(),
		RoomCode:    roomCode,
		Participant: participant,
	}
}

// Close detaches from the transport and drops all subscribers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		c.transport.Off(sub)
	}
	c.stopHeartbeat()
	c.emitter.Reset()
}

func (c *Coordinator) UpdateRoomStatus(status string) {
	c.notify(domain.MessageRoomStatusUpdate, map[string]any{"status": status})
}

func (c *Coordinator) UpdateStudentStatus(status string, questionIndex int) {
	c.notify(domain.MessageStudentStatusUpdate, map[string]any{"status": status, "questionIndex": questionIndex})
}

func (c *Coordinator) QuestionStarted(questionIndex int) {
	c.notify(domain.MessageQuestionStarted, map[string]any{"questionIndex": questionIndex})
}

func (c *Coordinator) QuestionCompleted(questionIndex int) {
	c.notify(domain.MessageQuestionCompleted, map[string]any{"questionIndex": questionIndex})
}

func (c *Coordinator) RecordingStarted(questionIndex int, promptIndex int) {
	c.notify(domain.MessageRecordingStarted, map[string]any{"questionIndex": questionIndex, "promptIndex": promptIndex})
}

func (c *Coordinator) RecordingStopped(questionIndex int, promptIndex int) {
	c.notify(domain.MessageRecordingStopped, map[string]any{"questionIndex": questionIndex, "promptIndex": promptIndex})
}

func (c *Coordinator) AudioPlaybackStarted(questionIndex int, promptIndex int) {
	c.notify(domain.MessageAudioPlaybackStarted, map[string]any{"questionIndex": questionIndex, "promptIndex": promptIndex})
}

func (c *Coordinator) AudioPlaybackCompleted(questionIndex int, promptIndex int) {
	c.notify(domain.MessageAudioPlaybackDone, map[string]any{"questionIndex": questionIndex, "promptIndex": promptIndex})
}

func (c *Coordinator) UploadStarted(questionIndex int) {
	c.notify(domain.MessageUploadStarted, map[string]any{"questionIndex": questionIndex})
}

func (c *Coordinator) UploadCompleted(questionIndex int, transcription string) {
	fields := map[string]any{"questionIndex": questionIndex}
	if transcription != "" {
		fields["transcription"] = transcription
	}
	c.notify(domain.MessageUploadCompleted, fields)
}

func (c *Coordinator) ReportError(questionIndex int, code domain.ErrorCode, detail string) {
	c.notify(domain.MessageErrorReported, map[string]any{
		"questionIndex": questionIndex,
		"error":         string(code),
		"detail":        detail,
	})
}

// notify sends a fire-and-forget frame. Delivery failures are logged and never retried.
func (c *Coordinator) notify(msgType domain.MessageType, fields map[string]any) {
	if err := c.transport.Send(c.transport.Envelope(msgType, fields)); err != nil {
		c.log.Warn().Err(err).Str("type", string(msgType)).Msg("notification not delivered")
	}
}

func (c *Coordinator) relay(ev transport.Event) {
	switch ev.Topic {
	case transport.TopicOpen:
		c.startHeartbeat()
	case transport.TopicClose:
		c.stopHeartbeat()
	}
	c.emitter.Emit(ev.Topic, Event{Topic: ev.Topic, Err: ev.Err, Attempt: ev.Attempt})
}

// startHeartbeat replaces any running heartbeat loop with one for the channel that just opened.
func (c *Coordinator) startHeartbeat() {
	if c.heartbeat <= 0 {
		return
	}
	c.mu.Lock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.transport.Send(c.transport.Envelope(domain.MessageHeartbeat, nil)); err != nil {
					c.log.Debug().Err(err).Msg("heartbeat not sent")
				}
			}
		}
	}()
}

func (c *Coordinator) stopHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *Coordinator) handleMessage(ev transport.Event) {
	msg := ev.Message
	out := Event{Topic: string(msg.Type), Message: msg}

	switch msg.Type {
	case domain.MessageSessionJoined:
		c.storeSession(msg)
	case domain.MessageQuestionStarted:
		var question domain.ServerQuestion
		if err := json.Unmarshal(msg.Payload, &question); err != nil {
			c.log.Warn().Err(err).Msg("ignoring malformed question_started")
			return
		}
		out.Question = question
	case domain.MessageParticipantRemoved, domain.MessageRoomClosed:
		c.endSession(msg)
	case domain.MessageServerError:
		var payload serverErrorPayload
		_ = json.Unmarshal(msg.Payload, &payload)
		if payload.Code == serverCodeTokenInvalid {
			out.Err = c.tokens.Reject(context.Background(), payload.Message)
			c.transport.Disconnect()
			c.log.Warn().Str("reason", payload.Message).Msg("server rejected session token")
		} else {
			out.Err = apperr.New(apperr.KindConnection, firstNonEmpty(payload.Message, payload.Code, "server error"))
		}
	}

	c.emitter.Emit(transport.TopicMessage, Event{Topic: transport.TopicMessage, Message: msg})
	c.emitter.Emit(out.Topic, out)
}

func (c *Coordinator) storeSession(msg domain.Message) {
	var payload sessionJoinedPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || strings.TrimSpace(payload.Token) == "" {
		c.log.Warn().Msg("session_joined without a token")
		return
	}

	ctx := context.Background()
	roomCode := payload.RoomCode
	if roomCode == "" {
		roomCode, _ = c.transport.Identity()
	}
	if !c.tokens.SetToken(ctx, payload.Token) || !c.tokens.SetRoomSession(ctx, roomCode) {
		c.log.Warn().Msg("session storage unavailable; reconnect after a drop will not be possible")
		c.emitter.Emit(TopicStorageUnavailable, Event{
			Topic: TopicStorageUnavailable,
			Err:   apperr.New(apperr.KindToken, "session storage unavailable"),
		})
	}
}

func (c *Coordinator) endSession(msg domain.Message) {
	c.log.Info().Str("type", string(msg.Type)).Msg("session ended by server")
	c.tokens.Clear(context.Background())
	c.transport.Disconnect()
	c.emitter.Emit(TopicSessionEnded, Event{Topic: TopicSessionEnded, Message: msg})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
