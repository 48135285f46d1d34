package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"oralroom/internal/apperr"
	"oralroom/internal/bootstrap"
	"oralroom/internal/config"
	"oralroom/internal/domain"
	"oralroom/internal/events"
	"oralroom/internal/logging"
	"oralroom/internal/session"
	"oralroom/internal/transport"
	"oralroom/internal/usecase"
)

const (
	eventConnection = "oralroom:connection"
	eventQuestion   = "oralroom:question"
	eventStage      = "oralroom:stage"
	eventError      = "oralroom:error"
)

var errNoQuestion = errors.New("no question is in progress")

type emitFunc func(ctx context.Context, name string, data ...interface{})

// App is the Wails application root.
type App struct {
	ctx      context.Context
	emit     emitFunc
	log      zerolog.Logger
	services *bootstrap.Services
	bootErr  error

	mu      sync.Mutex
	machine *usecase.Machine
	subs    []events.Subscription
}

func NewApp() *App {
	return &App{emit: runtime.EventsEmit, log: zerolog.Nop()}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	cfg, err := config.Load()
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}
	a.log = logging.New(cfg.LogLevel, nil)

	services, err := bootstrap.Build(ctx, cfg, a.log)
	if err != nil {
		a.bootErr = err
		a.log.Error().Err(err).Msg("startup failed")
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}
	a.attach(services)
}

func (a *App) shutdown(context.Context) {
	a.closeMachine()
	if a.services == nil {
		return
	}
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, sub := range subs {
		a.services.Coordinator.Unsubscribe(sub)
	}
	if err := a.services.Close(); err != nil {
		a.log.Warn().Err(err).Msg("shutdown incomplete")
	}
}

// attach subscribes the UI to the room session.
func (a *App) attach(services *bootstrap.Services) {
	a.services = services
	coordinator := services.Coordinator

	on := func(topic string, handler func(session.Event)) {
		a.subs = append(a.subs, coordinator.Subscribe(topic, handler))
	}
	on(transport.TopicOpen, func(session.Event) {
		a.ConnectionChanged(domain.ReadyStateOpen, "")
	})
	on(transport.TopicClose, func(session.Event) {
		a.ConnectionChanged(domain.ReadyStateClosed, "")
	})
	on(transport.TopicConnectionError, func(ev session.Event) {
		a.ConnectionChanged(domain.ReadyStateError, errorDetail(ev.Err))
	})
	on(transport.TopicReconnecting, func(ev session.Event) {
		a.ConnectionChanged(domain.ReadyStateConnecting, fmt.Sprintf("attempt %d", ev.Attempt))
	})
	on(transport.TopicReconnectFailed, func(ev session.Event) {
		a.SessionError(domain.ErrorCodeReconnect, errorDetail(ev.Err))
	})
	on(session.TopicStorageUnavailable, func(ev session.Event) {
		a.SessionError(domain.ErrorCodeStorage, errorDetail(ev.Err))
	})
	on(session.TopicSessionEnded, func(ev session.Event) {
		a.closeMachine()
		a.ConnectionChanged(domain.ReadyStateClosed, string(ev.Message.Type))
	})
	on(string(domain.MessageServerError), func(ev session.Event) {
		if ev.Err != nil {
			a.SessionError(apperr.CodeOf(ev.Err, domain.ErrorCodeConnection), ev.Err.Error())
		}
	})
	on(string(domain.MessageQuestionStarted), func(ev session.Event) {
		if err := a.beginQuestion(ev.Question); err != nil {
			a.log.Warn().Err(err).Int("question_index", ev.Question.QuestionIndex).Msg("question did not start")
		}
	})

	a.ConnectionChanged(coordinator.Status().Connection, "")
}

// beginQuestion replaces the running question with a new one.
func (a *App) beginQuestion(question domain.ServerQuestion) error {
	a.closeMachine()

	machine := a.services.NewMachine(question, a)
	a.mu.Lock()
	a.machine = machine
	a.mu.Unlock()

	a.QuestionStarted(question)
	if err := machine.Start(); err != nil {
		a.SessionError(apperr.CodeOf(err, domain.ErrorCodeRecording), err.Error())
		return err
	}
	return nil
}

func (a *App) closeMachine() {
	a.mu.Lock()
	machine := a.machine
	a.machine = nil
	a.mu.Unlock()
	if machine != nil {
		machine.Close()
	}
}

func (a *App) activeMachine() (*usecase.Machine, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.machine == nil {
		return nil, errNoQuestion
	}
	return a.machine, nil
}

// JoinRoom connects as a new participant. A non-empty email joins with Google identity.
func (a *App) JoinRoom(roomCode string, participant string, email string) (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	params := transport.JoinParams{
		RoomCode:    strings.TrimSpace(roomCode),
		Participant: strings.TrimSpace(participant),
		AuthMethod:  domain.AuthMethodName,
	}
	if email = strings.TrimSpace(email); email != "" {
		params.AuthMethod = domain.AuthMethodGoogle
		params.Email = email
	}
	if err := a.services.Coordinator.Join(a.ctx, params); err != nil {
		a.SessionError(apperr.CodeOf(err, domain.ErrorCodeConnection), err.Error())
		return domain.Status{}, err
	}
	return a.GetStatus(), nil
}

// ResumeSession reconnects with the stored session token.
func (a *App) ResumeSession() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.services.Coordinator.Resume(a.ctx); err != nil {
		a.SessionError(apperr.CodeOf(err, domain.ErrorCodeConnection), err.Error())
		return domain.Status{}, err
	}
	return a.GetStatus(), nil
}

// StartQuestion runs a question without waiting for the server to start it.
func (a *App) StartQuestion(question domain.ServerQuestion) (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.beginQuestion(question); err != nil {
		return domain.Status{}, err
	}
	return a.GetStatus(), nil
}

// LeaveRoom abandons the current question and forgets the session.
func (a *App) LeaveRoom() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.closeMachine()
	a.services.Coordinator.Logout(a.ctx)
	return nil
}

// CheckToken asks the server whether the stored token is still accepted.
func (a *App) CheckToken() (domain.TokenCheck, error) {
	if err := a.requireReady(); err != nil {
		return domain.TokenCheck{}, err
	}
	check, err := a.services.API.CheckToken(a.ctx)
	if apperr.Is(err, apperr.KindToken) {
		// the stored session is gone; the participant has to join again
		a.SessionError(domain.ErrorCodeToken, err.Error())
	}
	return check, err
}

func (a *App) StopRecording() error {
	return a.withMachine((*usecase.Machine).Stop)
}

func (a *App) ReplayPrompt() error {
	return a.withMachine((*usecase.Machine).Replay)
}

func (a *App) RetryPlayback() error {
	return a.withMachine((*usecase.Machine).RetryPlayback)
}

// RetryRecording starts the microphone again after it was denied or failed.
func (a *App) RetryRecording() error {
	return a.withMachine((*usecase.Machine).RetryCapture)
}

func (a *App) RetryUpload() error {
	return a.withMachine((*usecase.Machine).RetryUpload)
}

func (a *App) withMachine(action func(*usecase.Machine) error) error {
	machine, err := a.activeMachine()
	if err != nil {
		return err
	}
	return action(machine)
}

// SetVisible is called by the frontend when the window is hidden or shown again.
func (a *App) SetVisible(visible bool) {
	if a.services == nil {
		return
	}
	a.services.Coordinator.SetVisible(visible)
}

// GetStatus returns the connection and the active question.
func (a *App) GetStatus() domain.Status {
	if a.services == nil {
		if a.bootErr != nil {
			return domain.Status{Connection: domain.ReadyStateError, Message: a.bootErr.Error()}
		}
		return domain.Status{Connection: domain.ReadyStateClosed}
	}

	status := a.services.Coordinator.Status()
	a.mu.Lock()
	machine := a.machine
	a.mu.Unlock()
	if machine != nil {
		state := machine.State()
		status.Stage = state.Stage
		status.QuestionIndex = machine.Config().QuestionIndex
		status.Message = stageMessage(state.Stage)
	}
	return status
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}
	if a.services == nil {
		return map[string]string{}
	}

	cfg := a.services.Config
	recognition := "disabled"
	if cfg.Deepgram.Enabled() {
		recognition = cfg.Deepgram.Model + " (" + cfg.Deepgram.Language + ")"
	}
	urls := "server"
	if cfg.S3.Enabled() {
		urls = "s3://" + cfg.S3.Bucket
	}
	return map[string]string{
		"server":      cfg.Server.WSURL,
		"storage":     cfg.Storage.Backend,
		"recognition": recognition,
		"presignedBy": urls,
		"audioInput":  cfg.Capture.InputDevice,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.services == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// ConnectionChanged emits room channel state to the frontend.
func (a *App) ConnectionChanged(state domain.ReadyState, detail string) {
	if a.ctx == nil {
		return
	}
	a.emit(a.ctx, eventConnection, map[string]string{
		"state":   string(state),
		"message": connectionMessage(state),
		"detail":  detail,
	})
}

// StageChanged emits the recording stage of the active question.
func (a *App) StageChanged(questionIndex int, stage domain.Stage, promptIndex int) {
	if a.ctx == nil {
		return
	}
	a.emit(a.ctx, eventStage, map[string]any{
		"questionIndex": questionIndex,
		"stage":         string(stage),
		"promptIndex":   promptIndex,
		"message":       stageMessage(stage),
	})
}

// QuestionStarted emits the question the server started.
func (a *App) QuestionStarted(question domain.ServerQuestion) {
	if a.ctx == nil {
		return
	}
	a.emit(a.ctx, eventQuestion, question)
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	a.emit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func connectionMessage(state domain.ReadyState) string {
	switch state {
	case domain.ReadyStateConnecting:
		return "Connecting..."
	case domain.ReadyStateOpen:
		return "Connected"
	case domain.ReadyStateClosed:
		return "Disconnected"
	case domain.ReadyStateError:
		return "Connection problem"
	default:
		return ""
	}
}

func stageMessage(stage domain.Stage) string {
	switch stage {
	case domain.StageAudioPlay:
		return "Listen to the question"
	case domain.StageThinking:
		return "Prepare your answer"
	case domain.StageRecording:
		return "Recording"
	case domain.StageUploading:
		return "Saving your answer..."
	case domain.StageCompleted:
		return "Answer saved"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeConnection:
		return "Connection problem"
	case domain.ErrorCodePermission:
		return "Microphone access denied"
	case domain.ErrorCodePlayback:
		return "Question audio could not be played"
	case domain.ErrorCodeRecording:
		return "Recording failed"
	case domain.ErrorCodeUpload:
		return "Answer upload failed"
	case domain.ErrorCodeToken:
		return "Session expired; join the room again"
	case domain.ErrorCodeStorage:
		return "Session could not be saved on this device"
	case domain.ErrorCodeReconnect:
		return "Could not reconnect to the room"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
