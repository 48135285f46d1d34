package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"oralroom/internal/apperr"
	"oralroom/internal/bootstrap"
	"oralroom/internal/config"
	"oralroom/internal/domain"
	"oralroom/internal/ports"
	"oralroom/internal/roomtest"
)

func TestStageMessage(t *testing.T) {
	t.Parallel()

	cases := map[domain.Stage]string{
		domain.StageAudioPlay: "Listen to the question",
		domain.StageThinking:  "Prepare your answer",
		domain.StageRecording: "Recording",
		domain.StageUploading: "Saving your answer...",
		domain.StageCompleted: "Answer saved",
	}

	for stage, want := range cases {
		stage := stage
		want := want
		t.Run(string(stage), func(t *testing.T) {
			t.Parallel()
			if got := stageMessage(stage); got != want {
				t.Fatalf("unexpected message: %q", got)
			}
		})
	}

	if got := stageMessage("unknown"); got != "" {
		t.Fatalf("expected empty unknown stage message, got %q", got)
	}
}

func TestConnectionMessage(t *testing.T) {
	t.Parallel()

	cases := map[domain.ReadyState]string{
		domain.ReadyStateConnecting: "Connecting...",
		domain.ReadyStateOpen:       "Connected",
		domain.ReadyStateClosed:     "Disconnected",
		domain.ReadyStateError:      "Connection problem",
	}
	for state, want := range cases {
		if got := connectionMessage(state); got != want {
			t.Fatalf("state %s: unexpected message %q", state, got)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	cases := map[domain.ErrorCode]string{
		domain.ErrorCodeStartup:    "Startup failed",
		domain.ErrorCodeConnection: "Connection problem",
		domain.ErrorCodePermission: "Microphone access denied",
		domain.ErrorCodePlayback:   "Question audio could not be played",
		domain.ErrorCodeRecording:  "Recording failed",
		domain.ErrorCodeUpload:     "Answer upload failed",
		domain.ErrorCodeToken:      "Session expired; join the room again",
		domain.ErrorCodeStorage:    "Session could not be saved on this device",
		domain.ErrorCodeReconnect:  "Could not reconnect to the room",
	}
	for code, want := range cases {
		code := code
		want := want
		t.Run(string(code), func(t *testing.T) {
			t.Parallel()
			if got := errorMessage(code, "ignored"); got != want {
				t.Fatalf("unexpected message: %q", got)
			}
		})
	}

	if got := errorMessage("unknown", "detail"); got != "detail" {
		t.Fatalf("expected detail fallback, got %q", got)
	}
	if got := errorMessage("unknown", ""); got != "Unknown error" {
		t.Fatalf("expected unknown fallback, got %q", got)
	}
}

func TestRequireReady(t *testing.T) {
	t.Parallel()

	app := &App{}
	if err := app.requireReady(); err == nil {
		t.Fatalf("expected uninitialized error")
	}

	bootErr := errors.New("boot")
	app.bootErr = bootErr
	if err := app.requireReady(); !errors.Is(err, bootErr) {
		t.Fatalf("expected boot error, got %v", err)
	}
}

func TestGetStatusWhenNotInitialized(t *testing.T) {
	t.Parallel()

	app := &App{}
	status := app.GetStatus()
	if status.Connection != domain.ReadyStateClosed || status.Stage != "" {
		t.Fatalf("unexpected status: %+v", status)
	}

	app.bootErr = errors.New("boot")
	status = app.GetStatus()
	if status.Connection != domain.ReadyStateError || status.Message != "boot" {
		t.Fatalf("unexpected boot status: %+v", status)
	}
}

func TestActionsWithoutQuestion(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, roomtest.New())
	if err := app.StopRecording(); !errors.Is(err, errNoQuestion) {
		t.Fatalf("expected no question error, got %v", err)
	}
	if err := app.RetryUpload(); !errors.Is(err, errNoQuestion) {
		t.Fatalf("expected no question error, got %v", err)
	}
	if err := app.RetryRecording(); !errors.Is(err, errNoQuestion) {
		t.Fatalf("expected no question error, got %v", err)
	}
}

func TestServerQuestionDrivesMachine(t *testing.T) {
	t.Parallel()

	server := roomtest.New(roomtest.WithIssuedTokens(time.Hour))
	app := newTestApp(t, server)

	if _, err := app.JoinRoom("ABC12345", " Alice ", ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	waitFor(t, func() bool { return server.Connections() == 1 })
	waitFor(t, func() bool { return app.recorder().count(eventConnection, string(domain.ReadyStateOpen)) > 0 })
	waitFor(t, func() bool {
		_, ok := app.services.Tokens.Token(context.Background())
		return ok
	})

	if err := server.Push(domain.MessageQuestionStarted, domain.ServerQuestion{
		QuestionIndex: 1,
		ThinkingTime:  0,
		TimeLimit:     60,
	}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	waitFor(t, func() bool { return app.GetStatus().Stage == domain.StageRecording })
	waitFor(t, func() bool { return app.StopRecording() == nil })
	waitFor(t, func() bool { return app.GetStatus().Stage == domain.StageCompleted })

	if _, ok := server.Object("ABC12345", 1); !ok {
		t.Fatalf("expected stored recording")
	}
	if got := app.recorder().count(eventQuestion, ""); got != 1 {
		t.Fatalf("expected one question event, got %d", got)
	}
	if got := app.recorder().count(eventStage, string(domain.StageCompleted)); got != 1 {
		t.Fatalf("expected completed stage event, got %d", got)
	}
	if status := app.GetStatus(); status.QuestionIndex != 1 || status.Participant != "Alice" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestCheckTokenExpiredForcesRejoin(t *testing.T) {
	t.Parallel()

	server := roomtest.New(roomtest.WithIssuedTokens(time.Hour))
	app := newTestApp(t, server)

	if _, err := app.JoinRoom("ABC12345", "Alice", ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := app.services.Tokens.Token(context.Background())
		return ok
	})

	server.SetTokenExpired(true)
	check, err := app.CheckToken()
	if !apperr.Is(err, apperr.KindToken) || !check.Expired {
		t.Fatalf("expected expired token error, got %+v %v", check, err)
	}
	if _, ok := app.services.Tokens.Token(context.Background()); ok {
		t.Fatalf("expired token must be purged")
	}
	if got := app.recorder().count(eventError, string(domain.ErrorCodeToken)); got != 1 {
		t.Fatalf("expected one token error event, got %d", got)
	}
}

type testApp struct {
	*App
	events *emitRecorder
}

func (a testApp) recorder() *emitRecorder {
	return a.events
}

func newTestApp(t *testing.T, server *roomtest.Server) testApp {
	t.Helper()

	cfg := config.Default()
	cfg.Server.WSURL = server.WSURL()
	cfg.Server.APIURL = server.APIURL()
	cfg.Reconnect.HeartbeatInterval = 0
	cfg.Capture.SettleDelay = 10 * time.Millisecond

	services, err := bootstrap.Build(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	services.Player = silentPlayer{}
	services.NewDevice = func() ports.CaptureDevice { return &answerDevice{} }

	recorder := &emitRecorder{}
	app := &App{ctx: context.Background(), emit: recorder.emit, log: zerolog.Nop()}
	app.attach(services)
	t.Cleanup(func() {
		app.shutdown(context.Background())
		server.Close()
	})
	return testApp{App: app, events: recorder}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

type emitted struct {
	name string
	data interface{}
}

type emitRecorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *emitRecorder) emit(_ context.Context, name string, data ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var payload interface{}
	if len(data) > 0 {
		payload = data[0]
	}
	r.events = append(r.events, emitted{name: name, data: payload})
}

// count returns how many events named name were emitted, optionally filtered by their
// state, code or stage field.
func (r *emitRecorder) count(name string, value string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.name != name {
			continue
		}
		if value == "" {
			n++
			continue
		}
		switch data := ev.data.(type) {
		case map[string]string:
			if data["state"] == value || data["code"] == value {
				n++
			}
		case map[string]any:
			if data["stage"] == value {
				n++
			}
		}
	}
	return n
}

type silentPlayer struct{}

func (silentPlayer) Play(context.Context, string) error { return nil }

type answerDevice struct {
	mu      sync.Mutex
	state   ports.CaptureState
	handler func([]byte)
}

func (d *answerDevice) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = ports.CaptureRecording
	return nil
}

func (d *answerDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = ports.CaptureInactive
	return nil
}

func (d *answerDevice) Pause() error        { return nil }
func (d *answerDevice) Resume() error       { return nil }
func (d *answerDevice) SupportsPause() bool { return false }

func (d *answerDevice) State() ports.CaptureState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == "" {
		return ports.CaptureInactive
	}
	return d.state
}

func (d *answerDevice) RequestData() {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler != nil {
		handler([]byte("answer"))
	}
}

func (d *answerDevice) OnData(handler func([]byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

func (d *answerDevice) MimeType() string { return "audio/L16; rate=16000; channels=1" }
