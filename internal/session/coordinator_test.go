package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oralroom/internal/apperr"
	"oralroom/internal/domain"
	"oralroom/internal/kvstore"
	"oralroom/internal/ports"
	"oralroom/internal/roomtest"
	"oralroom/internal/tokenstore"
	"oralroom/internal/transport"
)

type harness struct {
	server      *roomtest.Server
	store       *tokenstore.Store
	transport   *transport.Client
	coordinator *Coordinator
}

func newHarness(t *testing.T, kv ports.KeyValueStore, opts ...roomtest.Option) *harness {
	t.Helper()
	return newHarnessWith(t, kv, nil, opts...)
}

func newHarnessWith(t *testing.T, kv ports.KeyValueStore, coordOpts []Option, opts ...roomtest.Option) *harness {
	t.Helper()
	server := roomtest.New(opts...)
	store := tokenstore.New(kv)
	client := transport.NewClient(transport.Config{
		URL:              server.WSURL(),
		BaseDelay:        5 * time.Millisecond,
		MaxAttempts:      5,
		HandshakeTimeout: 2 * time.Second,
	}, store, zerolog.Nop())
	coordinator := NewCoordinator(client, store, zerolog.Nop(), coordOpts...)
	t.Cleanup(func() {
		coordinator.Close()
		_ = client.Close()
		server.Close()
	})
	return &harness{server: server, store: store, transport: client, coordinator: coordinator}
}

func (h *harness) join(t *testing.T) {
	t.Helper()
	require.NoError(t, h.coordinator.Join(context.Background(), transport.JoinParams{
		RoomCode:    "ABC12345",
		Participant: "Alice",
		AuthMethod:  domain.AuthMethodName,
	}))
	require.Eventually(t, func() bool { return h.server.Connections() == 1 }, time.Second, 5*time.Millisecond)
}

func payloadOf(t *testing.T, msg domain.Message) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	return payload
}

func TestJoinStoresIssuedToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kvstore.NewMemory(), roomtest.WithIssuedTokens(time.Hour))
	h.join(t)

	require.Eventually(t, func() bool {
		_, ok := h.store.Token(context.Background())
		return ok
	}, time.Second, 5*time.Millisecond)

	claims, ok := h.store.Decode(context.Background(), "")
	require.True(t, ok)
	assert.Equal(t, "Alice", claims.Participant)
	assert.Equal(t, "ABC12345", claims.RoomCode)

	session, ok := h.store.RoomSession(context.Background())
	require.True(t, ok)
	assert.Equal(t, "ABC12345", session.RoomCode)
}

func TestStorageFailureIsSurfaced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &brokenKV{}, roomtest.WithIssuedTokens(time.Hour))
	unavailable := make(chan Event, 1)
	h.coordinator.Subscribe(TopicStorageUnavailable, func(ev Event) { unavailable <- ev })

	h.join(t)

	select {
	case ev := <-unavailable:
		assert.Error(t, ev.Err)
	case <-time.After(time.Second):
		t.Fatal("storage failure was not surfaced")
	}
}

func TestNotificationsCarryIdentityAndFields(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kvstore.NewMemory())
	h.join(t)

	h.coordinator.QuestionStarted(0)
	h.coordinator.AudioPlaybackStarted(0, 0)
	h.coordinator.AudioPlaybackCompleted(0, 0)
	h.coordinator.RecordingStarted(0, 0)
	h.coordinator.RecordingStopped(0, 0)
	h.coordinator.UploadStarted(0)
	h.coordinator.UploadCompleted(0, "hello")
	h.coordinator.QuestionCompleted(0)
	h.coordinator.ReportError(0, domain.ErrorCodeUpload, "timeout")
	h.coordinator.UpdateRoomStatus("ready")
	h.coordinator.UpdateStudentStatus("answering", 0)

	want := []domain.MessageType{
		domain.MessageQuestionStarted,
		domain.MessageAudioPlaybackStarted,
		domain.MessageAudioPlaybackDone,
		domain.MessageRecordingStarted,
		domain.MessageRecordingStopped,
		domain.MessageUploadStarted,
		domain.MessageUploadCompleted,
		domain.MessageQuestionCompleted,
		domain.MessageErrorReported,
		domain.MessageRoomStatusUpdate,
		domain.MessageStudentStatusUpdate,
	}
	require.Eventually(t, func() bool { return len(h.server.ReceivedTypes()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, h.server.ReceivedTypes())

	for _, msg := range h.server.Received() {
		payload := payloadOf(t, msg)
		assert.Equal(t, "ABC12345", payload["roomCode"])
		assert.Equal(t, "Alice", payload["participant"])
		assert.NotZero(t, payload["timestamp"])
		switch msg.Type {
		case domain.MessageUploadCompleted:
			assert.Equal(t, "hello", payload["transcription"])
		case domain.MessageErrorReported:
			assert.Equal(t, "upload", payload["error"])
		case domain.MessageRoomStatusUpdate:
			assert.Equal(t, "ready", payload["status"])
		}
	}
}

func TestNotificationWhileClosedIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kvstore.NewMemory())
	assert.NotPanics(t, func() { h.coordinator.RecordingStopped(1, 0) })
	assert.Equal(t, domain.ReadyStateClosed, h.coordinator.Status().Connection)
}

func TestDropMidRecordingStillDeliversStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kvstore.NewMemory(), roomtest.WithIssuedTokens(time.Hour))
	opens := make(chan struct{}, 4)
	h.coordinator.Subscribe(transport.TopicOpen, func(Event) { opens <- struct{}{} })

	h.join(t)
	<-opens
	require.Eventually(t, func() bool {
		_, ok := h.store.Token(context.Background())
		return ok
	}, time.Second, 5*time.Millisecond)

	h.coordinator.RecordingStarted(0, 0)
	require.Eventually(t, func() bool { return h.server.CountReceived(domain.MessageRecordingStarted) == 1 },
		time.Second, 5*time.Millisecond)

	h.server.DropAll()

	select {
	case <-opens:
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not reopen")
	}
	assert.NotEmpty(t, h.server.LastQuery().Get("token"))

	h.coordinator.RecordingStopped(0, 0)
	require.Eventually(t, func() bool { return h.server.CountReceived(domain.MessageRecordingStopped) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.server.CountReceived(domain.MessageRequestStateSync))
}

func TestServerQuestionIsDecoded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kvstore.NewMemory())
	questions := make(chan domain.ServerQuestion, 1)
	h.coordinator.Subscribe(string(domain.MessageQuestionStarted), func(ev Event) { questions <- ev.Question })
	h.join(t)

	require.NoError(t, h.server.Push(domain.MessageQuestionStarted, domain.ServerQuestion{
		QuestionIndex: 2,
		Prompts:       []string{"q2.mp3"},
		ThinkingTime:  5,
		TimeLimit:     60,
		AllowRepeat:   true,
	}))

	select {
	case q := <-questions:
		assert.Equal(t, 2, q.QuestionIndex)
		assert.Equal(t, 5, q.ThinkingTime)
		assert.True(t, q.AllowRepeat)
		assert.Equal(t, []string{"q2.mp3"}, q.Prompts)
	case <-time.After(time.Second):
		t.Fatal("question not delivered")
	}
}

func TestRemovalEndsSessionWithoutReconnect(t *testing.T) {
	t.Parallel()

	for _, msgType := range []domain.MessageType{domain.MessageParticipantRemoved, domain.MessageRoomClosed} {
		msgType := msgType
		t.Run(string(msgType), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, kvstore.NewMemory(), roomtest.WithIssuedTokens(time.Hour))
			ended := make(chan Event, 1)
			h.coordinator.Subscribe(TopicSessionEnded, func(ev Event) { ended <- ev })
			h.join(t)
			require.Eventually(t, func() bool {
				_, ok := h.store.Token(context.Background())
				return ok
			}, time.Second, 5*time.Millisecond)

			require.NoError(t, h.server.Push(msgType, map[string]any{"reason": "removed by proctor"}))

			select {
			case ev := <-ended:
				assert.Equal(t, msgType, ev.Message.Type)
			case <-time.After(time.Second):
				t.Fatal("session_ended not emitted")
			}
			_, ok := h.store.Token(context.Background())
			assert.False(t, ok)
			assert.Equal(t, domain.ReadyStateClosed, h.coordinator.Status().Connection)

			time.Sleep(40 * time.Millisecond)
			assert.Equal(t, 1, h.server.Dials())
		})
	}
}

func TestServerTokenRejectionPurgesStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kvstore.NewMemory(), roomtest.WithIssuedTokens(time.Hour))
	serverErrors := make(chan Event, 1)
	h.coordinator.Subscribe(string(domain.MessageServerError), func(ev Event) { serverErrors <- ev })
	h.join(t)
	require.Eventually(t, func() bool {
		_, ok := h.store.Token(context.Background())
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.server.Push(domain.MessageServerError, map[string]string{
		"code":    "token_invalid",
		"message": "token revoked",
	}))

	select {
	case ev := <-serverErrors:
		assert.True(t, apperr.Is(ev.Err, apperr.KindToken))
	case <-time.After(time.Second):
		t.Fatal("server error not delivered")
	}
	_, ok := h.store.Token(context.Background())
	assert.False(t, ok)
}

func TestResumeWithoutTokenIsTokenError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kvstore.NewMemory())
	err := h.coordinator.Resume(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindToken))
	assert.Equal(t, 0, h.server.Dials())
}

func TestResumeUsesStoredToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kvstore.NewMemory())
	token, err := roomtest.IssueToken("Alice", "ABC12345", time.Now(), time.Hour)
	require.NoError(t, err)
	require.True(t, h.store.SetToken(context.Background(), token))

	require.NoError(t, h.coordinator.Resume(context.Background()))
	assert.Equal(t, token, h.server.LastQuery().Get("token"))
}

func TestLogoutForgetsEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kvstore.NewMemory(), roomtest.WithIssuedTokens(time.Hour))
	h.join(t)
	require.Eventually(t, func() bool {
		_, ok := h.store.Token(context.Background())
		return ok
	}, time.Second, 5*time.Millisecond)

	h.coordinator.Logout(context.Background())

	_, ok := h.store.Token(context.Background())
	assert.False(t, ok)
	status := h.coordinator.Status()
	assert.Equal(t, domain.ReadyStateClosed, status.Connection)
	assert.Empty(t, status.RoomCode)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kvstore.NewMemory())
	var mu sync.Mutex
	count := 0
	sub := h.coordinator.Subscribe(transport.TopicOpen, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	h.coordinator.Unsubscribe(sub)
	h.coordinator.Unsubscribe(sub)

	h.join(t)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) (string, bool, error) { return "", false, errors.New("disk full") }
func (brokenKV) Set(context.Context, string, string) error         { return errors.New("disk full") }
func (brokenKV) Delete(context.Context, string) error              { return errors.New("disk full") }

func TestVisibilityRegainRequestsStateSync(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kvstore.NewMemory())
	h.join(t)

	h.coordinator.SetVisible(true)
	h.coordinator.SetVisible(false)
	h.coordinator.SetVisible(true)

	require.Eventually(t, func() bool { return h.server.CountReceived(domain.MessageRequestStateSync) == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.server.CountReceived(domain.MessageRequestStateSync))

	received := h.server.Received()
	last := received[len(received)-1]
	assert.Equal(t, domain.MessageRequestStateSync, last.Type)
	assert.Equal(t, "ABC12345", payloadOf(t, last)["roomCode"])
}

func TestHeartbeatWhileOpen(t *testing.T) {
	t.Parallel()

	h := newHarnessWith(t, kvstore.NewMemory(), []Option{WithHeartbeat(10 * time.Millisecond)})
	h.join(t)

	require.Eventually(t, func() bool { return h.server.CountReceived(domain.MessageHeartbeat) >= 2 },
		time.Second, 5*time.Millisecond)

	h.coordinator.Disconnect()
	sent := h.server.CountReceived(domain.MessageHeartbeat)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, h.server.CountReceived(domain.MessageHeartbeat), sent+1)
}

func TestHeartbeatRestartsAfterReconnect(t *testing.T) {
	t.Parallel()

	h := newHarnessWith(t, kvstore.NewMemory(), []Option{WithHeartbeat(10 * time.Millisecond)},
		roomtest.WithIssuedTokens(time.Hour))
	h.join(t)
	require.Eventually(t, func() bool {
		_, ok := h.store.Token(context.Background())
		return ok
	}, time.Second, 5*time.Millisecond)

	h.server.DropAll()
	require.Eventually(t, func() bool { return h.server.Dials() == 2 && h.server.Connections() == 1 },
		2*time.Second, 5*time.Millisecond)

	before := h.server.CountReceived(domain.MessageHeartbeat)
	require.Eventually(t, func() bool { return h.server.CountReceived(domain.MessageHeartbeat) >= before+2 },
		time.Second, 5*time.Millisecond)
}
