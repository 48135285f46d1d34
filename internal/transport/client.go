package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"oralroom/internal/apperr"
	"oralroom/internal/domain"
	"oralroom/internal/events"
	"oralroom/internal/metrics"
)

// ErrNotOpen is returned by Send when the channel is not open. The frame is dropped.
var ErrNotOpen = errors.New("room channel is not open")

// Lifecycle topics. Server frames are published on a topic equal to their message type and
// also on TopicMessage.
const (
	TopicOpen            = "open"
	TopicClose           = "close"
	TopicConnectionError = "connection_error"
	TopicReconnecting    = "reconnecting"
	TopicReconnectFailed = "reconnect_failed"
	TopicMessage         = "message"
)

const (
	modeJoin      = "join"
	modeReconnect = "reconnect"
)

// Event is delivered to subscribers.
type Event struct {
	Topic   string
	Message domain.Message
	Err     error
	Attempt int
	Delay   time.Duration
}

// TokenSource supplies the credential used by automatic reconnection.
type TokenSource interface {
	ReconnectToken(ctx context.Context) (string, bool)
}

// Config controls the room channel.
type Config struct {
	URL               string
	BaseDelay         time.Duration
	MaxAttempts       int
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

// JoinParams identify a participant joining a room.
type JoinParams struct {
	RoomCode    string
	Participant string
	AuthMethod  domain.AuthMethod
	Email       string
}

// Client is the single bidirectional channel between this client and the room server.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	tokens  TokenSource
	log     zerolog.Logger
	emitter *events.Emitter[Event]
	now     func() time.Time
	id      string

	mu             sync.Mutex
	state          domain.ReadyState
	conn           *websocket.Conn
	connID         uint64
	roomCode       string
	participant    string
	attempts       int
	pending        *Attempt
	reconnectTimer *time.Timer
	closedByUser   bool
	visible        bool

	writeMu sync.Mutex
}

func NewClient(cfg Config, tokens TokenSource, log zerolog.Logger) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		tokens:  tokens,
		log:     log.With().Str("component", "room-transport").Logger(),
		emitter: events.NewEmitter[Event](),
		now:     time.Now,
		id:      uuid.NewString(),
		state:   domain.ReadyStateClosed,
		visible: true,
	}
}

// ConnectForJoin opens a channel identified by room code and participant.
func (c *Client) ConnectForJoin(ctx context.Context, params JoinParams) error {
	return c.JoinAsync(params).Wait(ctx)
}

// ConnectForReconnect opens a channel authenticated by a previously issued token.
func (c *Client) ConnectForReconnect(ctx context.Context, token string) error {
	return c.ReconnectAsync(token).Wait(ctx)
}

// JoinAsync starts a join. While any connection attempt is in flight the pending attempt is
// returned instead of opening a second socket.
func (c *Client) JoinAsync(params JoinParams) *Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return c.pending
	}

	roomCode := strings.TrimSpace(params.RoomCode)
	participant := strings.TrimSpace(params.Participant)
	if roomCode == "" || participant == "" {
		return failedAttempt(modeJoin, errors.New("room code and participant name are required"))
	}

	target, err := buildJoinURL(c.cfg.URL, roomCode, participant, params.AuthMethod, params.Email)
	if err != nil {
		return failedAttempt(modeJoin, apperr.Connection("invalid room server url", err))
	}

	c.roomCode = roomCode
	c.participant = participant
	c.attempts = 0
	return c.startLocked(target, modeJoin, false)
}

// ReconnectAsync starts an explicit token reconnect, sharing any in-flight attempt.
func (c *Client) ReconnectAsync(token string) *Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return c.pending
	}
	if strings.TrimSpace(token) == "" {
		return failedAttempt(modeReconnect, apperr.Token("no session token to reconnect with"))
	}

	target, err := buildReconnectURL(c.cfg.URL, token)
	if err != nil {
		return failedAttempt(modeReconnect, apperr.Connection("invalid room server url", err))
	}
	c.attempts = 0
	return c.startLocked(target, modeReconnect, false)
}

func (c *Client) startLocked(target string, mode string, auto bool) *Attempt {
	c.closedByUser = false
	c.stopReconnectTimerLocked()
	c.setStateLocked(domain.ReadyStateConnecting)

	attempt := newAttempt(mode, auto)
	c.pending = attempt
	go c.dial(attempt, target)
	return attempt
}

func (c *Client) dial(attempt *Attempt, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	cancel()

	c.mu.Lock()
	if c.pending == attempt {
		c.pending = nil
	}

	if err != nil {
		c.setStateLocked(domain.ReadyStateError)
		c.mu.Unlock()

		metrics.ConnectAttempts.WithLabelValues(attempt.mode, "failure").Inc()
		connErr := apperr.Connection("could not open room channel", err)
		c.log.Warn().Err(err).Str("mode", attempt.mode).Msg("room channel connection failed")
		c.emitter.Emit(TopicConnectionError, Event{Topic: TopicConnectionError, Err: connErr})
		attempt.finish(connErr)
		if attempt.auto {
			c.scheduleReconnect()
		}
		return
	}

	if c.closedByUser {
		c.mu.Unlock()
		_ = conn.Close()
		attempt.finish(apperr.Connection("connection cancelled by disconnect", nil))
		return
	}

	previous := c.conn
	c.conn = conn
	c.connID++
	id := c.connID
	c.attempts = 0
	c.setStateLocked(domain.ReadyStateOpen)
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	metrics.ConnectAttempts.WithLabelValues(attempt.mode, "success").Inc()
	c.log.Info().Str("mode", attempt.mode).Msg("room channel open")
	c.emitter.Emit(TopicOpen, Event{Topic: TopicOpen})
	attempt.finish(nil)

	go c.readLoop(conn, id)
}

func (c *Client) readLoop(conn *websocket.Conn, id uint64) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(id, err)
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Type == "" {
			c.log.Debug().Int("bytes", len(payload)).Msg("ignoring undecodable frame")
			continue
		}

		c.emitter.Emit(TopicMessage, Event{Topic: TopicMessage, Message: msg})
		c.emitter.Emit(string(msg.Type), Event{Topic: string(msg.Type), Message: msg})
	}
}

func (c *Client) handleDrop(id uint64, err error) {
	c.mu.Lock()
	if c.conn == nil || id != c.connID {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(domain.ReadyStateClosed)
	userClosed := c.closedByUser
	c.mu.Unlock()

	_ = conn.Close()
	c.log.Warn().Err(err).Msg("room channel dropped")
	c.emitter.Emit(TopicClose, Event{Topic: TopicClose, Err: err})
	if !userClosed {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closedByUser {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxAttempts {
		attempts := c.attempts
		c.mu.Unlock()

		metrics.ReconnectsExhausted.Inc()
		c.log.Error().Int("attempts", attempts).Msg("giving up on reconnecting")
		c.emitter.Emit(TopicReconnectFailed, Event{
			Topic:   TopicReconnectFailed,
			Attempt: attempts,
			Err:     apperr.Connection(fmt.Sprintf("reconnect failed after %d attempts", attempts), nil),
		})
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := c.cfg.BaseDelay * time.Duration(attempt)
	c.stopReconnectTimerLocked()
	c.reconnectTimer = time.AfterFunc(delay, c.fireReconnect)
	c.mu.Unlock()

	c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
	c.emitter.Emit(TopicReconnecting, Event{Topic: TopicReconnecting, Attempt: attempt, Delay: delay})
}

func (c *Client) fireReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	token, ok := "", false
	if c.tokens != nil {
		token, ok = c.tokens.ReconnectToken(ctx)
	}
	cancel()

	c.mu.Lock()
	if c.closedByUser || c.pending != nil || c.conn != nil {
		c.mu.Unlock()
		return
	}
	if !ok {
		attempts := c.attempts
		c.setStateLocked(domain.ReadyStateClosed)
		c.mu.Unlock()

		c.log.Error().Msg("no usable session token; unable to reconnect")
		c.emitter.Emit(TopicReconnectFailed, Event{
			Topic:   TopicReconnectFailed,
			Attempt: attempts,
			Err:     apperr.Token("unable to reconnect: no valid session token"),
		})
		return
	}

	target, err := buildReconnectURL(c.cfg.URL, token)
	if err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("invalid room server url")
		return
	}
	c.startLocked(target, modeReconnect, true)
	c.mu.Unlock()
}

// Send writes env if the channel is open. Otherwise the frame is dropped and ErrNotOpen returned.
func (c *Client) Send(env domain.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == domain.ReadyStateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		metrics.MessagesDropped.WithLabelValues(string(env.Type)).Inc()
		c.log.Warn().Str("type", string(env.Type)).Msg("dropping frame: room channel not open")
		return ErrNotOpen
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", env.Type, err)
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s frame: %w", env.Type, err)
	}

	metrics.MessagesSent.WithLabelValues(string(env.Type)).Inc()
	return nil
}

// Envelope stamps a frame with the remembered identity and this client's id.
func (c *Client) Envelope(msgType domain.MessageType, fields map[string]any) domain.Envelope {
	roomCode, participant := c.Identity()
	env := domain.NewEnvelope(msgType, roomCode, participant, c.now(), fields)
	env.Payload["clientId"] = c.id
	return env
}

// ID identifies this client instance across reconnects.
func (c *Client) ID() string {
	return c.id
}

// VisibilityChanged records host visibility. It reports true for a hidden-to-visible
// transition on an open channel, when the server should be asked for the events missed while
// backgrounded.
func (c *Client) VisibilityChanged(visible bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasVisible := c.visible
	c.visible = visible
	return visible && !wasVisible && c.state == domain.ReadyStateOpen
}

// Disconnect closes the channel and stops reconnection. The remembered identity is kept.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closedByUser = true
	c.stopReconnectTimerLocked()
	conn := c.conn
	c.conn = nil
	c.setStateLocked(domain.ReadyStateClosed)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			c.now().Add(time.Second))
		_ = conn.Close()
		c.emitter.Emit(TopicClose, Event{Topic: TopicClose})
	}
}

// ClearAll disconnects and forgets the remembered identity.
func (c *Client) ClearAll() {
	c.Disconnect()
	c.mu.Lock()
	c.roomCode = ""
	c.participant = ""
	c.attempts = 0
	c.mu.Unlock()
}

// Close disposes the client and drops every subscription.
func (c *Client) Close() error {
	c.Disconnect()
	c.emitter.Reset()
	return nil
}

func (c *Client) On(topic string, handler func(Event)) events.Subscription {
	return c.emitter.On(topic, handler)
}

func (c *Client) Off(sub events.Subscription) {
	c.emitter.Off(sub)
}

func (c *Client) State() domain.ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Identity() (roomCode string, participant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode, c.participant
}

// Attempts returns the number of reconnect attempts scheduled since the last open channel.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) setStateLocked(state domain.ReadyState) {
	c.state = state
	metrics.SetConnectionState(string(state))
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func buildJoinURL(base string, roomCode string, participant string, method domain.AuthMethod, email string) (string, error) {
	target, err := parseBaseURL(base)
	if err != nil {
		return "", err
	}
	query := target.Query()
	query.Set("roomCode", roomCode)
	query.Set("participantName", participant)
	query.Set("useGoogle", strconv.FormatBool(method == domain.AuthMethodGoogle))
	if email = strings.TrimSpace(email); email != "" {
		query.Set("email", email)
	}
	target.RawQuery = query.Encode()
	return target.String(), nil
}

func buildReconnectURL(base string, token string) (string, error) {
	target, err := parseBaseURL(base)
	if err != nil {
		return "", err
	}
	query := target.Query()
	query.Set("token", token)
	target.RawQuery = query.Encode()
	return target.String(), nil
}

func parseBaseURL(base string) (*url.URL, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return nil, errors.New("room server url is not configured")
	}
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	target, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid room server url: %w", err)
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return nil, fmt.Errorf("invalid room server url scheme %q", target.Scheme)
	}
	return target, nil
}
