// Package deepgram streams recorded answers to Deepgram for live speech recognition. The text
// it produces is attached to upload completions; recognition failures never block an upload.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"oralroom/internal/domain"
	"oralroom/internal/ports"
)

var (
	ErrNotConfigured = errors.New("DEEPGRAM_API_KEY is not configured")
	errStreamClosed  = errors.New("recognition stream is closed")
)

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
}

// Provider implements ports.TranscriptionProvider for Deepgram.
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
	log    zerolog.Logger
}

func NewProvider(cfg Config, log zerolog.Logger) *Provider {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Provider{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log.With().Str("component", "deepgram").Logger(),
	}
}

// Language is reported with the recognized text as recognitionLanguage.
func (p *Provider) Language() string {
	return p.cfg.Language
}

func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}

	listenURL, err := buildListenURL(p.cfg, cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, _, err := p.dialer.DialContext(ctx, listenURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram websocket: %w", err)
	}
	p.log.Debug().Str("model", p.cfg.Model).Str("language", p.cfg.Language).Msg("recognition stream opened")

	s := newStream(conn)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// stream is one recognition websocket. Audio is written by a single writer goroutine and
// results are published on a buffered channel that drops when nobody is reading.
type stream struct {
	conn *websocket.Conn

	results chan domain.TranscriptEvent
	audio   chan []byte
	done    chan struct{}
	loops   sync.WaitGroup

	mu         sync.Mutex
	err        error
	sendClosed bool

	closeSendOnce sync.Once
	closeOnce     sync.Once
}

func newStream(conn *websocket.Conn) *stream {
	s := &stream{
		conn:    conn,
		results: make(chan domain.TranscriptEvent, 64),
		audio:   make(chan []byte, 32),
		done:    make(chan struct{}),
	}
	s.loops.Add(2)
	go s.readResults()
	go s.writeAudio()
	go func() {
		s.loops.Wait()
		close(s.results)
		close(s.done)
		_ = conn.Close()
	}()
	return s
}

func (s *stream) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.mu.Lock()
	closed := s.sendClosed
	s.mu.Unlock()
	if closed {
		return errStreamClosed
	}

	select {
	case s.audio <- append([]byte(nil), chunk...):
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return errStreamClosed
	}
}

// CloseSend finishes the audio stream so Deepgram flushes its final results.
func (s *stream) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.mu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.mu.Unlock()
	})
	return nil
}

func (s *stream) Events() <-chan domain.TranscriptEvent {
	return s.results
}

func (s *stream) Wait() error {
	<-s.done
	return s.Err()
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.CloseSend()
		_ = s.conn.Close()
	})
	<-s.done
	return s.Err()
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail records the first non-close error.
func (s *stream) fail(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *stream) writeAudio() {
	defer s.loops.Done()

	for chunk := range s.audio {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.fail(fmt.Errorf("failed to send audio: %w", err))
			return
		}
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.fail(fmt.Errorf("failed to close stream: %w", err))
	}
}

func (s *stream) readResults() {
	defer s.loops.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("failed to read recognition result: %w", err))
			return
		}

		var res listenResult
		if err := json.Unmarshal(payload, &res); err != nil {
			continue
		}

		if strings.EqualFold(res.Type, "Error") {
			message := strings.TrimSpace(res.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.fail(errors.New(message))
			return
		}

		text := res.transcript()
		if text == "" {
			continue
		}

		event := domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: text, IsSpeechFinal: res.SpeechFinal}
		if res.IsFinal || res.SpeechFinal {
			event.Kind = domain.TranscriptKindFinal
		}
		select {
		case s.results <- event:
		default:
		}
	}
}

type alternative struct {
	Transcript string `json:"transcript"`
}

type listenResult struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []alternative `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (r listenResult) transcript() string {
	if len(r.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(r.Channel.Alternatives[0].Transcript); text != "" {
			return text
		}
	}
	if len(r.Results.Channels) > 0 && len(r.Results.Channels[0].Alternatives) > 0 {
		return strings.TrimSpace(r.Results.Channels[0].Alternatives[0].Transcript)
	}
	return ""
}

func buildListenURL(providerCfg Config, streamCfg ports.StreamingConfig) (string, error) {
	base := strings.TrimSpace(providerCfg.APIBaseURL)
	if base == "" {
		base = "https://api.deepgram.com/v1"
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	listenURL, err := url.Parse(strings.TrimRight(base, "/") + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	if streamCfg.Encoding == "" {
		streamCfg.Encoding = "linear16"
	}
	if streamCfg.SampleRate <= 0 {
		streamCfg.SampleRate = 16000
	}
	if streamCfg.Channels <= 0 {
		streamCfg.Channels = 1
	}

	query := listenURL.Query()
	query.Set("model", providerCfg.Model)
	query.Set("encoding", streamCfg.Encoding)
	query.Set("sample_rate", strconv.Itoa(streamCfg.SampleRate))
	query.Set("channels", strconv.Itoa(streamCfg.Channels))
	query.Set("interim_results", strconv.FormatBool(streamCfg.InterimResults))
	query.Set("smart_format", strconv.FormatBool(providerCfg.SmartFormat))
	if providerCfg.Language != "" {
		query.Set("language", providerCfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
