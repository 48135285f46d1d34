package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"oralroom/internal/audio"
	"oralroom/internal/capture"
	"oralroom/internal/config"
	"oralroom/internal/domain"
	"oralroom/internal/kvstore"
	"oralroom/internal/ports"
	"oralroom/internal/providers/deepgram"
	"oralroom/internal/session"
	"oralroom/internal/tokenstore"
	"oralroom/internal/transport"
	"oralroom/internal/upload"
	"oralroom/internal/urlcache"
	"oralroom/internal/usecase"
)

type closableStore interface {
	ports.KeyValueStore
	io.Closer
}

// Services is the assembled runtime graph.
type Services struct {
	Config      config.Config
	Tokens      *tokenstore.Store
	Transport   *transport.Client
	Coordinator *session.Coordinator
	URLCache    *urlcache.Cache
	API         *upload.Client
	URLs        *upload.CachedIssuer
	Uploader    *upload.Uploader
	Player      ports.PromptPlayer
	Recognizer  ports.TranscriptionProvider

	// NewDevice opens the microphone used by one question. Every machine gets its own device
	// so that releasing it after a question never affects the next one.
	NewDevice func() ports.CaptureDevice

	store closableStore
	log   zerolog.Logger
}

// Build wires all backend dependencies for the current runtime.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Services, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	tokens := tokenstore.New(store, tokenstore.WithLogger(log))
	client := transport.NewClient(transport.Config{
		URL:              cfg.Server.WSURL,
		BaseDelay:        cfg.Reconnect.BaseDelay,
		MaxAttempts:      cfg.Reconnect.MaxAttempts,
		HandshakeTimeout: cfg.Reconnect.HandshakeTimeout,
	}, tokens, log)

	api := upload.NewClient(cfg.Server.APIURL, tokens, log)

	var issuer ports.URLIssuer = api
	if cfg.S3.Enabled() {
		s3Issuer, err := upload.NewS3Issuer(ctx, upload.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			Expiry:          cfg.S3.PresignExpiry,
		}, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		issuer = s3Issuer
	}

	cache := urlcache.New(urlcache.Config{
		TTL:          cfg.Cache.TTL,
		RefreshAfter: cfg.Cache.RefreshAfter,
		SweepEvery:   cfg.Cache.SweepEvery,
	}, urlcache.WithLogger(log))
	cache.Start()

	urls := upload.NewCachedIssuer(issuer, cache)

	var recognizer ports.TranscriptionProvider
	if cfg.Deepgram.Enabled() {
		recognizer = deepgram.NewProvider(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			Language:    cfg.Deepgram.Language,
			SmartFormat: cfg.Deepgram.SmartFormat,
		}, log)
	} else {
		log.Info().Msg("live recognition disabled; DEEPGRAM_API_KEY is not set")
	}

	audioCfg := ports.AudioConfig{
		SampleRate:  cfg.Capture.SampleRate,
		Channels:    cfg.Capture.Channels,
		InputFormat: cfg.Capture.InputFormat,
		InputDevice: cfg.Capture.InputDevice,
	}

	return &Services{
		Config:      cfg,
		Tokens:      tokens,
		Transport:   client,
		Coordinator: session.NewCoordinator(client, tokens, log, session.WithHeartbeat(cfg.Reconnect.HeartbeatInterval)),
		URLCache:    cache,
		API:         api,
		URLs:        urls,
		Uploader:    upload.NewUploader(api, urls, log),
		Player:      audio.NewFFPlayPlayer(cfg.Player.Command, log),
		Recognizer:  recognizer,
		NewDevice: func() ports.CaptureDevice {
			return audio.NewFFMPEGDevice(cfg.Capture.RecorderCommand, audioCfg, log)
		},
		store: store,
		log:   log,
	}, nil
}

// NewMachine builds the stage machine for a question announced by the server. The machine
// reports lifecycle signals through the coordinator and UI updates through sink.
func (s *Services) NewMachine(question domain.ServerQuestion, sink ports.EventSink) *usecase.Machine {
	status := s.Coordinator.Status()
	cfg := usecase.ConfigFromQuestion(status.RoomCode, status.Participant, question)

	return usecase.NewMachine(cfg, usecase.Deps{
		Capture:     capture.NewController(s.NewDevice(), s.Config.Capture.SettleDelay, s.log),
		Player:      s.Player,
		Prompts:     s.URLs,
		PromptAudio: s.API,
		Uploader:    s.Uploader,
		Signals:     s.Coordinator,
		Sink:        sink,
		Recognizer:  s.Recognizer,
		Streaming: ports.StreamingConfig{
			SampleRate:     s.Config.Capture.SampleRate,
			Channels:       s.Config.Capture.Channels,
			Encoding:       "linear16",
			InterimResults: true,
		},
	}, s.log)
}

// Close disconnects the room channel and releases storage.
func (s *Services) Close() error {
	s.URLCache.Stop()
	s.Coordinator.Close()
	return errors.Join(s.Transport.Close(), s.store.Close())
}

func openStore(cfg config.StorageConfig) (closableStore, error) {
	switch cfg.Backend {
	case config.StorageBolt:
		store, err := kvstore.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open session storage: %w", err)
		}
		return store, nil
	case config.StorageRedis:
		store, err := kvstore.OpenRedis(cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("open session storage: %w", err)
		}
		return store, nil
	default:
		return kvstore.NewMemory(), nil
	}
}
