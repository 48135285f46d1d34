package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"oralroom/internal/apperr"
	"oralroom/internal/metrics"
	"oralroom/internal/ports"
	"oralroom/internal/urlcache"
)

// CachedIssuer serves presigned URLs from a urlcache.Cache and falls back to the wrapped issuer
// on a miss.
type CachedIssuer struct {
	issuer ports.URLIssuer
	cache  *urlcache.Cache
}

func NewCachedIssuer(issuer ports.URLIssuer, cache *urlcache.Cache) *CachedIssuer {
	return &CachedIssuer{issuer: issuer, cache: cache}
}

func (c *CachedIssuer) UploadURL(ctx context.Context, ref ports.URLRef) (string, error) {
	return c.cache.GetURL(ctx, uploadKey(ref), func(ctx context.Context) (string, error) {
		return c.issuer.UploadURL(ctx, ref)
	})
}

func (c *CachedIssuer) PromptURL(ctx context.Context, ref ports.URLRef) (string, error) {
	return c.cache.GetURL(ctx, promptKey(ref), func(ctx context.Context) (string, error) {
		return c.issuer.PromptURL(ctx, ref)
	})
}

// InvalidateUpload drops the cached upload URL for ref.
func (c *CachedIssuer) InvalidateUpload(ref ports.URLRef) {
	c.cache.Invalidate(uploadKey(ref))
}

// InvalidatePrompt drops the cached prompt URL for ref.
func (c *CachedIssuer) InvalidatePrompt(ref ports.URLRef) {
	c.cache.Invalidate(promptKey(ref))
}

func uploadKey(ref ports.URLRef) urlcache.Key {
	return urlcache.NewIndexedKey(urlcache.TypeUpload, ref.RoomCode, ref.QuestionIndex)
}

func promptKey(ref ports.URLRef) urlcache.Key {
	return urlcache.NewIndexedKey(urlcache.TypePrompt, fmt.Sprintf("%s/%d", ref.RoomCode, ref.QuestionIndex), ref.PromptIndex)
}

// Uploader stores a recording through a presigned URL and then confirms it with the server.
// Repeating Upload with the same request overwrites the same object, so retries are safe.
type Uploader struct {
	client *Client
	urls   *CachedIssuer
	log    zerolog.Logger
}

func NewUploader(client *Client, urls *CachedIssuer, log zerolog.Logger) *Uploader {
	return &Uploader{
		client: client,
		urls:   urls,
		log:    log.With().Str("component", "uploader").Logger(),
	}
}

func (u *Uploader) Upload(ctx context.Context, req ports.UploadRequest) (result ports.UploadResult, err error) {
	started := time.Now()
	defer func() { metrics.ObserveUpload(started, err) }()

	if req.Blob.Size() == 0 {
		return ports.UploadResult{}, apperr.Upload("recording is empty", nil)
	}
	ref := ports.URLRef{RoomCode: req.RoomCode, QuestionIndex: req.QuestionIndex}

	uploadURL, err := u.urls.UploadURL(ctx, ref)
	if err != nil {
		return ports.UploadResult{}, uploadError("failed to obtain upload url", err)
	}

	if err := u.client.PutAudio(ctx, uploadURL, req.Blob); err != nil {
		// the signature may have expired server side; the next attempt must fetch a new one
		u.urls.InvalidateUpload(ref)
		return ports.UploadResult{}, apperr.Upload("failed to store recording", err)
	}

	transcription, err := u.client.CompleteUpload(ctx, ref, Completion{
		SpeechText:          req.SpeechText,
		RecognitionLanguage: req.RecognitionLanguage,
		Partner:             req.Partner,
	})
	if err != nil {
		return ports.UploadResult{}, uploadError("server did not acknowledge the recording", err)
	}

	u.log.Info().
		Str("room_code", req.RoomCode).
		Int("question_index", req.QuestionIndex).
		Int("bytes", req.Blob.Size()).
		Dur("elapsed", time.Since(started)).
		Msg("recording uploaded")
	return ports.UploadResult{Transcription: transcription}, nil
}

// uploadError classifies err as an upload failure unless the session token was refused.
func uploadError(message string, err error) error {
	if apperr.Is(err, apperr.KindToken) {
		return err
	}
	return apperr.Upload(message, err)
}
