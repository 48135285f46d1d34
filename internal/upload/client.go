// Package upload talks to the room server's REST endpoints for recording uploads, prompt audio
// URLs and token checks.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"oralroom/internal/apperr"
	"oralroom/internal/domain"
	"oralroom/internal/ports"
)

const defaultTimeout = 30 * time.Second

// Tokens supplies the bearer token and caches token verification results. tokenstore.Store
// implements it.
type Tokens interface {
	RequestToken(ctx context.Context) (token string, found bool, err error)
	Reject(ctx context.Context, reason string) error
	CacheVerification(ctx context.Context, token string, result domain.TokenCheck)
	CachedVerification(ctx context.Context, token string) (domain.TokenCheck, bool)
}

// Completion is the body of an upload-complete call.
type Completion struct {
	Uploaded            bool   `json:"uploaded"`
	SpeechText          string `json:"speechRecognitionText,omitempty"`
	RecognitionLanguage string `json:"recognitionLanguage,omitempty"`
	Partner             string `json:"partner,omitempty"`
}

type uploadURLResponse struct {
	UploadURL string `json:"uploadUrl"`
}

type promptURLResponse struct {
	URL string `json:"url"`
}

type completionResponse struct {
	Transcription string `json:"transcription"`
}

// Client is the REST client for the room server API.
type Client struct {
	api     *resty.Client
	storage *resty.Client
	tokens  Tokens
	log     zerolog.Logger
}

func NewClient(apiURL string, tokens Tokens, log zerolog.Logger) *Client {
	apiURL = strings.TrimRight(apiURL, "/")
	return &Client{
		api: resty.New().
			SetBaseURL(apiURL).
			SetHeader("User-Agent", "oralroom/1.0").
			SetTimeout(defaultTimeout),
		// presigned URLs carry their own credentials; no bearer header may be attached
		storage: resty.New().SetTimeout(2 * defaultTimeout),
		tokens:  tokens,
		log:     log.With().Str("component", "upload-client").Logger(),
	}
}

// request prepares an API call. An expired stored token fails the call before it is sent.
func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	req := c.api.R().SetContext(ctx)
	if c.tokens == nil {
		return req, nil
	}
	token, found, err := c.tokens.RequestToken(ctx)
	if err != nil {
		return nil, err
	}
	if found {
		req.SetAuthToken(token)
	}
	return req, nil
}

// UploadURL asks the server for a presigned upload URL. It implements ports.URLIssuer.
func (c *Client) UploadURL(ctx context.Context, ref ports.URLRef) (string, error) {
	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}
	var resp uploadURLResponse
	httpResp, err := req.
		SetPathParams(pathParams(ref)).
		SetResult(&resp).
		Get("/rooms/{roomCode}/questions/{questionIndex}/upload-url")
	if err != nil {
		return "", fmt.Errorf("upload url request failed: %w", err)
	}
	if httpResp.IsError() {
		return "", fmt.Errorf("upload url error (%d): %s", httpResp.StatusCode(), httpResp.String())
	}
	if strings.TrimSpace(resp.UploadURL) == "" {
		return "", fmt.Errorf("upload url response is empty")
	}
	return resp.UploadURL, nil
}

// PromptURL asks the server for a presigned download URL of one prompt's audio.
func (c *Client) PromptURL(ctx context.Context, ref ports.URLRef) (string, error) {
	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}
	var resp promptURLResponse
	httpResp, err := req.
		SetPathParams(pathParams(ref)).
		SetQueryParam("index", strconv.Itoa(ref.PromptIndex)).
		SetResult(&resp).
		Get("/rooms/{roomCode}/questions/{questionIndex}/prompt-url")
	if err != nil {
		return "", fmt.Errorf("prompt url request failed: %w", err)
	}
	if httpResp.IsError() {
		return "", fmt.Errorf("prompt url error (%d): %s", httpResp.StatusCode(), httpResp.String())
	}
	if strings.TrimSpace(resp.URL) == "" {
		return "", fmt.Errorf("prompt url response is empty")
	}
	return resp.URL, nil
}

// PutAudio writes blob to a presigned URL.
func (c *Client) PutAudio(ctx context.Context, uploadURL string, blob domain.Blob) error {
	contentType := blob.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	httpResp, err := c.storage.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(bytes.NewReader(blob.Data)).
		Put(uploadURL)
	if err != nil {
		return fmt.Errorf("audio upload failed: %w", err)
	}
	if httpResp.IsError() {
		return fmt.Errorf("audio upload error (%d): %s", httpResp.StatusCode(), httpResp.String())
	}
	return nil
}

// CompleteUpload notifies the server that the recording for ref is stored and returns the
// server transcription, if any.
func (c *Client) CompleteUpload(ctx context.Context, ref ports.URLRef, body Completion) (string, error) {
	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}
	body.Uploaded = true
	var resp completionResponse
	httpResp, err := req.
		SetPathParams(pathParams(ref)).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&resp).
		Post("/rooms/{roomCode}/questions/{questionIndex}/upload-complete")
	if err != nil {
		return "", fmt.Errorf("upload completion request failed: %w", err)
	}
	if httpResp.IsError() {
		return "", fmt.Errorf("upload completion error (%d): %s", httpResp.StatusCode(), httpResp.String())
	}
	return resp.Transcription, nil
}

// CheckToken asks the server whether the stored token has expired. Results are cached per token
// for five minutes. A token the server reports as expired is purged and returned as a token
// error alongside the result.
func (c *Client) CheckToken(ctx context.Context) (domain.TokenCheck, error) {
	if c.tokens == nil {
		return domain.TokenCheck{}, apperr.Token("no token source configured")
	}
	token, ok, err := c.tokens.RequestToken(ctx)
	if err != nil {
		return domain.TokenCheck{Expired: true}, err
	}
	if !ok {
		return domain.TokenCheck{}, apperr.Token("no session token stored")
	}
	if cached, ok := c.tokens.CachedVerification(ctx, token); ok {
		return cached, nil
	}

	var result domain.TokenCheck
	httpResp, err := c.api.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&result).
		Get("/tokens/check")
	if err != nil {
		return domain.TokenCheck{}, fmt.Errorf("token check request failed: %w", err)
	}
	if httpResp.IsError() {
		return domain.TokenCheck{}, fmt.Errorf("token check error (%d): %s", httpResp.StatusCode(), httpResp.String())
	}

	c.log.Debug().Bool("expired", result.Expired).Msg("token checked")
	if result.Expired {
		return result, c.tokens.Reject(ctx, "session token expired")
	}
	c.tokens.CacheVerification(ctx, token, result)
	return result, nil
}

// FetchPrompt loads a prompt's audio. It implements ports.PromptFetcher. Presigned URLs are
// fetched without the bearer token; any other source is read as a local file.
func (c *Client) FetchPrompt(ctx context.Context, source string) (domain.Blob, error) {
	var data []byte
	if u, err := url.Parse(source); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		httpResp, err := c.storage.R().SetContext(ctx).Get(source)
		if err != nil {
			return domain.Blob{}, fmt.Errorf("prompt audio request failed: %w", err)
		}
		if httpResp.IsError() {
			return domain.Blob{}, fmt.Errorf("prompt audio error (%d): %s", httpResp.StatusCode(), httpResp.String())
		}
		data = httpResp.Body()
	} else {
		data, err = os.ReadFile(source)
		if err != nil {
			return domain.Blob{}, fmt.Errorf("read prompt audio: %w", err)
		}
	}
	if len(data) == 0 {
		return domain.Blob{}, fmt.Errorf("prompt audio %q is empty", source)
	}
	return domain.Blob{Data: data, MimeType: mimetype.Detect(data).String()}, nil
}

func pathParams(ref ports.URLRef) map[string]string {
	return map[string]string{
		"roomCode":      ref.RoomCode,
		"questionIndex": strconv.Itoa(ref.QuestionIndex),
	}
}
