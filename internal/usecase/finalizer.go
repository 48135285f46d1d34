package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"oralroom/internal/apperr"
	"oralroom/internal/domain"
	"oralroom/internal/ports"
)

type recordingFinalizer struct {
	uploader ports.Uploader
	prompts  ports.URLIssuer
	fetcher  ports.PromptFetcher
	cfg      MachineConfig
}

func newRecordingFinalizer(deps Deps, cfg MachineConfig) recordingFinalizer {
	return recordingFinalizer{
		uploader: deps.Uploader,
		prompts:  deps.Prompts,
		fetcher:  deps.PromptAudio,
		cfg:      cfg,
	}
}

// Finalize uploads the question's recordings as one payload. Calling it again with the same
// recordings produces the same request.
func (f recordingFinalizer) Finalize(
	ctx context.Context,
	recordings []domain.CollectedRecording,
	speechText string,
	language string,
) (ports.UploadResult, error) {
	blob, err := f.payload(ctx, recordings)
	if err != nil {
		return ports.UploadResult{}, err
	}
	req := ports.UploadRequest{
		RoomCode:      f.cfg.RoomCode,
		Participant:   f.cfg.Participant,
		QuestionIndex: f.cfg.QuestionIndex,
		Partner:       f.cfg.Partner,
		Blob:          blob,
	}
	if speechText != "" {
		req.SpeechText = speechText
		req.RecognitionLanguage = language
	}

	result, err := f.uploader.Upload(ctx, req)
	if err != nil {
		var appErr *apperr.Error
		if !errors.As(err, &appErr) {
			err = apperr.Upload("recording upload failed", err)
		}
		return ports.UploadResult{}, err
	}
	return result, nil
}

// payload builds the upload body. A conversation stores every prompt ahead of its response so
// the recording replays the exchange as it happened.
func (f recordingFinalizer) payload(ctx context.Context, recordings []domain.CollectedRecording) (domain.Blob, error) {
	if f.cfg.Variant != domain.VariantConversation {
		return combineRecordings(recordings, nil), nil
	}
	if f.fetcher == nil {
		return domain.Blob{}, apperr.Upload("prompt audio cannot be loaded for the conversation", nil)
	}

	prompts := make(map[int]domain.Blob, len(recordings))
	for _, rec := range recordings {
		source := rec.PromptAudio
		if source == "" && f.prompts != nil {
			url, err := f.prompts.PromptURL(ctx, ports.URLRef{
				RoomCode:      f.cfg.RoomCode,
				QuestionIndex: f.cfg.QuestionIndex,
				PromptIndex:   rec.PromptIndex,
			})
			if err != nil {
				return domain.Blob{}, apperr.Upload(fmt.Sprintf("prompt %d audio url", rec.PromptIndex), err)
			}
			source = url
		}
		if source == "" {
			continue
		}
		blob, err := f.fetcher.FetchPrompt(ctx, source)
		if err != nil {
			return domain.Blob{}, apperr.Upload(fmt.Sprintf("prompt %d audio could not be loaded", rec.PromptIndex), err)
		}
		prompts[rec.PromptIndex] = blob
	}
	return combineRecordings(recordings, prompts), nil
}

// combineRecordings concatenates the segments in prompt order, each prompt's audio (when
// given) ahead of its response. The response mime type describes the payload.
func combineRecordings(recordings []domain.CollectedRecording, prompts map[int]domain.Blob) domain.Blob {
	ordered := append([]domain.CollectedRecording(nil), recordings...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PromptIndex < ordered[j].PromptIndex
	})

	parts := make([][]byte, 0, 2*len(ordered))
	mime := ""
	for _, rec := range ordered {
		if prompt, ok := prompts[rec.PromptIndex]; ok {
			parts = append(parts, prompt.Data)
		}
		parts = append(parts, rec.Response.Data)
		if mime == "" {
			mime = rec.Response.MimeType
		}
	}
	return domain.Blob{Data: bytes.Join(parts, nil), MimeType: mime}
}
