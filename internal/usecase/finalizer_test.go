package usecase

import (
	"context"
	"errors"
	"testing"

	"oralroom/internal/apperr"
	"oralroom/internal/domain"
)

func TestCombineRecordingsKeepsPromptOrder(t *testing.T) {
	t.Parallel()

	blob := combineRecordings([]domain.CollectedRecording{
		{PromptIndex: 1, Response: domain.Blob{Data: []byte("second"), MimeType: "audio/webm"}},
		{PromptIndex: 0, Response: domain.Blob{Data: []byte("first-"), MimeType: "audio/webm"}},
	}, nil)
	if string(blob.Data) != "first-second" {
		t.Fatalf("unexpected combined payload: %q", blob.Data)
	}
	if blob.MimeType != "audio/webm" {
		t.Fatalf("unexpected mime type: %q", blob.MimeType)
	}
}

func TestRecordingFinalizerBuildsRequest(t *testing.T) {
	t.Parallel()

	uploader := &fakeUploader{transcription: "ok"}
	f := newRecordingFinalizer(Deps{Uploader: uploader}, MachineConfig{
		RoomCode:      "ABC12345",
		Participant:   "Alice",
		QuestionIndex: 3,
		Partner:       "Bob",
	})

	result, err := f.Finalize(context.Background(), []domain.CollectedRecording{
		{Response: domain.Blob{Data: []byte("answer")}},
	}, "my answer", "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Transcription != "ok" {
		t.Fatalf("unexpected transcription: %q", result.Transcription)
	}

	reqs := uploader.snapshot()
	if len(reqs) != 1 {
		t.Fatalf("expected one upload, got %d", len(reqs))
	}
	req := reqs[0]
	if req.RoomCode != "ABC12345" || req.QuestionIndex != 3 || req.Partner != "Bob" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.SpeechText != "my answer" || req.RecognitionLanguage != "en" {
		t.Fatalf("unexpected recognition fields: %+v", req)
	}
}

func TestRecordingFinalizerOmitsLanguageWithoutSpeech(t *testing.T) {
	t.Parallel()

	uploader := &fakeUploader{}
	f := newRecordingFinalizer(Deps{Uploader: uploader}, MachineConfig{})
	if _, err := f.Finalize(context.Background(), nil, "", "en"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := uploader.snapshot()[0].RecognitionLanguage; got != "" {
		t.Fatalf("expected no language without speech text, got %q", got)
	}
}

func TestRecordingFinalizerClassifiesErrors(t *testing.T) {
	t.Parallel()

	f := newRecordingFinalizer(Deps{Uploader: &fakeUploader{failures: 1, err: errors.New("connection reset")}}, MachineConfig{})
	_, err := f.Finalize(context.Background(), nil, "", "")
	if !apperr.Is(err, apperr.KindUpload) {
		t.Fatalf("expected upload error, got %v", err)
	}
}

func TestCombineRecordingsInterleavesPrompts(t *testing.T) {
	t.Parallel()

	blob := combineRecordings([]domain.CollectedRecording{
		{PromptIndex: 1, Response: domain.Blob{Data: []byte("r1"), MimeType: "audio/webm"}},
		{PromptIndex: 0, Response: domain.Blob{Data: []byte("r0"), MimeType: "audio/webm"}},
	}, map[int]domain.Blob{
		0: {Data: []byte("p0|")},
		1: {Data: []byte("p1|")},
	})
	if string(blob.Data) != "p0|r0p1|r1" {
		t.Fatalf("unexpected combined payload: %q", blob.Data)
	}
}

func TestRecordingFinalizerConversationFetchesPrompts(t *testing.T) {
	t.Parallel()

	uploader := &fakeUploader{}
	fetcher := &fakeFetcher{}
	f := newRecordingFinalizer(Deps{Uploader: uploader, Prompts: fakeIssuer{}, PromptAudio: fetcher}, MachineConfig{
		RoomCode:      "ABC12345",
		QuestionIndex: 2,
		Variant:       domain.VariantConversation,
	})

	_, err := f.Finalize(context.Background(), []domain.CollectedRecording{
		{PromptIndex: 0, PromptAudio: "p0.mp3", Response: domain.Blob{Data: []byte("r0")}},
		{PromptIndex: 1, Response: domain.Blob{Data: []byte("r1")}},
	}, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := string(uploader.snapshot()[0].Blob.Data)
	want := "[p0.mp3]r0[https://storage.test/ABC12345/2/1]r1"
	if got != want {
		t.Fatalf("payload = %q, want %q", got, want)
	}
}

func TestRecordingFinalizerPromptFetchFailureIsUploadError(t *testing.T) {
	t.Parallel()

	uploader := &fakeUploader{}
	f := newRecordingFinalizer(Deps{
		Uploader:    uploader,
		PromptAudio: &fakeFetcher{err: errors.New("403 forbidden")},
	}, MachineConfig{Variant: domain.VariantConversation})

	_, err := f.Finalize(context.Background(), []domain.CollectedRecording{
		{PromptAudio: "p0.mp3", Response: domain.Blob{Data: []byte("r0")}},
	}, "", "")
	if !apperr.Is(err, apperr.KindUpload) {
		t.Fatalf("expected upload error, got %v", err)
	}
	if n := len(uploader.snapshot()); n != 0 {
		t.Fatalf("nothing may be uploaded without the prompt audio, got %d uploads", n)
	}
}
