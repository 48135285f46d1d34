package usecase

import (
	"errors"
	"testing"
	"time"

	"oralroom/internal/apperr"
	"oralroom/internal/domain"
)

func standardConfig() MachineConfig {
	return MachineConfig{
		RoomCode:      "ABC12345",
		Participant:   "Alice",
		QuestionIndex: 0,
		Variant:       domain.VariantStandard,
		Prompts:       []string{"prompt-0.mp3"},
		ThinkingTime:  5 * time.Second,
		TimeLimit:     30 * time.Second,
	}
}

func mustTransition(t *testing.T, cfg MachineConfig, s State, ev Event) (State, []Effect) {
	t.Helper()
	next, effects, err := Transition(cfg, s, ev)
	if err != nil {
		t.Fatalf("%s rejected in %s: %v", ev.Kind, s.Stage, err)
	}
	return next, effects
}

func effectKinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, 0, len(effects))
	for _, e := range effects {
		out = append(out, e.Kind)
	}
	return out
}

func hasEffect(effects []Effect, kind EffectKind) bool {
	for _, e := range effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func TestTransitionHappyPath(t *testing.T) {
	t.Parallel()

	cfg := standardConfig()
	s, effects := mustTransition(t, cfg, State{}, Event{Kind: EventStart})
	if s.Stage != domain.StageAudioPlay || s.PlayID != 1 {
		t.Fatalf("unexpected state after start: %+v", s)
	}
	if effects[0].Signal != domain.MessageQuestionStarted || !hasEffect(effects, EffectPlayPrompt) {
		t.Fatalf("unexpected start effects: %v", effectKinds(effects))
	}

	s, effects = mustTransition(t, cfg, s, Event{Kind: EventPlaybackEnded, PlayID: 1})
	if s.Stage != domain.StageThinking {
		t.Fatalf("expected thinking, got %s", s.Stage)
	}
	timer := effects[len(effects)-1]
	if timer.Kind != EffectStartTimer || timer.Timer != TimerThinking || timer.Delay != 5*time.Second {
		t.Fatalf("unexpected thinking timer: %+v", timer)
	}

	s, effects = mustTransition(t, cfg, s, Event{Kind: EventThinkingElapsed, Generation: timer.Generation})
	if s.Stage != domain.StageRecording || !hasEffect(effects, EffectStartCapture) {
		t.Fatalf("expected recording with capture start, got %+v", s)
	}

	s, effects = mustTransition(t, cfg, s, Event{Kind: EventCaptureStarted, Generation: s.Generation})
	if !s.Capturing || !hasEffect(effects, EffectStartTimer) {
		t.Fatalf("expected time limit timer once capture started: %v", effectKinds(effects))
	}

	s, effects = mustTransition(t, cfg, s, Event{Kind: EventTimeLimit, Generation: s.Generation})
	if !s.Finishing || !hasEffect(effects, EffectEndCapture) {
		t.Fatalf("expected capture end, got %v", effectKinds(effects))
	}

	s, effects = mustTransition(t, cfg, s, Event{
		Kind:       EventSegmentCaptured,
		Generation: s.Generation,
		Blob:       domain.Blob{Data: []byte("answer")},
	})
	if s.Stage != domain.StageUploading || len(s.Collected) != 1 || !hasEffect(effects, EffectUpload) {
		t.Fatalf("expected uploading with one recording, got %+v", s)
	}

	s, effects = mustTransition(t, cfg, s, Event{Kind: EventUploadSucceeded, Transcription: "hello"})
	if !s.Completed() || s.Transcription != "hello" {
		t.Fatalf("expected completed state, got %+v", s)
	}
	if !hasEffect(effects, EffectFinished) {
		t.Fatalf("expected finished effect")
	}
}

func TestTransitionZeroThinkingTimeGoesStraightToRecording(t *testing.T) {
	t.Parallel()

	cfg := standardConfig()
	cfg.ThinkingTime = 0

	s, _ := mustTransition(t, cfg, State{}, Event{Kind: EventStart})
	s, effects := mustTransition(t, cfg, s, Event{Kind: EventPlaybackEnded, PlayID: s.PlayID})
	if s.Stage != domain.StageRecording {
		t.Fatalf("expected recording, got %s", s.Stage)
	}
	if !hasEffect(effects, EffectStartCapture) || hasEffect(effects, EffectStartTimer) {
		t.Fatalf("unexpected effects: %v", effectKinds(effects))
	}
}

func TestTransitionWithoutPromptsSkipsPlayback(t *testing.T) {
	t.Parallel()

	cfg := standardConfig()
	cfg.Prompts = nil

	s, _ := mustTransition(t, cfg, State{}, Event{Kind: EventStart})
	if s.Stage != domain.StageThinking {
		t.Fatalf("expected thinking, got %s", s.Stage)
	}
}

func TestTransitionReplayRules(t *testing.T) {
	t.Parallel()

	cfg := standardConfig()
	s, _ := mustTransition(t, cfg, State{}, Event{Kind: EventStart})
	if _, _, err := Transition(cfg, s, Event{Kind: EventReplay}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("replay must be rejected without allowRepeat, got %v", err)
	}

	cfg.AllowRepeat = true
	replayed, effects := mustTransition(t, cfg, s, Event{Kind: EventReplay})
	if replayed.Stage != domain.StageAudioPlay || replayed.PlayID != s.PlayID+1 {
		t.Fatalf("replay must stay in audio_play with a new play id: %+v", replayed)
	}
	if len(effects) != 1 || effects[0].Kind != EffectPlayPrompt {
		t.Fatalf("unexpected replay effects: %v", effectKinds(effects))
	}

	// the superseded playback ending must not advance the machine
	stale, effects := mustTransition(t, cfg, replayed, Event{Kind: EventPlaybackEnded, PlayID: s.PlayID})
	if stale.Stage != domain.StageAudioPlay || len(effects) != 0 {
		t.Fatalf("stale playback end advanced the machine: %+v", stale)
	}

	thinking, _ := mustTransition(t, cfg, replayed, Event{Kind: EventPlaybackEnded, PlayID: replayed.PlayID})
	if _, _, err := Transition(cfg, thinking, Event{Kind: EventReplay}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("replay outside audio_play must be rejected, got %v", err)
	}
}

func TestTransitionPlayErrorBlocksProgress(t *testing.T) {
	t.Parallel()

	cfg := standardConfig()
	s, _ := mustTransition(t, cfg, State{}, Event{Kind: EventStart})
	s, effects := mustTransition(t, cfg, s, Event{
		Kind:   EventPlaybackFailed,
		PlayID: s.PlayID,
		Err:    apperr.Playback("prompt missing", nil),
	})
	if s.PlayError == "" || effects[0].Code != domain.ErrorCodePlayback {
		t.Fatalf("expected play error flag, got %+v", s)
	}

	blocked, effects := mustTransition(t, cfg, s, Event{Kind: EventPlaybackEnded, PlayID: s.PlayID})
	if blocked.Stage != domain.StageAudioPlay || len(effects) != 0 {
		t.Fatalf("play error must block progression to thinking")
	}

	retried, effects := mustTransition(t, cfg, s, Event{Kind: EventRetryPlayback})
	if retried.PlayError != "" || retried.PlayID != s.PlayID+1 || !hasEffect(effects, EffectPlayPrompt) {
		t.Fatalf("unexpected retry state: %+v", retried)
	}
	if _, _, err := Transition(cfg, retried, Event{Kind: EventRetryPlayback}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("retry without a play error must be rejected")
	}
}

func TestTransitionStopAndTimeLimitConverge(t *testing.T) {
	t.Parallel()

	cfg := standardConfig()
	cfg.ThinkingTime = 0
	s, _ := mustTransition(t, cfg, State{}, Event{Kind: EventStart})
	s, _ = mustTransition(t, cfg, s, Event{Kind: EventPlaybackEnded, PlayID: s.PlayID})
	if _, _, err := Transition(cfg, s, Event{Kind: EventStop}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("stop before capture started must be rejected")
	}
	s, _ = mustTransition(t, cfg, s, Event{Kind: EventCaptureStarted, Generation: s.Generation})

	byStop, stopEffects := mustTransition(t, cfg, s, Event{Kind: EventStop})
	byLimit, limitEffects := mustTransition(t, cfg, s, Event{Kind: EventTimeLimit, Generation: s.Generation})
	if byStop.Generation != byLimit.Generation || !byStop.Finishing || !byLimit.Finishing {
		t.Fatalf("stop and time limit must reach the same state")
	}
	if len(stopEffects) != len(limitEffects) || stopEffects[0].Kind != EffectEndCapture {
		t.Fatalf("stop and time limit must produce the same effects")
	}

	// the timer armed before the stop is stale now
	stale, effects := mustTransition(t, cfg, byStop, Event{Kind: EventTimeLimit, Generation: s.Generation})
	if len(effects) != 0 || stale.Generation != byStop.Generation {
		t.Fatalf("stale time limit must be ignored")
	}
	if _, _, err := Transition(cfg, byStop, Event{Kind: EventStop}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("second stop must be rejected")
	}
}

func TestTransitionConversationRejectsStop(t *testing.T) {
	t.Parallel()

	cfg := standardConfig()
	cfg.Variant = domain.VariantConversation
	cfg.ThinkingTime = 0
	s, _ := mustTransition(t, cfg, State{}, Event{Kind: EventStart})
	s, _ = mustTransition(t, cfg, s, Event{Kind: EventPlaybackEnded, PlayID: s.PlayID})
	s, _ = mustTransition(t, cfg, s, Event{Kind: EventCaptureStarted, Generation: s.Generation})
	if _, _, err := Transition(cfg, s, Event{Kind: EventStop}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("conversation prompts end on the time limit only, got %v", err)
	}
}

func TestTransitionConversationLoopsThenUploadsOnce(t *testing.T) {
	t.Parallel()

	cfg := standardConfig()
	cfg.Variant = domain.VariantConversation
	cfg.Prompts = []string{"p0", "p1", "p2"}
	cfg.ThinkingTime = 0

	s, _ := mustTransition(t, cfg, State{}, Event{Kind: EventStart})
	uploads := 0
	for i := 0; i < 3; i++ {
		if s.Stage != domain.StageAudioPlay || s.PromptIndex != i {
			t.Fatalf("expected audio_play for prompt %d, got %s/%d", i, s.Stage, s.PromptIndex)
		}
		s, _ = mustTransition(t, cfg, s, Event{Kind: EventPlaybackEnded, PlayID: s.PlayID})
		s, _ = mustTransition(t, cfg, s, Event{Kind: EventCaptureStarted, Generation: s.Generation})
		s, _ = mustTransition(t, cfg, s, Event{Kind: EventTimeLimit, Generation: s.Generation})

		var effects []Effect
		s, effects = mustTransition(t, cfg, s, Event{
			Kind:       EventSegmentCaptured,
			Generation: s.Generation,
			Blob:       domain.Blob{Data: []byte{byte('a' + i)}},
		})
		for _, e := range effects {
			if e.Kind == EffectUpload {
				uploads++
				if len(e.Recordings) != 3 {
					t.Fatalf("expected all recordings in one upload, got %d", len(e.Recordings))
				}
			}
		}
	}

	if s.Stage != domain.StageUploading || uploads != 1 {
		t.Fatalf("expected one upload after the last prompt, stage %s uploads %d", s.Stage, uploads)
	}
	for i, rec := range s.Collected {
		if rec.PromptIndex != i || rec.PromptAudio != cfg.Prompts[i] {
			t.Fatalf("recording %d out of order: %+v", i, rec)
		}
	}
}

func TestTransitionUploadFailureWaitsForRetry(t *testing.T) {
	t.Parallel()

	cfg := standardConfig()
	s := State{
		Stage:     domain.StageUploading,
		Collected: []domain.CollectedRecording{{Response: domain.Blob{Data: []byte("answer")}}},
	}
	if _, _, err := Transition(cfg, s, Event{Kind: EventRetryUpload}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("retry while an upload is in flight must be rejected")
	}

	failed, effects := mustTransition(t, cfg, s, Event{Kind: EventUploadFailed, Err: errors.New("503")})
	if failed.Stage != domain.StageUploading || failed.UploadError != "503" {
		t.Fatalf("upload failure must keep the stage with an error flag: %+v", failed)
	}
	if hasEffect(effects, EffectUpload) {
		t.Fatalf("upload failure must not retry by itself")
	}

	retried, effects := mustTransition(t, cfg, failed, Event{Kind: EventRetryUpload})
	if retried.UploadError != "" {
		t.Fatalf("retry must clear the error flag")
	}
	for _, e := range effects {
		if e.Kind == EffectUpload && string(e.Recordings[0].Response.Data) != "answer" {
			t.Fatalf("retry must upload the same recording")
		}
	}
}

func TestTransitionCaptureFailureIsTyped(t *testing.T) {
	t.Parallel()

	cfg := standardConfig()
	cfg.ThinkingTime = 0
	s, _ := mustTransition(t, cfg, State{}, Event{Kind: EventStart})
	s, _ = mustTransition(t, cfg, s, Event{Kind: EventPlaybackEnded, PlayID: s.PlayID})

	failed, effects := mustTransition(t, cfg, s, Event{
		Kind:       EventCaptureFailed,
		Generation: s.Generation,
		Err:        apperr.Permission("microphone denied", nil),
	})
	if failed.RecordingError == "" || failed.Stage != domain.StageRecording {
		t.Fatalf("expected recording error flag, got %+v", failed)
	}
	if effects[0].Code != domain.ErrorCodePermission {
		t.Fatalf("expected permission code, got %s", effects[0].Code)
	}
	if _, _, err := Transition(cfg, failed, Event{Kind: EventStop}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("stop without an active capture must be rejected")
	}

	retried, effects := mustTransition(t, cfg, failed, Event{Kind: EventRetryCapture})
	if retried.RecordingError != "" || retried.Stage != domain.StageRecording {
		t.Fatalf("retry must clear the recording error: %+v", retried)
	}
	if retried.Generation == failed.Generation || !hasEffect(effects, EffectStartCapture) {
		t.Fatalf("retry must start a fresh capture step: %v", effectKinds(effects))
	}
	stale, _ := mustTransition(t, cfg, retried, Event{Kind: EventCaptureStarted, Generation: failed.Generation})
	if stale.Capturing {
		t.Fatalf("a capture start from the failed step must be ignored")
	}
	if _, _, err := Transition(cfg, retried, Event{Kind: EventRetryCapture}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("retry without a capture failure must be rejected")
	}
}

func TestTransitionConversationWithoutTimeLimitAllowsStop(t *testing.T) {
	t.Parallel()

	cfg := ConfigFromQuestion("ABC12345", "Alice", domain.ServerQuestion{
		Variant: domain.VariantConversation,
		Prompts: []string{"p0", "p1"},
	})
	s, _ := mustTransition(t, cfg, State{}, Event{Kind: EventStart})
	s, _ = mustTransition(t, cfg, s, Event{Kind: EventPlaybackEnded, PlayID: s.PlayID})
	s, effects := mustTransition(t, cfg, s, Event{Kind: EventCaptureStarted, Generation: s.Generation})
	if hasEffect(effects, EffectStartTimer) {
		t.Fatalf("no time limit timer without a time limit")
	}

	s, effects = mustTransition(t, cfg, s, Event{Kind: EventStop})
	if !s.Finishing || !hasEffect(effects, EffectEndCapture) {
		t.Fatalf("stop must end the segment: %+v", s)
	}
	s, _ = mustTransition(t, cfg, s, Event{Kind: EventSegmentCaptured, Generation: s.Generation})
	if s.Stage != domain.StageAudioPlay || s.PromptIndex != 1 {
		t.Fatalf("expected the next prompt, got %s/%d", s.Stage, s.PromptIndex)
	}
}

func TestTransitionRejectsSecondStart(t *testing.T) {
	t.Parallel()

	cfg := standardConfig()
	s, _ := mustTransition(t, cfg, State{}, Event{Kind: EventStart})
	if _, _, err := Transition(cfg, s, Event{Kind: EventStart}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected second start to be rejected")
	}
}

func TestConfigFromQuestion(t *testing.T) {
	t.Parallel()

	cfg := ConfigFromQuestion("ABC12345", "Alice", domain.ServerQuestion{
		QuestionIndex: 2,
		Prompts:       []string{"a", "b"},
		ThinkingTime:  5,
		TimeLimit:     60,
		AllowRepeat:   true,
	})
	if cfg.Variant != domain.VariantStandard || cfg.ThinkingTime != 5*time.Second || cfg.TimeLimit != time.Minute {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.promptCount() != 1 {
		t.Fatalf("standard questions play a single prompt")
	}
	cfg.Variant = domain.VariantConversation
	if cfg.promptCount() != 2 {
		t.Fatalf("conversation questions play every prompt")
	}
}
