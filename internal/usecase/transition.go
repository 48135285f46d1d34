package usecase

import (
	"errors"

	"oralroom/internal/apperr"
	"oralroom/internal/domain"
)

var (
	ErrMachineClosed = errors.New("recording stage machine closed")
	ErrInvalidAction = errors.New("action not permitted in the current stage")
)

// Transition computes the next state and the effects to run for ev. User actions that are not
// allowed in the current state return ErrInvalidAction; stale asynchronous completions are
// ignored and return the state unchanged.
func Transition(cfg MachineConfig, s State, ev Event) (State, []Effect, error) {
	switch ev.Kind {
	case EventStart:
		if s.Stage != "" {
			return s, nil, ErrInvalidAction
		}
		next, effects := enterPrompt(cfg, s, 0)
		return next, append([]Effect{signal(domain.MessageQuestionStarted, 0)}, effects...), nil

	case EventPlaybackEnded:
		if s.Stage != domain.StageAudioPlay || ev.PlayID != s.PlayID || s.PlayError != "" {
			return s, nil, nil
		}
		next, effects := afterPrompt(cfg, s)
		return next, append([]Effect{signal(domain.MessageAudioPlaybackDone, s.PromptIndex)}, effects...), nil

	case EventPlaybackFailed:
		if s.Stage != domain.StageAudioPlay || ev.PlayID != s.PlayID {
			return s, nil, nil
		}
		s.PlayError = errorText(ev.Err, "prompt audio could not be played")
		return s, []Effect{reportError(s.PromptIndex, apperr.CodeOf(ev.Err, domain.ErrorCodePlayback), s.PlayError)}, nil

	case EventReplay:
		if s.Stage != domain.StageAudioPlay || !cfg.AllowRepeat || s.PlayError != "" {
			return s, nil, ErrInvalidAction
		}
		s.PlayID++
		return s, []Effect{playPrompt(cfg, s)}, nil

	case EventRetryPlayback:
		if s.Stage != domain.StageAudioPlay || s.PlayError == "" {
			return s, nil, ErrInvalidAction
		}
		s.PlayError = ""
		s.PlayID++
		return s, []Effect{signal(domain.MessageAudioPlaybackStarted, s.PromptIndex), playPrompt(cfg, s)}, nil

	case EventThinkingElapsed:
		if s.Stage != domain.StageThinking || ev.Generation != s.Generation {
			return s, nil, nil
		}
		next, effects := beginRecording(s)
		return next, effects, nil

	case EventCaptureStarted:
		if s.Stage != domain.StageRecording || ev.Generation != s.Generation || s.Capturing {
			return s, nil, nil
		}
		s.Capturing = true
		effects := []Effect{signal(domain.MessageRecordingStarted, s.PromptIndex)}
		if cfg.TimeLimit > 0 {
			effects = append(effects, Effect{
				Kind:       EffectStartTimer,
				Timer:      TimerTimeLimit,
				Delay:      cfg.TimeLimit,
				Generation: s.Generation,
			})
		}
		return s, effects, nil

	case EventCaptureFailed:
		if s.Stage != domain.StageRecording || ev.Generation != s.Generation {
			return s, nil, nil
		}
		s.Capturing = false
		s.Finishing = false
		s.RecordingError = errorText(ev.Err, "microphone capture failed")
		code := apperr.CodeOf(ev.Err, domain.ErrorCodeRecording)
		return s, []Effect{reportError(s.PromptIndex, code, s.RecordingError)}, nil

	case EventRetryCapture:
		if s.Stage != domain.StageRecording || s.RecordingError == "" {
			return s, nil, ErrInvalidAction
		}
		next, effects := beginRecording(s)
		return next, effects, nil

	case EventTimeLimit:
		if s.Stage != domain.StageRecording || ev.Generation != s.Generation || !s.Capturing || s.Finishing {
			return s, nil, nil
		}
		next, effects := finishSegment(s)
		return next, effects, nil

	case EventStop:
		if !cfg.explicitStop() || s.Stage != domain.StageRecording || !s.Capturing || s.Finishing {
			return s, nil, ErrInvalidAction
		}
		next, effects := finishSegment(s)
		return next, effects, nil

	case EventSegmentCaptured:
		if s.Stage != domain.StageRecording || ev.Generation != s.Generation || !s.Finishing {
			return s, nil, nil
		}
		s.Capturing = false
		s.Finishing = false
		collected := make([]domain.CollectedRecording, 0, len(s.Collected)+1)
		collected = append(collected, s.Collected...)
		s.Collected = append(collected, domain.CollectedRecording{
			PromptIndex: s.PromptIndex,
			PromptAudio: cfg.prompt(s.PromptIndex),
			Response:    ev.Blob,
		})
		if cfg.Variant == domain.VariantConversation && s.PromptIndex+1 < cfg.promptCount() {
			next, effects := enterPrompt(cfg, s, s.PromptIndex+1)
			return next, effects, nil
		}
		s.Stage = domain.StageUploading
		return s, startUpload(s), nil

	case EventUploadSucceeded:
		if s.Stage != domain.StageUploading || s.UploadError != "" {
			return s, nil, nil
		}
		s.Stage = domain.StageCompleted
		s.Transcription = ev.Transcription
		completed := signal(domain.MessageUploadCompleted, s.PromptIndex)
		completed.Transcription = ev.Transcription
		return s, []Effect{
			completed,
			signal(domain.MessageQuestionCompleted, s.PromptIndex),
			{Kind: EffectFinished},
		}, nil

	case EventUploadFailed:
		if s.Stage != domain.StageUploading || s.UploadError != "" {
			return s, nil, nil
		}
		s.UploadError = errorText(ev.Err, "recording upload failed")
		return s, []Effect{reportError(s.PromptIndex, apperr.CodeOf(ev.Err, domain.ErrorCodeUpload), s.UploadError)}, nil

	case EventRetryUpload:
		if s.Stage != domain.StageUploading || s.UploadError == "" {
			return s, nil, ErrInvalidAction
		}
		s.UploadError = ""
		return s, startUpload(s), nil
	}
	return s, nil, ErrInvalidAction
}

func enterPrompt(cfg MachineConfig, s State, index int) (State, []Effect) {
	s.PromptIndex = index
	if index >= cfg.promptCount() {
		return afterPrompt(cfg, s)
	}
	s.Stage = domain.StageAudioPlay
	s.PlayError = ""
	s.PlayID++
	return s, []Effect{signal(domain.MessageAudioPlaybackStarted, index), playPrompt(cfg, s)}
}

// afterPrompt skips the thinking stage entirely when no thinking time is configured.
func afterPrompt(cfg MachineConfig, s State) (State, []Effect) {
	if cfg.ThinkingTime <= 0 {
		return beginRecording(s)
	}
	s.Stage = domain.StageThinking
	s.Generation++
	return s, []Effect{{
		Kind:       EffectStartTimer,
		Timer:      TimerThinking,
		Delay:      cfg.ThinkingTime,
		Generation: s.Generation,
	}}
}

func beginRecording(s State) (State, []Effect) {
	s.Stage = domain.StageRecording
	s.Generation++
	s.Capturing = false
	s.Finishing = false
	s.RecordingError = ""
	return s, []Effect{{Kind: EffectStartCapture, PromptIndex: s.PromptIndex, Generation: s.Generation}}
}

// finishSegment is the single exit from recording for both the time limit and an explicit stop.
func finishSegment(s State) (State, []Effect) {
	s.Finishing = true
	s.Generation++
	return s, []Effect{
		{Kind: EffectEndCapture, PromptIndex: s.PromptIndex, Generation: s.Generation},
		signal(domain.MessageRecordingStopped, s.PromptIndex),
	}
}

func startUpload(s State) []Effect {
	return []Effect{
		signal(domain.MessageUploadStarted, s.PromptIndex),
		{Kind: EffectUpload, Recordings: s.Collected},
	}
}

func playPrompt(cfg MachineConfig, s State) Effect {
	return Effect{
		Kind:        EffectPlayPrompt,
		PromptIndex: s.PromptIndex,
		Prompt:      cfg.prompt(s.PromptIndex),
		PlayID:      s.PlayID,
	}
}

func signal(msgType domain.MessageType, promptIndex int) Effect {
	return Effect{Kind: EffectSignal, Signal: msgType, PromptIndex: promptIndex}
}

func reportError(promptIndex int, code domain.ErrorCode, detail string) Effect {
	return Effect{Kind: EffectReportError, PromptIndex: promptIndex, Code: code, Detail: detail}
}

func errorText(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
