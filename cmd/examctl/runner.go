package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"oralroom/internal/bootstrap"
	"oralroom/internal/domain"
	"oralroom/internal/usecase"
)

var errRecordingFailed = errors.New("recording failed")

// logSink reports machine progress on the command log.
type logSink struct {
	log zerolog.Logger
}

func (s logSink) ConnectionChanged(state domain.ReadyState, detail string) {
	s.log.Info().Str("state", string(state)).Str("detail", detail).Msg("connection")
}

func (s logSink) StageChanged(questionIndex int, stage domain.Stage, promptIndex int) {
	s.log.Info().Int("question_index", questionIndex).Int("prompt_index", promptIndex).Str("stage", string(stage)).Msg("stage")
}

func (s logSink) QuestionStarted(question domain.ServerQuestion) {
	s.log.Info().Int("question_index", question.QuestionIndex).Str("variant", string(question.Variant)).Msg("question started")
}

func (s logSink) SessionError(code domain.ErrorCode, detail string) {
	s.log.Warn().Str("code", string(code)).Str("detail", detail).Msg("session error")
}

// questionRunner drives a question to completion without a user at the keyboard. Failed
// playback, capture and uploads are retried a bounded number of times.
type questionRunner struct {
	services *bootstrap.Services
	sink     logSink
	retries  int
	poll     time.Duration
}

func newQuestionRunner(services *bootstrap.Services, log zerolog.Logger, retries int) *questionRunner {
	return &questionRunner{
		services: services,
		sink:     logSink{log: log.With().Str("component", "examctl").Logger()},
		retries:  retries,
		poll:     100 * time.Millisecond,
	}
}

// Run blocks until the question completes, fails permanently or ctx is cancelled. answerFor,
// when positive, stops the recording early instead of waiting for the time limit.
func (r *questionRunner) Run(ctx context.Context, question domain.ServerQuestion, answerFor time.Duration) (usecase.State, error) {
	machine := r.services.NewMachine(question, r.sink)
	defer machine.Close()

	r.sink.QuestionStarted(question)
	if err := machine.Start(); err != nil {
		return machine.State(), err
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	var recordingSince time.Time
	playRetries, captureRetries, uploadRetries := 0, 0, 0
	for {
		select {
		case <-machine.Done():
			return machine.State(), nil
		case <-ctx.Done():
			return machine.State(), ctx.Err()
		case <-ticker.C:
		}

		state := machine.State()
		switch {
		case state.RecordingError != "":
			if captureRetries >= r.retries {
				return state, fmt.Errorf("%w: %s", errRecordingFailed, state.RecordingError)
			}
			captureRetries++
			_ = machine.RetryCapture()

		case state.PlayError != "":
			if playRetries >= r.retries {
				return state, fmt.Errorf("prompt playback failed after %d retries: %s", playRetries, state.PlayError)
			}
			playRetries++
			_ = machine.RetryPlayback()

		case state.UploadError != "":
			if uploadRetries >= r.retries {
				return state, fmt.Errorf("upload failed after %d retries: %s", uploadRetries, state.UploadError)
			}
			uploadRetries++
			_ = machine.RetryUpload()

		case state.Stage == domain.StageRecording && state.Capturing:
			if recordingSince.IsZero() {
				recordingSince = time.Now()
			}
			if answerFor > 0 && time.Since(recordingSince) >= answerFor {
				if err := machine.Stop(); err == nil {
					recordingSince = time.Time{}
				}
			}

		default:
			recordingSince = time.Time{}
		}
	}
}
