package audio

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"oralroom/internal/apperr"
)

// FFPlayPlayer plays prompt audio (a local path or URL) with ffplay and returns when playback ends.
type FFPlayPlayer struct {
	command string
	log     zerolog.Logger
}

func NewFFPlayPlayer(command string, log zerolog.Logger) *FFPlayPlayer {
	if command == "" {
		command = "ffplay"
	}
	return &FFPlayPlayer{command: command, log: log.With().Str("component", "ffplay-player").Logger()}
}

func (p *FFPlayPlayer) Play(ctx context.Context, source string) error {
	source = strings.TrimSpace(source)
	if source == "" {
		return apperr.Playback("prompt audio source is empty", nil)
	}

	cmd := exec.CommandContext(ctx, p.command, "-nodisp", "-autoexit", "-loglevel", "error", source)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	p.log.Debug().Str("source", source).Msg("playing prompt")
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && stderr.Len() > 0 {
			return apperr.Playback(trimOutput(stderr.String()), err)
		}
		return apperr.Playback("prompt audio failed to play", err)
	}
	return nil
}
