package usecase

import (
	"time"

	"github.com/rs/zerolog"

	"oralroom/internal/ports"
)

// pumpAudioChunks forwards captured chunks to the recognition stream until chunks is closed.
// After a send failure the remaining chunks are drained and discarded.
func pumpAudioChunks(
	chunks <-chan []byte,
	stream ports.StreamingSession,
	log zerolog.Logger,
	done chan struct{},
) {
	defer close(done)

	failed := false
	for chunk := range chunks {
		if failed {
			continue
		}
		if err := stream.SendAudio(chunk); err != nil {
			log.Warn().Err(err).Msg("failed to stream audio to recognizer")
			failed = true
		}
	}
}

func waitForStream(session ports.StreamingSession, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = session.Close()
		return <-done
	}
}
