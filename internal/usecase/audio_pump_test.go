package usecase

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"oralroom/internal/domain"
)

func TestPumpAudioChunksForwardsInOrder(t *testing.T) {
	t.Parallel()

	stream := &recordingStream{}
	chunks := make(chan []byte, 3)
	chunks <- []byte("a")
	chunks <- []byte("b")
	chunks <- []byte("c")
	close(chunks)
	done := make(chan struct{})

	go pumpAudioChunks(chunks, stream, zerolog.Nop(), done)
	<-done

	if got := stream.joined(); got != "abc" {
		t.Fatalf("unexpected audio forwarded: %q", got)
	}
}

func TestPumpAudioChunksDrainsAfterSendError(t *testing.T) {
	t.Parallel()

	stream := &recordingStream{err: errors.New("send failed")}
	chunks := make(chan []byte, 3)
	chunks <- []byte("a")
	chunks <- []byte("b")
	close(chunks)
	done := make(chan struct{})

	go pumpAudioChunks(chunks, stream, zerolog.Nop(), done)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump must drain and exit after a send error")
	}
	if stream.sends() != 1 {
		t.Fatalf("expected a single send attempt, got %d", stream.sends())
	}
}

func TestWaitForStreamTimeoutClosesSession(t *testing.T) {
	t.Parallel()

	stream := &blockingWaitStream{done: make(chan struct{}), waitErr: errors.New("closed")}
	err := waitForStream(stream, 10*time.Millisecond)
	if err == nil || err.Error() != "closed" {
		t.Fatalf("expected closed error, got %v", err)
	}
	if stream.closeCalls == 0 {
		t.Fatalf("expected close to be called on timeout")
	}
}

type recordingStream struct {
	mu    sync.Mutex
	err   error
	data  []byte
	calls int
}

func (s *recordingStream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.data = append(s.data, chunk...)
	return nil
}
func (s *recordingStream) CloseSend() error { return nil }
func (s *recordingStream) Events() <-chan domain.TranscriptEvent {
	ch := make(chan domain.TranscriptEvent)
	close(ch)
	return ch
}
func (s *recordingStream) Wait() error  { return nil }
func (s *recordingStream) Close() error { return nil }

func (s *recordingStream) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data)
}

func (s *recordingStream) sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type blockingWaitStream struct {
	done       chan struct{}
	waitErr    error
	closeCalls int
}

func (s *blockingWaitStream) SendAudio(_ []byte) error { return nil }
func (s *blockingWaitStream) CloseSend() error         { return nil }
func (s *blockingWaitStream) Events() <-chan domain.TranscriptEvent {
	ch := make(chan domain.TranscriptEvent)
	close(ch)
	return ch
}
func (s *blockingWaitStream) Wait() error {
	<-s.done
	return s.waitErr
}
func (s *blockingWaitStream) Close() error {
	s.closeCalls++
	close(s.done)
	return nil
}
