// Package roomtest runs an in-process room server for tests: a websocket endpoint for the room
// channel and the REST endpoints used for uploads, prompt audio and token checks.
package roomtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"oralroom/internal/domain"
)

const signingKey = "roomtest-secret"

// StoredObject is an upload received on the storage endpoint.
type StoredObject struct {
	ContentType string
	Data        []byte
}

// Completion is a recorded upload-complete call.
type Completion struct {
	RoomCode            string
	QuestionIndex       int
	SpeechText          string
	RecognitionLanguage string
	Authorization       string
}

// Server is a scriptable fake room server.
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader
	writeMu    sync.Mutex

	mu              sync.Mutex
	dials           int
	rejectDials     int
	dialQueries     []url.Values
	conns           []*websocket.Conn
	received        []domain.Message
	issueTokens     bool
	tokenTTL        time.Duration
	uploadURLCalls  int
	promptURLCalls  int
	failUploads     int
	failPromptURLs  int
	objects         map[string]StoredObject
	completions     []Completion
	transcription   string
	tokenExpired    bool
	tokenCheckCalls int
}

type Option func(*Server)

// WithIssuedTokens makes the server push session_joined with a signed token on join.
func WithIssuedTokens(ttl time.Duration) Option {
	return func(s *Server) {
		s.issueTokens = true
		s.tokenTTL = ttl
	}
}

func New(opts ...Option) *Server {
	s := &Server{
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		objects:       make(map[string]StoredObject),
		transcription: "transcribed answer",
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/ws", s.handleSocket)
	r.Route("/api", func(r chi.Router) {
		r.Get("/tokens/check", s.handleTokenCheck)
		r.Route("/rooms/{roomCode}/questions/{questionIndex}", func(r chi.Router) {
			r.Get("/upload-url", s.handleUploadURL)
			r.Post("/upload-complete", s.handleUploadComplete)
			r.Get("/prompt-url", s.handlePromptURL)
		})
	})
	r.Put("/storage/*", s.handleStoragePut)
	r.Get("/storage/*", s.handleStorageGet)

	s.httpServer = httptest.NewServer(r)
	return s
}

func (s *Server) Close() {
	s.DropAll()
	s.httpServer.Close()
}

// WSURL is the room channel endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http") + "/ws"
}

// APIURL is the REST base.
func (s *Server) APIURL() string {
	return s.httpServer.URL + "/api"
}

// URL is the server root.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// RejectDials makes the next n websocket upgrades fail with 503.
func (s *Server) RejectDials(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectDials = n
}

func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// LastQuery returns the query string of the most recent accepted dial.
func (s *Server) LastQuery() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dialQueries) == 0 {
		return nil
	}
	return s.dialQueries[len(s.dialQueries)-1]
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Push sends a server frame to every connected client.
func (s *Server) Push(msgType domain.MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(domain.Message{Type: msgType, Payload: raw})
	if err != nil {
		return err
	}

	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// DropAll closes every server-side socket without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Received returns every client frame received so far.
func (s *Server) Received() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.received...)
}

// ReceivedTypes returns the types of received client frames, excluding heartbeats.
func (s *Server) ReceivedTypes() []domain.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MessageType, 0, len(s.received))
	for _, msg := range s.received {
		if msg.Type == domain.MessageHeartbeat {
			continue
		}
		out = append(out, msg.Type)
	}
	return out
}

// CountReceived counts received frames of msgType.
func (s *Server) CountReceived(msgType domain.MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msg := range s.received {
		if msg.Type == msgType {
			n++
		}
	}
	return n
}

// FailUploads makes the next n storage PUTs fail with 500.
func (s *Server) FailUploads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUploads = n
}

// FailPromptURLs makes the next n prompt-url requests fail with 500.
func (s *Server) FailPromptURLs(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPromptURLs = n
}

func (s *Server) SetTranscription(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcription = text
}

func (s *Server) SetTokenExpired(expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenExpired = expired
}

func (s *Server) UploadURLCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadURLCalls
}

func (s *Server) PromptURLCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptURLCalls
}

func (s *Server) TokenCheckCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCheckCalls
}

// Object returns what was stored for a room question.
func (s *Server) Object(roomCode string, questionIndex int) (StoredObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[objectKey(roomCode, questionIndex)]
	return obj, ok
}

func (s *Server) Completions() []Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Completion(nil), s.completions...)
}

// IssueToken signs a session token the way the room server does.
func IssueToken(participant string, roomCode string, issued time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"participantName": participant,
		"roomCode":        roomCode,
		"iat":             issued.Unix(),
		"exp":             issued.Add(ttl).Unix(),
		"jti":             uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	if s.rejectDials > 0 {
		s.rejectDials--
		s.mu.Unlock()
		http.Error(w, "room unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	query := r.URL.Query()
	s.mu.Lock()
	s.dialQueries = append(s.dialQueries, query)
	issue := s.issueTokens
	ttl := s.tokenTTL
	s.mu.Unlock()

	if issue && query.Get("roomCode") != "" {
		token, err := IssueToken(query.Get("participantName"), query.Get("roomCode"), time.Now(), ttl)
		if err == nil {
			payload, _ := json.Marshal(map[string]string{
				"token":       token,
				"roomCode":    query.Get("roomCode"),
				"participant": query.Get("participantName"),
			})
			data, _ := json.Marshal(domain.Message{Type: domain.MessageSessionJoined, Payload: payload})
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	go s.readClient(conn)
}

func (s *Server) readClient(conn *websocket.Conn) {
	defer s.forget(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()
	}
}

func (s *Server) forget(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	_ = conn.Close()
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	roomCode, questionIndex, ok := pathRef(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	s.uploadURLCalls++
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"uploadUrl": fmt.Sprintf("%s/storage/%s", s.httpServer.URL, objectKey(roomCode, questionIndex)),
	})
}

func (s *Server) handlePromptURL(w http.ResponseWriter, r *http.Request) {
	roomCode, questionIndex, ok := pathRef(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	s.promptURLCalls++
	fail := s.failPromptURLs > 0
	if fail {
		s.failPromptURLs--
	}
	s.mu.Unlock()
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "prompt unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url": fmt.Sprintf("%s/storage/prompts/%s/%d/%s?sig=%s",
			s.httpServer.URL, roomCode, questionIndex, r.URL.Query().Get("index"), uuid.NewString()),
	})
}

func (s *Server) handleStoragePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	fail := s.failUploads > 0
	if fail {
		s.failUploads--
	} else {
		s.objects[key] = StoredObject{ContentType: r.Header.Get("Content-Type"), Data: data}
	}
	s.mu.Unlock()

	if fail {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStorageGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "audio/mpeg")
	_, _ = w.Write([]byte("ID3"))
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	roomCode, questionIndex, ok := pathRef(w, r)
	if !ok {
		return
	}
	var body struct {
		Uploaded            bool   `json:"uploaded"`
		SpeechText          string `json:"speechRecognitionText"`
		RecognitionLanguage string `json:"recognitionLanguage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Uploaded {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid completion"})
		return
	}

	s.mu.Lock()
	s.completions = append(s.completions, Completion{
		RoomCode:            roomCode,
		QuestionIndex:       questionIndex,
		SpeechText:          body.SpeechText,
		RecognitionLanguage: body.RecognitionLanguage,
		Authorization:       r.Header.Get("Authorization"),
	})
	transcription := s.transcription
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"transcription": transcription})
}

func (s *Server) handleTokenCheck(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing token"})
		return
	}

	s.mu.Lock()
	s.tokenCheckCalls++
	expired := s.tokenExpired
	s.mu.Unlock()

	resp := map[string]any{"expired": expired}
	if !expired {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimPrefix(auth, "Bearer "), claims); err == nil {
			resp["decoded"] = claims
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func pathRef(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	roomCode := chi.URLParam(r, "roomCode")
	questionIndex, err := strconv.Atoi(chi.URLParam(r, "questionIndex"))
	if err != nil || roomCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid question reference"})
		return "", 0, false
	}
	return roomCode, questionIndex, true
}

func objectKey(roomCode string, questionIndex int) string {
	return fmt.Sprintf("%s/%d", roomCode, questionIndex)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
