// Package gateway is the HTTP and WebSocket surface of Nimbus.
//
// A client opens GET /v1/live/{panel} and the connection becomes that panel's
// microphone and speaker: audio the client streams is captured and relayed to
// the remote session, and the synthesized reply comes back as timed audio
// messages. Beside the live socket the gateway serves the one-shot studio
// endpoints, the panel list, health checks and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nimbusiq/nimbus/internal/config"
	"github.com/nimbusiq/nimbus/internal/health"
	"github.com/nimbusiq/nimbus/internal/lease"
	"github.com/nimbusiq/nimbus/internal/observe"
	"github.com/nimbusiq/nimbus/internal/resilience"
	"github.com/nimbusiq/nimbus/internal/studio"
	"github.com/nimbusiq/nimbus/pkg/provider/s2s"
)

const (
	// maxRecording caps the body of POST /v1/transcriptions.
	maxRecording = 25 << 20

	// maxPhoto caps the body of POST /v1/roof-inspections.
	maxPhoto = 20 << 20

	// maxClientMessage caps one message read from a live socket.
	maxClientMessage = 1 << 20

	// defaultPongWait is how long a live socket may stay silent, pongs
	// included, before the client is considered gone.
	defaultPongWait = 60 * time.Second
)

// ConfigSource yields the configuration in force. [*config.Watcher]
// satisfies it.
type ConfigSource interface {
	Current() *config.Config
}

// Studio runs the one-shot generation endpoints. [*studio.Studio] satisfies
// it.
type Studio interface {
	Synthesize(ctx context.Context, text, voice string) (studio.Speech, error)
	Transcribe(ctx context.Context, data []byte, mimeType string) (string, error)
	InspectRoof(ctx context.Context, image []byte, mimeType string) (*studio.RoofReport, error)
	ValidateStormDate(ctx context.Context, address, date string) (*studio.StormReport, error)
	Chat(ctx context.Context, history []studio.ChatTurn, message string, deliberate bool) (studio.ChatReply, error)
}

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithStudio enables the studio endpoints: speech, transcriptions, roof
// inspections, storm validations and chat.
func WithStudio(st Studio) Option {
	return func(s *Server) { s.studio = st }
}

// WithLease makes every live session take a lease on its panel instance.
func WithLease(l lease.Locker, ttl time.Duration) Option {
	return func(s *Server) {
		s.locker = l
		s.leaseTTL = ttl
	}
}

// WithBreaker shares cb across every live session's dial.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Server) { s.breaker = cb }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithAllowedOrigins restricts which browser origins may open a live socket.
// "*" allows any. Without it only same-origin requests are accepted.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithPongWait sets how long a live client may go without answering a ping
// before its panel is torn down. Pings go out at nine tenths of d.
func WithPongWait(d time.Duration) Option {
	return func(s *Server) { s.pongWait = d }
}

// Server routes client requests. Create one with [New].
type Server struct {
	src      ConfigSource
	provider s2s.Provider
	studio   Studio
	locker   lease.Locker
	leaseTTL time.Duration
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
	health   *health.Handler
	origins  []string
	pongWait time.Duration

	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*liveConn]struct{}
	closing  bool
	sessions sync.WaitGroup
}

// New creates a Server that dials live sessions through provider.
func New(src ConfigSource, provider s2s.Provider, opts ...Option) *Server {
	s := &Server{
		src:      src,
		provider: provider,
		conns:    make(map[*liveConn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.pongWait <= 0 {
		s.pongWait = defaultPongWait
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	if len(s.origins) > 0 {
		s.upgrader.CheckOrigin = s.checkOrigin
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/live/{panel}", s.handleLive)
	mux.HandleFunc("GET /v1/panels", s.handlePanels)
	mux.HandleFunc("POST /v1/speech", s.handleSpeech)
	mux.HandleFunc("POST /v1/transcriptions", s.handleTranscription)
	mux.HandleFunc("POST /v1/roof-inspections", s.handleRoofInspection)
	mux.HandleFunc("POST /v1/storm-validations", s.handleStormValidation)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	if s.health != nil {
		s.health.Register(mux)
	}
	return observe.Middleware(s.metrics)(mux)
}

// Shutdown closes every live socket, which stops its panel abruptly, and
// waits for the sessions to release their devices or ctx to end.
// [http.Server.Shutdown] does not cover hijacked connections, so call both.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*liveConn, 0, len(s.conns))
	for lc := range s.conns {
		conns = append(conns, lc)
	}
	s.mu.Unlock()

	for _, lc := range conns {
		_ = lc.peer.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers lc and reports false when the server is shutting down.
func (s *Server) track(lc *liveConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[lc] = struct{}{}
	s.sessions.Add(1)
	return true
}

func (s *Server) untrack(lc *liveConn) {
	s.mu.Lock()
	delete(s.conns, lc)
	s.mu.Unlock()
	s.sessions.Done()
}

// ── One-shot endpoints ───────────────────────────────────────────────────────

func (s *Server) handlePanels(w http.ResponseWriter, _ *http.Request) {
	cfg := s.src.Current()
	out := make([]panelInfo, 0, len(cfg.Panels))
	for _, p := range cfg.Panels {
		out = append(out, panelInfo{Name: p.Name, Title: p.Title, Model: p.Model, Voice: p.Voice})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if s.studio == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "studio not configured")
		return
	}
	var req speechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidMessage, "body must be JSON {text, voice?}")
		return
	}
	speech, err := s.studio.Synthesize(r.Context(), req.Text, req.Voice)
	if err != nil {
		writeStudioError(w, r, "synthesize", err)
		return
	}
	writeJSON(w, http.StatusOK, speech)
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	if s.studio == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "studio not configured")
		return
	}
	body, ok := readBody(w, r, maxRecording, "recording")
	if !ok {
		return
	}
	text, err := s.studio.Transcribe(r.Context(), body, r.Header.Get("Content-Type"))
	if err != nil {
		writeStudioError(w, r, "transcribe", err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptionResponse{Text: text})
}

func (s *Server) handleRoofInspection(w http.ResponseWriter, r *http.Request) {
	if s.studio == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "studio not configured")
		return
	}
	body, ok := readBody(w, r, maxPhoto, "photo")
	if !ok {
		return
	}
	report, err := s.studio.InspectRoof(r.Context(), body, r.Header.Get("Content-Type"))
	if err != nil {
		writeStudioError(w, r, "inspect_roof", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStormValidation(w http.ResponseWriter, r *http.Request) {
	if s.studio == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "studio not configured")
		return
	}
	var req stormRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidMessage, "body must be JSON {address, date}")
		return
	}
	report, err := s.studio.ValidateStormDate(r.Context(), req.Address, req.Date)
	if err != nil {
		writeStudioError(w, r, "validate_storm_date", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.studio == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "studio not configured")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidMessage, "body must be JSON {history?, message, deliberate?}")
		return
	}
	reply, err := s.studio.Chat(r.Context(), req.History, req.Message, req.Deliberate)
	if err != nil {
		writeStudioError(w, r, "chat", err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// readBody reads at most limit bytes of the request body. On failure the
// error response has been written and ok is false.
func readBody(w http.ResponseWriter, r *http.Request, limit int64, what string) (body []byte, ok bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeInvalidMessage, what+" too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, CodeInvalidMessage, "could not read "+what)
		return nil, false
	}
	return body, true
}

func writeStudioError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, studio.ErrEmptyInput), errors.Is(err, studio.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, CodeInvalidMessage, err.Error())
	case errors.Is(err, studio.ErrUnsupportedMedia):
		writeError(w, http.StatusUnsupportedMediaType, CodeInvalidMessage, err.Error())
	case errors.Is(err, resilience.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, CodeConnectionFailed, err.Error())
	default:
		observe.Logger(r.Context()).Warn("gateway: studio call failed", "op", op, "err", err)
		writeError(w, http.StatusBadGateway, CodeConnectionFailed, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, newError(code, msg))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: write response", "err", err)
	}
}
