package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/parley/internal/metrics"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/channels"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/moderation"
)

const defaultMaxBodyBytes = 1 << 20

// Config holds server configuration
type Config struct {
	// Name is the channel name events are tagged with. Defaults to "gateway".
	Name         string
	Host         string
	Port         int
	SharedSecret string
	// Agent is used for events that do not name one.
	Agent string
	// TickInterval spaces "tick" events to websocket clients; zero disables.
	TickInterval      time.Duration
	RequestsPerMinute int
	MaxConcurrent     int
	MaxBodyBytes      int64
	Metrics           *metrics.Metrics
	Logger            zerolog.Logger
}

// Server is the HTTP and websocket ingress channel.
type Server struct {
	cfg         Config
	upgrader    websocket.Upgrader
	auth        *AuthHandler
	limiter     *RateLimiter
	clients     *ClientRegistry
	broadcaster *EventBroadcaster
	logger      zerolog.Logger

	mu           sync.RWMutex
	dispatch     channels.DispatchFunc
	baseCtx      context.Context
	server       *http.Server
	listener     net.Listener
	shuttingDown bool

	inFlight   sync.WaitGroup
	tickCancel context.CancelFunc
	tickWG     sync.WaitGroup
}

var _ channels.Channel = (*Server)(nil)

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Name == "" {
		cfg.Name = "gateway"
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	return &Server{
		cfg:         cfg,
		auth:        NewAuthHandler(cfg.SharedSecret),
		limiter:     NewRateLimiter(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, logger),
		logger:      logger,
		baseCtx:     context.Background(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Name returns the channel name.
func (s *Server) Name() string { return s.cfg.Name }

// Start binds the listener and serves in the background. ctx bounds runs
// started from websocket messages.
func (s *Server) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.bind(ctx, dispatch)
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.shuttingDown = false
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Stop waits for in-flight events until ctx ends, then closes every client
// and the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopTickEmitter()
	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ConnectedClients describes the connected websocket clients.
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.ConnectedClients()
}

// Handler returns the gateway routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", s.handleEvent)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/v1/clients", s.handleClients)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"clients": s.clients.Count(),
		})
	})
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	return mux
}

func (s *Server) bind(ctx context.Context, dispatch channels.DispatchFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = dispatch
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Server) dispatcher() (channels.DispatchFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatch, s.shuttingDown
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	dispatch, closing := s.dispatcher()
	if dispatch == nil || closing {
		http.Error(w, "gateway is not accepting events", http.StatusServiceUnavailable)
		return
	}

	var req EventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, OutcomeResponse{Error: "invalid event: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeJSON(w, http.StatusBadRequest, OutcomeResponse{ID: req.ID, Error: "session_id is required"})
		return
	}

	release, reason, ok := s.limiter.Begin(clientKey(r))
	if !ok {
		writeJSON(w, http.StatusTooManyRequests, OutcomeResponse{ID: req.ID, Error: reason})
		return
	}
	defer release()
	s.inFlight.Add(1)
	defer s.inFlight.Done()

	ctx := s.requestContext(r.Context(), r.Header.Get("X-Trace-Id"))
	out := dispatch(ctx, s.toMessage(req))
	writeJSON(w, statusFor(out), toResponse(req.ID, out))
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clients": s.ConnectedClients()})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	dispatch, closing := s.dispatcher()
	if dispatch == nil || closing {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    clientKey(r),
	}
	s.clients.Add(client)
	s.logger.Info().Str("client_id", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	go s.handleClient(client)
}

// handleClient reads events until the connection drops. Runs started on the
// connection are cancelled when it goes away.
func (s *Server) handleClient(client *Client) {
	s.mu.RLock()
	base := s.baseCtx
	s.mu.RUnlock()
	ctx, cancel := context.WithCancel(base)

	defer func() {
		cancel()
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.UpdateActivity(client.ID)
		s.handleMessage(ctx, client, message)
	}
}

func (s *Server) handleMessage(ctx context.Context, client *Client, message []byte) {
	var req EventRequest
	if err := json.Unmarshal(message, &req); err != nil {
		s.reply(client, OutcomeResponse{Error: "invalid event: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		s.reply(client, OutcomeResponse{ID: req.ID, Error: "session_id is required"})
		return
	}

	dispatch, closing := s.dispatcher()
	if dispatch == nil || closing {
		s.reply(client, OutcomeResponse{ID: req.ID, Error: "gateway is not accepting events"})
		return
	}
	release, reason, ok := s.limiter.Begin(client.IPAddress)
	if !ok {
		s.reply(client, OutcomeResponse{ID: req.ID, Error: reason})
		return
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer release()

		out := dispatch(s.requestContext(ctx, ""), s.toMessage(req))
		if ctx.Err() != nil {
			s.logger.Debug().Str("client_id", client.ID).Str("request_id", req.ID).Msg("Client gone; outcome dropped")
			return
		}
		s.reply(client, toResponse(req.ID, out))
	}()
}

func (s *Server) reply(client *Client, resp OutcomeResponse) {
	if err := client.WriteJSON(resp); err != nil {
		s.logger.Warn().Err(err).Str("client_id", client.ID).Str("request_id", resp.ID).Msg("Failed to send response")
	}
}

func (s *Server) requestContext(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	return tracing.WithTraceID(ctx, traceID)
}

func (s *Server) toMessage(req EventRequest) channels.InboundMessage {
	msg := channels.InboundMessage{
		Channel:   s.cfg.Name,
		SessionID: strings.TrimSpace(req.SessionID),
		Sender:    req.Sender,
		MessageID: req.MessageID,
		Content:   req.Content,
		Agent:     req.Agent,
		Metadata:  req.Metadata,
	}
	if req.SentAt != nil {
		msg.SentAt = *req.SentAt
	}
	if msg.Agent == "" {
		msg.Agent = s.cfg.Agent
	}
	return msg
}

func (s *Server) startTickEmitter() {
	if s.cfg.TickInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", map[string]interface{}{"status": "alive"})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func toResponse(id string, out channels.Outcome) OutcomeResponse {
	resp := OutcomeResponse{
		ID:       id,
		Accepted: out.Accepted,
		Status:   string(out.Status),
		Text:     out.Text,
		RunID:    out.RunID,
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return resp
}

// statusFor maps an outcome to an HTTP status. Ceiling-reached runs are a
// normal 200 whose text carries the incomplete note.
func statusFor(out channels.Outcome) int {
	if out.Err == nil {
		if !out.Accepted {
			return http.StatusConflict
		}
		return http.StatusOK
	}

	var unknown *agent.UnknownAgentError
	var timeout *commandqueue.TimeoutError
	var model *agent.ModelCallError
	switch {
	case errors.As(out.Err, &unknown):
		return http.StatusNotFound
	case errors.Is(out.Err, moderation.ErrBlocked):
		return http.StatusUnprocessableEntity
	case errors.As(out.Err, &timeout), errors.Is(out.Err, commandqueue.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.As(out.Err, &model):
		return http.StatusBadGateway
	case errors.Is(out.Err, context.Canceled), errors.Is(out.Err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
