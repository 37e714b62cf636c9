// Package gateway exposes the turn orchestrator over WebSocket. Clients
// authenticate with a shared-secret challenge, invoke methods as JSON
// frames, and receive turn streams as sequenced event frames.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/averin/strand/internal/observability"
	"github.com/averin/strand/pkg/fault"
	"github.com/averin/strand/pkg/memory"
	"github.com/averin/strand/pkg/orchestrator"
	"github.com/averin/strand/pkg/state"
	"github.com/averin/strand/pkg/transcript"
)

// TurnRunner starts conversation turns. *orchestrator.Orchestrator is the
// production implementation.
type TurnRunner interface {
	RunTurn(ctx context.Context, params orchestrator.TurnParams) (*orchestrator.Turn, error)
}

// Server is the WebSocket gateway.
type Server struct {
	port        int
	secret      string
	server      *http.Server
	upgrader    websocket.Upgrader
	authHandler *AuthHandler

	runner      TurnRunner
	states      *state.Store
	transcripts *transcript.Log
	memory      *memory.Store
	normalizer  *fault.Normalizer
	logger      zerolog.Logger

	clientsMu sync.Mutex
	clients   map[string]*Client

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// Config holds gateway configuration.
type Config struct {
	Port         int
	SharedSecret string
	Runner       TurnRunner
	States       *state.Store
	// Transcripts optionally persists conversation messages per session.
	Transcripts *transcript.Log
	// Memory optionally holds per-session working memory, cleared on reset.
	Memory     *memory.Store
	Normalizer *fault.Normalizer
	Logger     zerolog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if cfg.States == nil {
		return nil, fmt.Errorf("session state store is required")
	}

	normalizer := cfg.Normalizer
	if normalizer == nil {
		normalizer = fault.NewNormalizer(false, false)
	}

	return &Server{
		port:        cfg.Port,
		secret:      cfg.SharedSecret,
		authHandler: NewAuthHandler(cfg.SharedSecret),
		runner:      cfg.Runner,
		states:      cfg.States,
		transcripts: cfg.Transcripts,
		memory:      cfg.Memory,
		normalizer:  normalizer,
		logger:      cfg.Logger,
		clients:     make(map[string]*Client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Start begins serving. It does not block.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.clientsMu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		State:       StateConnecting,
	}

	s.clientsMu.Lock()
	s.clients[clientID] = client
	s.clientsMu.Unlock()

	s.logger.Info().Str("client_id", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send auth challenge")
		s.dropClient(client)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}
	client.Challenge = challenge
	client.State = StateAuthenticating
	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

func (s *Server) dropClient(client *Client) {
	client.Conn.Close()
	s.clientsMu.Lock()
	delete(s.clients, client.ID)
	s.clientsMu.Unlock()
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		s.dropClient(client)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		result := s.authHandler.HandleAuthResponse(client, authResp.Signature)
		if err := client.WriteJSON(result); err != nil {
			s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
		}
		if !result.Success && client.AuthAttempts >= maxAuthAttempts {
			client.Conn.Close()
		}
		return
	}

	if !client.Authenticated {
		s.sendError(client, "", &RPCError{Code: AuthenticationRequired, Message: "Authentication required"})
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(message, &req); err != nil {
		s.sendError(client, "", &RPCError{Code: ParseError, Message: "invalid JSON"})
		return
	}
	if req.Method == "" {
		s.sendError(client, req.ID, &RPCError{Code: InvalidRequest, Message: "method is required"})
		return
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		s.dispatch(client, req)
	}()
}

func (s *Server) dispatch(client *Client, req RPCRequest) {
	ctx := context.Background()

	switch req.Method {
	case "ping":
		s.sendResult(client, req.ID, map[string]interface{}{"pong": true})
	case "turn.run":
		s.handleTurnRun(ctx, client, req)
	case "session.reset":
		s.handleSessionReset(ctx, client, req)
	case "session.state":
		s.handleSessionState(ctx, client, req)
	case "session.list":
		s.handleSessionList(ctx, client, req)
	default:
		s.sendError(client, req.ID, &RPCError{Code: MethodNotFound, Message: "unknown method: " + req.Method})
	}
}

func (s *Server) handleTurnRun(ctx context.Context, client *Client, req RPCRequest) {
	var params orchestrator.TurnParams
	if err := decodeParams(req.Params, &params); err != nil {
		s.sendError(client, req.ID, &RPCError{Code: InvalidParams, Message: err.Error()})
		return
	}

	turn, err := s.runner.RunTurn(ctx, params)
	if err != nil {
		s.sendFault(client, req.ID, err)
		return
	}

	if s.transcripts != nil {
		for _, msg := range params.Messages {
			if msg.Role != transcript.RoleUser {
				continue
			}
			if err := s.transcripts.Append(ctx, turn.SessionID, msg); err != nil {
				s.logger.Warn().Err(err).Str("session_id", turn.SessionID).Msg("Failed to persist user message")
			}
		}
	}

	assistantText := s.forwardTurn(ctx, client, req.ID, turn)

	usage, err := turn.Usage(ctx)
	if err != nil {
		s.sendFault(client, req.ID, err)
		return
	}

	if s.transcripts != nil && assistantText != "" {
		err := s.transcripts.Append(ctx, turn.SessionID, transcript.Message{
			Role:    transcript.RoleAssistant,
			Content: assistantText,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", turn.SessionID).Msg("Failed to persist assistant message")
		}
	}

	s.sendResult(client, req.ID, map[string]interface{}{
		"session_id": turn.SessionID,
		"turn_id":    turn.TurnID,
		"usage":      usage,
	})
}

// forwardTurn relays stream events to the client as sequenced frames and
// returns the concatenated assistant text.
func (s *Server) forwardTurn(ctx context.Context, client *Client, requestID string, turn *orchestrator.Turn) string {
	var seq int64
	assistantText := ""

	for ev := range turn.Events() {
		seq++
		if ev.Type == orchestrator.EventTextDelta {
			assistantText += ev.Text
		}
		frame := EventMessage{
			Event:     "turn.event",
			RequestID: requestID,
			Seq:       seq,
			Data:      ev,
			Timestamp: time.Now().UnixMilli(),
			SessionID: turn.SessionID,
			TurnID:    turn.TurnID,
		}
		if err := client.WriteJSON(frame); err != nil {
			s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("Failed to forward turn event")
			return assistantText
		}
	}
	return assistantText
}

func (s *Server) handleSessionReset(ctx context.Context, client *Client, req RPCRequest) {
	sessionID, ok := req.Params["session_id"].(string)
	if !ok || sessionID == "" {
		s.sendError(client, req.ID, &RPCError{Code: InvalidParams, Message: "session_id is required"})
		return
	}

	if err := s.states.Reset(ctx, sessionID); err != nil {
		s.sendFault(client, req.ID, err)
		return
	}
	if s.transcripts != nil {
		if err := s.transcripts.Delete(ctx, sessionID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to delete transcript on reset")
		}
	}
	cleared := 0
	if s.memory != nil {
		cleared = s.memory.DeletePrefix("session:" + sessionID + ":")
	}

	s.logger.Info().Str("session_id", sessionID).Int("memory_cleared", cleared).Msg("Session reset")
	s.sendResult(client, req.ID, map[string]interface{}{"session_id": sessionID, "reset": true})
}

func (s *Server) handleSessionState(ctx context.Context, client *Client, req RPCRequest) {
	sessionID, ok := req.Params["session_id"].(string)
	if !ok || sessionID == "" {
		s.sendError(client, req.ID, &RPCError{Code: InvalidParams, Message: "session_id is required"})
		return
	}

	st, err := s.states.Get(ctx, sessionID)
	if err != nil {
		s.sendFault(client, req.ID, err)
		return
	}
	s.sendResult(client, req.ID, st)
}

func (s *Server) handleSessionList(ctx context.Context, client *Client, req RPCRequest) {
	sessions, err := s.states.List(ctx)
	if err != nil {
		s.sendFault(client, req.ID, err)
		return
	}
	s.sendResult(client, req.ID, map[string]interface{}{"sessions": sessions})
}

func (s *Server) sendResult(client *Client, id string, result interface{}) {
	if err := client.WriteJSON(RPCResponse{ID: id, Result: result}); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send response")
	}
}

func (s *Server) sendError(client *Client, id string, rpcErr *RPCError) {
	if err := client.WriteJSON(RPCResponse{ID: id, Error: rpcErr}); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send error response")
	}
}

// sendFault normalizes an internal error into the wire error shape so every
// failure a client sees carries a stable code.
func (s *Server) sendFault(client *Client, id string, err error) {
	resp := s.normalizer.Normalize(err)
	s.sendError(client, id, &RPCError{
		Code:    InternalError,
		Message: resp.Error,
		Data:    resp,
	})
}

func decodeParams(params map[string]interface{}, dest interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
