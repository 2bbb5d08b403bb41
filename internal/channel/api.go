package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/domain"
	"relaybot/internal/tool"
)

const (
	apiMaxBodySize         = 1 << 20
	defaultAPIReplyTimeout = 120 * time.Second
)

// Conversations is the read/clear side of the orchestrator the API exposes
// directly. *agent.Orchestrator implements it.
type Conversations interface {
	History(ctx context.Context, threadID string) ([]domain.Turn, error)
	ClearHistory(ctx context.Context, threadID string) error
	Threads(ctx context.Context) ([]string, error)
	Capabilities() []*domain.Capability
}

// APIConfig configures the HTTP API channel.
type APIConfig struct {
	Listen        string
	APIKey        string // bearer token; empty disables the check
	Secret        string // HMAC-SHA256 secret for X-Signature-256; empty disables it
	ReplyTimeout  time.Duration
	Conversations Conversations
	Logger        *slog.Logger
}

// API serves threads over HTTP. Messages go through the bus like any other
// channel; history and clearing go straight to Conversations.
type API struct {
	listen       string
	apiKey       string
	secret       string
	replyTimeout time.Duration
	convs        Conversations
	bus          domain.MessageBus
	logger       *slog.Logger
	server       *http.Server

	// pending replies keyed by the per-request chat id
	pendingMu sync.Mutex
	pending   map[string]chan domain.OutboundMessage
}

func NewAPI(cfg APIConfig) *API {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultAPIReplyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &API{
		listen:       cfg.Listen,
		apiKey:       cfg.APIKey,
		secret:       cfg.Secret,
		replyTimeout: cfg.ReplyTimeout,
		convs:        cfg.Conversations,
		logger:       cfg.Logger,
		pending:      make(map[string]chan domain.OutboundMessage),
	}
}

func (a *API) Name() string { return "api" }

// Start serves until ctx is cancelled.
func (a *API) Start(ctx context.Context, bus domain.MessageBus) error {
	a.attach(bus)

	a.server = &http.Server{
		Addr:              a.listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      a.replyTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	a.logger.Info("API channel started", "addr", a.listen)
	return serveUntilDone(ctx, a.server, a.logger)
}

func (a *API) attach(bus domain.MessageBus) {
	a.bus = bus
	bus.OnOutbound(a.Name(), func(msg domain.OutboundMessage) {
		a.pendingMu.Lock()
		ch, ok := a.pending[msg.ChatID]
		a.pendingMu.Unlock()
		if !ok {
			a.logger.Debug("reply for a request that already gave up", "chat_id", msg.ChatID)
			return
		}
		select {
		case ch <- msg:
		default:
		}
	})
}

// Handler returns the API routes behind authentication.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/threads/{thread}/messages", a.handleMessage)
	mux.HandleFunc("GET /v1/threads/{thread}/history", a.handleHistory)
	mux.HandleFunc("DELETE /v1/threads/{thread}", a.handleClear)
	mux.HandleFunc("GET /v1/threads", a.handleThreads)
	mux.HandleFunc("GET /v1/capabilities", a.handleCapabilities)
	mux.HandleFunc("POST /v1/chat/completions", a.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", a.handleModels)
	return a.authenticate(mux)
}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if a.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || !hmac.Equal([]byte(strings.TrimPrefix(auth, "Bearer ")), []byte(a.apiKey)) {
				writeError(rw, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next.ServeHTTP(rw, r)
	})
}

// readBody reads a size-limited body and checks its signature when a secret is set.
func (a *API) readBody(rw http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, apiMaxBodySize))
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(rw, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
		return nil, false
	case err != nil:
		writeError(rw, http.StatusBadRequest, "bad request")
		return nil, false
	}
	if a.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			writeError(rw, http.StatusUnauthorized, "missing signature")
			return nil, false
		}
		if !verifyHMAC(body, a.secret, sig) {
			writeError(rw, http.StatusForbidden, "invalid signature")
			return nil, false
		}
	}
	return body, true
}

// verifyHMAC checks a "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type messageRequest struct {
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

type messageResponse struct {
	Thread     string `json:"thread"`
	Text       string `json:"text"`
	Incomplete bool   `json:"incomplete,omitempty"`
}

func (a *API) handleMessage(rw http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(rw, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid JSON")
		return
	}
	thread := r.PathValue("thread")
	if req.Sender == "" {
		req.Sender = "api"
	}

	reply, err := a.ask(r.Context(), thread, req.Sender, req.Text)
	if err != nil {
		a.writeAskError(rw, err)
		return
	}
	if reply.Kind != "" {
		writeError(rw, statusForKind(reply.Kind), reply.Content)
		return
	}
	writeJSON(rw, http.StatusOK, messageResponse{Thread: thread, Text: reply.Content, Incomplete: reply.Incomplete})
}

var errReplyTimeout = errors.New("timed out waiting for the reply")

// ask publishes one message and waits for the gateway's reply to it. The turn
// is cancelled if ask returns first: the client left or the wait timed out.
func (a *API) ask(ctx context.Context, thread, sender, text string) (domain.OutboundMessage, error) {
	waiting, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	chatID := uuid.NewString()
	ch := make(chan domain.OutboundMessage, 1)
	a.pendingMu.Lock()
	a.pending[chatID] = ch
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, chatID)
		a.pendingMu.Unlock()
	}()

	err := a.bus.Publish(ctx, domain.InboundMessage{
		Channel:   a.Name(),
		ChatID:    chatID,
		SenderID:  sender,
		Thread:    thread,
		Content:   text,
		Abandoned: waiting.Done(),
	})
	if err != nil {
		return domain.OutboundMessage{}, err
	}

	timer := time.NewTimer(a.replyTimeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return msg, nil
	case <-timer.C:
		return domain.OutboundMessage{}, errReplyTimeout
	case <-ctx.Done():
		return domain.OutboundMessage{}, ctx.Err()
	}
}

func (a *API) writeAskError(rw http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errReplyTimeout):
		writeError(rw, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		a.logger.Error("api publish failed", "error", err)
		writeError(rw, http.StatusServiceUnavailable, "gateway unavailable")
	}
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindThreadBusy:
		return http.StatusConflict
	case domain.KindBackendUnavailable:
		return http.StatusBadGateway
	case domain.KindSchemaViolation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *API) handleHistory(rw http.ResponseWriter, r *http.Request) {
	turns, err := a.convs.History(r.Context(), r.PathValue("thread"))
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"thread": r.PathValue("thread"), "turns": turns})
}

func (a *API) handleClear(rw http.ResponseWriter, r *http.Request) {
	if err := a.convs.ClearHistory(r.Context(), r.PathValue("thread")); err != nil {
		if kind := domain.KindOf(err); kind != "" {
			writeError(rw, statusForKind(kind), err.Error())
			return
		}
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (a *API) handleThreads(rw http.ResponseWriter, r *http.Request) {
	ids, err := a.convs.Threads(r.Context())
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"threads": ids})
}

type capabilityInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func (a *API) handleCapabilities(rw http.ResponseWriter, r *http.Request) {
	caps := a.convs.Capabilities()
	out := make([]capabilityInfo, len(caps))
	for i, c := range caps {
		out[i] = capabilityInfo{Name: c.Name, Description: c.Description, Parameters: tool.Parameters(c.Schema)}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"capabilities": out})
}

// --- OpenAI-compatible surface ---

type oaiCompatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiCompatRequest struct {
	Model    string             `json:"model"`
	Messages []oaiCompatMessage `json:"messages"`
	User     string             `json:"user,omitempty"` // used as the thread id
}

type oaiCompatChoice struct {
	Index        int              `json:"index"`
	Message      oaiCompatMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type oaiCompatResponse struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []oaiCompatChoice `json:"choices"`
}

// handleChatCompletions accepts OpenAI chat requests. Only the last user
// message is sent; the thread (from "user" or X-Thread-ID) holds the rest.
func (a *API) handleChatCompletions(rw http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(rw, r)
	if !ok {
		return
	}
	var req oaiCompatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid JSON")
		return
	}

	var userMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			userMessage = req.Messages[i].Content
			break
		}
	}
	if userMessage == "" {
		writeError(rw, http.StatusBadRequest, "no user message found")
		return
	}

	thread := r.Header.Get("X-Thread-ID")
	if thread == "" {
		thread = req.User
	}
	if thread == "" {
		thread = "api:" + uuid.NewString()
	}

	reply, err := a.ask(r.Context(), thread, "api", userMessage)
	if err != nil {
		a.writeAskError(rw, err)
		return
	}
	if reply.Kind != "" {
		writeError(rw, statusForKind(reply.Kind), reply.Content)
		return
	}

	finish := "stop"
	if reply.Incomplete {
		finish = "length"
	}
	rw.Header().Set("X-Thread-ID", thread)
	writeJSON(rw, http.StatusOK, oaiCompatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []oaiCompatChoice{{
			Message:      oaiCompatMessage{Role: "assistant", Content: reply.Content},
			FinishReason: finish,
		}},
	})
}

func (a *API) handleModels(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"object": "list",
		"data":   []map[string]any{{"id": "relaybot", "object": "model", "owned_by": "relaybot"}},
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}

// serveUntilDone runs srv until ctx ends, then shuts it down gracefully.
func serveUntilDone(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("http channel shutting down", "addr", srv.Addr)
		return srv.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
}
