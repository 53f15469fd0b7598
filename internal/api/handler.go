package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/RichardoC/padi-relay/internal/db"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/RichardoC/padi-relay/internal/relay"
	"github.com/RichardoC/padi-relay/internal/stream"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxRequestBody      = 1 << 20
)

type ConversationStore interface {
	GetConversations(ctx context.Context) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, title string) (*models.Conversation, error)
	FindConversation(ctx context.Context, id string) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	UpdateConversationTitle(ctx context.Context, id, title string) error
	GetConversationHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

type Handler struct {
	db     ConversationStore
	relay  *relay.Relay
	logger *zap.Logger
}

func NewHandler(database ConversationStore, r *relay.Relay, logger *zap.Logger) *Handler {
	return &Handler{
		db:     database,
		relay:  r,
		logger: logger,
	}
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	EnableThinking bool   `json:"enableThinking,omitempty"`
	EnableSearch   bool   `json:"enableSearch,omitempty"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", h.HandleChat)
	mux.HandleFunc("GET /api/conversations", h.GetConversations)
	mux.HandleFunc("POST /api/conversations", h.CreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", h.GetConversation)
	mux.HandleFunc("PUT /api/conversations/{id}", h.UpdateConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", h.DeleteConversation)
	mux.HandleFunc("GET /api/messages", h.GetMessages)
	return withCORS(mux)
}

// HandleChat runs one turn and streams it back as server-sent events.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ConversationID == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Missing conversationId or message")
		return
	}

	sw := stream.NewWriter(w)
	defer func() {
		if err := sw.Close(); err != nil {
			h.logger.Debug("Failed to close event stream", zap.Error(err))
		}
	}()
	if err := sw.Open(); err != nil {
		h.logger.Info("Client went away before streaming", zap.Error(err))
		return
	}

	res, err := h.relay.Run(r.Context(), sw, relay.TurnRequest{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		EnableThinking: req.EnableThinking,
		EnableSearch:   req.EnableSearch,
	})
	if err != nil {
		h.logger.Error("Chat turn failed",
			zap.Error(err),
			zap.String("conversation_id", req.ConversationID))
		return
	}

	h.logger.Debug("Chat turn streamed",
		zap.String("conversation_id", req.ConversationID),
		zap.String("assistant_message_id", res.AssistantMessage.ID),
		zap.Int("events", sw.Events()))
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.db.GetConversations(r.Context())
	if err != nil {
		h.logger.Error("Failed to get conversations",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		writeError(w, http.StatusInternalServerError, "Failed to fetch conversations")
		return
	}

	h.logger.Debug("Retrieved conversations",
		zap.Int("count", len(conversations)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path))

	h.writeJSON(w, http.StatusOK, conversations)
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	conversation, err := h.db.CreateConversation(r.Context(), strings.TrimSpace(req.Title))
	if err != nil {
		h.logger.Error("Failed to create conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}

	h.writeJSON(w, http.StatusOK, conversation)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conversation, err := h.db.FindConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.storeError(w, err, "Failed to get conversation")
		return
	}
	h.writeJSON(w, http.StatusOK, conversation)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.db.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		h.storeError(w, err, "Failed to delete conversation")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req UpdateConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "Missing title")
		return
	}

	if err := h.db.UpdateConversationTitle(r.Context(), r.PathValue("id"), title); err != nil {
		h.storeError(w, err, "Failed to update conversation")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		writeError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = v
	}

	messages, err := h.db.GetConversationHistory(r.Context(), convID, limit)
	if err != nil {
		h.logger.Error("Failed to get messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, messages)
}

func (h *Handler) storeError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, db.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	h.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// decodeBody reads at most maxRequestBody bytes of JSON into v. On failure it
// writes the error response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
