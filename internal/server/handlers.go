package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/backend"
	"github.com/tsunagi-ai/tsunagi/internal/chat"
	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	chatSvc             *chat.Service
	store               backend.ConversationStore
	directory           backend.AgentDirectory
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	backendName         string
	agentName           string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	ChatSvc             *chat.Service
	Store               backend.ConversationStore
	Directory           backend.AgentDirectory
	Logger              *slog.Logger
	Version             string
	BackendName         string
	AgentName           string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		chatSvc:             d.ChatSvc,
		store:               d.Store,
		directory:           d.Directory,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		backendName:         d.BackendName,
		agentName:           d.AgentName,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleSendMessage handles POST /v1/messages. It appends the user message,
// drives the agent run to completion, and returns the assistant reply. The
// response carries status "degraded" when the run finished without producing
// a qualifying reply.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}

	resp, err := h.chatSvc.SendMessage(r.Context(), req)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleCreateThread handles POST /v1/threads.
func (h *Handlers) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	thread, err := h.chatSvc.CreateThread(r.Context())
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.CreateThreadResponse{ThreadID: thread.ID})
}

// HandleThreadMessages handles GET /v1/threads/{thread_id}/messages.
func (h *Handlers) HandleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if threadID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "thread_id is required")
		return
	}

	msgs, err := h.chatSvc.History(r.Context(), threadID)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, r, http.StatusOK, model.ThreadMessagesResponse{ThreadID: threadID, Messages: msgs})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	dirStatus := "resolved"
	if _, err := h.directory.ResolveAgent(r.Context(), h.agentName); err != nil {
		dirStatus = "unresolved"
		if status == "healthy" {
			status = "degraded"
		}
	}

	resp := model.HealthResponse{
		Status:    status,
		Version:   h.version,
		Store:     storeStatus,
		Directory: dirStatus,
		Uptime:    int64(time.Since(h.startedAt).Seconds()),
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleConfig handles GET /config. It reports the non-secret operational
// settings so deployments can be inspected without shell access.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	opts := h.chatSvc.Options()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"backend":         h.backendName,
		"agent_name":      opts.AgentName,
		"poll_interval":   opts.PollInterval.String(),
		"poll_ceiling":    opts.PollCeiling.String(),
		"max_message_len": opts.MaxMessageLen,
		"version":         h.version,
	})
}

// writeChatError maps chat service errors onto HTTP status codes and the
// standard error envelope.
func (h *Handlers) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, chat.ErrThreadBusy):
		writeError(w, r, http.StatusConflict, model.ErrCodeThreadBusy, "another turn is in progress for this thread")
	case errors.Is(err, backend.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
	case errors.Is(err, chat.ErrRunTimeout):
		writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeRunTimeout, "run did not finish in time")
	case errors.Is(err, chat.ErrRunCreationFailed):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeRunCreationFailed, "could not start agent run")
	case errors.Is(err, chat.ErrRunFailed):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeRunFailed, err.Error())
	case errors.Is(err, chat.ErrStoreUnavailable), errors.Is(err, backend.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeStoreUnavailable, "conversation store unavailable")
	default:
		h.logger.Error("unhandled chat error", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}
