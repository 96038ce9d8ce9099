package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"installment-advisor/internal/domain"
	"installment-advisor/internal/usecase"
)

const maxRequestBody = 1 << 20

// ConversationService is the session surface consumed by both transports.
type ConversationService interface {
	Chat(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	ChatStream(ctx context.Context, in usecase.TurnInput, open usecase.StreamOpener) error
	DeleteConversation(ctx context.Context, userID, threadID string) error
}

// chatRequest is the POST /chat body.
type chatRequest struct {
	Message  string `json:"message"`
	UserID   string `json:"userId"`
	ThreadID string `json:"threadId,omitempty"`
	Stream   bool   `json:"stream,omitempty"`
	Debug    bool   `json:"debug,omitempty"`
}

// chatResponse is the non-streaming POST /chat response. ToolCalls is a
// pointer so that debug turns with zero tool calls still serialize the field
// as an empty list while non-debug turns omit it entirely.
type chatResponse struct {
	Message   string             `json:"message"`
	ThreadID  string             `json:"threadId"`
	ToolCalls *[]domain.ToolCall `json:"toolCalls,omitempty"`
	Images    []string           `json:"images,omitempty"`
}

type deleteResponse struct {
	ThreadID string `json:"threadId"`
	Deleted  bool   `json:"deleted"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// HTTP serves the chat surface over plain net/http, including the streamed
// exchange the Lambda transport cannot carry.
type HTTP struct {
	svc    ConversationService
	logger *slog.Logger
}

func NewHTTP(svc ConversationService, logger *slog.Logger) (*HTTP, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{svc: svc, logger: logger.With("component", "http")}, nil
}

// Register mounts the chat routes on mux.
func (h *HTTP) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat", h.handleChat)
	mux.HandleFunc("DELETE /chat/{threadId}", h.handleDelete)
}

func (h *HTTP) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_body"})
		return
	}
	if req.Message == "" || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "message and userId are required"})
		return
	}

	in := usecase.TurnInput{
		UserID:   req.UserID,
		Message:  req.Message,
		ThreadID: req.ThreadID,
		Debug:    req.Debug,
	}

	if req.Stream {
		h.streamChat(w, r, in)
		return
	}

	out, err := h.svc.Chat(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildChatResponse(out))
}

// streamChat relays the turn over a raw marker-framed event stream. Headers,
// including the coupling thread id, are committed only once the thread is
// resolved and the runtime stream is established; failures before that point
// still produce a regular JSON error response.
func (h *HTTP) streamChat(w http.ResponseWriter, r *http.Request, in usecase.TurnInput) {
	opened := false
	err := h.svc.ChatStream(r.Context(), in, func(threadID string) (usecase.FlushWriter, error) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("x-thread-id", threadID)
		w.WriteHeader(http.StatusOK)
		opened = true
		return &flushWriter{w: w, rc: http.NewResponseController(w)}, nil
	})
	if err != nil {
		if opened {
			// Headers are already on the wire; nothing left to send.
			h.logger.Error("stream failed after response start", "err", err)
			return
		}
		h.writeError(w, err)
	}
}

func (h *HTTP) handleDelete(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadId")
	userID := r.URL.Query().Get("userId")

	if err := h.svc.DeleteConversation(r.Context(), userID, threadID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{ThreadID: threadID, Deleted: true})
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	code, status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "code", code, "err", err)
	}
	reason := ""
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		reason = ucErr.Reason
	}
	writeJSON(w, status, errorResponse{Error: string(code), Reason: reason})
}

// errorStatus maps a usecase error code to an HTTP status. Unrecognized
// errors surface as a generic server error.
func errorStatus(err error) (usecase.ErrorCode, int) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return usecase.ErrorInternal, http.StatusInternalServerError
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return ucErr.Code, http.StatusBadRequest
	case usecase.ErrorNotFound:
		return ucErr.Code, http.StatusNotFound
	case usecase.ErrorRateLimited:
		return ucErr.Code, http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return ucErr.Code, http.StatusBadGateway
	default:
		return ucErr.Code, http.StatusInternalServerError
	}
}

func buildChatResponse(out usecase.TurnOutput) chatResponse {
	resp := chatResponse{
		Message:  out.Message,
		ThreadID: out.ThreadID,
	}
	if out.ToolCalls != nil {
		resp.ToolCalls = &out.ToolCalls
	}
	if len(out.Images) > 0 {
		resp.Images = out.Images
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// flushWriter adapts an http.ResponseWriter to the session's flushable sink.
// Flush errors surface client disconnects to the relay loop.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *flushWriter) Flush() error {
	return f.rc.Flush()
}
