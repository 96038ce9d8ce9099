package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"installment-advisor/internal/usecase"
)

// Lambda adapts the synchronous chat surface to API Gateway proxy events.
// The proxy integration buffers whole responses, so streamed exchanges are
// rejected here; deployments that need streaming run cmd/server instead.
type Lambda struct {
	svc    ConversationService
	logger *slog.Logger
}

func NewLambda(svc ConversationService, logger *slog.Logger) (*Lambda, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lambda{svc: svc, logger: logger.With("component", "lambda")}, nil
}

func (l *Lambda) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	switch {
	case req.HTTPMethod == http.MethodPost && req.Path == "/chat":
		return l.handleChat(ctx, req)
	case req.HTTPMethod == http.MethodDelete && strings.HasPrefix(req.Path, "/chat/"):
		return l.handleDelete(ctx, req)
	default:
		return proxyJSON(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "no such route"}), nil
	}
}

func (l *Lambda) handleChat(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var body chatRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return proxyJSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_body"}), nil
	}
	if body.Message == "" || body.UserID == "" {
		return proxyJSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "message and userId are required"}), nil
	}
	if body.Stream {
		return proxyJSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "streaming is not supported on this transport"}), nil
	}

	out, err := l.svc.Chat(ctx, usecase.TurnInput{
		UserID:   body.UserID,
		Message:  body.Message,
		ThreadID: body.ThreadID,
		Debug:    body.Debug,
	})
	if err != nil {
		return l.errorProxy(err), nil
	}
	return proxyJSON(http.StatusOK, buildChatResponse(out)), nil
}

func (l *Lambda) handleDelete(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	threadID := strings.TrimPrefix(req.Path, "/chat/")
	userID := req.QueryStringParameters["userId"]

	if err := l.svc.DeleteConversation(ctx, userID, threadID); err != nil {
		return l.errorProxy(err), nil
	}
	return proxyJSON(http.StatusOK, deleteResponse{ThreadID: threadID, Deleted: true}), nil
}

func (l *Lambda) errorProxy(err error) events.APIGatewayProxyResponse {
	code, status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		l.logger.Error("request failed", "code", code, "err", err)
	}
	reason := ""
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		reason = ucErr.Reason
	}
	return proxyJSON(status, errorResponse{Error: string(code), Reason: reason})
}

func proxyJSON(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"error":"INTERNAL_ERROR"}`,
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
