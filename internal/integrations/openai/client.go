package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"installment-advisor/internal/domain"
)

// conversationPayload is the minimal response shape for the Conversations
// endpoints.
type conversationPayload struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// responseRequest is the minimal request shape for the Responses endpoint.
type responseRequest struct {
	Model        string               `json:"model"`
	Conversation string               `json:"conversation,omitempty"`
	Instructions string               `json:"instructions,omitempty"`
	Input        []domain.ChatMessage `json:"input"`
	Stream       bool                 `json:"stream,omitempty"`
}

// responsePayload is the minimal response shape returned by a synchronous
// Responses call.
type responsePayload struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []outputItem `json:"output"`
}

type outputItem struct {
	Type      string        `json:"type"`
	Content   []contentPart `json:"content,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
	Result    string        `json:"result,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused client for the agent runtime: conversation lifecycle
// plus synchronous and streaming response invocations.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new Client backed by the given paramstore.Getter for
// API key retrieval. The key is fetched from SSM on the first call and reused
// for the lifetime of the process.
//
// The default HTTP client carries no timeout because streaming responses stay
// open for the duration of the exchange; cancellation comes from the request
// context instead.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.openai.com/v1",
		httpClient:  &http.Client{},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the API key from SSM on the first call and returns the
// cached result on every subsequent call within the same process lifetime.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{}
}

// endpointURL joins the configured base URL with an API path, tolerating base
// URLs given with or without the /v1 suffix.
func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

// CreateConversation creates a fresh remote conversation thread and returns
// its runtime-assigned identifier.
func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return "", err
	}

	url := endpointURL(c.baseURL, "/conversations")
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("{}"))
	if reqErr != nil {
		return "", fmt.Errorf("openai: create conversation request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", fmt.Errorf("openai: create conversation failed: %w", err)
	}

	var payload conversationPayload
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode conversation response: %w", decErr)
	}
	if payload.ID == "" {
		return "", errors.New("openai: conversation response missing id")
	}
	return payload.ID, nil
}

// DeleteConversation removes a remote conversation thread. It reports false
// without error when the runtime no longer knows the id.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) (bool, error) {
	if strings.TrimSpace(conversationID) == "" {
		return false, errors.New("openai: conversation id must not be empty")
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return false, err
	}

	url := endpointURL(c.baseURL, "/conversations/"+conversationID)
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if reqErr != nil {
		return false, fmt.Errorf("openai: delete conversation request: %w", reqErr)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("openai: delete conversation failed: %w", err)
	}

	var payload conversationPayload
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return false, fmt.Errorf("openai: decode delete response: %w", decErr)
	}
	return payload.Deleted, nil
}

// Respond performs one synchronous invocation against the runtime and returns
// the assembled response text with any tool-call records and image references.
func (c *Client) Respond(ctx context.Context, in domain.AgentRequest) (domain.AgentResponse, error) {
	if in.Model == "" {
		return domain.AgentResponse{}, errors.New("openai: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return domain.AgentResponse{}, err
	}

	body, err := json.Marshal(responseRequest{
		Model:        in.Model,
		Conversation: in.ConversationID,
		Instructions: in.Instructions,
		Input:        in.Input,
	})
	if err != nil {
		return domain.AgentResponse{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := endpointURL(c.baseURL, "/responses")
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return domain.AgentResponse{}, fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return domain.AgentResponse{}, fmt.Errorf("openai: request failed: %w", err)
	}

	var payload responsePayload
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.AgentResponse{}, fmt.Errorf("openai: decode response: %w", decErr)
	}
	return assembleResponse(payload), nil
}

// assembleResponse flattens the runtime's output items into the single
// response unit the session consumes.
func assembleResponse(payload responsePayload) domain.AgentResponse {
	var out domain.AgentResponse
	var text strings.Builder
	for _, item := range payload.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" {
					text.WriteString(part.Text)
				}
			}
		case "function_call":
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				Name:      item.Name,
				Arguments: item.Arguments,
				Output:    item.Output,
			})
		case "image_generation_call":
			if item.Result != "" {
				out.Images = append(out.Images, item.Result)
			}
		}
	}
	out.Text = text.String()
	return out
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
