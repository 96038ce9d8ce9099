package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"installment-advisor/internal/domain"
)

// maxStreamLine bounds a single SSE line; runtime deltas are small but tool
// payloads embedded in lifecycle events can be large.
const maxStreamLine = 1 << 20

// ResponseStream consumes the server-sent event stream of a streaming
// Responses invocation and yields output text deltas one at a time.
// It implements domain.AgentStream.
type ResponseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	event   string
	done    bool
}

// textDeltaEvent is the data payload of a response.output_text.delta event.
type textDeltaEvent struct {
	Delta string `json:"delta"`
}

// streamErrorEvent is the data payload of an error-bearing lifecycle event.
type streamErrorEvent struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Response struct {
		Status string `json:"status"`
	} `json:"response"`
}

// StreamResponse starts a streaming invocation against the runtime. The
// returned stream is finite and not restartable; the caller must Close it.
func (c *Client) StreamResponse(ctx context.Context, in domain.AgentRequest) (domain.AgentStream, error) {
	if in.Model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(responseRequest{
		Model:        in.Model,
		Conversation: in.ConversationID,
		Instructions: in.Instructions,
		Input:        in.Input,
		Stream:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal stream request: %w", err)
	}

	url := endpointURL(c.baseURL, "/responses")
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf("openai: create stream request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, fmt.Errorf("openai: stream request failed: %w", doErr)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		_ = res.Body.Close()
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	return &ResponseStream{body: res.Body, scanner: scanner}, nil
}

// Recv returns the next output text delta. It returns io.EOF once the
// response has completed and the stream is exhausted.
func (s *ResponseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			s.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			chunk, done, err := s.handleEvent(data)
			if err != nil {
				s.done = true
				return "", err
			}
			if done {
				s.done = true
				return "", io.EOF
			}
			if chunk != nil {
				return *chunk, nil
			}
		}
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("openai: read stream: %w", err)
	}
	return "", io.EOF
}

// handleEvent interprets one SSE data payload for the current event type.
// A nil chunk with done=false means the event carries nothing to forward.
func (s *ResponseStream) handleEvent(data string) (chunk *string, done bool, err error) {
	switch s.event {
	case "response.output_text.delta":
		var ev textDeltaEvent
		if jsonErr := json.Unmarshal([]byte(data), &ev); jsonErr != nil {
			return nil, false, fmt.Errorf("openai: decode delta event: %w", jsonErr)
		}
		return &ev.Delta, false, nil
	case "response.completed", "response.incomplete":
		return nil, true, nil
	case "response.failed", "error":
		var ev streamErrorEvent
		if jsonErr := json.Unmarshal([]byte(data), &ev); jsonErr != nil {
			return nil, false, fmt.Errorf("openai: stream failed: %s", data)
		}
		msg := ev.Error.Message
		if msg == "" {
			msg = "response " + ev.Response.Status
		}
		return nil, false, fmt.Errorf("openai: stream failed: %s", msg)
	default:
		return nil, false, nil
	}
}

// Close releases the underlying HTTP response body. Closing mid-stream tears
// down the runtime request.
func (s *ResponseStream) Close() error {
	return s.body.Close()
}
