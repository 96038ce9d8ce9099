package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"installment-advisor/internal/domain"
)

func sseServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/responses", r.URL.Path)
		var req responseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprint(w, ev)
		}
	}))
}

func delta(text string) string {
	data, _ := json.Marshal(map[string]string{"delta": text})
	return "event: response.output_text.delta\ndata: " + string(data) + "\n\n"
}

func TestStreamResponse_YieldsDeltasUntilCompleted(t *testing.T) {
	srv := sseServer(t, []string{
		"event: response.created\ndata: {}\n\n",
		delta("Hello"),
		delta(" "),
		delta("world"),
		"event: response.completed\ndata: {}\n\n",
	})
	defer srv.Close()

	c := newTestClient(t, srv)
	stream, err := c.StreamResponse(context.Background(), domain.AgentRequest{Model: "gpt-test", ConversationID: "conv_1"})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	var chunks []string
	for {
		chunk, rerr := stream.Recv()
		if rerr == io.EOF {
			break
		}
		require.NoError(t, rerr)
		chunks = append(chunks, chunk)
	}
	require.Equal(t, []string{"Hello", " ", "world"}, chunks)

	// Exhausted streams keep reporting EOF.
	_, rerr := stream.Recv()
	require.Equal(t, io.EOF, rerr)
}

func TestStreamResponse_BlankDeltasAreYieldedVerbatim(t *testing.T) {
	srv := sseServer(t, []string{
		delta(""),
		delta("  "),
		delta("content"),
		"event: response.completed\ndata: {}\n\n",
	})
	defer srv.Close()

	c := newTestClient(t, srv)
	stream, err := c.StreamResponse(context.Background(), domain.AgentRequest{Model: "gpt-test"})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	var chunks []string
	for {
		chunk, rerr := stream.Recv()
		if rerr == io.EOF {
			break
		}
		require.NoError(t, rerr)
		chunks = append(chunks, chunk)
	}
	// Suppression of leading blanks is the relay's job, not the client's.
	require.Equal(t, []string{"", "  ", "content"}, chunks)
}

func TestStreamResponse_FailedEventSurfacesError(t *testing.T) {
	srv := sseServer(t, []string{
		delta("partial"),
		"event: response.failed\ndata: {\"error\":{\"message\":\"model overloaded\"}}\n\n",
	})
	defer srv.Close()

	c := newTestClient(t, srv)
	stream, err := c.StreamResponse(context.Background(), domain.AgentRequest{Model: "gpt-test"})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	chunk, rerr := stream.Recv()
	require.NoError(t, rerr)
	require.Equal(t, "partial", chunk)

	_, rerr = stream.Recv()
	require.Error(t, rerr)
	require.Contains(t, rerr.Error(), "model overloaded")
}

func TestStreamResponse_TruncatedStreamEndsWithEOF(t *testing.T) {
	srv := sseServer(t, []string{delta("only")})
	defer srv.Close()

	c := newTestClient(t, srv)
	stream, err := c.StreamResponse(context.Background(), domain.AgentRequest{Model: "gpt-test"})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	chunk, rerr := stream.Recv()
	require.NoError(t, rerr)
	require.Equal(t, "only", chunk)

	_, rerr = stream.Recv()
	require.Equal(t, io.EOF, rerr)
}

func TestStreamResponse_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.StreamResponse(context.Background(), domain.AgentRequest{Model: "gpt-test"})
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestStreamResponse_RequiresModel(t *testing.T) {
	c, err := NewClient(tokenGetter(), "/advisor")
	require.NoError(t, err)

	_, err = c.StreamResponse(context.Background(), domain.AgentRequest{})
	require.Error(t, err)
}
