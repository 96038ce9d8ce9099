package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"installment-advisor/internal/domain"
	"installment-advisor/internal/integrations/openai"
)

type mockParams struct {
	vals map[string]string
	err  error
}

func (m *mockParams) GetParameters(_ context.Context, names ...string) (map[string]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		v, ok := m.vals[n]
		if !ok {
			return nil, fmt.Errorf("param not found: %s", n)
		}
		out[n] = v
	}
	return out, nil
}

type mockThreads struct {
	createID    string
	createErr   error
	createCalls int

	deleteOK    bool
	deleteErr   error
	deletedID   string
	deleteCalls int
}

func (m *mockThreads) CreateConversation(_ context.Context) (string, error) {
	m.createCalls++
	return m.createID, m.createErr
}

func (m *mockThreads) DeleteConversation(_ context.Context, threadID string) (bool, error) {
	m.deleteCalls++
	m.deletedID = threadID
	return m.deleteOK, m.deleteErr
}

type fakeStream struct {
	chunks []string
	err    error
	pos    int
	closed bool
}

func (f *fakeStream) Recv() (string, error) {
	if f.pos < len(f.chunks) {
		chunk := f.chunks[f.pos]
		f.pos++
		return chunk, nil
	}
	if f.err != nil {
		return "", f.err
	}
	return "", io.EOF
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

type mockOrchestrator struct {
	resp       domain.AgentResponse
	respErr    error
	stream     *fakeStream
	streamErr  error
	captured   []domain.ChatMessage
	capturedID string
	respCalls  int
}

func (m *mockOrchestrator) Respond(_ context.Context, in domain.AgentRequest) (domain.AgentResponse, error) {
	m.respCalls++
	m.captured = in.Input
	m.capturedID = in.ConversationID
	return m.resp, m.respErr
}

func (m *mockOrchestrator) StreamResponse(_ context.Context, in domain.AgentRequest) (domain.AgentStream, error) {
	m.captured = in.Input
	m.capturedID = in.ConversationID
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.stream, nil
}

type mockHistory struct {
	history    []domain.HistoryMessage
	historyErr error

	saveErr            error
	savedUserID        string
	savedThreadID      string
	savedUserText      string
	savedAssistantText string
	saveCalls          int

	deleteOK      bool
	deleteErr     error
	deleteCalls   int
	deletedUserID string
	deletedThread string
}

func (m *mockHistory) GetHistory(_ context.Context, _, _ string) ([]domain.HistoryMessage, error) {
	return m.history, m.historyErr
}

func (m *mockHistory) SaveExchange(_ context.Context, userID, threadID, userText, assistantText string) error {
	m.saveCalls++
	m.savedUserID = userID
	m.savedThreadID = threadID
	m.savedUserText = userText
	m.savedAssistantText = assistantText
	return m.saveErr
}

func (m *mockHistory) DeleteAll(_ context.Context, userID, threadID string) (bool, error) {
	m.deleteCalls++
	m.deletedUserID = userID
	m.deletedThread = threadID
	return m.deleteOK, m.deleteErr
}

func testParams() *mockParams {
	return &mockParams{vals: map[string]string{
		"/advisor/config/openai_model": "gpt-test",
		"/advisor/instructions":        "You are an installment advisor.",
	}}
}

func newTestService(t *testing.T, threads *mockThreads, orch *mockOrchestrator, history *mockHistory) *ChatService {
	t.Helper()
	svc, err := NewChatService(testParams(), threads, orch, history, "/advisor", nil)
	require.NoError(t, err)
	return svc
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	params := testParams()
	threads := &mockThreads{}
	orch := &mockOrchestrator{}
	history := &mockHistory{}

	_, err := NewChatService(nil, threads, orch, history, "/advisor", nil)
	require.Error(t, err)
	_, err = NewChatService(params, nil, orch, history, "/advisor", nil)
	require.Error(t, err)
	_, err = NewChatService(params, threads, nil, history, "/advisor", nil)
	require.Error(t, err)
	_, err = NewChatService(params, threads, orch, nil, "/advisor", nil)
	require.Error(t, err)
	_, err = NewChatService(params, threads, orch, history, "  ", nil)
	require.Error(t, err)
}

func TestChat_NewThreadPrependsContextMessages(t *testing.T) {
	threads := &mockThreads{createID: "conv-1"}
	orch := &mockOrchestrator{resp: domain.AgentResponse{Text: "hello"}}
	history := &mockHistory{}
	svc := newTestService(t, threads, orch, history)

	out, err := svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello", out.Message)
	require.Equal(t, "conv-1", out.ThreadID)
	require.Equal(t, 1, threads.createCalls)
	require.Equal(t, "conv-1", orch.capturedID)

	require.Len(t, orch.captured, 3)
	require.Equal(t, domain.RoleAssistant, orch.captured[0].Role)
	require.Contains(t, orch.captured[0].Content, "u-1")
	require.Equal(t, domain.RoleAssistant, orch.captured[1].Role)
	require.Contains(t, orch.captured[1].Content, time.Now().UTC().Format("2006-01-02"))
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "hi"}, orch.captured[2])
}

func TestChat_ResumedThreadReplaysHistoryWithoutContext(t *testing.T) {
	threads := &mockThreads{}
	orch := &mockOrchestrator{resp: domain.AgentResponse{Text: "again"}}
	history := &mockHistory{history: []domain.HistoryMessage{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "system", Content: "c"},
		{Role: "bogus", Content: "d"},
	}}
	svc := newTestService(t, threads, orch, history)

	out, err := svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "next", ThreadID: "conv-9"})
	require.NoError(t, err)
	require.Equal(t, "conv-9", out.ThreadID)
	require.Zero(t, threads.createCalls)

	// Three replayed entries in stored order, the unknown role dropped, then
	// the user message. No synthetic context on a resumed thread.
	require.Equal(t, []domain.ChatMessage{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "system", Content: "c"},
		{Role: "user", Content: "next"},
	}, orch.captured)
}

func TestChat_ResumedThreadWithEmptyHistory(t *testing.T) {
	threads := &mockThreads{}
	orch := &mockOrchestrator{resp: domain.AgentResponse{Text: "ok"}}
	history := &mockHistory{}
	svc := newTestService(t, threads, orch, history)

	out, err := svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "hi", ThreadID: "conv-2"})
	require.NoError(t, err)
	require.Equal(t, "conv-2", out.ThreadID)
	require.Equal(t, []domain.ChatMessage{{Role: "user", Content: "hi"}}, orch.captured)
}

func TestChat_DebugControlsToolCalls(t *testing.T) {
	calls := []domain.ToolCall{{Name: "lookup_installments", Arguments: `{"customer":"u-1"}`}}

	orch := &mockOrchestrator{resp: domain.AgentResponse{Text: "x", ToolCalls: calls}}
	svc := newTestService(t, &mockThreads{createID: "c"}, orch, &mockHistory{})

	out, err := svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "hi", Debug: true})
	require.NoError(t, err)
	require.Equal(t, calls, out.ToolCalls)

	out, err = svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "hi"})
	require.NoError(t, err)
	require.Nil(t, out.ToolCalls)
}

func TestChat_DebugWithoutToolCallsYieldsEmptyList(t *testing.T) {
	orch := &mockOrchestrator{resp: domain.AgentResponse{Text: "x"}}
	svc := newTestService(t, &mockThreads{createID: "c"}, orch, &mockHistory{})

	out, err := svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "hi", Debug: true})
	require.NoError(t, err)
	require.NotNil(t, out.ToolCalls)
	require.Empty(t, out.ToolCalls)
}

func TestChat_ImagesOnlyWhenProduced(t *testing.T) {
	orch := &mockOrchestrator{resp: domain.AgentResponse{Text: "x", Images: []string{"img-1"}}}
	svc := newTestService(t, &mockThreads{createID: "c"}, orch, &mockHistory{})

	out, err := svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, []string{"img-1"}, out.Images)

	orch.resp.Images = nil
	out, err = svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "hi"})
	require.NoError(t, err)
	require.Nil(t, out.Images)
}

func TestChat_PersistsExchangeAfterResponse(t *testing.T) {
	history := &mockHistory{}
	orch := &mockOrchestrator{resp: domain.AgentResponse{Text: "answer"}}
	svc := newTestService(t, &mockThreads{createID: "conv-1"}, orch, history)

	_, err := svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "question"})
	require.NoError(t, err)
	require.Equal(t, 1, history.saveCalls)
	require.Equal(t, "u-1", history.savedUserID)
	require.Equal(t, "conv-1", history.savedThreadID)
	require.Equal(t, "question", history.savedUserText)
	require.Equal(t, "answer", history.savedAssistantText)
}

func TestChat_PersistenceFailureDoesNotFailTurn(t *testing.T) {
	history := &mockHistory{saveErr: errors.New("dynamo down")}
	orch := &mockOrchestrator{resp: domain.AgentResponse{Text: "answer"}}
	svc := newTestService(t, &mockThreads{createID: "conv-1"}, orch, history)

	out, err := svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "q"})
	require.NoError(t, err)
	require.Equal(t, "answer", out.Message)
}

func TestChat_ValidatesInput(t *testing.T) {
	threads := &mockThreads{}
	history := &mockHistory{}
	svc := newTestService(t, threads, &mockOrchestrator{}, history)

	_, err := svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "   "})
	requireCode(t, err, ErrorInvalidInput)

	_, err = svc.Chat(context.Background(), TurnInput{UserID: "", Message: "hi"})
	requireCode(t, err, ErrorInvalidInput)

	require.Zero(t, threads.createCalls)
	require.Zero(t, history.saveCalls)
}

func TestChat_ThreadCreateFailurePropagates(t *testing.T) {
	threads := &mockThreads{createErr: errors.New("runtime down")}
	svc := newTestService(t, threads, &mockOrchestrator{}, &mockHistory{})

	_, err := svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "hi"})
	requireCode(t, err, ErrorUpstream)
}

func TestChat_RateLimitedUpstream(t *testing.T) {
	orch := &mockOrchestrator{respErr: &openai.HTTPStatusError{StatusCode: 429, URL: "https://api", Body: "slow down"}}
	svc := newTestService(t, &mockThreads{createID: "c"}, orch, &mockHistory{})

	_, err := svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "hi"})
	requireCode(t, err, ErrorRateLimited)
}

func TestChat_ConsumesExactlyOneResponseUnit(t *testing.T) {
	orch := &mockOrchestrator{resp: domain.AgentResponse{Text: "one"}}
	svc := newTestService(t, &mockThreads{createID: "c"}, orch, &mockHistory{})

	_, err := svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, 1, orch.respCalls)
}

func TestChat_ParamLoadFailure(t *testing.T) {
	svc, err := NewChatService(&mockParams{err: errors.New("ssm down")}, &mockThreads{}, &mockOrchestrator{}, &mockHistory{}, "/advisor", nil)
	require.NoError(t, err)

	_, err = svc.Chat(context.Background(), TurnInput{UserID: "u-1", Message: "hi"})
	requireCode(t, err, ErrorInternal)
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, code, ucErr.Code)
}

// stubSink is a FlushWriter backed by a strings.Builder. failAfter, when
// non-negative, makes the Nth flush (0-based) and every later one fail.
type stubSink struct {
	buf       strings.Builder
	flushes   int
	failAfter int
}

func newStubSink() *stubSink {
	return &stubSink{failAfter: -1}
}

func (s *stubSink) Write(p []byte) (int, error) {
	return s.buf.WriteString(string(p))
}

func (s *stubSink) Flush() error {
	defer func() { s.flushes++ }()
	if s.failAfter >= 0 && s.flushes >= s.failAfter {
		return errors.New("client gone")
	}
	return nil
}
