package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"installment-advisor/internal/domain"
)

const persistTimeout = 5 * time.Second

// ParamGetter provides the runtime configuration parameters (model id and
// advisor instructions) from the parameter store.
type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// ThreadManager creates and deletes remote execution threads on the agent
// runtime. Creation assigns the opaque thread id used as the join key between
// remote state and persisted history.
type ThreadManager interface {
	CreateConversation(ctx context.Context) (string, error)
	DeleteConversation(ctx context.Context, threadID string) (bool, error)
}

// Orchestrator executes one turn against the agent runtime, either as a
// single response unit or as a lazy chunk stream.
type Orchestrator interface {
	Respond(ctx context.Context, in domain.AgentRequest) (domain.AgentResponse, error)
	StreamResponse(ctx context.Context, in domain.AgentRequest) (domain.AgentStream, error)
}

// HistoryReadWriter defines the conversation history operations consumed by
// the session core.
type HistoryReadWriter interface {
	GetHistory(ctx context.Context, userID, threadID string) ([]domain.HistoryMessage, error)
	SaveExchange(ctx context.Context, userID, threadID, userText, assistantText string) error
	DeleteAll(ctx context.Context, userID, threadID string) (bool, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ChatService drives one user turn per call: thread resolution, history
// replay, runtime invocation, response relay and post-exchange persistence.
//
// The service does not serialize concurrent turns on the same thread id;
// callers that need single-writer semantics per thread must gate requests
// themselves. The append-only history log tolerates interleaved writers.
type ChatService struct {
	params      ParamGetter
	threads     ThreadManager
	orch        Orchestrator
	history     HistoryReadWriter
	paramPrefix string
	logger      *slog.Logger

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	model        string
	instructions string
}

// TurnInput is one inbound chat request.
type TurnInput struct {
	UserID   string
	Message  string
	ThreadID string
	Debug    bool
}

// TurnOutput is the result of a synchronous turn. ToolCalls is non-nil
// (possibly empty) only when the turn was run with Debug; Images is set only
// when the runtime produced image references.
type TurnOutput struct {
	Message   string
	ThreadID  string
	ToolCalls []domain.ToolCall
	Images    []string
}

// turn is the per-request session state: the resolved thread, the replayed
// history and the assembled input messages. Never shared across requests.
type turn struct {
	requestID string
	userID    string
	message   string
	threadID  string
	fresh     bool
	debug     bool
	input     []domain.ChatMessage
}

func NewChatService(p ParamGetter, tm ThreadManager, o Orchestrator, h HistoryReadWriter, paramPrefix string, logger *slog.Logger) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if tm == nil {
		return nil, errors.New("usecase: thread manager must not be nil")
	}
	if o == nil {
		return nil, errors.New("usecase: orchestrator must not be nil")
	}
	if h == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		params:      p,
		threads:     tm,
		orch:        o,
		history:     h,
		paramPrefix: paramPrefix,
		logger:      logger.With("component", "chat"),
	}, nil
}

// Chat executes one synchronous turn. Exactly one response unit is consumed
// from the runtime; the exchange is persisted after the response is built.
func (s *ChatService) Chat(ctx context.Context, in TurnInput) (TurnOutput, error) {
	t, err := s.beginTurn(ctx, in)
	if err != nil {
		return TurnOutput{}, err
	}

	resp, err := s.orch.Respond(ctx, s.agentRequest(t))
	if err != nil {
		return TurnOutput{}, upstreamError("agent_invoke_error", err)
	}

	out := TurnOutput{
		Message:  resp.Text,
		ThreadID: t.threadID,
	}
	if t.debug {
		out.ToolCalls = resp.ToolCalls
		if out.ToolCalls == nil {
			out.ToolCalls = []domain.ToolCall{}
		}
	}
	if len(resp.Images) > 0 {
		out.Images = resp.Images
	}

	s.persistExchange(t, resp.Text)
	s.logger.Info("turn completed",
		"request_id", t.requestID, "thread_id", t.threadID, "streamed", false)
	return out, nil
}

// ChatStream executes one streamed turn. The opener is invoked once the
// thread is resolved and the runtime stream is established, so the transport
// can emit the thread id before the body starts. A transport fault aborts the
// relay but not the turn: whatever text was forwarded so far is persisted and
// no error is returned to the (already gone) caller.
func (s *ChatService) ChatStream(ctx context.Context, in TurnInput, open StreamOpener) error {
	t, err := s.beginTurn(ctx, in)
	if err != nil {
		return err
	}

	stream, err := s.orch.StreamResponse(ctx, s.agentRequest(t))
	if err != nil {
		return upstreamError("agent_stream_error", err)
	}
	defer func() { _ = stream.Close() }()

	sink, err := open(t.threadID)
	if err != nil {
		return newError(ErrorInternal, "stream_open_error", err)
	}

	relay := newStreamRelay(sink)
	if err := relay.Start(); err != nil {
		s.abortRelay(t, relay, err)
		return nil
	}

	var streamErr error
	for {
		chunk, rerr := stream.Recv()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			streamErr = rerr
			break
		}
		if ferr := relay.Forward(chunk); ferr != nil {
			s.abortRelay(t, relay, ferr)
			return nil
		}
	}

	if streamErr != nil {
		s.persistExchange(t, relay.Text())
		return upstreamError("agent_stream_error", streamErr)
	}

	if err := relay.Finish(); err != nil {
		s.abortRelay(t, relay, err)
		return nil
	}

	s.persistExchange(t, relay.Text())
	s.logger.Info("turn completed",
		"request_id", t.requestID, "thread_id", t.threadID, "streamed", true)
	return nil
}

// beginTurn validates the input, resolves or creates the remote thread,
// replays persisted history and assembles the runtime input. On a brand-new
// thread two synthetic assistant context messages (customer identity, current
// UTC date) precede the user message; a resumed thread already carries its
// context.
func (s *ChatService) beginTurn(ctx context.Context, in TurnInput) (*turn, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, newError(ErrorInvalidInput, "empty_message", nil)
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return nil, newError(ErrorInternal, "ssm_load_error", err)
	}

	threadID := strings.TrimSpace(in.ThreadID)
	fresh := threadID == ""
	if fresh {
		id, err := s.threads.CreateConversation(ctx)
		if err != nil {
			return nil, upstreamError("thread_create_error", err)
		}
		threadID = id
	}

	var replayed domain.ReplayedThread
	if fresh {
		replayed = domain.ReplayedThread{ThreadID: threadID}
	} else {
		var err error
		replayed, err = s.replayThread(ctx, userID, threadID)
		if err != nil {
			return nil, err
		}
	}

	input := make([]domain.ChatMessage, 0, len(replayed.Messages)+3)
	if fresh {
		input = append(input, contextMessages(userID, time.Now())...)
	}
	input = append(input, replayed.Messages...)
	input = append(input, domain.ChatMessage{Role: domain.RoleUser, Content: message})

	t := &turn{
		requestID: newUUID(),
		userID:    userID,
		message:   message,
		threadID:  threadID,
		fresh:     fresh,
		debug:     in.Debug,
		input:     input,
	}
	mode := "resumed"
	if fresh {
		mode = "new"
	}
	s.logger.Info("turn started",
		"request_id", t.requestID, "user_id", userID, "thread_id", threadID,
		"mode", mode, "replayed_messages", len(replayed.Messages))
	return t, nil
}

func (s *ChatService) agentRequest(t *turn) domain.AgentRequest {
	s.cacheMu.RLock()
	model, instructions := s.model, s.instructions
	s.cacheMu.RUnlock()
	return domain.AgentRequest{
		Model:          model,
		ConversationID: t.threadID,
		Instructions:   instructions,
		Input:          t.input,
	}
}

// contextMessages builds the synthetic assistant-authored context prepended
// on a brand-new thread.
func contextMessages(userID string, now time.Time) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleAssistant, Content: "You are speaking with customer " + userID + "."},
		{Role: domain.RoleAssistant, Content: "The current date is " + now.UTC().Format("2006-01-02") + "."},
	}
}

// persistExchange appends the user message and the final assistant text under
// a detached timeout context, so persistence survives a cancelled request.
// Failures are logged, never surfaced into the already-delivered response.
func (s *ChatService) persistExchange(t *turn, assistantText string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.history.SaveExchange(ctx, t.userID, t.threadID, t.message, assistantText); err != nil {
		s.logger.Error("failed to persist exchange",
			"request_id", t.requestID, "user_id", t.userID, "thread_id", t.threadID, "err", err)
	}
}

// abortRelay handles a transport fault mid-stream: the relay loop stops, the
// partial buffer is still persisted, and the fault is logged rather than
// returned to the disconnected caller.
func (s *ChatService) abortRelay(t *turn, relay *streamRelay, cause error) {
	s.logger.Error("stream relay aborted",
		"request_id", t.requestID, "thread_id", t.threadID, "err", cause)
	s.persistExchange(t, relay.Text())
}

func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	modelParam := s.paramPrefix + "/config/openai_model"
	instructionsParam := s.paramPrefix + "/instructions"
	vals, err := s.params.GetParameters(ctx, modelParam, instructionsParam)
	if err != nil {
		return err
	}

	s.model = vals[modelParam]
	s.instructions = vals[instructionsParam]
	s.cacheLoaded = true
	return nil
}

func upstreamError(reason string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, reason, err)
	}
	return newError(ErrorUpstream, reason, err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
