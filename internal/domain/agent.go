package domain

// AgentRequest is one invocation of the agent runtime against a remote
// conversation thread.
type AgentRequest struct {
	Model          string
	ConversationID string
	Instructions   string
	Input          []ChatMessage
}

// ToolCall records one tool invocation the runtime made while producing a
// response.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Output    string `json:"output,omitempty"`
}

// AgentResponse is the complete result of a synchronous invocation.
type AgentResponse struct {
	Text      string
	ToolCalls []ToolCall
	Images    []string
}

// AgentStream is a finite, non-restartable sequence of text chunks produced
// by a streaming invocation. Recv returns io.EOF after the final chunk.
type AgentStream interface {
	Recv() (string, error)
	Close() error
}
