package domain

// Conversational roles understood by the agent runtime and the history store.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is the provider-agnostic chat message shape passed between the
// session core and the agent runtime integration.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
