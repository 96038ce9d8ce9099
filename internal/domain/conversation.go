package domain

// HistoryMessage is a single persisted conversation turn entry. Ordering is
// insertion order within a (user, thread) partition and is significant.
type HistoryMessage struct {
	Role    string
	Content string
}

// ReplayedThread is the in-memory reconstruction of a conversation, ready to
// seed the agent runtime on resume. ThreadID couples the replayed messages to
// the remote execution thread and the history partition.
type ReplayedThread struct {
	ThreadID string
	Messages []ChatMessage
}
