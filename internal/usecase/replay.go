package usecase

import (
	"context"

	"installment-advisor/internal/domain"
)

// replayThread rebuilds the in-memory chat history for a resumed thread by
// reading the persisted log in stored order. An empty log yields an empty
// replay still tagged with the thread id, so later appends land in the right
// partition. Messages with unrecognized roles are skipped rather than failing
// the replay.
func (s *ChatService) replayThread(ctx context.Context, userID, threadID string) (domain.ReplayedThread, error) {
	replayed := domain.ReplayedThread{ThreadID: threadID}
	if threadID == "" {
		return replayed, nil
	}

	history, err := s.history.GetHistory(ctx, userID, threadID)
	if err != nil {
		return domain.ReplayedThread{}, newError(ErrorInternal, "history_fetch_error", err)
	}
	for _, m := range history {
		if !knownRole(m.Role) {
			s.logger.Debug("skipping history message with unknown role",
				"thread_id", threadID, "role", m.Role)
			continue
		}
		replayed.Messages = append(replayed.Messages, domain.ChatMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return replayed, nil
}

func knownRole(role string) bool {
	switch role {
	case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
		return true
	}
	return false
}
