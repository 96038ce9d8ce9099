package usecase

import (
	"context"
	"strings"
)

// DeleteConversation removes both the persisted history partition and the
// remote execution thread. Both deletions are attempted unconditionally; the
// result is success only when both report true. Either side reporting false
// yields a single not-found result without attributing which side was missing
// (the per-side outcome is logged instead). There is no rollback: a local
// deletion that succeeded stays deleted even if the remote one failed.
func (s *ChatService) DeleteConversation(ctx context.Context, userID, threadID string) error {
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" {
		return newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	if threadID == "" {
		return newError(ErrorInvalidInput, "empty_thread_id", nil)
	}

	localOK, localErr := s.history.DeleteAll(ctx, userID, threadID)
	remoteOK, remoteErr := s.threads.DeleteConversation(ctx, threadID)

	if localErr != nil {
		// A persistence fault on delete degrades to not-found rather than a
		// distinct error code.
		s.logger.Error("history deletion failed",
			"user_id", userID, "thread_id", threadID, "err", localErr)
		localOK = false
	}
	if remoteErr != nil {
		return upstreamError("thread_delete_error", remoteErr)
	}

	s.logger.Info("conversation deletion",
		"user_id", userID, "thread_id", threadID,
		"local_deleted", localOK, "remote_deleted", remoteOK)

	if !localOK || !remoteOK {
		return newError(ErrorNotFound, "conversation_not_found", nil)
	}
	return nil
}
