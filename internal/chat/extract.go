package chat

import (
	"context"
	"fmt"
	"slices"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// extractReply selects the reply produced by exactly this run.
//
// The thread may hold assistant messages from earlier turns, and other
// activity may race new ones in; only messages strictly newer than the run's
// creation timestamp belong to this turn. Filtering by timestamp instead of
// a run→message linkage is a deliberate compatibility accommodation — not
// every backend exposes the foreign key — and is correct as long as the
// store keeps per-thread timestamps monotonic.
func (s *Service) extractReply(ctx context.Context, threadID string, run model.Run) (string, error) {
	msgs, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("%w: list messages: %v", ErrStoreUnavailable, err)
	}

	var candidates []model.Message
	for _, m := range msgs {
		if m.Role == model.RoleAssistant && m.CreatedAt.After(run.CreatedAt) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", errNoReply
	}

	// Newest first. Message IDs are not assumed time-ordered, so sort
	// explicitly even though most stores return messages in creation order.
	slices.SortFunc(candidates, func(a, b model.Message) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return candidates[0].Content, nil
}
