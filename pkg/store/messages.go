package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/atlas-chat/atlas/pkg/models"
)

const messageColumns = `id, user_id, conversation_id, role, content, model, provider,
	input_tokens, output_tokens, cost_nanos, created_at`

type messageRow struct {
	models.Message
	CostNanos int64 `db:"cost_nanos"`
}

// AppendMessage stores one conversation turn.
func (s *SQLStore) AppendMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.UserID, m.ConversationID, m.Role, m.Content, m.Model, m.Provider,
		m.InputTokens, m.OutputTokens, toNanos(m.CostUSD), m.CreatedAt.UTC(),
	)
	if err != nil {
		return dbError(err, "append message")
	}
	return nil
}

// CountUserMessagesSince counts the messages a user sent since the given time.
func (s *SQLStore) CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		s.q(`SELECT COUNT(*) FROM messages WHERE user_id = ? AND role = 'user' AND created_at >= ?`),
		userID, since.UTC(),
	)
	if err != nil {
		return 0, dbError(err, "count user messages")
	}
	return n, nil
}

// ListConversationMessages returns up to limit of the latest turns of a
// conversation owned by userID, oldest first.
func (s *SQLStore) ListConversationMessages(ctx context.Context, userID, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT `+messageColumns+` FROM messages
		 WHERE user_id = ? AND conversation_id = ?
		 ORDER BY created_at DESC LIMIT ?`),
		userID, conversationID, limit,
	)
	if err != nil {
		return nil, dbError(err, "list conversation messages")
	}
	msgs := lo.Map(rows, func(r messageRow, _ int) models.Message {
		r.CostUSD = fromNanos(r.CostNanos)
		return r.Message
	})
	return lo.Reverse(msgs), nil
}
