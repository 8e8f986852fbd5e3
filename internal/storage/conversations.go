package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hwahaego/internal/models"
)

// ConversationStore persists mediation transcripts. Each conversation record
// is owned by exactly one live session, and Upsert replaces the whole record,
// so a repeated write with the same content is idempotent.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore wraps the given database handle.
func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// Create inserts the conversation row minted at session start.
func (s *ConversationStore) Create(ctx context.Context, id, code string, roster models.Roster) error {
	participants, err := json.Marshal(roster)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, code, participants, status, resolution, summary, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', '', ?, ?)`,
		id, code, string(participants), string(models.StateOpening), now, now,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// Upsert replaces the conversation's message list and metadata in one
// transaction: the row is updated and the messages are deleted and
// re-inserted in transcript order.
func (s *ConversationStore) Upsert(ctx context.Context, id string, messages []models.Message, summary string, status models.State, resolution models.Resolution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET status = ?, resolution = ?, summary = ?, updated_at = ? WHERE id = ?`,
		string(status), string(resolution), summary, now, id,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for seq, msg := range messages {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (conversation_id, seq, kind, speaker, content, sent_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, seq, string(msg.Kind), msg.Speaker, msg.Content, msg.SentAt,
		)
		if err != nil {
			return fmt.Errorf("insert message %d: %w", seq, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// Get returns one conversation with its ordered messages.
func (s *ConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var (
		conv         models.Conversation
		participants string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, participants, status, resolution, summary, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Code, &participants, &conv.Status, &conv.Resolution, &conv.Summary, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, speaker, content, sent_at FROM conversation_messages
		 WHERE conversation_id = ? ORDER BY seq ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Kind, &m.Speaker, &m.Content, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		conv.Messages = append(conv.Messages, m)
	}
	return &conv, rows.Err()
}
