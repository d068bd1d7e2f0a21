package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"room-chat/internal/db"
)

// MessageStore is the durable, deduplicating message log.
type MessageStore interface {
	Append(ctx context.Context, msg NewMessage) (AppendResult, error)
	History(ctx context.Context, room string) ([]Message, error)
	HistorySince(ctx context.Context, room string, afterID int64) ([]Message, error)
}

type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

// Append inserts msg unless its token is already recorded, in which case the
// existing row's id comes back with Created=false.
func (r *Repository) Append(ctx context.Context, msg NewMessage) (AppendResult, error) {
	var offset any
	if msg.Token != "" {
		offset = msg.Token
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := r.db.Rebind(`INSERT INTO messages (client_offset, content, username, room, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`)

	var id int64
	err := r.db.Conn.QueryRowContext(ctx, query,
		offset, msg.Content, msg.Username, msg.Room, createdAt.UTC().UnixMilli(),
	).Scan(&id)
	if err == nil {
		return AppendResult{ID: id, Created: true}, nil
	}
	if msg.Token == "" || !db.IsUniqueViolation(err) {
		return AppendResult{}, fmt.Errorf("%w: insert message: %w", ErrStoreUnavailable, err)
	}

	existing, err := r.idForToken(ctx, msg.Token)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: lookup offset: %w", ErrStoreUnavailable, err)
	}
	return AppendResult{ID: existing, Created: false}, nil
}

func (r *Repository) idForToken(ctx context.Context, token string) (int64, error) {
	var id int64
	query := r.db.Rebind("SELECT id FROM messages WHERE client_offset = ?")
	if err := r.db.Conn.QueryRowContext(ctx, query, token).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Repository) History(ctx context.Context, room string) ([]Message, error) {
	return r.HistorySince(ctx, room, 0)
}

func (r *Repository) HistorySince(ctx context.Context, room string, afterID int64) ([]Message, error) {
	query := r.db.Rebind(`
		SELECT id, client_offset, content, username, room, created_at
		FROM messages
		WHERE room = ? AND id > ?
		ORDER BY id ASC
	`)
	rows, err := r.db.Conn.QueryContext(ctx, query, room, afterID)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			msg       Message
			offset    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &offset, &msg.Content, &msg.Username, &msg.Room, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan history: %w", ErrStoreUnavailable, err)
		}
		msg.Token = offset.String
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read history: %w", ErrStoreUnavailable, err)
	}
	return messages, nil
}

var _ MessageStore = (*Repository)(nil)
