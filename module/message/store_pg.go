package message

import (
	"context"

	"PPChat/tools/errs"

	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id            TEXT PRIMARY KEY,
	thread_id     TEXT NOT NULL,
	sender_id     TEXT NOT NULL,
	client_msg_id TEXT NOT NULL DEFAULT '',
	ciphertext    BYTEA NOT NULL,
	iv            BYTEA NOT NULL,
	salt          BYTEA NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_thread_idx ON chat_messages (thread_id, created_at DESC);
`

// PgStore PostgreSQL 实现
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.WrapMsg(err, "pgxpool new")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.ErrStoreUnavailable.WrapMsg("postgres ping", "err", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "ensure schema")
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) Close() { s.pool.Close() }

func (s *PgStore) Save(ctx context.Context, r *Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, thread_id, sender_id, client_msg_id, ciphertext, iv, salt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.ThreadID, r.SenderID, r.ClientMsgID, r.Payload.Ciphertext, r.Payload.IV, r.Payload.Salt, r.CreatedAt)
	if err != nil {
		return errs.WrapMsg(err, "insert message", "id", r.ID)
	}
	return nil
}

func (s *PgStore) Recent(ctx context.Context, threadID string, limit int) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, thread_id, sender_id, client_msg_id, ciphertext, iv, salt, created_at
		FROM chat_messages WHERE thread_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, threadID, limit)
	if err != nil {
		return nil, errs.WrapMsg(err, "query history", "thread", threadID)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.SenderID, &r.ClientMsgID,
			&r.Payload.Ciphertext, &r.Payload.IV, &r.Payload.Salt, &r.CreatedAt); err != nil {
			return nil, errs.WrapMsg(err, "scan message")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.WrapMsg(err, "iterate history")
	}
	reverse(out)
	return out, nil
}

func reverse(rs []*Record) {
	for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
		rs[i], rs[j] = rs[j], rs[i]
	}
}
