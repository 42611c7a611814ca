package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/chathub/internal/protocol"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	room_id     TEXT NOT NULL,
	sequence    BIGINT NOT NULL,
	sender_id   TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	body        TEXT NOT NULL,
	sent_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (room_id, sequence)
)`

// Postgres stores messages in PostgreSQL through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and applies the schema.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Migrate creates the messages table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate messages table: %w", err)
	}
	return nil
}

func (p *Postgres) Persist(ctx context.Context, msg protocol.Message) (string, error) {
	var id string
	err := p.pool.QueryRow(ctx,
		`INSERT INTO messages (id, room_id, sequence, sender_id, sender_name, body, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		msg.ID, msg.Room, int64(msg.Sequence), msg.Sender.ID, msg.Sender.Name, msg.Body, msg.SentAt,
	).Scan(&id)
	if err != nil {
		if isPgDuplicateKeyError(err) {
			return "", fmt.Errorf("%w: room %q sequence %d", ErrDuplicateSequence, msg.Room, msg.Sequence)
		}
		return "", fmt.Errorf("failed to insert message: %w", err)
	}
	return id, nil
}

func (p *Postgres) FetchHistory(ctx context.Context, room string, before uint64, limit int) ([]protocol.Message, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, room_id, sequence, sender_id, sender_name, body, sent_at
		 FROM messages
		 WHERE room_id = $1 AND ($2 = 0 OR sequence < $2)
		 ORDER BY sequence DESC
		 LIMIT $3`,
		room, int64(before), ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.Message
	for rows.Next() {
		var (
			msg protocol.Message
			seq int64
		)
		if err := rows.Scan(&msg.ID, &msg.Room, &seq, &msg.Sender.ID, &msg.Sender.Name, &msg.Body, &msg.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Sequence = uint64(seq)
		msg.SentAt = msg.SentAt.UTC()
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	reverse(msgs)
	return msgs, nil
}

func (p *Postgres) LastSequence(ctx context.Context, room string) (uint64, error) {
	var last int64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE room_id = $1`, room,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return uint64(last), nil
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// isPgDuplicateKeyError checks if error is a PostgreSQL unique violation.
func isPgDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
