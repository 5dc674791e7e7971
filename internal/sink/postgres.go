package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/webrana/inbound-smtpd/internal/smtp"
)

// PostgresSink is the production smtp.Sink: every accepted message's
// envelope and body are written inside one transaction, so a delivery
// is never recorded half-committed. Bodies at or above the configured
// threshold are offloaded to a BlobStore and the row stores a pointer
// instead of the bytes, the same large-object split the webapp's
// attachment handling already made.
type PostgresSink struct {
	pool  *pgxpool.Pool
	db    *sqlx.DB
	blobs *BlobStore
}

// NewPostgresSink wraps an already-connected pgxpool.Pool. blobs may be nil,
// in which case every body is stored inline regardless of size.
func NewPostgresSink(pool *pgxpool.Pool, blobs *BlobStore) *PostgresSink {
	db := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
	return &PostgresSink{pool: pool, db: db, blobs: blobs}
}

// Deliver implements smtp.Sink.
func (s *PostgresSink) Deliver(ctx context.Context, env smtp.Envelope, body []byte) smtp.DeliverResult {
	id := uuid.New().String()

	var blobKey sql.NullString
	var inline []byte

	if s.blobs != nil && s.blobs.IsLargeFile(int64(len(body))) {
		key, err := s.blobs.PutBody(ctx, id, body)
		if err != nil {
			return smtp.Deferred(451, "4.3.0", "message body store unavailable")
		}
		blobKey = sql.NullString{String: key, Valid: true}
	} else {
		inline = body
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return smtp.Deferred(451, "4.3.0", "storage temporarily unavailable")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, from_addr, size_bytes, body_inline, blob_key, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, env.ReversePath, len(body), nullBytes(inline), blobKey, time.Now().UTC())
	if err != nil {
		return smtp.Deferred(451, "4.3.0", "failed to record message")
	}

	for _, rcpt := range env.ForwardPaths {
		if _, err := tx.Exec(ctx, `
			INSERT INTO recipients (message_id, forward_path) VALUES ($1, $2)
		`, id, rcpt); err != nil {
			return smtp.Deferred(451, "4.3.0", "failed to record recipient")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return smtp.Deferred(451, "4.3.0", "failed to commit message")
	}

	return smtp.Accepted(id)
}

func nullBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}

// MessageSummary is a struct-scanned row from the messages table, used by
// the admin API to list recent deliveries.
type MessageSummary struct {
	ID         string    `db:"id"`
	FromAddr   string    `db:"from_addr"`
	SizeBytes  int64     `db:"size_bytes"`
	ReceivedAt time.Time `db:"received_at"`
}

// RecentMessages returns the most recently received messages, newest first.
func (s *PostgresSink) RecentMessages(ctx context.Context, limit int) ([]MessageSummary, error) {
	var rows []MessageSummary
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, from_addr, size_bytes, received_at
		FROM messages
		ORDER BY received_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	return rows, nil
}

var _ smtp.Sink = (*PostgresSink)(nil)
