package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
)

// PGMQQueue implements domain.Queue against the pgmq Postgres
// extension (spec.md §1: "we assume primitives enqueue(q,msg)→id,
// read(q,vt,n)→[msg], archive(q,id)"). Every stage queue in this
// pipeline (artist, album, track, producer, social) is a pgmq queue
// reached through these functions; dead-lettered messages are written
// to the dead_letter_items table, not to a pgmq queue.
type PGMQQueue struct {
	pool *pgxpool.Pool
}

// NewPGMQQueue constructs a PGMQQueue over pool.
func NewPGMQQueue(pool *pgxpool.Pool) *PGMQQueue {
	return &PGMQQueue{pool: pool}
}

// Send enqueues payload (marshaled to JSON) and returns the new
// message id, via `pgmq.send`.
func (q *PGMQQueue) Send(ctx context.Context, queue string, payload any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("op=pgmq.send marshal: %w", err)
	}
	var msgID int64
	err = q.pool.QueryRow(ctx, `SELECT * FROM pgmq.send($1, $2::jsonb)`, queue, body).Scan(&msgID)
	if err != nil {
		return 0, fmt.Errorf("op=pgmq.send queue=%s: %w", queue, err)
	}
	return msgID, nil
}

// Read leases up to batchSize messages via `pgmq.read`, each invisible
// to other readers for visibilityTimeoutSec.
func (q *PGMQQueue) Read(ctx context.Context, queue string, visibilityTimeoutSec, batchSize int) ([]domain.Message, error) {
	rows, err := q.pool.Query(ctx, `SELECT msg_id, read_ct, enqueued_at, vt, message FROM pgmq.read($1, $2, $3)`,
		queue, visibilityTimeoutSec, batchSize)
	if err != nil {
		return nil, fmt.Errorf("op=pgmq.read queue=%s: %w", queue, err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var body []byte
		if err := rows.Scan(&m.MsgID, &m.ReadCount, &m.EnqueuedAt, &m.VisibilityTo, &body); err != nil {
			return nil, fmt.Errorf("op=pgmq.read scan queue=%s: %w", queue, err)
		}
		m.Body = body
		out = append(out, m)
	}
	return out, rows.Err()
}

// Archive removes the message from the queue's main table, placing it
// beyond redelivery, via `pgmq.archive`.
func (q *PGMQQueue) Archive(ctx context.Context, queue string, msgID int64) (bool, error) {
	var ok bool
	err := q.pool.QueryRow(ctx, `SELECT pgmq.archive($1, $2::bigint)`, queue, msgID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("op=pgmq.archive queue=%s msg=%d: %w", queue, msgID, err)
	}
	return ok, nil
}

// DropAndRecreate drops and recreates the queue (admin reset
// operation, spec.md §6.1).
func (q *PGMQQueue) DropAndRecreate(ctx context.Context, queue string) error {
	return WithTransaction(ctx, q.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pgmq.drop_queue($1)`, queue); err != nil {
			return fmt.Errorf("op=pgmq.drop_queue queue=%s: %w", queue, err)
		}
		if _, err := tx.Exec(ctx, `SELECT pgmq.create($1)`, queue); err != nil {
			return fmt.Errorf("op=pgmq.create queue=%s: %w", queue, err)
		}
		return nil
	})
}

// PendingCount reports the approximate number of visible messages
// still queued, used by the maintenance loop's queue-depth gauge.
func (q *PGMQQueue) PendingCount(ctx context.Context, queue string) (int, error) {
	var count int
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM pgmq.q_`+pgmqQuoteIdent(queue)+` WHERE vt <= now()`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("op=pgmq.pending queue=%s: %w", queue, err)
	}
	return count, nil
}

// pgmqQuoteIdent guards against SQL injection in the dynamic table
// name built for PendingCount: pgmq queue names are restricted to our
// own stage constants (see domain.StageName), never user input, but we
// still only allow the identifier charset pgmq itself accepts.
func pgmqQuoteIdent(s string) string {
	out := make([]byte, 0, len(s))
	for _, c := range s {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			out = append(out, byte(c))
		}
	}
	return string(out)
}

// ReleaseStalled clears the visibility timeout of messages whose lease
// has been expired for longer than olderThan, so a worker that crashed
// mid-processing does not strand them forever (spec.md §4.7 "Stalled
// recovery"). pgmq has no built-in primitive for this, so it is
// implemented as a direct UPDATE against the queue's backing table.
func (q *PGMQQueue) ReleaseStalled(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE pgmq.q_`+pgmqQuoteIdent(queue)+` SET vt = now() WHERE vt < now() - ($1 * interval '1 second')`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=pgmq.release_stalled queue=%s: %w", queue, err)
	}
	return int(tag.RowsAffected()), nil
}
