package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arklow-data/tender-triage/internal/db"
	"github.com/arklow-data/tender-triage/internal/model"
	"github.com/arklow-data/tender-triage/internal/resilience"
)

// PostgresQueue implements Queue on Postgres. Claims use FOR UPDATE SKIP
// LOCKED so concurrent workers never double-claim, and the visibility
// timeout covers workers that die mid-message.
type PostgresQueue struct {
	pool db.Pool
	opts Options
}

// NewPostgres builds a queue sharing the store's connection pool.
func NewPostgres(pool db.Pool, opts Options) *PostgresQueue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultOptions().VisibilityTimeout
	}
	if opts.MaxReceives <= 0 {
		opts.MaxReceives = DefaultOptions().MaxReceives
	}
	return &PostgresQueue{pool: pool, opts: opts}
}

const postgresQueueMigration = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id            TEXT PRIMARY KEY,
	queue_name    TEXT NOT NULL,
	body          JSONB NOT NULL,
	receive_count INTEGER NOT NULL DEFAULT 0,
	visible_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_queue_messages_claim ON queue_messages(queue_name, visible_at);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	queue_name     TEXT NOT NULL,
	message        JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	receive_count  INTEGER NOT NULL DEFAULT 0,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_queue_name ON dead_letter_queue(queue_name);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
`

// Migrate creates the queue schema.
func (q *PostgresQueue) Migrate(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, postgresQueueMigration)
	return eris.Wrap(err, "queue: migrate")
}

func (q *PostgresQueue) Send(ctx context.Context, queueName string, body []byte) error {
	if queueName == "" {
		return eris.New("queue: empty queue name")
	}
	_, err := q.pool.Exec(ctx,
		`INSERT INTO queue_messages (id, queue_name, body, receive_count, visible_at, enqueued_at)
		 VALUES ($1, $2, $3, 0, now(), now())`,
		uuid.New().String(), queueName, body,
	)
	return eris.Wrapf(err, "queue: send to %s", queueName)
}

func (q *PostgresQueue) Receive(ctx context.Context, queueName string, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 10
	}

	rows, err := q.pool.Query(ctx,
		`WITH claimed AS (
			SELECT id FROM queue_messages
			WHERE queue_name = $1 AND visible_at <= now()
			ORDER BY enqueued_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages m
		SET receive_count = m.receive_count + 1,
		    visible_at = now() + make_interval(secs => $3)
		FROM claimed
		WHERE m.id = claimed.id
		RETURNING m.id, m.queue_name, m.body, m.receive_count, m.enqueued_at`,
		queueName, max, q.opts.VisibilityTimeout.Seconds(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: receive from %s", queueName)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.Queue, &d.Body, &d.ReceiveCount, &d.EnqueuedAt); err != nil {
			return nil, eris.Wrap(err, "queue: scan delivery")
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "queue: receive from %s iterate", queueName)
	}

	// Messages past their delivery budget go to the DLQ instead of back to
	// a consumer that has already failed them repeatedly.
	kept := deliveries[:0]
	for _, d := range deliveries {
		if d.ReceiveCount <= q.opts.MaxReceives {
			kept = append(kept, d)
			continue
		}
		if err := q.DeadLetter(ctx, d, eris.Errorf("delivery budget exhausted after %d receives", d.ReceiveCount)); err != nil {
			zap.L().Error("queue: dead-letter over-budget message",
				zap.String("message_id", d.ID),
				zap.String("queue", d.Queue),
				zap.Error(err),
			)
		}
	}
	return kept, nil
}

// Ack deletes the message and clears any dead-letter history a requeued
// copy was carrying.
func (q *PostgresQueue) Ack(ctx context.Context, id string) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "queue: ack begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "queue: ack %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue: message not found: %s", id)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id); err != nil {
		return eris.Wrapf(err, "queue: ack clear dlq %s", id)
	}

	return eris.Wrap(tx.Commit(ctx), "queue: ack commit")
}

func (q *PostgresQueue) Nack(ctx context.Context, id string, delay time.Duration) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue_messages SET visible_at = now() + make_interval(secs => $1) WHERE id = $2`,
		delay.Seconds(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: nack %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue: message not found: %s", id)
	}
	return nil
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, d Delivery, cause error) error {
	errText := "unknown"
	if cause != nil {
		errText = cause.Error()
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "queue: dead-letter begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, queue_name, message, error, error_type, receive_count, retry_count, max_retries, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, now(), now())
		 ON CONFLICT (id) DO UPDATE SET
		   error = EXCLUDED.error, error_type = EXCLUDED.error_type,
		   receive_count = EXCLUDED.receive_count, last_failed_at = now()`,
		d.ID, d.Queue, d.Body, errText, resilience.ClassifyError(cause),
		d.ReceiveCount, 3,
	); err != nil {
		return eris.Wrapf(err, "queue: dead-letter insert %s", d.ID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1`, d.ID); err != nil {
		return eris.Wrapf(err, "queue: dead-letter remove %s", d.ID)
	}

	return eris.Wrap(tx.Commit(ctx), "queue: dead-letter commit")
}

func (q *PostgresQueue) Depth(ctx context.Context, queueName string) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx,
		`SELECT count(*) FROM queue_messages WHERE queue_name = $1`, queueName,
	).Scan(&n)
	return n, eris.Wrapf(err, "queue: depth of %s", queueName)
}

func (q *PostgresQueue) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, queue_name, message, error, error_type, receive_count, retry_count, max_retries, created_at, last_failed_at
	          FROM dead_letter_queue WHERE true`
	args := []any{}

	if filter.QueueName != "" {
		args = append(args, filter.QueueName)
		query += fmt.Sprintf(` AND queue_name = $%d`, len(args))
	}
	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
		query += fmt.Sprintf(` AND error_type = $%d`, len(args))
	}

	query += ` ORDER BY last_failed_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "queue: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var body []byte
		if err := rows.Scan(&e.ID, &e.QueueName, &body, &e.Error, &e.ErrorType,
			&e.ReceiveCount, &e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "queue: scan dlq entry")
		}
		if err := json.Unmarshal(body, &e.Message); err != nil {
			// Keep malformed payloads inspectable instead of failing the list.
			e.RawBody = string(body)
			e.Message = model.PipelineMessage{}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "queue: list dlq iterate")
}

func (q *PostgresQueue) RequeueDLQ(ctx context.Context, id string) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "queue: requeue begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var entry resilience.DLQEntry
	var queueName string
	var body []byte
	err = tx.QueryRow(ctx,
		`SELECT queue_name, message, retry_count, max_retries FROM dead_letter_queue WHERE id = $1 FOR UPDATE`, id,
	).Scan(&queueName, &body, &entry.RetryCount, &entry.MaxRetries)
	if err != nil {
		return eris.Wrapf(err, "queue: dlq entry not found: %s", id)
	}
	if !entry.CanRetry() {
		return eris.Errorf("queue: retry budget exhausted for %s (%d/%d), purge instead",
			id, entry.RetryCount, entry.MaxRetries)
	}

	// Same identity, fresh delivery budget. The DLQ row keeps the failure
	// history until the requeued copy is acked or dead-letters again onto
	// the same row.
	if _, err := tx.Exec(ctx,
		`INSERT INTO queue_messages (id, queue_name, body, receive_count, visible_at, enqueued_at)
		 VALUES ($1, $2, $3, 0, now(), now())`,
		id, queueName, body,
	); err != nil {
		return eris.Wrapf(err, "queue: requeue insert %s", id)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE dead_letter_queue SET retry_count = retry_count + 1 WHERE id = $1`, id,
	); err != nil {
		return eris.Wrapf(err, "queue: requeue bump retry %s", id)
	}

	return eris.Wrap(tx.Commit(ctx), "queue: requeue commit")
}

func (q *PostgresQueue) RemoveDLQ(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrapf(err, "queue: remove dlq %s", id)
}

func (q *PostgresQueue) CountDLQ(ctx context.Context) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM dead_letter_queue`).Scan(&n)
	return n, eris.Wrap(err, "queue: count dlq")
}

