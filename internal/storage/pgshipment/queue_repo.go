package pgshipment

import (
	"context"
	"time"

	"github.com/BearBump/WayBill/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// EnqueueNotification создаёт запись очереди после неудачной отправки.
// Повторная постановка того же перехода (tracking_id, status) — no-op:
// переход нотифицируется не более одного раза.
func (s *Storage) EnqueueNotification(ctx context.Context, n *models.QueuedNotification) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO notification_queue (
  tracking_id, status, origin_message_id, origin_sender_handle,
  payload, retry_count, last_attempt_at, created_at
)
VALUES ($1,$2,$3,$4,$5,0,$6,$6)
ON CONFLICT (tracking_id, status) DO NOTHING
`, n.TrackingID, n.Status, n.MessageID, n.SenderHandle, n.Payload, n.LastAttemptAt.UTC())
	if err != nil {
		return errors.Wrap(err, "enqueue notification")
	}
	return nil
}

// ClaimDueNotifications выбирает записи, у которых прошёл фиксированный
// backoff и не исчерпан лимит попыток, и сразу двигает last_attempt_at
// на now — перекрывающийся прогон те же записи не заберёт.
func (s *Storage) ClaimDueNotifications(ctx context.Context, now time.Time, backoff time.Duration, maxRetry int32, limit int) ([]*models.QueuedNotification, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id, tracking_id, status, origin_message_id, origin_sender_handle,
       payload, retry_count, last_attempt_at, created_at
FROM notification_queue
WHERE last_attempt_at <= $1
  AND retry_count < $2
ORDER BY last_attempt_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, now.UTC().Add(-backoff), maxRetry, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due notifications")
	}

	var picked []*models.QueuedNotification
	for rows.Next() {
		var n models.QueuedNotification
		if err := rows.Scan(
			&n.ID, &n.TrackingID, &n.Status, &n.MessageID, &n.SenderHandle,
			&n.Payload, &n.RetryCount, &n.LastAttemptAt, &n.CreatedAt,
		); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan due notification")
		}
		picked = append(picked, &n)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	for _, n := range picked {
		_, err := tx.Exec(ctx, `UPDATE notification_queue SET last_attempt_at = $2 WHERE id = $1`, n.ID, now.UTC())
		if err != nil {
			return nil, errors.Wrap(err, "lease notification")
		}
		n.LastAttemptAt = now.UTC()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

func (s *Storage) DeleteNotification(ctx context.Context, id uint64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM notification_queue WHERE id = $1`, id)
	return errors.Wrap(err, "delete notification")
}

func (s *Storage) IncrementRetry(ctx context.Context, id uint64, now time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE notification_queue SET retry_count = retry_count + 1, last_attempt_at = $2 WHERE id = $1
`, id, now.UTC())
	return errors.Wrap(err, "increment retry")
}

// DeleteExhausted убирает записи, исчерпавшие лимит попыток: дальше этот
// переход не нотифицируется никогда.
func (s *Storage) DeleteExhausted(ctx context.Context, maxRetry int32) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM notification_queue WHERE retry_count >= $1`, maxRetry)
	if err != nil {
		return 0, errors.Wrap(err, "delete exhausted")
	}
	return tag.RowsAffected(), nil
}
