package pgshipment

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  tracking_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  is_archived BOOLEAN NOT NULL DEFAULT FALSE,
  sender_name TEXT NULL,
  sender_country TEXT NULL,
  receiver_name TEXT NULL,
  receiver_address TEXT NULL,
  receiver_country TEXT NULL,
  receiver_phone TEXT NULL,
  receiver_email TEXT NULL,
  origin_message_id TEXT NULL,
  origin_sender_handle TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  last_transition_at TIMESTAMPTZ NOT NULL,
  CHECK ((origin_message_id IS NULL) = (origin_sender_handle IS NULL))
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_status_created_at ON shipments(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_created_at ON shipments(created_at)`,
		// Точный (не fuzzy) дедуп по четырём полям среди неархивных записей.
		`
CREATE INDEX IF NOT EXISTS idx_shipments_manifest_dedup
ON shipments(receiver_phone, receiver_name, sender_name, receiver_country)
WHERE is_archived = FALSE`,
		`
CREATE TABLE IF NOT EXISTS shipment_events (
  id BIGSERIAL PRIMARY KEY,
  tracking_id TEXT NOT NULL REFERENCES shipments(tracking_id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  event_time TIMESTAMPTZ NOT NULL,
  notes TEXT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipment_events_tracking_id_event_time ON shipment_events(tracking_id, event_time DESC)`,
		`
CREATE TABLE IF NOT EXISTS notification_queue (
  id BIGSERIAL PRIMARY KEY,
  tracking_id TEXT NOT NULL,
  status TEXT NOT NULL,
  origin_message_id TEXT NOT NULL,
  origin_sender_handle TEXT NOT NULL,
  payload TEXT NOT NULL,
  retry_count INT NOT NULL DEFAULT 0,
  last_attempt_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (tracking_id, status)
)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_queue_last_attempt_at ON notification_queue(last_attempt_at)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
