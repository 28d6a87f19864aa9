package pgshipment

import (
	"context"
	"time"

	"github.com/BearBump/WayBill/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// ErrTrackingIDTaken сигнализирует конфликт по первичному ключу:
// сервис генерирует новый id и повторяет вставку.
var ErrTrackingIDTaken = errors.New("tracking id already taken")

const shipmentColumns = `
  tracking_id, status, is_archived,
  sender_name, sender_country,
  receiver_name, receiver_address, receiver_country, receiver_phone, receiver_email,
  origin_message_id, origin_sender_handle,
  created_at, last_transition_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	var originMsgID, originHandle *string
	if err := row.Scan(
		&sh.TrackingID, &sh.Status, &sh.IsArchived,
		&sh.SenderName, &sh.SenderCountry,
		&sh.ReceiverName, &sh.ReceiverAddress, &sh.ReceiverCountry, &sh.ReceiverPhone, &sh.ReceiverEmail,
		&originMsgID, &originHandle,
		&sh.CreatedAt, &sh.LastTransitionAt,
	); err != nil {
		return nil, err
	}
	if originMsgID != nil && originHandle != nil {
		sh.Origin = &models.OriginMessageRef{MessageID: *originMsgID, SenderHandle: *originHandle}
	}
	return &sh, nil
}

// CreateShipmentWithEvent вставляет отправление и первое событие одной
// транзакцией. Конфликт tracking_id возвращается как ErrTrackingIDTaken.
func (s *Storage) CreateShipmentWithEvent(ctx context.Context, sh *models.Shipment, ev *models.ShipmentEvent) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var originMsgID, originHandle *string
	if sh.Origin != nil {
		originMsgID = &sh.Origin.MessageID
		originHandle = &sh.Origin.SenderHandle
	}

	_, err = tx.Exec(ctx, `
INSERT INTO shipments (
  tracking_id, status, is_archived,
  sender_name, sender_country,
  receiver_name, receiver_address, receiver_country, receiver_phone, receiver_email,
  origin_message_id, origin_sender_handle,
  created_at, last_transition_at
)
VALUES ($1,$2,FALSE,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
`, sh.TrackingID, sh.Status,
		sh.SenderName, sh.SenderCountry,
		sh.ReceiverName, sh.ReceiverAddress, sh.ReceiverCountry, sh.ReceiverPhone, sh.ReceiverEmail,
		originMsgID, originHandle,
		sh.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrTrackingIDTaken
		}
		return errors.Wrap(err, "insert shipment")
	}

	_, err = tx.Exec(ctx, `
INSERT INTO shipment_events (tracking_id, status, location, event_time, notes)
VALUES ($1,$2,$3,$4,$5)
`, sh.TrackingID, ev.Status, ev.Location, ev.Timestamp.UTC(), ev.Notes)
	if err != nil {
		return errors.Wrap(err, "insert initial event")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

func (s *Storage) GetShipment(ctx context.Context, trackingID string) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE tracking_id = $1
`, trackingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "select shipment")
	}

	rows, err := s.db.Query(ctx, `
SELECT id, tracking_id, status, location, event_time, notes
FROM shipment_events
WHERE tracking_id = $1
ORDER BY event_time DESC, id DESC
`, trackingID)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	for rows.Next() {
		var e models.ShipmentEvent
		if err := rows.Scan(&e.ID, &e.TrackingID, &e.Status, &e.Location, &e.Timestamp, &e.Notes); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		sh.Events = append(sh.Events, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return sh, nil
}

// ShipmentUpdate описывает условный переход: UPDATE проходит только если
// текущий статус входит в FromStatuses. Scrub=true зануляет PII в том же
// UPDATE (архивирование при доставке).
type ShipmentUpdate struct {
	TrackingID   string
	FromStatuses []string
	NewStatus    string
	Scrub        bool
	At           time.Time

	Event *models.ShipmentEvent
}

// UpdateShipmentWithEvent атомарно меняет статус и дописывает событие.
// Ноль затронутых строк означает либо неизвестный id (ErrNotFound), либо
// проигранную гонку / запрещённое ребро (ErrInvalidTransition).
func (s *Storage) UpdateShipmentWithEvent(ctx context.Context, upd ShipmentUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tag pgconn.CommandTag
	if upd.Scrub {
		tag, err = tx.Exec(ctx, `
UPDATE shipments
SET
  status = $2,
  last_transition_at = $3,
  is_archived = TRUE,
  sender_name = NULL,
  sender_country = NULL,
  receiver_name = NULL,
  receiver_address = NULL,
  receiver_country = NULL,
  receiver_phone = NULL,
  receiver_email = NULL
WHERE tracking_id = $1
  AND status = ANY($4)
  AND is_archived = FALSE
`, upd.TrackingID, upd.NewStatus, upd.At.UTC(), upd.FromStatuses)
	} else {
		tag, err = tx.Exec(ctx, `
UPDATE shipments
SET
  status = $2,
  last_transition_at = $3
WHERE tracking_id = $1
  AND status = ANY($4)
  AND is_archived = FALSE
`, upd.TrackingID, upd.NewStatus, upd.At.UTC(), upd.FromStatuses)
	}
	if err != nil {
		return errors.Wrap(err, "update shipment")
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM shipments WHERE tracking_id = $1)`, upd.TrackingID).Scan(&exists); err != nil {
			return errors.Wrap(err, "check shipment exists")
		}
		if !exists {
			return models.ErrNotFound
		}
		return models.ErrInvalidTransition
	}

	_, err = tx.Exec(ctx, `
INSERT INTO shipment_events (tracking_id, status, location, event_time, notes)
VALUES ($1,$2,$3,$4,$5)
`, upd.TrackingID, upd.Event.Status, upd.Event.Location, upd.Event.Timestamp.UTC(), upd.Event.Notes)
	if err != nil {
		return errors.Wrap(err, "insert event")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// ClaimStalePending переводит зависшие PENDING-отправления в IN_TRANSIT и
// возвращает затронутые записи. SELECT ... FOR UPDATE SKIP LOCKED делает
// операцию безопасной при перекрывающихся вызовах: запись достаётся ровно
// одному вызову, повторный прогон не дописывает дубликаты событий.
func (s *Storage) ClaimStalePending(ctx context.Context, cutoff time.Time, now time.Time, limit int) ([]*models.Shipment, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE status = $1
  AND created_at <= $2
ORDER BY created_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, models.StatusPending, cutoff.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select stale pending")
	}

	var picked []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan stale pending")
		}
		picked = append(picked, sh)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	for _, sh := range picked {
		_, err := tx.Exec(ctx, `
UPDATE shipments SET status = $2, last_transition_at = $3 WHERE tracking_id = $1
`, sh.TrackingID, models.StatusInTransit, now.UTC())
		if err != nil {
			return nil, errors.Wrap(err, "self-heal update")
		}

		location := "Origin Center"
		if sh.SenderCountry != nil && *sh.SenderCountry != "" {
			location = *sh.SenderCountry
		}
		notes := "Automatic status sync: Package in transit"
		_, err = tx.Exec(ctx, `
INSERT INTO shipment_events (tracking_id, status, location, event_time, notes)
VALUES ($1,$2,$3,$4,$5)
`, sh.TrackingID, models.StatusInTransit, location, now.UTC(), &notes)
		if err != nil {
			return nil, errors.Wrap(err, "self-heal event")
		}
		sh.Status = models.StatusInTransit
		sh.LastTransitionAt = now.UTC()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// FindExactManifest ищет неархивное отправление по точному совпадению всех
// четырёх полей манифеста. pgx.ErrNoRows — не ошибка, а «дубликата нет».
func (s *Storage) FindExactManifest(ctx context.Context, key models.ManifestKey) (string, bool, error) {
	var trackingID string
	err := s.db.QueryRow(ctx, `
SELECT tracking_id
FROM shipments
WHERE receiver_phone = $1
  AND receiver_name = $2
  AND sender_name = $3
  AND receiver_country = $4
  AND is_archived = FALSE
LIMIT 1
`, key.ReceiverPhone, key.ReceiverName, key.SenderName, key.ReceiverCountry).Scan(&trackingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "find exact manifest")
	}
	return trackingID, true, nil
}

// DeleteShipment удаляет отправление, его события (FK cascade) и очередь
// уведомлений одной транзакцией — осиротевших записей не остаётся.
func (s *Storage) DeleteShipment(ctx context.Context, trackingID string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM shipments WHERE tracking_id = $1`, trackingID)
	if err != nil {
		return errors.Wrap(err, "delete shipment")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	_, err = tx.Exec(ctx, `DELETE FROM notification_queue WHERE tracking_id = $1`, trackingID)
	if err != nil {
		return errors.Wrap(err, "delete queued notifications")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

func (s *Storage) BulkDeleteArchived(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM shipments WHERE is_archived = TRUE`)
	if err != nil {
		return 0, errors.Wrap(err, "bulk delete archived")
	}
	return tag.RowsAffected(), nil
}

// PruneOlderThan удаляет отправления старше cutoff независимо от статуса,
// вместе с хвостом очереди уведомлений того же возраста.
func (s *Storage) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM shipments WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "prune shipments")
	}

	_, err = tx.Exec(ctx, `DELETE FROM notification_queue WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "prune queued notifications")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit tx")
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) ListShipments(ctx context.Context, limit, offset int) ([]*models.Shipment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
ORDER BY created_at DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	defer rows.Close()

	out := make([]*models.Shipment, 0, limit)
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM shipments GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count by status")
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		out[status] = n
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
