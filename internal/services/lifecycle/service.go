package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/WayBill/internal/broker/messages"
	"github.com/BearBump/WayBill/internal/cache"
	"github.com/BearBump/WayBill/internal/models"
	"github.com/BearBump/WayBill/internal/storage/pgshipment"
	"github.com/pkg/errors"
)

type Repository interface {
	CreateShipmentWithEvent(ctx context.Context, sh *models.Shipment, ev *models.ShipmentEvent) error
	GetShipment(ctx context.Context, trackingID string) (*models.Shipment, error)
	UpdateShipmentWithEvent(ctx context.Context, upd pgshipment.ShipmentUpdate) error
	ClaimStalePending(ctx context.Context, cutoff, now time.Time, limit int) ([]*models.Shipment, error)
	DeleteShipment(ctx context.Context, trackingID string) error
	BulkDeleteArchived(ctx context.Context) (int64, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ListShipments(ctx context.Context, limit, offset int) ([]*models.Shipment, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

const (
	defaultIntakeWindow  = 1 * time.Hour
	defaultRetention     = 7 * 24 * time.Hour
	defaultSelfHealBatch = 100
	createIDAttempts     = 5
)

type Service struct {
	repo     Repository
	producer Producer
	cache    cache.BytesCache
	topic    string

	cacheTTL      time.Duration
	intakeWindow  time.Duration
	retention     time.Duration
	selfHealBatch int

	genID func() string
}

func New(repo Repository, producer Producer, c cache.BytesCache, topic string, cacheTTL time.Duration) *Service {
	return &Service{
		repo:          repo,
		producer:      producer,
		cache:         c,
		topic:         topic,
		cacheTTL:      cacheTTL,
		intakeWindow:  defaultIntakeWindow,
		retention:     defaultRetention,
		selfHealBatch: defaultSelfHealBatch,
		genID:         NewTrackingID,
	}
}

func (s *Service) WithWindows(intake, retention time.Duration, selfHealBatch int) *Service {
	if intake > 0 {
		s.intakeWindow = intake
	}
	if retention > 0 {
		s.retention = retention
	}
	if selfHealBatch > 0 {
		s.selfHealBatch = selfHealBatch
	}
	return s
}

// Create заводит отправление и первое событие одной транзакцией.
// Бот-манифесты стартуют в PENDING, операторские — сразу в IN_TRANSIT
// (интейк-шаг им не нужен). Конфликт tracking_id лечится регенерацией.
func (s *Service) Create(ctx context.Context, m models.Manifest, origin *models.OriginMessageRef, operator bool) (string, error) {
	if m.ReceiverName == "" || m.ReceiverAddress == "" || m.ReceiverPhone == "" || m.ReceiverCountry == "" {
		return "", errors.New("receiver fields are required")
	}
	if m.SenderName == "" {
		return "", errors.New("senderName is required")
	}

	status := models.StatusPending
	if operator {
		status = models.StatusInTransit
	}

	now := time.Now().UTC()
	notes := "Shipment created"
	location := "Origin"
	if m.SenderCountry != "" {
		location = m.SenderCountry
	}

	var trackingID string
	for attempt := 0; attempt < createIDAttempts; attempt++ {
		trackingID = s.genID()
		sh := &models.Shipment{
			TrackingID:       trackingID,
			Status:           status,
			SenderName:       optStr(m.SenderName),
			SenderCountry:    optStr(m.SenderCountry),
			ReceiverName:     optStr(m.ReceiverName),
			ReceiverAddress:  optStr(m.ReceiverAddress),
			ReceiverCountry:  optStr(m.ReceiverCountry),
			ReceiverPhone:    optStr(m.ReceiverPhone),
			ReceiverEmail:    optStr(m.ReceiverEmail),
			Origin:           origin,
			CreatedAt:        now,
			LastTransitionAt: now,
		}
		ev := &models.ShipmentEvent{
			TrackingID: trackingID,
			Status:     status,
			Location:   location,
			Timestamp:  now,
			Notes:      &notes,
		}

		err := s.repo.CreateShipmentWithEvent(ctx, sh, ev)
		if err == nil {
			return trackingID, nil
		}
		if errors.Is(err, pgshipment.ErrTrackingIDTaken) {
			continue
		}
		return "", err
	}
	return "", errors.New("tracking id space exhausted, giving up")
}

// Transition валидирует ребро и атомарно применяет переход. DELIVERED
// зануляет PII в той же записи. Уведомление — асинхронный side effect
// через Kafka, неуспех публикации не роняет переход.
func (s *Service) Transition(ctx context.Context, trackingID, newStatus, location string, notes *string) error {
	if trackingID == "" {
		return errors.New("trackingId is required")
	}
	from, ok := fromStatuses(newStatus)
	if !ok {
		return models.ErrInvalidTransition
	}

	now := time.Now().UTC()
	upd := pgshipment.ShipmentUpdate{
		TrackingID:   trackingID,
		FromStatuses: from,
		NewStatus:    newStatus,
		Scrub:        newStatus == models.StatusDelivered,
		At:           now,
		Event: &models.ShipmentEvent{
			TrackingID: trackingID,
			Status:     newStatus,
			Location:   location,
			Timestamp:  now,
			Notes:      notes,
		},
	}
	if err := s.repo.UpdateShipmentWithEvent(ctx, upd); err != nil {
		return err
	}

	s.invalidate(ctx, trackingID)
	s.publishStatusChanged(ctx, trackingID, newStatus, now)
	return nil
}

func (s *Service) MarkDelivered(ctx context.Context, trackingID string) error {
	notes := "Delivered to recipient"
	return s.Transition(ctx, trackingID, models.StatusDelivered, "Destination", &notes)
}

func (s *Service) Cancel(ctx context.Context, trackingID string, notes *string) error {
	return s.Transition(ctx, trackingID, models.StatusCanceled, "", notes)
}

// SelfHeal переводит все PENDING старше окна интейка в IN_TRANSIT.
// Повторный и конкурентный прогон безопасны: запись забирается с
// блокировкой ровно одним вызовом, второй видит уже IN_TRANSIT.
func (s *Service) SelfHeal(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.intakeWindow)
	total := 0
	for {
		claimed, err := s.repo.ClaimStalePending(ctx, cutoff, now, s.selfHealBatch)
		if err != nil {
			return total, err
		}
		for _, sh := range claimed {
			s.invalidate(ctx, sh.TrackingID)
			s.publishStatusChanged(ctx, sh.TrackingID, models.StatusInTransit, now)
		}
		total += len(claimed)
		if len(claimed) < s.selfHealBatch {
			return total, nil
		}
	}
}

func (s *Service) Delete(ctx context.Context, trackingID string) error {
	if trackingID == "" {
		return errors.New("trackingId is required")
	}
	if err := s.repo.DeleteShipment(ctx, trackingID); err != nil {
		return err
	}
	s.invalidate(ctx, trackingID)
	return nil
}

func (s *Service) BulkDeleteArchived(ctx context.Context) (int64, error) {
	return s.repo.BulkDeleteArchived(ctx)
}

// PruneOlderThan удаляет отправления старше окна хранения независимо от
// статуса. Возвращает число удалённых записей.
func (s *Service) PruneOlderThan(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.PruneOlderThan(ctx, now.Add(-s.retention))
}

// Track — публичный просмотр. Архивные отправления отдаются без PII и без
// истории событий; ответ кэшируется как best-effort.
func (s *Service) Track(ctx context.Context, trackingID string) (*models.Shipment, error) {
	if trackingID == "" {
		return nil, models.ErrNotFound
	}

	if s.cache != nil && s.cacheTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, trackingKey(trackingID)); err == nil && ok {
			var sh models.Shipment
			if json.Unmarshal(b, &sh) == nil {
				return &sh, nil
			}
		}
	}

	sh, err := s.repo.GetShipment(ctx, trackingID)
	if err != nil {
		return nil, err
	}
	if sh.IsArchived {
		sh.Events = nil
		sh.Origin = nil
	}

	if s.cache != nil && s.cacheTTL > 0 {
		b, _ := json.Marshal(sh)
		_ = s.cache.Set(ctx, trackingKey(trackingID), b, s.cacheTTL)
	}
	return sh, nil
}

func (s *Service) ListShipments(ctx context.Context, limit, offset int) ([]*models.Shipment, error) {
	return s.repo.ListShipments(ctx, limit, offset)
}

func (s *Service) Stats(ctx context.Context) (map[string]int64, error) {
	return s.repo.CountByStatus(ctx)
}

func (s *Service) publishStatusChanged(ctx context.Context, trackingID, newStatus string, at time.Time) {
	if s.producer == nil {
		return
	}

	msg := messages.StatusChanged{
		TrackingID: trackingID,
		Status:     newStatus,
		OccurredAt: at,
	}
	// Origin нужен потребителю для маршрутизации ответа в ту же переписку.
	if sh, err := s.repo.GetShipment(ctx, trackingID); err == nil && sh.Origin != nil {
		msg.OriginMessageID = sh.Origin.MessageID
		msg.OriginSenderHandle = sh.Origin.SenderHandle
	}

	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal status changed", "tracking_id", trackingID, "error", err.Error())
		return
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(trackingID), b); err != nil {
		slog.Error("publish status changed", "tracking_id", trackingID, "error", err.Error())
	}
}

func (s *Service) invalidate(ctx context.Context, trackingID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, trackingKey(trackingID)); err != nil {
		slog.Warn("invalidate tracking cache", "tracking_id", trackingID, "error", err.Error())
	}
}

func trackingKey(trackingID string) string {
	return fmt.Sprintf("shipment:%s:current", trackingID)
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
