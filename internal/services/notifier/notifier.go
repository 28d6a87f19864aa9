package notifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/WayBill/internal/broker/messages"
	"github.com/BearBump/WayBill/internal/integrations/whatsapp"
	"github.com/BearBump/WayBill/internal/models"
)

type Queue interface {
	EnqueueNotification(ctx context.Context, n *models.QueuedNotification) error
	ClaimDueNotifications(ctx context.Context, now time.Time, backoff time.Duration, maxRetry int32, limit int) ([]*models.QueuedNotification, error)
	DeleteNotification(ctx context.Context, id uint64) error
	IncrementRetry(ctx context.Context, id uint64, now time.Time) error
	DeleteExhausted(ctx context.Context, maxRetry int32) (int64, error)
}

const (
	defaultBackoff    = 5 * time.Minute
	defaultMaxRetries = 3
	defaultClaimLimit = 50
)

// Notifier доставляет уведомления о смене статуса как минимум один раз.
// Неудачная отправка уходит в durable-очередь и повторяется с
// фиксированным бэкоффом, пока не исчерпает лимит попыток.
type Notifier struct {
	queue Queue
	sink  whatsapp.Sink

	backoff    time.Duration
	maxRetries int32
	claimLimit int
}

func New(queue Queue, sink whatsapp.Sink) *Notifier {
	return &Notifier{
		queue:      queue,
		sink:       sink,
		backoff:    defaultBackoff,
		maxRetries: defaultMaxRetries,
		claimLimit: defaultClaimLimit,
	}
}

func (n *Notifier) WithRetryPolicy(backoff time.Duration, maxRetries int32) *Notifier {
	if backoff > 0 {
		n.backoff = backoff
	}
	if maxRetries > 0 {
		n.maxRetries = maxRetries
	}
	return n
}

// Notify обрабатывает одно событие смены статуса. Отправления без
// origin и статусы без шаблона пропускаются молча. Ошибки наружу не
// возвращаются: неудачная отправка ставится в очередь повторов, а
// провал постановки в очередь только логируется — уведомления best
// effort и не должны останавливать потребление событий.
func (n *Notifier) Notify(ctx context.Context, msg messages.StatusChanged) error {
	if msg.OriginMessageID == "" || msg.OriginSenderHandle == "" {
		return nil
	}
	text, ok := RenderStatusMessage(msg.TrackingID, msg.Status)
	if !ok {
		return nil
	}

	err := n.sink.Send(ctx, msg.OriginSenderHandle, msg.OriginMessageID, text)
	if err == nil {
		return nil
	}
	slog.Warn("notification send failed, queueing for retry",
		"tracking_id", msg.TrackingID, "status", msg.Status, "error", err.Error())

	now := time.Now().UTC()
	if err := n.queue.EnqueueNotification(ctx, &models.QueuedNotification{
		TrackingID:    msg.TrackingID,
		Status:        msg.Status,
		MessageID:     msg.OriginMessageID,
		SenderHandle:  msg.OriginSenderHandle,
		Payload:       text,
		LastAttemptAt: now,
		CreatedAt:     now,
	}); err != nil {
		slog.Error("queue failed notification",
			"tracking_id", msg.TrackingID, "status", msg.Status, "error", err.Error())
	}
	return nil
}

// ProcessRetries прогоняет созревшие записи очереди: успех удаляет
// запись, неудача увеличивает счётчик. Исчерпавшие лимит записи
// вычищаются. Возвращает число успешно доставленных.
func (n *Notifier) ProcessRetries(ctx context.Context, now time.Time) (int, error) {
	delivered := 0
	for {
		due, err := n.queue.ClaimDueNotifications(ctx, now, n.backoff, n.maxRetries, n.claimLimit)
		if err != nil {
			return delivered, err
		}
		for _, qn := range due {
			if err := n.sink.Send(ctx, qn.SenderHandle, qn.MessageID, qn.Payload); err != nil {
				slog.Warn("notification retry failed",
					"tracking_id", qn.TrackingID, "status", qn.Status,
					"retry_count", qn.RetryCount+1, "error", err.Error())
				if err := n.queue.IncrementRetry(ctx, qn.ID, now); err != nil {
					slog.Error("increment retry count", "id", qn.ID, "error", err.Error())
				}
				continue
			}
			if err := n.queue.DeleteNotification(ctx, qn.ID); err != nil {
				slog.Error("delete delivered notification", "id", qn.ID, "error", err.Error())
				continue
			}
			delivered++
		}
		if len(due) < n.claimLimit {
			break
		}
	}

	if dropped, err := n.queue.DeleteExhausted(ctx, n.maxRetries); err != nil {
		slog.Error("drop exhausted notifications", "error", err.Error())
	} else if dropped > 0 {
		slog.Info("dropped exhausted notifications", "count", dropped)
	}
	return delivered, nil
}
