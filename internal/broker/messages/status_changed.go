package messages

import "time"

// StatusChanged публикуется после зафиксированного перехода статуса.
// Origin-поля пустые для операторских отправлений: такие сообщения
// потребитель пропускает без отправки.
type StatusChanged struct {
	TrackingID string    `json:"tracking_id"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`

	OriginMessageID    string `json:"origin_message_id,omitempty"`
	OriginSenderHandle string `json:"origin_sender_handle,omitempty"`
}
