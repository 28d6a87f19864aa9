package models

import "time"

// Статусы жизненного цикла. DELIVERED и CANCELED — терминальные.
const (
	StatusPending        = "PENDING"
	StatusInTransit      = "IN_TRANSIT"
	StatusOutForDelivery = "OUT_FOR_DELIVERY"
	StatusDelivered      = "DELIVERED"
	StatusCanceled       = "CANCELED"
)

// OriginMessageRef routes outbound notifications back to the bot
// conversation that created the shipment. Both fields are always set
// together; a nil *OriginMessageRef means the shipment was created by
// an operator and is never notified.
type OriginMessageRef struct {
	MessageID    string
	SenderHandle string
}

type Shipment struct {
	TrackingID string
	Status     string
	IsArchived bool

	// Party fields are nulled atomically on archive (PII scrub).
	SenderName      *string
	SenderCountry   *string
	ReceiverName    *string
	ReceiverAddress *string
	ReceiverCountry *string
	ReceiverPhone   *string
	ReceiverEmail   *string

	Origin *OriginMessageRef

	CreatedAt        time.Time
	LastTransitionAt time.Time

	Events []*ShipmentEvent
}

type ShipmentEvent struct {
	ID         uint64
	TrackingID string
	Status     string
	Location   string
	Timestamp  time.Time
	Notes      *string
}

// Manifest is the set of fields required to create a shipment.
type Manifest struct {
	SenderName      string
	SenderCountry   string
	ReceiverName    string
	ReceiverAddress string
	ReceiverCountry string
	ReceiverPhone   string
	ReceiverEmail   string
}

// ManifestKey is the four-field tuple the deduplication gate matches on.
// Matching is literal: no trimming or case folding, false negatives are
// safer than fusing two distinct shipments.
type ManifestKey struct {
	ReceiverPhone   string
	ReceiverName    string
	SenderName      string
	ReceiverCountry string
}

func (m Manifest) Key() ManifestKey {
	return ManifestKey{
		ReceiverPhone:   m.ReceiverPhone,
		ReceiverName:    m.ReceiverName,
		SenderName:      m.SenderName,
		ReceiverCountry: m.ReceiverCountry,
	}
}

// QueuedNotification is a not-yet-confirmed outbound message, keyed by
// (tracking_id, status): one entry per status transition.
type QueuedNotification struct {
	ID            uint64
	TrackingID    string
	Status        string
	MessageID     string
	SenderHandle  string
	Payload       string
	RetryCount    int32
	LastAttemptAt time.Time
	CreatedAt     time.Time
}
