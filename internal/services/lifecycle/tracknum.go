package lifecycle

import "math/rand"

// Алфавит без визуально путающихся символов (0/O, 1/I).
const trackingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	trackingPrefix = "AWB-"
	trackingLength = 9
)

// NewTrackingID генерирует человекочитаемый id вида AWB-XXXXXXXXX.
// Уникальность обеспечивает вставка: конфликт — повод сгенерировать заново,
// а не ошибка запроса.
func NewTrackingID() string {
	b := make([]byte, trackingLength)
	for i := range b {
		b[i] = trackingAlphabet[rand.Intn(len(trackingAlphabet))]
	}
	return trackingPrefix + string(b)
}
