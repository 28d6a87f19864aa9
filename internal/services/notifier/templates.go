package notifier

import "fmt"

// Шаблоны сообщений по статусу. Для PENDING и CANCELED уведомлений нет.
var statusTemplates = map[string]string{
	"IN_TRANSIT":       "📦 *Status Update*\n\nYour package is now in transit!\n\nTracking ID: *%s*\nStatus: IN_TRANSIT\n\nYou'll receive another update when it's out for delivery.",
	"OUT_FOR_DELIVERY": "🚚 *Out for Delivery*\n\nYour package is on its way to you!\n\nTracking ID: *%s*\nExpected delivery: Today",
	"DELIVERED":        "✅ *Package Delivered*\n\nYour package has been successfully delivered!\n\nTracking ID: *%s*\n\nThank you for using our service!",
}

// RenderStatusMessage возвращает текст уведомления для статуса или
// ok=false, если статус не уведомляемый.
func RenderStatusMessage(trackingID, status string) (string, bool) {
	tpl, ok := statusTemplates[status]
	if !ok {
		return "", false
	}
	return fmt.Sprintf(tpl, trackingID), true
}
