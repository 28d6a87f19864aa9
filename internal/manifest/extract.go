package manifest

import (
	"regexp"
	"strings"

	"github.com/BearBump/WayBill/internal/models"
)

// Извлечение полей манифеста из сырого текста бота. Best-effort: движок
// жизненного цикла считает недостающие поля ошибкой валидации на создании,
// а не своей заботой.

var (
	reReceiverName    = regexp.MustCompile(`(?i)Receivers?\s*Name:\s*(.*)`)
	reReceiverAddress = regexp.MustCompile(`(?i)Receivers?\s*Address:\s*(.*)`)
	reReceiverPhone   = regexp.MustCompile(`(?i)Receivers?\s*Phone:\s*(.*)`)
	reReceiverEmail   = regexp.MustCompile(`(?i)Receivers?\s*Email:\s*(.*)`)
	// Терпим и "Recievers Country" — так писали в исходных сообщениях.
	reReceiverCountry = regexp.MustCompile(`(?i)Rec[ei]{2}vers?\s*Country:\s*(.*)`)
	reDestination     = regexp.MustCompile(`(?i)Destination:\s*(.*)`)
	reSenderName      = regexp.MustCompile(`(?i)Senders?\s*Name:\s*(.*)`)
	reSenderShort     = regexp.MustCompile(`(?i)Sender:\s*(.*)`)
	reSenderCountry   = regexp.MustCompile(`(?i)Senders?\s*Country:\s*(.*)`)
	reOrigin          = regexp.MustCompile(`(?i)Origin:\s*(.*)`)
)

// HasTrigger проверяет маркер манифеста (!INFO или #INFO) в начале текста.
func HasTrigger(body string) bool {
	up := strings.ToUpper(body)
	return strings.HasPrefix(up, "!INFO") || strings.HasPrefix(up, "#INFO")
}

func extract(body string, re *regexp.Regexp) string {
	m := re.FindStringSubmatch(body)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func firstOf(body string, res ...*regexp.Regexp) string {
	for _, re := range res {
		if v := extract(body, re); v != "" {
			return v
		}
	}
	return ""
}

// Extract вытаскивает поля манифеста и возвращает список пропущенных
// обязательных полей (метки в терминах исходных сообщений).
func Extract(body string) (models.Manifest, []string) {
	m := models.Manifest{
		ReceiverName:    extract(body, reReceiverName),
		ReceiverAddress: extract(body, reReceiverAddress),
		ReceiverPhone:   extract(body, reReceiverPhone),
		ReceiverEmail:   extract(body, reReceiverEmail),
		ReceiverCountry: firstOf(body, reReceiverCountry, reDestination),
		SenderName:      firstOf(body, reSenderName, reSenderShort),
		SenderCountry:   firstOf(body, reSenderCountry, reOrigin),
	}

	var missing []string
	required := []struct {
		label string
		value string
	}{
		{"Receivers Name", m.ReceiverName},
		{"Receivers Address", m.ReceiverAddress},
		{"Receivers Phone", m.ReceiverPhone},
		{"Receivers Country", m.ReceiverCountry},
		{"Senders Name", m.SenderName},
		{"Senders Country", m.SenderCountry},
	}
	for _, f := range required {
		if f.value == "" {
			missing = append(missing, f.label)
		}
	}
	return m, missing
}
