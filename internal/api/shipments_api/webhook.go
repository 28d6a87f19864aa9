package shipments_api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/WayBill/internal/manifest"
	"github.com/BearBump/WayBill/internal/models"
	"github.com/pkg/errors"
)

// verifyWebhook — хендшейк подписки Meta: при совпадении verify_token
// нужно вернуть hub.challenge как есть, plain text.
func (a *ShipmentsAPI) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && a.opts.VerifyToken != "" && token == a.opts.VerifyToken {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte("Verification failed"))
}

// Входящий формат Meta Cloud API: интересен только первый текстовый
// message первого entry/change.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// handleWebhook принимает сообщения бота. Любой исход — 200: Meta
// ретраит не-2xx, а повторная доставка манифеста нам не нужна.
func (a *ShipmentsAPI) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	msg, ok := firstTextMessage(payload)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "not a text message"})
		return
	}

	if a.opts.AllowedGroupID != "" && msg.From != a.opts.AllowedGroupID {
		slog.Info("webhook message from unauthorized source", "from", msg.From)
		writeJSON(w, http.StatusOK, map[string]string{"status": "unauthorized source"})
		return
	}

	if !manifest.HasTrigger(msg.Body) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no trigger found"})
		return
	}

	ctx := r.Context()
	if a.rl != nil && a.opts.RateLimitPerMinute > 0 {
		// окно минутное, ключ — на отправителя: шумный сосед не
		// выедает лимит остальных
		key := fmt.Sprintf("rl:webhook:%s:%s", msg.From, time.Now().UTC().Format("200601021504"))
		allowed, n, err := a.rl.Allow(ctx, key, a.opts.RateLimitPerMinute, 70*time.Second)
		if err != nil {
			slog.Warn("webhook rate limit check failed", "error", err.Error())
		} else if !allowed {
			slog.Warn("webhook rate limit exceeded", "count", n)
			writeJSON(w, http.StatusOK, map[string]string{"status": "rate limited"})
			return
		}
	}

	m, missing := manifest.Extract(msg.Body)
	if len(missing) > 0 {
		a.reply(ctx, msg.From, msg.ID, fmt.Sprintf(
			"⚠️ *Uplink Interrupted*\n\nManifest incomplete. Please provide the following missing fields:\n\n%s\n\nMaintenance Protocol: WAITING",
			strings.Join(missing, "\n")))
		writeJSON(w, http.StatusOK, map[string]any{"error": "Missing required fields", "missingFields": missing})
		return
	}

	if existingID, err := a.dedup.Check(ctx, m); errors.Is(err, models.ErrDuplicateManifest) {
		a.reply(ctx, msg.From, msg.ID, fmt.Sprintf(
			"⚠️ *Information matches an existing manifest.*\n\nOur system indicates this shipment is already being processed. Tracking ID: *%s*\n\nMaintenance Protocol: ACTIVE",
			existingID))
		writeJSON(w, http.StatusOK, map[string]string{"error": "Duplicate manifest", "trackingId": existingID})
		return
	}

	origin := &models.OriginMessageRef{MessageID: msg.ID, SenderHandle: msg.From}
	trackingID, err := a.svc.Create(ctx, m, origin, false)
	if err != nil {
		slog.Error("create shipment from webhook", "error", err.Error())
		writeJSON(w, http.StatusOK, map[string]string{"error": "internal error"})
		return
	}

	a.reply(ctx, msg.From, msg.ID, fmt.Sprintf(
		"🛸 *Uplink Established*\n\nManifest Processed Successfully.\nYour Tracking ID is: *%s*\n\nStatus: [PENDING]\nAuto-Transition: 1 HOUR",
		trackingID))
	writeJSON(w, http.StatusOK, map[string]string{"trackingId": trackingID})
}

type inboundMessage struct {
	ID   string
	From string
	Body string
}

func firstTextMessage(p webhookPayload) (inboundMessage, bool) {
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			for _, m := range c.Value.Messages {
				if m.Type == "text" {
					return inboundMessage{ID: m.ID, From: m.From, Body: m.Text.Body}, true
				}
			}
		}
	}
	return inboundMessage{}, false
}

// reply — best-effort: ответ в чат не влияет на результат обработки.
func (a *ShipmentsAPI) reply(ctx context.Context, to, replyToMessageID, text string) {
	if a.replier == nil {
		return
	}
	if err := a.replier.Send(ctx, to, replyToMessageID, text); err != nil {
		slog.Warn("webhook reply failed", "error", err.Error())
	}
}
