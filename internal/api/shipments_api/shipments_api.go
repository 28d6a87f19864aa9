package shipments_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/WayBill/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type Lifecycle interface {
	Create(ctx context.Context, m models.Manifest, origin *models.OriginMessageRef, operator bool) (string, error)
	Transition(ctx context.Context, trackingID, newStatus, location string, notes *string) error
	MarkDelivered(ctx context.Context, trackingID string) error
	Cancel(ctx context.Context, trackingID string, notes *string) error
	Delete(ctx context.Context, trackingID string) error
	BulkDeleteArchived(ctx context.Context) (int64, error)
	PruneOlderThan(ctx context.Context, now time.Time) (int64, error)
	SelfHeal(ctx context.Context, now time.Time) (int, error)
	Track(ctx context.Context, trackingID string) (*models.Shipment, error)
	ListShipments(ctx context.Context, limit, offset int) ([]*models.Shipment, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

type Deduper interface {
	Check(ctx context.Context, m models.Manifest) (string, error)
}

type RetryProcessor interface {
	ProcessRetries(ctx context.Context, now time.Time) (int, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Replier interface {
	Send(ctx context.Context, recipientHandle, replyToMessageID, text string) error
}

type Options struct {
	VerifyToken        string
	AllowedGroupID     string
	RateLimitPerMinute int64
	AuthToken          string
	CronSecret         string
}

type ShipmentsAPI struct {
	svc     Lifecycle
	dedup   Deduper
	retries RetryProcessor
	rl      RateLimiter
	replier Replier
	opts    Options
}

func New(svc Lifecycle, dedup Deduper, retries RetryProcessor, rl RateLimiter, replier Replier, opts Options) *ShipmentsAPI {
	return &ShipmentsAPI{svc: svc, dedup: dedup, retries: retries, rl: rl, replier: replier, opts: opts}
}

func (a *ShipmentsAPI) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/webhook", a.verifyWebhook)
	r.Post("/webhook", a.handleWebhook)

	r.Get("/api/track/{trackingId}", a.track)

	r.Group(func(r chi.Router) {
		r.Use(a.bearerAuth(a.opts.AuthToken))
		r.Post("/api/shipments", a.createShipment)
		r.Get("/api/shipments", a.listShipments)
		r.Patch("/api/shipments/{trackingId}", a.updateStatus)
		r.Delete("/api/shipments/cleanup", a.cleanupArchived)
		r.Delete("/api/shipments/{trackingId}", a.deleteShipment)
		r.Get("/api/stats", a.stats)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.bearerAuth(a.opts.CronSecret))
		r.Get("/api/cron/status-sync", a.cronStatusSync)
		r.Get("/api/cron/retry-notifications", a.cronRetryNotifications)
		r.Get("/api/cron/prune", a.cronPrune)
	})

	return r
}

func (a *ShipmentsAPI) bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusServiceUnavailable, "endpoint is not configured")
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type shipmentResponse struct {
	TrackingID      string          `json:"trackingId"`
	Status          string          `json:"status"`
	IsArchived      bool            `json:"isArchived"`
	SenderName      *string         `json:"senderName,omitempty"`
	SenderCountry   *string         `json:"senderCountry,omitempty"`
	ReceiverName    *string         `json:"receiverName,omitempty"`
	ReceiverAddress *string         `json:"receiverAddress,omitempty"`
	ReceiverCountry *string         `json:"receiverCountry,omitempty"`
	ReceiverPhone   *string         `json:"receiverPhone,omitempty"`
	ReceiverEmail   *string         `json:"receiverEmail,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	LastUpdate      time.Time       `json:"lastUpdate"`
	Events          []eventResponse `json:"events"`
}

type eventResponse struct {
	Status    string    `json:"status"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
	Notes     *string   `json:"notes,omitempty"`
}

func toShipmentResponse(sh *models.Shipment) shipmentResponse {
	out := shipmentResponse{
		TrackingID:      sh.TrackingID,
		Status:          sh.Status,
		IsArchived:      sh.IsArchived,
		SenderName:      sh.SenderName,
		SenderCountry:   sh.SenderCountry,
		ReceiverName:    sh.ReceiverName,
		ReceiverAddress: sh.ReceiverAddress,
		ReceiverCountry: sh.ReceiverCountry,
		ReceiverPhone:   sh.ReceiverPhone,
		ReceiverEmail:   sh.ReceiverEmail,
		CreatedAt:       sh.CreatedAt,
		LastUpdate:      sh.LastTransitionAt,
		Events:          make([]eventResponse, 0, len(sh.Events)),
	}
	for _, e := range sh.Events {
		out.Events = append(out.Events, eventResponse{
			Status:    e.Status,
			Location:  e.Location,
			Timestamp: e.Timestamp,
			Notes:     e.Notes,
		})
	}
	return out
}

func (a *ShipmentsAPI) track(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingId")
	sh, err := a.svc.Track(r.Context(), trackingID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShipmentResponse(sh))
}

type createShipmentRequest struct {
	SenderName      string `json:"senderName"`
	SenderCountry   string `json:"senderCountry"`
	ReceiverName    string `json:"receiverName"`
	ReceiverAddress string `json:"receiverAddress"`
	ReceiverCountry string `json:"receiverCountry"`
	ReceiverPhone   string `json:"receiverPhone"`
	ReceiverEmail   string `json:"receiverEmail"`
}

func (a *ShipmentsAPI) createShipment(w http.ResponseWriter, r *http.Request) {
	var req createShipmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	m := models.Manifest{
		SenderName:      req.SenderName,
		SenderCountry:   req.SenderCountry,
		ReceiverName:    req.ReceiverName,
		ReceiverAddress: req.ReceiverAddress,
		ReceiverCountry: req.ReceiverCountry,
		ReceiverPhone:   req.ReceiverPhone,
		ReceiverEmail:   req.ReceiverEmail,
	}
	trackingID, err := a.svc.Create(r.Context(), m, nil, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"trackingId": trackingID})
}

func (a *ShipmentsAPI) listShipments(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	shs, err := a.svc.ListShipments(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]shipmentResponse, 0, len(shs))
	for _, sh := range shs {
		out = append(out, toShipmentResponse(sh))
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipments": out})
}

type updateStatusRequest struct {
	Status   string  `json:"status"`
	Location string  `json:"location"`
	Notes    *string `json:"notes"`
}

func (a *ShipmentsAPI) updateStatus(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingId")
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var err error
	switch req.Status {
	case models.StatusDelivered:
		err = a.svc.MarkDelivered(r.Context(), trackingID)
	case models.StatusCanceled:
		err = a.svc.Cancel(r.Context(), trackingID, req.Notes)
	default:
		err = a.svc.Transition(r.Context(), trackingID, req.Status, req.Location, req.Notes)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"trackingId": trackingID, "status": req.Status})
}

func (a *ShipmentsAPI) deleteShipment(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingId")
	if err := a.svc.Delete(r.Context(), trackingID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (a *ShipmentsAPI) cleanupArchived(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.BulkDeleteArchived(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (a *ShipmentsAPI) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "byStatus": counts})
}

func (a *ShipmentsAPI) cronStatusSync(w http.ResponseWriter, r *http.Request) {
	moved, err := a.svc.SelfHeal(r.Context(), time.Now().UTC())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": moved})
}

func (a *ShipmentsAPI) cronRetryNotifications(w http.ResponseWriter, r *http.Request) {
	if a.retries == nil {
		writeError(w, http.StatusServiceUnavailable, "retry processor is not wired")
		return
	}
	delivered, err := a.retries.ProcessRetries(r.Context(), time.Now().UTC())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

func (a *ShipmentsAPI) cronPrune(w http.ResponseWriter, r *http.Request) {
	deleted, err := a.svc.PruneOlderThan(r.Context(), time.Now().UTC())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "shipment not found")
	case errors.Is(err, models.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid status transition")
	default:
		slog.Error("shipments api", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, name string, def int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
