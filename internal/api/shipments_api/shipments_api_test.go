package shipments_api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/WayBill/internal/integrations/whatsapp/fake"
	"github.com/BearBump/WayBill/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeLifecycle struct {
	shipments map[string]*models.Shipment

	created      []models.Manifest
	lastOrigin   *models.OriginMessageRef
	lastOperator bool
	nextID       string

	transitionErr error
	transitions   []string

	healed    int
	pruned    int64
	deletedID string
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{shipments: map[string]*models.Shipment{}, nextID: "AWB-TESTTRACK"}
}

func (f *fakeLifecycle) Create(ctx context.Context, m models.Manifest, origin *models.OriginMessageRef, operator bool) (string, error) {
	f.created = append(f.created, m)
	f.lastOrigin = origin
	f.lastOperator = operator
	return f.nextID, nil
}

func (f *fakeLifecycle) Transition(ctx context.Context, trackingID, newStatus, location string, notes *string) error {
	if f.transitionErr != nil {
		return f.transitionErr
	}
	f.transitions = append(f.transitions, fmt.Sprintf("%s:%s", trackingID, newStatus))
	return nil
}

func (f *fakeLifecycle) MarkDelivered(ctx context.Context, trackingID string) error {
	return f.Transition(ctx, trackingID, models.StatusDelivered, "Destination", nil)
}

func (f *fakeLifecycle) Cancel(ctx context.Context, trackingID string, notes *string) error {
	return f.Transition(ctx, trackingID, models.StatusCanceled, "", notes)
}

func (f *fakeLifecycle) Delete(ctx context.Context, trackingID string) error {
	if _, ok := f.shipments[trackingID]; !ok {
		return models.ErrNotFound
	}
	f.deletedID = trackingID
	delete(f.shipments, trackingID)
	return nil
}

func (f *fakeLifecycle) BulkDeleteArchived(ctx context.Context) (int64, error) { return 2, nil }

func (f *fakeLifecycle) PruneOlderThan(ctx context.Context, now time.Time) (int64, error) {
	return f.pruned, nil
}

func (f *fakeLifecycle) SelfHeal(ctx context.Context, now time.Time) (int, error) {
	return f.healed, nil
}

func (f *fakeLifecycle) Track(ctx context.Context, trackingID string) (*models.Shipment, error) {
	sh, ok := f.shipments[trackingID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return sh, nil
}

func (f *fakeLifecycle) ListShipments(ctx context.Context, limit, offset int) ([]*models.Shipment, error) {
	var out []*models.Shipment
	for _, sh := range f.shipments {
		out = append(out, sh)
	}
	return out, nil
}

func (f *fakeLifecycle) Stats(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{models.StatusPending: 3, models.StatusDelivered: 1}, nil
}

type fakeDeduper struct {
	existingID string
}

func (f *fakeDeduper) Check(ctx context.Context, m models.Manifest) (string, error) {
	if f.existingID != "" {
		return f.existingID, models.ErrDuplicateManifest
	}
	return "", nil
}

type fakeRetries struct{ delivered int }

func (f *fakeRetries) ProcessRetries(ctx context.Context, now time.Time) (int, error) {
	return f.delivered, nil
}

type allowAll struct{}

func (allowAll) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	return true, 1, nil
}

type denyAll struct{}

func (denyAll) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	return false, 99, nil
}

type recordingLimiter struct{ keys []string }

func (r *recordingLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	r.keys = append(r.keys, key)
	return true, 1, nil
}

func testOptions() Options {
	return Options{
		VerifyToken:        "verify-secret",
		RateLimitPerMinute: 60,
		AuthToken:          "operator-token",
		CronSecret:         "cron-secret",
	}
}

func newTestServer(t *testing.T, svc *fakeLifecycle, dedup *fakeDeduper, sink *fake.FakeSink, rl RateLimiter, opts Options) *httptest.Server {
	t.Helper()
	api := New(svc, dedup, &fakeRetries{delivered: 4}, rl, sink, opts)
	ts := httptest.NewServer(api.Router())
	t.Cleanup(ts.Close)
	return ts
}

func webhookBody(t *testing.T, msgType, from, id, text string) []byte {
	t.Helper()
	payload := map[string]any{
		"entry": []any{map[string]any{
			"changes": []any{map[string]any{
				"value": map[string]any{
					"messages": []any{map[string]any{
						"id":   id,
						"from": from,
						"type": msgType,
						"text": map[string]any{"body": text},
					}},
				},
			}},
		}},
	}
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return b
}

const fullManifestText = `!INFO
Receivers Name: John Doe
Receivers Address: 12 Main St
Receivers Phone: +33123456789
Receivers Country: France
Senders Name: Acme Logistics
Senders Country: Germany`

func TestWebhook_Verification(t *testing.T) {
	ts := newTestServer(t, newFakeLifecycle(), &fakeDeduper{}, fake.New(), allowAll{}, testOptions())

	resp, err := http.Get(ts.URL + "/webhook?hub.mode=subscribe&hub.verify_token=verify-secret&hub.challenge=12345")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "12345", buf.String())
}

func TestWebhook_VerificationBadToken(t *testing.T) {
	ts := newTestServer(t, newFakeLifecycle(), &fakeDeduper{}, fake.New(), allowAll{}, testOptions())

	resp, err := http.Get(ts.URL + "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebhook_CreatesShipmentAndReplies(t *testing.T) {
	svc := newFakeLifecycle()
	sink := fake.New()
	ts := newTestServer(t, svc, &fakeDeduper{}, sink, allowAll{}, testOptions())

	resp, err := http.Post(ts.URL+"/webhook", "application/json",
		bytes.NewReader(webhookBody(t, "text", "4915112345", "wamid.77", fullManifestText)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "AWB-TESTTRACK", out["trackingId"])

	require.Len(t, svc.created, 1)
	require.Equal(t, "John Doe", svc.created[0].ReceiverName)
	require.False(t, svc.lastOperator)
	require.NotNil(t, svc.lastOrigin)
	require.Equal(t, "wamid.77", svc.lastOrigin.MessageID)
	require.Equal(t, "4915112345", svc.lastOrigin.SenderHandle)

	sent := sink.Sent()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "Uplink Established")
	require.Contains(t, sent[0].Text, "AWB-TESTTRACK")
}

func TestWebhook_MissingFieldsReply(t *testing.T) {
	svc := newFakeLifecycle()
	sink := fake.New()
	ts := newTestServer(t, svc, &fakeDeduper{}, sink, allowAll{}, testOptions())

	body := "!INFO\nReceivers Name: John Doe"
	resp, err := http.Post(ts.URL+"/webhook", "application/json",
		bytes.NewReader(webhookBody(t, "text", "4915112345", "wamid.1", body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Empty(t, svc.created)
	sent := sink.Sent()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "Manifest incomplete")
	require.Contains(t, sent[0].Text, "Receivers Phone")
}

func TestWebhook_DuplicateManifestReply(t *testing.T) {
	svc := newFakeLifecycle()
	sink := fake.New()
	ts := newTestServer(t, svc, &fakeDeduper{existingID: "AWB-EXISTING2"}, sink, allowAll{}, testOptions())

	resp, err := http.Post(ts.URL+"/webhook", "application/json",
		bytes.NewReader(webhookBody(t, "text", "4915112345", "wamid.2", fullManifestText)))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Empty(t, svc.created)
	sent := sink.Sent()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "already being processed")
	require.Contains(t, sent[0].Text, "AWB-EXISTING2")
}

func TestWebhook_IgnoresNonText(t *testing.T) {
	svc := newFakeLifecycle()
	ts := newTestServer(t, svc, &fakeDeduper{}, fake.New(), allowAll{}, testOptions())

	resp, err := http.Post(ts.URL+"/webhook", "application/json",
		bytes.NewReader(webhookBody(t, "image", "4915112345", "wamid.3", "")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, svc.created)
}

func TestWebhook_IgnoresWithoutTrigger(t *testing.T) {
	svc := newFakeLifecycle()
	ts := newTestServer(t, svc, &fakeDeduper{}, fake.New(), allowAll{}, testOptions())

	resp, err := http.Post(ts.URL+"/webhook", "application/json",
		bytes.NewReader(webhookBody(t, "text", "4915112345", "wamid.4", "hello there")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Empty(t, svc.created)
}

func TestWebhook_GroupFilter(t *testing.T) {
	svc := newFakeLifecycle()
	opts := testOptions()
	opts.AllowedGroupID = "group-1"
	ts := newTestServer(t, svc, &fakeDeduper{}, fake.New(), allowAll{}, opts)

	resp, err := http.Post(ts.URL+"/webhook", "application/json",
		bytes.NewReader(webhookBody(t, "text", "stranger", "wamid.5", fullManifestText)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, svc.created)
}

func TestWebhook_RateLimited(t *testing.T) {
	svc := newFakeLifecycle()
	ts := newTestServer(t, svc, &fakeDeduper{}, fake.New(), denyAll{}, testOptions())

	resp, err := http.Post(ts.URL+"/webhook", "application/json",
		bytes.NewReader(webhookBody(t, "text", "4915112345", "wamid.6", fullManifestText)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Empty(t, svc.created)
}

func TestWebhook_RateLimitKeyedBySender(t *testing.T) {
	svc := newFakeLifecycle()
	rl := &recordingLimiter{}
	ts := newTestServer(t, svc, &fakeDeduper{}, fake.New(), rl, testOptions())

	for _, from := range []string{"336111111", "449999999"} {
		resp, err := http.Post(ts.URL+"/webhook", "application/json",
			bytes.NewReader(webhookBody(t, "text", from, "wamid.7", fullManifestText)))
		require.NoError(t, err)
		resp.Body.Close()
	}

	require.Len(t, rl.keys, 2)
	require.Contains(t, rl.keys[0], "rl:webhook:336111111:")
	require.Contains(t, rl.keys[1], "rl:webhook:449999999:")
	require.NotEqual(t, rl.keys[0], rl.keys[1])
}

func TestTrack_FoundAndNotFound(t *testing.T) {
	svc := newFakeLifecycle()
	name := "John Doe"
	svc.shipments["AWB-TESTTRACK"] = &models.Shipment{
		TrackingID:   "AWB-TESTTRACK",
		Status:       models.StatusInTransit,
		ReceiverName: &name,
	}
	ts := newTestServer(t, svc, &fakeDeduper{}, fake.New(), allowAll{}, testOptions())

	resp, err := http.Get(ts.URL + "/api/track/AWB-TESTTRACK")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out shipmentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, models.StatusInTransit, out.Status)
	require.Equal(t, "John Doe", *out.ReceiverName)

	resp2, err := http.Get(ts.URL + "/api/track/AWB-MISSING11")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func doAuthed(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestOperator_RequiresAuth(t *testing.T) {
	ts := newTestServer(t, newFakeLifecycle(), &fakeDeduper{}, fake.New(), allowAll{}, testOptions())

	resp := doAuthed(t, http.MethodGet, ts.URL+"/api/shipments", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2 := doAuthed(t, http.MethodGet, ts.URL+"/api/shipments", "wrong", nil)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestOperator_CreateShipment(t *testing.T) {
	svc := newFakeLifecycle()
	ts := newTestServer(t, svc, &fakeDeduper{}, fake.New(), allowAll{}, testOptions())

	body, _ := json.Marshal(createShipmentRequest{
		SenderName:      "Acme Logistics",
		ReceiverName:    "John Doe",
		ReceiverAddress: "12 Main St",
		ReceiverCountry: "France",
		ReceiverPhone:   "+33123456789",
	})
	resp := doAuthed(t, http.MethodPost, ts.URL+"/api/shipments", "operator-token", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Len(t, svc.created, 1)
	require.True(t, svc.lastOperator)
	require.Nil(t, svc.lastOrigin)
}

func TestOperator_UpdateStatus(t *testing.T) {
	svc := newFakeLifecycle()
	ts := newTestServer(t, svc, &fakeDeduper{}, fake.New(), allowAll{}, testOptions())

	body, _ := json.Marshal(updateStatusRequest{Status: models.StatusOutForDelivery, Location: "Paris Hub"})
	resp := doAuthed(t, http.MethodPatch, ts.URL+"/api/shipments/AWB-TESTTRACK", "operator-token", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"AWB-TESTTRACK:OUT_FOR_DELIVERY"}, svc.transitions)
}

func TestOperator_UpdateStatusConflict(t *testing.T) {
	svc := newFakeLifecycle()
	svc.transitionErr = models.ErrInvalidTransition
	ts := newTestServer(t, svc, &fakeDeduper{}, fake.New(), allowAll{}, testOptions())

	body, _ := json.Marshal(updateStatusRequest{Status: models.StatusInTransit})
	resp := doAuthed(t, http.MethodPatch, ts.URL+"/api/shipments/AWB-TESTTRACK", "operator-token", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestOperator_DeleteShipment(t *testing.T) {
	svc := newFakeLifecycle()
	svc.shipments["AWB-TESTTRACK"] = &models.Shipment{TrackingID: "AWB-TESTTRACK"}
	ts := newTestServer(t, svc, &fakeDeduper{}, fake.New(), allowAll{}, testOptions())

	resp := doAuthed(t, http.MethodDelete, ts.URL+"/api/shipments/AWB-TESTTRACK", "operator-token", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "AWB-TESTTRACK", svc.deletedID)

	resp2 := doAuthed(t, http.MethodDelete, ts.URL+"/api/shipments/AWB-TESTTRACK", "operator-token", nil)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestOperator_Stats(t *testing.T) {
	ts := newTestServer(t, newFakeLifecycle(), &fakeDeduper{}, fake.New(), allowAll{}, testOptions())

	resp := doAuthed(t, http.MethodGet, ts.URL+"/api/stats", "operator-token", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Total    int64            `json:"total"`
		ByStatus map[string]int64 `json:"byStatus"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.EqualValues(t, 4, out.Total)
	require.EqualValues(t, 3, out.ByStatus[models.StatusPending])
}

func TestCron_Endpoints(t *testing.T) {
	svc := newFakeLifecycle()
	svc.healed = 5
	svc.pruned = 7
	ts := newTestServer(t, svc, &fakeDeduper{}, fake.New(), allowAll{}, testOptions())

	cases := []struct {
		path string
		key  string
		want int
	}{
		{"/api/cron/status-sync", "updated", 5},
		{"/api/cron/retry-notifications", "delivered", 4},
		{"/api/cron/prune", "deleted", 7},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			resp := doAuthed(t, http.MethodGet, ts.URL+tc.path, "cron-secret", nil)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var out map[string]int
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			require.Equal(t, tc.want, out[tc.key])
		})
	}

	// операторский токен не открывает cron-поверхность
	resp := doAuthed(t, http.MethodGet, ts.URL+"/api/cron/prune", "operator-token", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
