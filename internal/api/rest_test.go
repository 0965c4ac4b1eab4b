package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hbomb79/Relay/internal/api"
	"github.com/hbomb79/Relay/internal/api/stats"
	"github.com/hbomb79/Relay/internal/api/webhook"
	"github.com/hbomb79/Relay/internal/handoff"
	"github.com/hbomb79/Relay/internal/telegram"
	"github.com/hbomb79/Relay/internal/usage"
	"github.com/hbomb79/Relay/pkg/logger"
	"github.com/hbomb79/Relay/tests/helpers"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type (
	fakeStats struct {
		entries int
		err     error
		pending []handoff.PendingInfo
	}

	recordingHandler struct {
		mu      sync.Mutex
		updates []telegram.Inbound
	}
)

func (f *fakeStats) CacheEntries(context.Context) (int, error) { return f.entries, f.err }

func (f *fakeStats) UsageStats(context.Context) (*usage.Stats, error) {
	return &usage.Stats{Total: 3, ByAction: map[string]int{"instagram": 3}, ByOutcome: map[string]int{"sent": 3}}, nil
}

func (f *fakeStats) PendingHandoffs() []handoff.PendingInfo { return f.pending }
func (f *fakeStats) QueuedRequests() int                    { return 2 }

func (r *recordingHandler) handle(_ context.Context, in telegram.Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, in)
}

func serve(gateway *api.RestGateway, method string, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	gateway.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	gateway := api.NewRestGateway(&api.RestConfig{}, &fakeStats{}, api.WebhookConfig{})

	rec := serve(gateway, http.MethodGet, "/api/relay/v1/health", "", nil)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.DeepEqual(t, helpers.DecodeResponse[map[string]string](t, rec), map[string]string{"status": "ok"})
}

func TestStats(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	service := &fakeStats{entries: 7, pending: []handoff.PendingInfo{{Session: "relay_ig", Token: "abcd1234", State: "AWAITING_CODE", Since: since}}}
	gateway := api.NewRestGateway(&api.RestConfig{}, service, api.WebhookConfig{})

	rec := serve(gateway, http.MethodGet, "/api/relay/v1/stats/", "", nil)
	assert.Equal(t, rec.Code, http.StatusOK)

	dto := helpers.DecodeResponse[stats.Dto](t, rec)
	assert.Equal(t, dto.CacheEntries, 7)
	assert.Equal(t, dto.QueuedRequests, 2)
	assert.Equal(t, dto.Usage.Total, 3)
	assert.Assert(t, is.Len(dto.PendingHandoffs, 1))
	assert.Equal(t, dto.PendingHandoffs[0].Token, "abcd1234")
	assert.Assert(t, dto.PendingHandoffs[0].Since.Equal(since))
}

func TestStats_Failure(t *testing.T) {
	gateway := api.NewRestGateway(&api.RestConfig{}, &fakeStats{err: errors.New("db gone")}, api.WebhookConfig{})

	rec := serve(gateway, http.MethodGet, "/api/relay/v1/stats", "", nil)
	helpers.AssertErrorResponse(t, rec, http.StatusInternalServerError, "failed to count cache entries")
	assert.Assert(t, !strings.Contains(rec.Body.String(), "db gone"), "internal errors must not leak")
}

func TestWebhook(t *testing.T) {
	handler := &recordingHandler{}
	gateway := api.NewRestGateway(&api.RestConfig{}, &fakeStats{}, api.WebhookConfig{Secret: "s3cret", Handler: handler.handle})
	update := `{"update_id":1,"message":{"message_id":2,"chat":{"id":3,"type":"private"},"date":1,"text":"https://youtu.be/dQw4w9WgXcQ"}}`

	rec := serve(gateway, http.MethodPost, "/api/relay/v1/telegram/webhook", update, map[string]string{webhook.SecretHeader: "wrong"})
	helpers.AssertErrorResponse(t, rec, http.StatusUnauthorized, "")

	rec = serve(gateway, http.MethodPost, "/api/relay/v1/telegram/webhook", update, nil)
	helpers.AssertErrorResponse(t, rec, http.StatusUnauthorized, "")

	rec = serve(gateway, http.MethodPost, "/api/relay/v1/telegram/webhook", "{", map[string]string{webhook.SecretHeader: "s3cret"})
	helpers.AssertErrorResponse(t, rec, http.StatusBadRequest, "malformed update")

	rec = serve(gateway, http.MethodPost, "/api/relay/v1/telegram/webhook", update, map[string]string{webhook.SecretHeader: "s3cret"})
	assert.Equal(t, rec.Code, http.StatusOK)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Assert(t, is.Len(handler.updates, 1))
	assert.Equal(t, handler.updates[0].Message.Text, "https://youtu.be/dQw4w9WgXcQ")
}

func TestWebhook_DisabledInPollingMode(t *testing.T) {
	gateway := api.NewRestGateway(&api.RestConfig{}, &fakeStats{}, api.WebhookConfig{})

	rec := serve(gateway, http.MethodPost, "/api/relay/v1/telegram/webhook", "{}", nil)
	assert.Equal(t, rec.Code, http.StatusNotFound)
}

func TestRun_StopsOnCancel(t *testing.T) {
	gateway := api.NewRestGateway(&api.RestConfig{HostAddr: "127.0.0.1:0"}, &fakeStats{}, api.WebhookConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gateway.Run(ctx) }()

	time.Sleep(time.Millisecond * 100)
	cancel()
	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(time.Second * 5):
		t.Fatal("gateway did not stop")
	}
}
