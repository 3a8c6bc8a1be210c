package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ticketbus/internal/runtime/breaker"
	"github.com/drblury/ticketbus/internal/runtime/deadletter"
	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	"github.com/drblury/ticketbus/internal/runtime/jsoncodec"
	"github.com/drblury/ticketbus/internal/runtime/message"
	"github.com/drblury/ticketbus/internal/runtime/registry"
)

const testAdminPort = 18081

func newAdminService(t *testing.T) (*Service, *recordingDeliverer, http.Handler) {
	t.Helper()
	conf := testConfig()
	conf.AdminEnabled = true
	conf.AdminPort = testAdminPort
	conf.AdminCORSAllowedOrigins = []string{"https://ops.example.com"}
	svc, deliverer := newTestService(t, conf, ServiceDependencies{
		Services: []registry.Entry{{Name: "billing", Endpoint: "http://billing:8080", Active: true}},
	})
	mux := svc.httpServers[testAdminPort]
	require.NotNil(t, mux)
	return svc, deliverer, mux
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestAdminHandlers(t *testing.T) {
	svc, _, mux := newAdminService(t)
	require.NoError(t, svc.RouteType("ticket.created"))
	require.NoError(t, svc.Dispatch(context.Background(), message.New("ticket.created", "billing", []byte(`{}`))))

	rec := serve(mux, http.MethodGet, "/api/handlers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode[struct {
		Types []string       `json:"types"`
		Stats []HandlerStats `json:"stats"`
	}](t, rec)
	assert.Equal(t, []string{"ticket.created"}, body.Types)
	require.Len(t, body.Stats, 1)
	assert.Equal(t, uint64(1), body.Stats[0].Dispatched)
}

func TestAdminBreakers(t *testing.T) {
	svc, deliverer, mux := newAdminService(t)
	svc.Bus().Breaker().SetThreshold("billing", 1)
	deliverer.setFailing("billing", true)
	require.NoError(t, svc.RouteType("ticket.created"))
	_ = svc.Dispatch(context.Background(), message.New("ticket.created", "billing", []byte(`{}`)))
	require.Equal(t, breaker.StateOpen, svc.Bus().Status("billing").State)

	rec := serve(mux, http.MethodGet, "/api/breakers")
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]breakerView](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, "billing", views[0].Status.Service)
	assert.Equal(t, breaker.StateOpen, views[0].Status.State)
	assert.Equal(t, uint64(1), views[0].Metrics.FailedRequests)

	rec = serve(mux, http.MethodPost, "/api/breakers/billing/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, breaker.StateClosed, decode[breaker.Status](t, rec).State)
}

func TestAdminDeadLetterLifecycle(t *testing.T) {
	svc, deliverer, mux := newAdminService(t)
	store := svc.Bus().DeadLetters()

	first := message.New("ticket.created", "billing", []byte(`{}`), message.WithID("dl-1"))
	second := message.New("ticket.created", "billing", []byte(`{}`), message.WithID("dl-2"))
	third := message.New("ticket.created", "support", []byte(`{}`), message.WithID("dl-3"))
	for _, m := range []message.Message{first, second, third} {
		require.NoError(t, svc.Bus().EnqueueDeadLetter(m, "connection refused"))
	}

	rec := serve(mux, http.MethodGet, "/api/deadletters")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]deadletter.Entry](t, rec), 3)

	rec = serve(mux, http.MethodGet, "/api/deadletters?service=support")
	entries := decode[[]deadletter.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "dl-3", entries[0].Message.ID)

	rec = serve(mux, http.MethodPost, "/api/deadletters/dl-1/retry")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[retryResult](t, rec)
	assert.True(t, result.Retried)
	assert.Empty(t, result.Error)
	require.Len(t, deliverer.messages(), 1)
	assert.Equal(t, "dl-1", deliverer.messages()[0].ID)

	rec = serve(mux, http.MethodPost, "/api/deadletters/dl-2/archive")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, store.Entries("billing", false), 0)
	rec = serve(mux, http.MethodGet, "/api/deadletters?service=billing&archived=true")
	assert.Len(t, decode[[]deadletter.Entry](t, rec), 1)

	rec = serve(mux, http.MethodDelete, "/api/deadletters/dl-3")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(mux, http.MethodDelete, "/api/deadletters/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(mux, http.MethodPost, "/api/deadletters/missing/retry")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(mux, http.MethodGet, "/api/deadletters/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[deadletter.MetricsSnapshot](t, rec)
	assert.Equal(t, uint64(3), snap.TotalEnqueued)
}

func TestAdminPurge(t *testing.T) {
	svc, _, mux := newAdminService(t)
	require.NoError(t, svc.Bus().EnqueueDeadLetter(message.New("ticket.created", "billing", nil), "timeout"))

	assert.Equal(t, http.StatusBadRequest, serve(mux, http.MethodPost, "/api/deadletters/purge?service=billing").Code)
	assert.Equal(t, http.StatusBadRequest, serve(mux, http.MethodPost, "/api/deadletters/purge?older_than=1h").Code)

	rec := serve(mux, http.MethodPost, "/api/deadletters/purge?service=billing&older_than=1h")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"purged": 0}, decode[map[string]int](t, rec))

	rec = serve(mux, http.MethodPost, "/api/deadletters/purge?service=billing&older_than=0s")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"purged": 1}, decode[map[string]int](t, rec))
}

func TestAdminRegistryAndTransform(t *testing.T) {
	_, _, mux := newAdminService(t)

	rec := serve(mux, http.MethodGet, "/api/services")
	require.Equal(t, http.StatusOK, rec.Code)
	services := decode[[]registry.Entry](t, rec)
	require.Len(t, services, 1)
	assert.Equal(t, "billing", services[0].Name)

	assert.Equal(t, http.StatusOK, serve(mux, http.MethodGet, "/api/transform/rules").Code)
	assert.Equal(t, http.StatusOK, serve(mux, http.MethodGet, "/api/transform/metrics").Code)
}

func TestAdminCORS(t *testing.T) {
	_, _, mux := newAdminService(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/handlers", nil)
	req.Header.Set("Origin", "https://OPS.example.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://OPS.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")

	req = httptest.NewRequest(http.MethodGet, "/api/handlers", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, statusFor(nil))
	assert.Equal(t, http.StatusNotFound, statusFor(&errspkg.NotFoundError{Kind: "dead letter", ID: "x"}))
	assert.Equal(t, http.StatusConflict, statusFor(&errspkg.RetryExhaustedError{MessageID: "x", RetryCount: 3, MaxRetries: 3}))
	assert.Equal(t, http.StatusConflict, statusFor(deadletter.ErrRetryInProgress))
	assert.Equal(t, http.StatusBadGateway, statusFor(&errspkg.DeliveryError{Service: "billing"}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.DeadlineExceeded))
}
