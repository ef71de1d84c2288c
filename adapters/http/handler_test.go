package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/artpar/trialgate/adapters/clock"
	apihttp "github.com/artpar/trialgate/adapters/http"
	"github.com/artpar/trialgate/adapters/idgen"
	"github.com/artpar/trialgate/adapters/memory"
	"github.com/artpar/trialgate/adapters/metrics"
	"github.com/artpar/trialgate/adapters/notify"
	"github.com/artpar/trialgate/adapters/payment"
	"github.com/artpar/trialgate/app"
	"github.com/artpar/trialgate/domain/variant"
	"github.com/artpar/trialgate/pkg/jsonapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	handler http.Handler
	clock   *clock.Fake
	billing *payment.DummyProvider
	metrics *metrics.Collector
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	table, err := variant.NewTable("test-1", "standard", []variant.Variant{
		{Key: "standard", CallLimit: 3, DurationLimitSeconds: 600, TrialPeriodDays: 14, Behavior: variant.BehaviorHard, AllowWaitForAutoConvert: true, Weight: 1},
		{Key: "soft", CallLimit: 3, DurationLimitSeconds: 600, TrialPeriodDays: 14, Behavior: variant.BehaviorSoft},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	ts := &testServer{
		clock:   clock.NewFake(baseTime),
		billing: payment.NewDummyProvider(payment.OutcomeActive),
	}
	reg := prometheus.NewRegistry()
	ts.metrics = metrics.NewWithRegistry(reg)

	deps := app.Deps{
		Store:     memory.NewStore(memory.StoreConfig{}),
		Locker:    memory.NewTenantLocker(),
		Billing:   ts.billing,
		Publisher: notify.NewLogPublisher(zerolog.Nop()),
		Variants:  app.StaticVariants{T: table},
		Clock:     ts.clock,
		IDGen:     idgen.NewSequential("period-"),
		Metrics:   ts.metrics,
		Logger:    zerolog.Nop(),
	}
	cfg := app.DefaultConfig()

	h := apihttp.NewHandler(
		app.NewMeteringService(deps, cfg),
		app.NewConversionService(deps, cfg),
		app.NewStatusService(deps, cfg),
		zerolog.Nop(),
	)
	ts.handler = apihttp.NewRouter(h, zerolog.Nop(), apihttp.RouterConfig{
		Metrics:        ts.metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Version:        "test",
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", jsonapi.ContentType)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) startTrial(t *testing.T, id, variantKey string) {
	t.Helper()
	body := `{"data":{"type":"tenants","id":"` + id + `","attributes":{"variant_key":"` + variantKey + `","billing_account_ref":"sub_` + id + `"}}}`
	if rec := ts.do(t, "POST", "/v1/tenants", body); rec.Code != http.StatusCreated {
		t.Fatalf("start trial %s: status %d body %s", id, rec.Code, rec.Body.String())
	}
}

func (ts *testServer) recordUsage(t *testing.T, tenantID, eventID string, seconds int) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"data":{"type":"usage-events","id":"` + eventID + `","attributes":{"tenant_id":"` + tenantID + `","duration_seconds":` + itoa(seconds) + `}}}`
	return ts.do(t, "POST", "/v1/usage-events", body)
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

type resourceDoc struct {
	Data struct {
		Type       string         `json:"type"`
		ID         string         `json:"id"`
		Attributes map[string]any `json:"attributes"`
		Meta       map[string]any `json:"meta"`
	} `json:"data"`
	Errors []jsonapi.Error `json:"errors"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) resourceDoc {
	t.Helper()
	var doc resourceDoc
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return doc
}

func TestStartTrial(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, "POST", "/v1/tenants", `{"data":{"type":"tenants","id":"t1"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/tenants/t1" {
		t.Errorf("Location = %s", loc)
	}
	doc := decode(t, rec)
	if doc.Data.Attributes["status"] != "trialing" || doc.Data.Attributes["variant_key"] != "standard" {
		t.Errorf("attributes = %v", doc.Data.Attributes)
	}

	if rec := ts.do(t, "POST", "/v1/tenants", `{"data":{"type":"tenants","id":"t1"}}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate tenant status = %d, want 409", rec.Code)
	}
	if rec := ts.do(t, "POST", "/v1/tenants", `{"data":{"type":"tenants"}}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing id status = %d, want 422", rec.Code)
	}
	if rec := ts.do(t, "POST", "/v1/tenants", `{"data":{"type":"tenants","id":"t2","attributes":{"variant_key":"gold"}}}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown variant status = %d, want 422", rec.Code)
	}
	if rec := ts.do(t, "POST", "/v1/tenants", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
	if rec := ts.do(t, "POST", "/v1/tenants", `{"data":{"type":"usage-events","id":"x"}}`); rec.Code != http.StatusBadRequest {
		t.Errorf("wrong type status = %d, want 400", rec.Code)
	}
}

func TestUnsupportedMediaType(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest("POST", "/v1/tenants", strings.NewReader(`{"data":{"type":"tenants","id":"t1"}}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}

func TestRecordUsage_BlocksAtCap(t *testing.T) {
	ts := setupTestServer(t)
	ts.startTrial(t, "t1", "standard")

	for i, id := range []string{"c1", "c2"} {
		rec := ts.recordUsage(t, "t1", id, 30)
		if rec.Code != http.StatusCreated {
			t.Fatalf("event %d status = %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := ts.recordUsage(t, "t1", "c3", 30)
	doc := decode(t, rec)
	if doc.Data.Attributes["transitioned"] != true {
		t.Errorf("third call should block the tenant: %v", doc.Data.Attributes)
	}

	// Redelivery is a duplicate, not an error.
	rec = ts.recordUsage(t, "t1", "c3", 30)
	if rec.Code != http.StatusOK {
		t.Errorf("duplicate status = %d, want 200", rec.Code)
	}
	if decode(t, rec).Data.Attributes["applied"] != false {
		t.Error("duplicate must not be applied")
	}

	rec = ts.do(t, "GET", "/v1/tenants/t1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}
	attrs := decode(t, rec).Data.Attributes
	if attrs["is_blocked"] != true || attrs["block_reason"] != "limit_calls" {
		t.Errorf("status attributes = %v", attrs)
	}
	if attrs["calls_used"] != float64(3) || attrs["minutes_used"] != float64(2) {
		t.Errorf("usage = %v calls, %v minutes", attrs["calls_used"], attrs["minutes_used"])
	}
}

func TestRecordUsage_Errors(t *testing.T) {
	ts := setupTestServer(t)
	ts.startTrial(t, "t1", "standard")

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"unknown tenant", `{"data":{"type":"usage-events","id":"e1","attributes":{"tenant_id":"ghost","duration_seconds":5}}}`, 404},
		{"missing event id", `{"data":{"type":"usage-events","attributes":{"tenant_id":"t1","duration_seconds":5}}}`, 422},
		{"negative duration", `{"data":{"type":"usage-events","id":"e2","attributes":{"tenant_id":"t1","duration_seconds":-1}}}`, 422},
		{"bad json", `{"data":`, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "POST", "/v1/usage-events", tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != jsonapi.ContentType {
				t.Errorf("Content-Type = %s", ct)
			}
		})
	}
}

func TestRecordUsage_CanceledTenantConflict(t *testing.T) {
	ts := setupTestServer(t)
	ts.startTrial(t, "t1", "standard")

	if rec := ts.do(t, "POST", "/v1/tenants/t1/cancel", ""); rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := ts.recordUsage(t, "t1", "late", 10); rec.Code != http.StatusConflict {
		t.Errorf("event after cancel status = %d, want 409", rec.Code)
	}
	if rec := ts.do(t, "POST", "/v1/tenants/t1/cancel", ""); rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestRecordBatch(t *testing.T) {
	ts := setupTestServer(t)
	ts.startTrial(t, "t1", "standard")
	ts.startTrial(t, "t2", "soft")

	body := `{"data":[
		{"type":"usage-events","id":"a1","attributes":{"tenant_id":"t1","duration_seconds":10}},
		{"type":"usage-events","id":"b1","attributes":{"tenant_id":"t2","duration_seconds":10}},
		{"type":"usage-events","id":"a1","attributes":{"tenant_id":"t1","duration_seconds":10}},
		{"type":"usage-events","id":"x1","attributes":{"tenant_id":"ghost","duration_seconds":10}}
	]}`
	rec := ts.do(t, "POST", "/v1/usage-events/batch", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var doc struct {
		Data []struct {
			ID         string         `json:"id"`
			Attributes map[string]any `json:"attributes"`
		} `json:"data"`
		Meta map[string]any `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Data) != 4 {
		t.Fatalf("results = %d, want 4", len(doc.Data))
	}
	if doc.Meta["applied"] != float64(2) || doc.Meta["duplicates"] != float64(1) || doc.Meta["failed"] != float64(1) {
		t.Errorf("meta = %v", doc.Meta)
	}
	errAttr, ok := doc.Data[3].Attributes["error"].(map[string]any)
	if !ok || errAttr["status"] != float64(404) {
		t.Errorf("ghost result = %v", doc.Data[3].Attributes)
	}

	if rec := ts.do(t, "POST", "/v1/usage-events/batch", `{"data":[]}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty batch status = %d, want 422", rec.Code)
	}
}

func TestPeriodsAndEvents(t *testing.T) {
	ts := setupTestServer(t)
	ts.startTrial(t, "t1", "standard")
	ts.recordUsage(t, "t1", "c1", 61)

	if rec := ts.do(t, "POST", "/v1/tenants/t1/convert", ""); rec.Code != http.StatusOK {
		t.Fatalf("convert status = %d: %s", rec.Code, rec.Body.String())
	}

	rec := ts.do(t, "GET", "/v1/tenants/t1/periods?page[size]=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("periods status = %d", rec.Code)
	}
	var doc struct {
		Data []struct {
			ID         string         `json:"id"`
			Attributes map[string]any `json:"attributes"`
		} `json:"data"`
		Meta  map[string]any    `json:"meta"`
		Links map[string]string `json:"links"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Data) != 1 || doc.Meta["total"] != float64(2) {
		t.Fatalf("page = %+v", doc)
	}
	if doc.Data[0].Attributes["open"] != true {
		t.Error("newest period should be the open paid period")
	}
	if doc.Links["next"] == "" {
		t.Error("missing next link")
	}

	rec = ts.do(t, "GET", "/v1/tenants/t1/periods?page[number]=2&page[size]=1", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	trialPeriod := doc.Data[0]
	if trialPeriod.Attributes["calls_consumed"] != float64(1) || trialPeriod.Attributes["minutes_used"] != float64(2) {
		t.Errorf("trial period = %v", trialPeriod.Attributes)
	}

	rec = ts.do(t, "GET", "/v1/tenants/t1/periods/"+trialPeriod.ID+"/events", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"c1"`) {
		t.Errorf("events = %d %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, "GET", "/v1/tenants/t1/periods/nope/events", ""); rec.Code != http.StatusNotFound {
		t.Errorf("foreign period status = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, "GET", "/v1/tenants/ghost/periods", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown tenant status = %d, want 404", rec.Code)
	}
}

func TestPreview(t *testing.T) {
	ts := setupTestServer(t)
	ts.startTrial(t, "t1", "standard")
	ts.recordUsage(t, "t1", "c1", 10)
	ts.recordUsage(t, "t1", "c2", 10)

	rec := ts.do(t, "GET", "/v1/tenants/t1/preview?duration_seconds=30", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec).Data.Attributes["would_block"] != true {
		t.Error("third call should be previewed as blocking")
	}

	if rec := ts.do(t, "GET", "/v1/tenants/t1/preview?duration_seconds=abc", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad param status = %d, want 422", rec.Code)
	}
	if rec := ts.do(t, "GET", "/v1/tenants/t1/preview?duration_seconds=-5", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("negative duration status = %d, want 422", rec.Code)
	}
}

func TestConvert_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		outcome payment.Outcome
		status  int
	}{
		{"success", payment.OutcomeActive, http.StatusOK},
		{"pending", payment.OutcomePending, http.StatusAccepted},
		{"rejected", payment.OutcomeReject, http.StatusPaymentRequired},
		{"unavailable", payment.OutcomeUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupTestServer(t)
			ts.startTrial(t, "t1", "standard")
			ts.billing.SetOutcome(tt.outcome)

			rec := ts.do(t, "POST", "/v1/tenants/t1/convert", "")
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestConvert_UnknownTenant(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, "POST", "/v1/tenants/ghost/convert", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	doc := decode(t, rec)
	if len(doc.Errors) != 1 || doc.Errors[0].ID == "" {
		t.Errorf("errors = %+v, want one error carrying the request id", doc.Errors)
	}
}

func TestAttachBillingAccount(t *testing.T) {
	ts := setupTestServer(t)
	if rec := ts.do(t, "POST", "/v1/tenants", `{"data":{"type":"tenants","id":"t1"}}`); rec.Code != http.StatusCreated {
		t.Fatalf("start: %d", rec.Code)
	}

	if rec := ts.do(t, "POST", "/v1/tenants/t1/convert", ""); rec.Code != http.StatusPaymentRequired {
		t.Errorf("convert without account status = %d, want 402", rec.Code)
	}

	rec := ts.do(t, "PUT", "/v1/tenants/t1/billing-account", `{"data":{"type":"billing-accounts","attributes":{"billing_account_ref":"sub_1"}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("attach status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, "POST", "/v1/tenants/t1/convert", ""); rec.Code != http.StatusOK {
		t.Errorf("convert after attach status = %d, want 200", rec.Code)
	}

	rec = ts.do(t, "PUT", "/v1/tenants/t1/billing-account", `{"data":{"type":"billing-accounts","attributes":{"billing_account_ref":""}}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty ref status = %d, want 422", rec.Code)
	}
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	h := apihttp.NewHealthHandler().
		Add("database", pinger{}).
		Add("redis", pinger{err: errors.New("connection refused")}).
		Add("skipped", nil)

	router := apihttp.NewRouter(apihttp.NewHandler(nil, nil, nil, zerolog.Nop()), zerolog.Nop(), apihttp.RouterConfig{Health: h})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["database"] != "ok" || body.Checks["redis"] != "connection refused" {
		t.Errorf("checks = %v", body.Checks)
	}
	if _, ok := body.Checks["skipped"]; ok {
		t.Error("nil checker should be ignored")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness = %d, want 200", rec.Code)
	}
}

func TestMetricsEndpointAndMiddleware(t *testing.T) {
	ts := setupTestServer(t)
	ts.startTrial(t, "t1", "standard")
	ts.recordUsage(t, "t1", "c1", 10)

	if got := testutil.ToFloat64(ts.metrics.RequestsTotal.WithLabelValues("POST", "/v1/usage-events", "201")); got != 1 {
		t.Errorf("usage-event requests = %v, want 1", got)
	}

	rec := ts.do(t, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "trialgate_usage_events_total") {
		t.Error("metrics output missing trialgate_usage_events_total")
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	ts := setupTestServer(t)

	if rec := ts.do(t, "GET", "/v2/nothing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d, want 404", rec.Code)
	}
	rec := ts.do(t, "DELETE", "/v1/usage-events", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE = %d, want 405", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != jsonapi.ContentType {
		t.Errorf("Content-Type = %s", ct)
	}
}

func TestVersion(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, "GET", "/version", "")
	if !strings.Contains(rec.Body.String(), `"version":"test"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
