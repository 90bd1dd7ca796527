package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kylink/suffixpool/internal/assignment"
	"github.com/kylink/suffixpool/internal/model"
	"github.com/kylink/suffixpool/internal/recovery"
	"github.com/kylink/suffixpool/internal/state"
)

const testAPIKey = "ky_test_0123456789abcdef0123456789abcdef"

func init() {
	if len(testAPIKey) != 40 {
		panic("testAPIKey must be exactly 40 characters")
	}
}

// --- fakes ---

type fakeRepo struct {
	mu        sync.Mutex
	keys      map[string]model.APIKey
	campaigns map[string]model.Campaign
	alerts    []model.Alert
}

func newFakeRepo() *fakeRepo {
	sum := sha256.Sum256([]byte(testAPIKey))
	hash := hex.EncodeToString(sum[:])
	return &fakeRepo{
		keys: map[string]model.APIKey{
			hash: {TenantID: "tenant-1", KeyHash: hash, KeyPrefix: testAPIKey[:12]},
		},
		campaigns: map[string]model.Campaign{},
	}
}

func (f *fakeRepo) FindAPIKeyByHash(keyHash string) (model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[keyHash]
	if !ok {
		return model.APIKey{}, state.ErrNotFound
	}
	return k, nil
}

func (f *fakeRepo) UpsertCampaign(c model.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns[c.TenantID+"|"+c.CampaignID] = c
	return nil
}

func (f *fakeRepo) GetCampaign(tenantID, campaignID string) (model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[tenantID+"|"+campaignID]
	if !ok {
		return model.Campaign{}, state.ErrNotFound
	}
	return c, nil
}

func (f *fakeRepo) ListActiveCampaigns(tenantID string) ([]model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Campaign
	for _, c := range f.campaigns {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListRecentAlerts(tenantID string, limit int) ([]model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Alert
	for _, a := range f.alerts {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeEngine struct {
	mu          sync.Mutex
	leaseFunc   func(tenantID string, items []assignment.LeaseItem) ([]assignment.LeaseResult, error)
	reportFunc  func(tenantID string, items []assignment.ReportItem) ([]assignment.ReportResult, error)
	lastTenant  string
	lastItems   []assignment.LeaseItem
	lastReports []assignment.ReportItem
}

func (f *fakeEngine) AssignBatch(tenantID string, items []assignment.LeaseItem) ([]assignment.LeaseResult, error) {
	f.mu.Lock()
	f.lastTenant = tenantID
	f.lastItems = items
	f.mu.Unlock()
	if f.leaseFunc != nil {
		return f.leaseFunc(tenantID, items)
	}
	out := make([]assignment.LeaseResult, len(items))
	for i := range items {
		out[i] = assignment.LeaseResult{Action: assignment.ActionNoop, Reason: "delta≤0"}
	}
	return out, nil
}

func (f *fakeEngine) ReportBatch(tenantID string, items []assignment.ReportItem) ([]assignment.ReportResult, error) {
	f.mu.Lock()
	f.lastTenant = tenantID
	f.lastReports = items
	f.mu.Unlock()
	if f.reportFunc != nil {
		return f.reportFunc(tenantID, items)
	}
	out := make([]assignment.ReportResult, len(items))
	for i := range items {
		out[i] = assignment.ReportResult{OK: true}
	}
	return out, nil
}

type fakeReplenish struct {
	mu       sync.Mutex
	lastArgs [4]any
	n        int
}

func (f *fakeReplenish) RunNow(tenantID, campaignID string, all, force bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastArgs = [4]any{tenantID, campaignID, all, force}
	return f.n
}

type fakeRecovery struct {
	summary recovery.Summary
}

func (f *fakeRecovery) RunOnce() recovery.Summary {
	return f.summary
}

// --- test server wiring ---

type testServerDeps struct {
	repo      *fakeRepo
	engine    *fakeEngine
	replenish *fakeReplenish
	recovery  *fakeRecovery
}

func newTestServer() (*Server, testServerDeps) {
	repo := newFakeRepo()
	engine := &fakeEngine{}
	rep := &fakeReplenish{}
	rec := &fakeRecovery{}

	srv := NewServer(0, Deps{
		Repo:            repo,
		Engine:          engine,
		Replenish:       rep,
		Recovery:        rec,
		CronSecret:      "cron-secret-1",
		APIMaxBodyBytes: 1 << 20,
	})
	return srv, testServerDeps{repo: repo, engine: engine, replenish: rep, recovery: rec}
}

func doRequest(t *testing.T, srv *Server, method, path string, body any, auth string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if auth != "" {
		r.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
}

// --- /healthz ---

func TestHealthz_NoAuthRequired(t *testing.T) {
	srv, _ := newTestServer()
	rec := doRequest(t, srv, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
}

// --- auth ---

func TestAuth_MissingHeader(t *testing.T) {
	srv, _ := newTestServer()
	rec := doRequest(t, srv, http.MethodGet, "/v1/jobs", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	var body ErrorResponse
	decodeJSON(t, rec, &body)
	if body.Error.Code != string(CodeUnauthorized) {
		t.Errorf("code: got %q", body.Error.Code)
	}
}

func TestAuth_MalformedKey(t *testing.T) {
	srv, _ := newTestServer()
	rec := doRequest(t, srv, http.MethodGet, "/v1/jobs", nil, "too-short")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuth_UnknownKey(t *testing.T) {
	srv, _ := newTestServer()
	rec := doRequest(t, srv, http.MethodGet, "/v1/jobs", nil, "ky_test_ffffffffffffffffffffffffffffffff")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuth_ValidKey(t *testing.T) {
	srv, _ := newTestServer()
	rec := doRequest(t, srv, http.MethodGet, "/v1/jobs", nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestAuth_CronSecretBypassesAPIKey(t *testing.T) {
	srv, _ := newTestServer()
	r := httptest.NewRequest(http.MethodPost, "/v1/jobs/recovery", nil)
	r.Header.Set("X-Cron-Secret", "cron-secret-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestAuth_WrongCronSecretRejected(t *testing.T) {
	srv, _ := newTestServer()
	r := httptest.NewRequest(http.MethodPost, "/v1/jobs/recovery", nil)
	r.Header.Set("X-Cron-Secret", "nope")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

// --- lease ---

func TestHandleLease_ValidationError(t *testing.T) {
	srv, _ := newTestServer()
	rec := doRequest(t, srv, http.MethodPost, "/v1/suffix/lease", map[string]any{
		"campaignId": "",
	}, testAPIKey)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusUnprocessableEntity, rec.Body.String())
	}
}

func TestHandleLease_Apply(t *testing.T) {
	srv, deps := newTestServer()
	deps.engine.leaseFunc = func(tenantID string, items []assignment.LeaseItem) ([]assignment.LeaseResult, error) {
		return []assignment.LeaseResult{{
			Action:         assignment.ActionApply,
			AssignmentID:   "a1",
			FinalURLSuffix: "gclid=abc&t=1",
		}}, nil
	}

	rec := doRequest(t, srv, http.MethodPost, "/v1/suffix/lease", map[string]any{
		"campaignId":              "C1",
		"nowClicks":               5,
		"observedAt":              "2025-01-15T10:00:00Z",
		"windowStartEpochSeconds": 1736935200,
		"idempotencyKey":          "k1",
	}, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp leaseResultResponse
	decodeJSON(t, rec, &resp)
	if resp.Action != "APPLY" || resp.FinalURLSuffix != "gclid=abc&t=1" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if deps.engine.lastTenant != "tenant-1" {
		t.Errorf("tenant not propagated: got %q", deps.engine.lastTenant)
	}
}

func TestHandleLease_PendingImportMapsTo202(t *testing.T) {
	srv, deps := newTestServer()
	deps.engine.leaseFunc = func(tenantID string, items []assignment.LeaseItem) ([]assignment.LeaseResult, error) {
		return []assignment.LeaseResult{{Action: assignment.ActionError, Code: assignment.CodePendingImport}}, nil
	}
	rec := doRequest(t, srv, http.MethodPost, "/v1/suffix/lease", map[string]any{
		"campaignId":              "C1",
		"nowClicks":               5,
		"observedAt":              "2025-01-15T10:00:00Z",
		"windowStartEpochSeconds": 1736935200,
		"idempotencyKey":          "k1",
	}, testAPIKey)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
}

func TestHandleLease_NoStockMapsTo409(t *testing.T) {
	srv, deps := newTestServer()
	deps.engine.leaseFunc = func(tenantID string, items []assignment.LeaseItem) ([]assignment.LeaseResult, error) {
		return []assignment.LeaseResult{{Action: assignment.ActionError, Code: assignment.CodeNoStock}}, nil
	}
	rec := doRequest(t, srv, http.MethodPost, "/v1/suffix/lease", map[string]any{
		"campaignId":              "C1",
		"nowClicks":               5,
		"observedAt":              "2025-01-15T10:00:00Z",
		"windowStartEpochSeconds": 1736935200,
		"idempotencyKey":          "k1",
	}, testAPIKey)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusConflict, rec.Body.String())
	}
}

func TestHandleLease_NoopStaysAt200(t *testing.T) {
	srv, deps := newTestServer()
	deps.engine.leaseFunc = func(tenantID string, items []assignment.LeaseItem) ([]assignment.LeaseResult, error) {
		return []assignment.LeaseResult{{Action: assignment.ActionNoop, Reason: "delta<=0"}}, nil
	}
	rec := doRequest(t, srv, http.MethodPost, "/v1/suffix/lease", map[string]any{
		"campaignId":              "C1",
		"nowClicks":               5,
		"observedAt":              "2025-01-15T10:00:00Z",
		"windowStartEpochSeconds": 1736935200,
		"idempotencyKey":          "k1",
	}, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestHandleLeaseBatch_TooManyItems(t *testing.T) {
	srv, _ := newTestServer()
	items := make([]map[string]any, 101)
	for i := range items {
		items[i] = map[string]any{
			"campaignId":              "C1",
			"nowClicks":               1,
			"observedAt":              "2025-01-15T10:00:00Z",
			"windowStartEpochSeconds": 1,
			"idempotencyKey":          "k",
		}
	}
	rec := doRequest(t, srv, http.MethodPost, "/v1/suffix/lease/batch", map[string]any{
		"campaigns":        items,
		"scriptInstanceId": "s1",
		"cycleMinutes":     10,
	}, testAPIKey)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusUnprocessableEntity, rec.Body.String())
	}
}

func TestHandleLeaseBatch_BadCycleMinutes(t *testing.T) {
	srv, _ := newTestServer()
	rec := doRequest(t, srv, http.MethodPost, "/v1/suffix/lease/batch", map[string]any{
		"campaigns": []map[string]any{{
			"campaignId":              "C1",
			"nowClicks":               1,
			"observedAt":              "2025-01-15T10:00:00Z",
			"windowStartEpochSeconds": 1,
			"idempotencyKey":          "k",
		}},
		"scriptInstanceId": "s1",
		"cycleMinutes":     5,
	}, testAPIKey)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusUnprocessableEntity, rec.Body.String())
	}
}

func TestHandleLeaseBatch_Success(t *testing.T) {
	srv, deps := newTestServer()
	deps.engine.leaseFunc = func(tenantID string, items []assignment.LeaseItem) ([]assignment.LeaseResult, error) {
		out := make([]assignment.LeaseResult, len(items))
		for i := range items {
			out[i] = assignment.LeaseResult{Action: assignment.ActionNoop, Reason: "delta≤0"}
		}
		return out, nil
	}
	rec := doRequest(t, srv, http.MethodPost, "/v1/suffix/lease/batch", map[string]any{
		"campaigns": []map[string]any{
			{
				"campaignId":              "C1",
				"nowClicks":               1,
				"observedAt":              "2025-01-15T10:00:00Z",
				"windowStartEpochSeconds": 1,
				"idempotencyKey":          "k1",
			},
			{
				"campaignId":              "C2",
				"nowClicks":               1,
				"observedAt":              "2025-01-15T10:00:00Z",
				"windowStartEpochSeconds": 1,
				"idempotencyKey":          "k2",
			},
		},
		"scriptInstanceId": "s1",
		"cycleMinutes":     10,
	}, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var body struct {
		Results []leaseResultResponse `json:"results"`
	}
	decodeJSON(t, rec, &body)
	if len(body.Results) != 2 {
		t.Fatalf("results: got %d, want 2", len(body.Results))
	}
}

func TestHandleLease_UnknownFieldRejected(t *testing.T) {
	srv, _ := newTestServer()
	body := []byte(`{"campaignId":"C1","nowClicks":1,"observedAt":"2025-01-15T10:00:00Z","windowStartEpochSeconds":1,"idempotencyKey":"k1","bogusField":true}`)
	r := httptest.NewRequest(http.MethodPost, "/v1/suffix/lease", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusUnprocessableEntity, rec.Body.String())
	}
}

// --- report ---

func TestHandleReport_NotFound(t *testing.T) {
	srv, deps := newTestServer()
	deps.engine.reportFunc = func(tenantID string, items []assignment.ReportItem) ([]assignment.ReportResult, error) {
		return []assignment.ReportResult{{OK: false, Message: "not-found"}}, nil
	}
	rec := doRequest(t, srv, http.MethodPost, "/v1/suffix/report", map[string]any{
		"assignmentId": "missing",
		"campaignId":   "C1",
		"writeSuccess": false,
		"reportedAt":   "2025-01-15T10:05:00Z",
	}, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp reportResultResponse
	decodeJSON(t, rec, &resp)
	if resp.OK {
		t.Errorf("expected ok=false")
	}
}

func TestHandleReportBatch_Empty(t *testing.T) {
	srv, _ := newTestServer()
	rec := doRequest(t, srv, http.MethodPost, "/v1/suffix/report/batch", map[string]any{
		"reports": []map[string]any{},
	}, testAPIKey)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusUnprocessableEntity, rec.Body.String())
	}
}

// --- campaigns sync ---

func TestHandleCampaignsSync_CreatesThenUpdates(t *testing.T) {
	srv, _ := newTestServer()
	body := map[string]any{
		"campaigns": []map[string]any{{
			"campaignId":  "C1",
			"displayName": "Campaign One",
			"countryCode": "US",
		}},
	}
	rec := doRequest(t, srv, http.MethodPost, "/v1/campaigns/sync", body, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d: %s", rec.Code, rec.Body.String())
	}
	var first struct {
		Results []campaignSyncResult `json:"results"`
	}
	decodeJSON(t, rec, &first)
	if len(first.Results) != 1 || first.Results[0].Status != "created" {
		t.Fatalf("expected created, got %+v", first.Results)
	}

	rec2 := doRequest(t, srv, http.MethodPost, "/v1/campaigns/sync", body, testAPIKey)
	var second struct {
		Results []campaignSyncResult `json:"results"`
	}
	decodeJSON(t, rec2, &second)
	if len(second.Results) != 1 || second.Results[0].Status != "updated" {
		t.Fatalf("expected updated, got %+v", second.Results)
	}
}

func TestHandleCampaignsSync_EmptyCampaignID(t *testing.T) {
	srv, _ := newTestServer()
	rec := doRequest(t, srv, http.MethodPost, "/v1/campaigns/sync", map[string]any{
		"campaigns": []map[string]any{{"campaignId": ""}},
	}, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Results []campaignSyncResult `json:"results"`
	}
	decodeJSON(t, rec, &body)
	if body.Results[0].Status != "error" {
		t.Errorf("expected per-item error, got %+v", body.Results[0])
	}
}

// --- jobs ---

func TestHandleJobsReplenish_InvalidMode(t *testing.T) {
	srv, _ := newTestServer()
	rec := doRequest(t, srv, http.MethodPost, "/v1/jobs/replenish", map[string]any{
		"mode": "bogus",
	}, testAPIKey)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusUnprocessableEntity, rec.Body.String())
	}
}

func TestHandleJobsReplenish_SingleRequiresCampaignID(t *testing.T) {
	srv, _ := newTestServer()
	rec := doRequest(t, srv, http.MethodPost, "/v1/jobs/replenish", map[string]any{
		"mode": "single",
	}, testAPIKey)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want %d: %s", rec.Code, http.StatusUnprocessableEntity, rec.Body.String())
	}
}

func TestHandleJobsReplenish_All(t *testing.T) {
	srv, deps := newTestServer()
	deps.replenish.n = 4
	rec := doRequest(t, srv, http.MethodPost, "/v1/jobs/replenish", map[string]any{
		"mode": "all",
	}, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d: %s", rec.Code, rec.Body.String())
	}
	var resp replenishJobResponse
	decodeJSON(t, rec, &resp)
	if resp.Replenished != 4 {
		t.Errorf("replenished: got %d, want 4", resp.Replenished)
	}
}

func TestHandleJobsRecovery_NoBody(t *testing.T) {
	srv, deps := newTestServer()
	deps.recovery.summary = recovery.Summary{ExpiredLeases: 2}
	r := httptest.NewRequest(http.MethodPost, "/v1/jobs/recovery", nil)
	r.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d: %s", rec.Code, rec.Body.String())
	}
	var summary recovery.Summary
	decodeJSON(t, rec, &summary)
	if summary.ExpiredLeases != 2 {
		t.Errorf("expired: got %d, want 2", summary.ExpiredLeases)
	}
}

func TestHandleJobsAlerts_EmptyList(t *testing.T) {
	srv, _ := newTestServer()
	rec := doRequest(t, srv, http.MethodGet, "/v1/jobs/alerts", nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d: %s", rec.Code, rec.Body.String())
	}
	var page Page[model.Alert]
	decodeJSON(t, rec, &page)
	if page.Items == nil {
		t.Errorf("items should be an empty slice, not null")
	}
}

// --- body size limit ---

func TestRequestBodyLimit_Enforced(t *testing.T) {
	srv, _ := newTestServer()
	huge := make([]byte, 2<<20)
	for i := range huge {
		huge[i] = 'a'
	}
	body, _ := json.Marshal(map[string]any{
		"campaignId":              string(huge),
		"nowClicks":               1,
		"observedAt":              "2025-01-15T10:00:00Z",
		"windowStartEpochSeconds": 1,
		"idempotencyKey":          "k1",
	})
	r := httptest.NewRequest(http.MethodPost, "/v1/suffix/lease", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}
