package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognihq/agent-runtime/internal/core"
	"github.com/cognihq/agent-runtime/internal/metrics"
)

const creditsPerUSD = 1_000_000

func payloadJSON(overrides map[string]any) string {
	body := map[string]any{
		"run_id":          "r1",
		"attempt":         0,
		"end_user":        "b1",
		"litellm_call_id": "c-1",
		"response_cost":   "0.003",
		"model":           "test-model",
		"latency_ms":      412.0,
		"usage":           map[string]any{"prompt_tokens": 120, "completion_tokens": 48},
		"spend_logs_metadata": map[string]any{
			"run_id":   "r1",
			"graph_id": "sandbox:agent",
		},
	}
	for k, v := range overrides {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func decodePayload(t *testing.T, raw string) *CallbackPayload {
	t.Helper()
	var p CallbackPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return &p
}

func TestBuildReceiptHappyPath(t *testing.T) {
	p := decodePayload(t, payloadJSON(nil))
	receipt, details, err := BuildReceipt(p, creditsPerUSD)
	require.NoError(t, err)

	assert.NotEmpty(t, receipt.ID)
	assert.Equal(t, "r1", receipt.RunID)
	assert.Equal(t, "b1", receipt.BillingAccountID)
	assert.Equal(t, "r1/0/c-1", receipt.SourceReference)
	assert.Equal(t, "litellm", receipt.SourceSystem)
	assert.Equal(t, "llm_usage", receipt.ChargeReason)
	assert.True(t, receipt.ResponseCostUSD.Equal(decimal.RequireFromString("0.003")))
	assert.Equal(t, int64(3000), receipt.ChargedCredits)

	assert.Equal(t, receipt.ID, details.ChargeReceiptID)
	assert.Equal(t, "test-model", details.Model)
	assert.Equal(t, int64(120), details.TokensIn)
	assert.Equal(t, int64(48), details.TokensOut)
	assert.Equal(t, int64(412), details.LatencyMs)
	assert.Equal(t, "sandbox:agent", details.GraphID)
	assert.Equal(t, "c-1", details.ProviderCallID)
}

func TestBuildReceiptRunIDFallsBackToSpendLogs(t *testing.T) {
	p := decodePayload(t, payloadJSON(map[string]any{"run_id": nil}))
	receipt, _, err := BuildReceipt(p, creditsPerUSD)
	require.NoError(t, err)
	assert.Equal(t, "r1", receipt.RunID)
}

func TestBuildReceiptAcceptsNumericCost(t *testing.T) {
	p := decodePayload(t, payloadJSON(map[string]any{"response_cost": 0.003}))
	receipt, _, err := BuildReceipt(p, creditsPerUSD)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), receipt.ChargedCredits)
}

func TestCreditConversionRoundsHalfUp(t *testing.T) {
	cases := []struct {
		cost    string
		credits int64
	}{
		{"0.003", 3000},
		{"0.0000005", 1},   // exactly half rounds up
		{"0.0000004", 0},   // below half rounds down
		{"0.0000015", 2},   // half at an odd boundary still rounds up
		{"1", 1_000_000},
		{"0.1234567891", 123457}, // sub-credit precision
	}
	for _, tc := range cases {
		cost := decimal.RequireFromString(tc.cost)
		assert.Equal(t, tc.credits, creditsFor(cost, creditsPerUSD), "cost %s", tc.cost)
	}
}

func TestBuildReceiptValidation(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]any
	}{
		{"missing call id", map[string]any{"litellm_call_id": ""}},
		{"missing cost", map[string]any{"response_cost": nil}},
		{"zero cost", map[string]any{"response_cost": "0"}},
		{"negative cost", map[string]any{"response_cost": "-0.01"}},
		{"non-decimal cost", map[string]any{"response_cost": "three cents"}},
		{"missing end user", map[string]any{"end_user": ""}},
		{"missing run id everywhere", map[string]any{"run_id": nil, "spend_logs_metadata": map[string]any{"graph_id": "g"}}},
		{"negative attempt", map[string]any{"attempt": -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := decodePayload(t, payloadJSON(tc.overrides))
			_, _, err := BuildReceipt(p, creditsPerUSD)
			require.Error(t, err)
			assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
		})
	}
}

// fakeStore records inserts and simulates duplicates by source reference.
type fakeStore struct {
	inserted []*ChargeReceipt
	details  []*LlmChargeDetails
	err      error
}

func (f *fakeStore) InsertReceipt(_ context.Context, r *ChargeReceipt, d *LlmChargeDetails) error {
	if f.err != nil {
		return f.err
	}
	for _, existing := range f.inserted {
		if existing.BillingAccountID == r.BillingAccountID && existing.SourceReference == r.SourceReference {
			return core.NewRunError(core.KindDuplicateReceipt, "already ingested", nil)
		}
	}
	f.inserted = append(f.inserted, r)
	f.details = append(f.details, d)
	return nil
}

func postIngest(t *testing.T, ing *Ingestor, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/internal/billing/ingest", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ing.HandleIngest(rec, req)
	return rec
}

func TestIngestInsertsOnce(t *testing.T) {
	store := &fakeStore{}
	ing := NewIngestor(store, "tok", creditsPerUSD, metrics.NewTestMetrics())

	rec := postIngest(t, ing, "tok", payloadJSON(nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, "r1/0/c-1", store.inserted[0].SourceReference)
	assert.Equal(t, int64(3000), store.inserted[0].ChargedCredits)

	// Redelivery: still 200, still one row.
	rec = postIngest(t, ing, "tok", payloadJSON(nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, store.inserted, 1)
}

func TestIngestRejectsBadToken(t *testing.T) {
	store := &fakeStore{}
	ing := NewIngestor(store, "tok", creditsPerUSD, metrics.NewTestMetrics())

	for _, token := range []string{"", "wrong"} {
		rec := postIngest(t, ing, token, payloadJSON(nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	assert.Empty(t, store.inserted)
}

func TestIngestRejectsInvalidPayload(t *testing.T) {
	store := &fakeStore{}
	ing := NewIngestor(store, "tok", creditsPerUSD, metrics.NewTestMetrics())

	rec := postIngest(t, ing, "tok", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postIngest(t, ing, "tok", payloadJSON(map[string]any{"litellm_call_id": ""}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, store.inserted)
}

func TestIngestTransientDBErrorIsRetryable(t *testing.T) {
	store := &fakeStore{err: core.NewRunError(core.KindTransientDBError, "connection reset", nil)}
	ing := NewIngestor(store, "tok", creditsPerUSD, metrics.NewTestMetrics())

	rec := postIngest(t, ing, "tok", payloadJSON(nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngestWithNoTokenConfiguredRejectsAll(t *testing.T) {
	ing := NewIngestor(&fakeStore{}, "", creditsPerUSD, metrics.NewTestMetrics())
	rec := postIngest(t, ing, "anything", payloadJSON(nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
