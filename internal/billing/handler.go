package billing

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cognihq/agent-runtime/internal/core"
	"github.com/cognihq/agent-runtime/internal/metrics"
)

// Ingestor is the HTTP face of the billing pipeline.
type Ingestor struct {
	store         Store
	token         string
	creditsPerUSD int64
	metrics       *metrics.Metrics
}

func NewIngestor(store Store, token string, creditsPerUSD int64, m *metrics.Metrics) *Ingestor {
	return &Ingestor{store: store, token: token, creditsPerUSD: creditsPerUSD, metrics: m}
}

type ingestResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HandleIngest serves POST /internal/billing/ingest. Idempotent: a
// redelivered callback answers 200 without a second write.
func (i *Ingestor) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if !i.authorized(r) {
		i.metrics.IngestResults.WithLabelValues("auth_failed").Inc()
		writeJSON(w, http.StatusUnauthorized, ingestResponse{Status: "error", Error: "unauthorized"})
		return
	}

	var payload CallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		i.metrics.IngestResults.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest, ingestResponse{Status: "error", Error: "undecodable payload"})
		return
	}

	receipt, details, err := BuildReceipt(&payload, i.creditsPerUSD)
	if err != nil {
		i.metrics.IngestResults.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest, ingestResponse{Status: "error", Error: errMessage(err)})
		return
	}

	err = i.store.InsertReceipt(r.Context(), receipt, details)
	switch {
	case err == nil:
		i.metrics.IngestResults.WithLabelValues("inserted").Inc()
		i.metrics.CreditsCharged.Add(float64(receipt.ChargedCredits))
		slog.Info("charge receipt written",
			"source_reference", receipt.SourceReference,
			"billing_account_id", receipt.BillingAccountID,
			"charged_credits", receipt.ChargedCredits)
		writeJSON(w, http.StatusOK, ingestResponse{Status: "ok"})
	case core.KindOf(err) == core.KindDuplicateReceipt:
		i.metrics.IngestResults.WithLabelValues("duplicate").Inc()
		writeJSON(w, http.StatusOK, ingestResponse{Status: "duplicate"})
	case core.KindOf(err) == core.KindTransientDBError:
		i.metrics.IngestResults.WithLabelValues("db_error").Inc()
		slog.Error("receipt insert failed", "source_reference", receipt.SourceReference, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ingestResponse{Status: "error", Error: "storage unavailable"})
	default:
		i.metrics.IngestResults.WithLabelValues("db_error").Inc()
		slog.Error("receipt insert failed", "source_reference", receipt.SourceReference, "error", err)
		writeJSON(w, http.StatusInternalServerError, ingestResponse{Status: "error", Error: "internal"})
	}
}

func (i *Ingestor) authorized(r *http.Request) bool {
	if i.token == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(i.token)) == 1
}

func errMessage(err error) string {
	var re *core.RunError
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
