// Package billing ingests the upstream LLM's per-call cost callbacks and
// persists idempotent charge receipts. The LLM is the authoritative cost
// source; the proxy audit log only mirrors it for the run event stream.
package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cognihq/agent-runtime/internal/core"
)

// SourceSystem tags every receipt this core writes.
const SourceSystem = "litellm"

// ChargeReasonLLMUsage is the only charge reason the ingestor produces.
const ChargeReasonLLMUsage = "llm_usage"

// CallbackPayload is the LLM-native callback body. Only the listed fields
// are consumed; the rest of the payload is ignored.
type CallbackPayload struct {
	RunID             string      `json:"run_id"`
	Attempt           *int        `json:"attempt"`
	EndUser           string      `json:"end_user"`
	LitellmCallID     string      `json:"litellm_call_id"`
	ResponseCost      json.Number `json:"response_cost"`
	Model             string      `json:"model"`
	CustomLLMProvider string      `json:"custom_llm_provider"`
	LatencyMs         float64     `json:"latency_ms"`
	Usage             struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	SpendLogsMetadata struct {
		RunID   string `json:"run_id"`
		GraphID string `json:"graph_id"`
	} `json:"spend_logs_metadata"`
}

// ChargeReceipt is one row in charge_receipts.
type ChargeReceipt struct {
	ID               string
	RunID            string
	Attempt          int
	BillingAccountID string
	SourceSystem     string
	SourceReference  string
	LitellmCallID    string
	ResponseCostUSD  decimal.Decimal
	ChargedCredits   int64
	ChargeReason     string
	CreatedAt        time.Time
}

// LlmChargeDetails is the one-to-one sibling row.
type LlmChargeDetails struct {
	ChargeReceiptID string
	Model           string
	Provider        string
	TokensIn        int64
	TokensOut       int64
	LatencyMs       int64
	GraphID         string
	ProviderCallID  string
}

// runID resolves the run id: the top-level field wins, the spend-logs
// metadata is the fallback.
func (p *CallbackPayload) runID() string {
	if p.RunID != "" {
		return p.RunID
	}
	return p.SpendLogsMetadata.RunID
}

// BuildReceipt validates the payload and computes the receipt and its
// details row. Credits use decimal arithmetic end to end; the cost string
// is never parsed into a float.
func BuildReceipt(p *CallbackPayload, creditsPerUSD int64) (*ChargeReceipt, *LlmChargeDetails, error) {
	runID := p.runID()
	switch {
	case strings.TrimSpace(runID) == "":
		return nil, nil, core.NewRunError(core.KindInvalidRequest, "run_id is required", nil)
	case strings.TrimSpace(p.EndUser) == "":
		return nil, nil, core.NewRunError(core.KindInvalidRequest, "end_user is required", nil)
	case strings.TrimSpace(p.LitellmCallID) == "":
		return nil, nil, core.NewRunError(core.KindInvalidRequest, "litellm_call_id is required", nil)
	case p.ResponseCost.String() == "":
		return nil, nil, core.NewRunError(core.KindInvalidRequest, "response_cost is required", nil)
	}

	cost, err := decimal.NewFromString(p.ResponseCost.String())
	if err != nil {
		return nil, nil, core.NewRunError(core.KindInvalidRequest, fmt.Sprintf("response_cost %q is not a decimal", p.ResponseCost), err)
	}
	if !cost.IsPositive() {
		return nil, nil, core.NewRunError(core.KindInvalidRequest, fmt.Sprintf("response_cost must be > 0, got %s", cost), nil)
	}

	attempt := 0
	if p.Attempt != nil {
		if *p.Attempt < 0 {
			return nil, nil, core.NewRunError(core.KindInvalidRequest, "attempt must be >= 0", nil)
		}
		attempt = *p.Attempt
	}

	receipt := &ChargeReceipt{
		ID:               uuid.NewString(),
		RunID:            runID,
		Attempt:          attempt,
		BillingAccountID: p.EndUser,
		SourceSystem:     SourceSystem,
		SourceReference:  fmt.Sprintf("%s/%d/%s", runID, attempt, p.LitellmCallID),
		LitellmCallID:    p.LitellmCallID,
		ResponseCostUSD:  cost,
		ChargedCredits:   creditsFor(cost, creditsPerUSD),
		ChargeReason:     ChargeReasonLLMUsage,
		CreatedAt:        time.Now().UTC(),
	}
	details := &LlmChargeDetails{
		ChargeReceiptID: receipt.ID,
		Model:           p.Model,
		Provider:        p.CustomLLMProvider,
		TokensIn:        p.Usage.PromptTokens,
		TokensOut:       p.Usage.CompletionTokens,
		LatencyMs:       int64(p.LatencyMs),
		GraphID:         p.SpendLogsMetadata.GraphID,
		ProviderCallID:  p.LitellmCallID,
	}
	return receipt, details, nil
}

// creditsFor converts USD to credits with round-half-up. Round rounds half
// away from zero, which equals half-up for the positive costs validation
// admits.
func creditsFor(cost decimal.Decimal, creditsPerUSD int64) int64 {
	return cost.Mul(decimal.NewFromInt(creditsPerUSD)).Round(0).IntPart()
}
