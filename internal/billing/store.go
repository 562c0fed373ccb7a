package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/cognihq/agent-runtime/internal/core"
)

// Store persists receipts. InsertReceipt returns duplicate_receipt for an
// already-ingested source reference and transient_db_error for anything
// the upstream should redeliver.
type Store interface {
	InsertReceipt(ctx context.Context, receipt *ChargeReceipt, details *LlmChargeDetails) error
}

// PostgresStore writes receipts under row-level security: every
// transaction sets the connection-local billing account before inserting,
// and the table policy checks the row against it.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (s *PostgresStore) InsertReceipt(ctx context.Context, receipt *ChargeReceipt, details *LlmChargeDetails) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewRunError(core.KindTransientDBError, "begin receipt transaction", err)
	}
	defer tx.Rollback()

	// Transaction-local tenant scope; the RLS policy on charge_receipts
	// requires billing_account_id to match it.
	if _, err := tx.ExecContext(ctx,
		`SELECT set_config('app.billing_account_id', $1, true)`,
		receipt.BillingAccountID,
	); err != nil {
		return core.NewRunError(core.KindTransientDBError, "set tenant scope", err)
	}

	var insertedID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO charge_receipts (
			id, run_id, attempt, billing_account_id,
			source_system, source_reference, litellm_call_id,
			response_cost_usd, charged_credits, charge_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (billing_account_id, source_reference) DO NOTHING
		RETURNING id`,
		receipt.ID, receipt.RunID, receipt.Attempt, receipt.BillingAccountID,
		receipt.SourceSystem, receipt.SourceReference, receipt.LitellmCallID,
		receipt.ResponseCostUSD.String(), receipt.ChargedCredits, receipt.ChargeReason,
		receipt.CreatedAt,
	).Scan(&insertedID)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict path: the receipt already exists for this tenant.
		return core.NewRunError(core.KindDuplicateReceipt,
			fmt.Sprintf("receipt %s already ingested", receipt.SourceReference), nil)
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return core.NewRunError(core.KindDuplicateReceipt,
				fmt.Sprintf("receipt %s already ingested", receipt.SourceReference), err)
		}
		return core.NewRunError(core.KindTransientDBError, "insert charge receipt", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO llm_charge_details (
			charge_receipt_id, model, provider, tokens_in, tokens_out,
			latency_ms, graph_id, provider_call_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		insertedID, details.Model, details.Provider, details.TokensIn, details.TokensOut,
		details.LatencyMs, details.GraphID, details.ProviderCallID,
	); err != nil {
		return core.NewRunError(core.KindTransientDBError, "insert charge details", err)
	}

	if err := tx.Commit(); err != nil {
		return core.NewRunError(core.KindTransientDBError, "commit receipt transaction", err)
	}
	return nil
}
