package billing

import (
	"context"
	"fmt"
	"log/slog"

	"entitlements/internal/types"
)

// LedgerStore is the persistence contract for credit balances and their
// append-only audit trail. Implementations MUST make each mutation atomic
// with the balance check: a debit re-verifies sufficiency at mutation time
// under a per-user serialization scope, because the evaluator's earlier
// check is advisory and may have raced another request from the same user.
type LedgerStore interface {
	// Debit decrements the balance by amount and appends one transaction.
	// Fails with credits_insufficient when amount exceeds the balance at
	// mutation time; the balance is left unchanged in that case.
	Debit(ctx context.Context, userID string, amount int, reason types.TransactionReason) (*types.CreditTransaction, error)

	// Grant increments the balance by amount and appends one transaction.
	Grant(ctx context.Context, userID string, amount int, reason types.TransactionReason) (*types.CreditTransaction, error)

	// Balance returns the current credit balance.
	Balance(ctx context.Context, userID string) (int, error)

	// ListTransactions returns the audit trail, newest first.
	ListTransactions(ctx context.Context, userID string, params types.ListTransactionsParams) ([]types.CreditTransaction, types.PageInfo, error)
}

// Ledger applies debits and grants to user credit balances. Amount
// validation lives here; atomicity lives in the store. Mutation failures are
// not retried: retry policy belongs to the calling collaborator, since a
// blind retry risks double-charging when the first attempt succeeded before
// a transport failure.
type Ledger struct {
	store   LedgerStore
	metrics Recorder
	logger  *slog.Logger
}

// NewLedger creates a Ledger backed by the given store. metrics may be nil
// (recording is skipped); logger may be nil (slog.Default is used).
func NewLedger(store LedgerStore, metrics Recorder, logger *slog.Logger) *Ledger {
	if metrics == nil {
		metrics = NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, metrics: metrics, logger: logger}
}

// Debit removes amount credits from the user's balance and records one audit
// transaction with a negative delta. Fails with credits_invalid_amount for
// non-positive amounts and credits_insufficient when the balance cannot
// cover the debit; in both cases the balance is untouched.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int, reason types.TransactionReason) (*types.CreditTransaction, error) {
	if amount <= 0 {
		return nil, types.NewAppError(
			types.ErrCodeCreditsInvalidAmount,
			fmt.Sprintf("debit amount must be positive, got %d", amount),
			nil,
		)
	}

	txn, err := l.store.Debit(ctx, userID, amount, reason)
	if err != nil {
		l.metrics.RecordLedgerMutation(ctx, "debit", false)
		return nil, err
	}

	l.metrics.RecordLedgerMutation(ctx, "debit", true)
	l.logger.InfoContext(ctx, "credits debited",
		"user_id", userID,
		"amount", amount,
		"reason", string(reason),
		"resulting_balance", txn.ResultingBalance,
		"transaction_id", txn.ID,
	)
	return txn, nil
}

// Grant adds amount credits to the user's balance and records one audit
// transaction with a positive delta. Fails with credits_invalid_amount for
// non-positive amounts. Grants are used for purchased credit packs and
// manual adjustments; subscription access never touches the ledger.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int, reason types.TransactionReason) (*types.CreditTransaction, error) {
	if amount <= 0 {
		return nil, types.NewAppError(
			types.ErrCodeCreditsInvalidAmount,
			fmt.Sprintf("grant amount must be positive, got %d", amount),
			nil,
		)
	}

	txn, err := l.store.Grant(ctx, userID, amount, reason)
	if err != nil {
		l.metrics.RecordLedgerMutation(ctx, "grant", false)
		return nil, err
	}

	l.metrics.RecordLedgerMutation(ctx, "grant", true)
	l.logger.InfoContext(ctx, "credits granted",
		"user_id", userID,
		"amount", amount,
		"reason", string(reason),
		"resulting_balance", txn.ResultingBalance,
		"transaction_id", txn.ID,
	)
	return txn, nil
}

// Balance returns the user's current credit balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	return l.store.Balance(ctx, userID)
}

// History returns the user's audit trail, newest first.
func (l *Ledger) History(ctx context.Context, userID string, params types.ListTransactionsParams) ([]types.CreditTransaction, types.PageInfo, error) {
	return l.store.ListTransactions(ctx, userID, params)
}
