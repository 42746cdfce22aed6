package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"entitlements/internal/types"
)

const defaultTransactionPageSize = 20
const maxTransactionPageSize = 100

// LedgerRepo persists credit balances and their append-only audit trail.
// It implements the billing.LedgerStore interface.
//
// Both mutations are single data-modifying CTE statements: the balance
// update and the transaction insert commit or fail together, and the
// debit's sufficiency condition is evaluated under the row lock the UPDATE
// takes. Two concurrent debits against the same user serialize on that
// lock, so the balance can never go negative regardless of what the
// advisory entitlement check saw.
type LedgerRepo struct {
	db DBTX
}

// NewLedgerRepo creates a LedgerRepo backed by the given database connection.
func NewLedgerRepo(db DBTX) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// Debit decrements the user's balance and appends one audit transaction.
// The `credits >= $amount` condition re-verifies sufficiency at mutation
// time; when it fails, no row is updated and nothing is inserted.
func (r *LedgerRepo) Debit(ctx context.Context, userID string, amount int, reason types.TransactionReason) (*types.CreditTransaction, error) {
	txn := &types.CreditTransaction{}
	err := r.db.QueryRow(ctx,
		`WITH debited AS (
		     UPDATE users
		     SET credits = credits - $2,
		         updated_at = NOW()
		     WHERE id = $1
		       AND credits >= $2
		     RETURNING credits
		 )
		 INSERT INTO credit_transactions (id, user_id, delta, reason, resulting_balance, created_at)
		 SELECT $3, $1, -$2, $4, debited.credits, NOW()
		 FROM debited
		 RETURNING id, user_id, delta, reason, resulting_balance, created_at`,
		userID,
		amount,
		uuid.NewString(),
		reason,
	).Scan(&txn.ID, &txn.UserID, &txn.Delta, &txn.Reason, &txn.ResultingBalance, &txn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.classifyRejectedDebit(ctx, userID, amount)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to debit credits", err)
	}
	return txn, nil
}

// classifyRejectedDebit distinguishes a missing user from an insufficient
// balance after the conditional debit matched no row.
func (r *LedgerRepo) classifyRejectedDebit(ctx context.Context, userID string, amount int) error {
	var balance int
	err := r.db.QueryRow(ctx,
		`SELECT credits FROM users WHERE id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to read balance after rejected debit", err)
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeCreditsInsufficient,
		fmt.Sprintf("balance %d cannot cover debit of %d", balance, amount),
		nil,
		map[string]any{"balance": balance, "requested": amount},
	)
}

// Grant increments the user's balance and appends one audit transaction.
func (r *LedgerRepo) Grant(ctx context.Context, userID string, amount int, reason types.TransactionReason) (*types.CreditTransaction, error) {
	txn := &types.CreditTransaction{}
	err := r.db.QueryRow(ctx,
		`WITH granted AS (
		     UPDATE users
		     SET credits = credits + $2,
		         updated_at = NOW()
		     WHERE id = $1
		     RETURNING credits
		 )
		 INSERT INTO credit_transactions (id, user_id, delta, reason, resulting_balance, created_at)
		 SELECT $3, $1, $2, $4, granted.credits, NOW()
		 FROM granted
		 RETURNING id, user_id, delta, reason, resulting_balance, created_at`,
		userID,
		amount,
		uuid.NewString(),
		reason,
	).Scan(&txn.ID, &txn.UserID, &txn.Delta, &txn.Reason, &txn.ResultingBalance, &txn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to grant credits", err)
	}
	return txn, nil
}

// Balance returns the user's current credit balance.
func (r *LedgerRepo) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := r.db.QueryRow(ctx,
		`SELECT credits FROM users WHERE id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to read credit balance", err)
	}
	return balance, nil
}

// ListTransactions returns the user's audit trail newest first, with
// cursor-based pagination on created_at. The cursor is the RFC3339Nano
// created_at of the last row of the previous page.
func (r *LedgerRepo) ListTransactions(ctx context.Context, userID string, params types.ListTransactionsParams) ([]types.CreditTransaction, types.PageInfo, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultTransactionPageSize
	}
	if limit > maxTransactionPageSize {
		limit = maxTransactionPageSize
	}

	query := `SELECT id, user_id, delta, reason, resulting_balance, created_at
	          FROM credit_transactions
	          WHERE user_id = $1`
	args := []any{userID}

	if params.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, params.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(
				types.ErrCodeValidationInvalidField,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		query += ` AND created_at < $2`
		args = append(args, cursorTime)
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to query credit transactions", err)
	}
	defer rows.Close()

	var results []types.CreditTransaction
	for rows.Next() {
		var txn types.CreditTransaction
		if scanErr := rows.Scan(&txn.ID, &txn.UserID, &txn.Delta, &txn.Reason, &txn.ResultingBalance, &txn.CreatedAt); scanErr != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan credit transaction row", scanErr)
		}
		results = append(results, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating credit transaction rows", err)
	}

	page := types.PageInfo{}
	if len(results) > limit {
		results = results[:limit]
		page.HasMore = true
		page.NextCursor = results[limit-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return results, page, nil
}

// ListOlderThan pages through all transactions created before cutoff in
// ascending order, for the audit export job. after is the keyset cursor:
// pass the zero time for the first page and the CreatedAt of the last row
// received for subsequent pages. Ties on created_at are broken by id.
func (r *LedgerRepo) ListOlderThan(ctx context.Context, cutoff time.Time, after time.Time, afterID string, limit int) ([]types.CreditTransaction, error) {
	if limit <= 0 {
		limit = defaultTransactionPageSize
	}

	query := `SELECT id, user_id, delta, reason, resulting_balance, created_at
	          FROM credit_transactions
	          WHERE created_at < $1`
	args := []any{cutoff}

	if !after.IsZero() {
		query += ` AND (created_at, id) > ($2, $3)`
		args = append(args, after, afterID)
	}

	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query transactions for export", err)
	}
	defer rows.Close()

	var results []types.CreditTransaction
	for rows.Next() {
		var txn types.CreditTransaction
		if scanErr := rows.Scan(&txn.ID, &txn.UserID, &txn.Delta, &txn.Reason, &txn.ResultingBalance, &txn.CreatedAt); scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan transaction row for export", scanErr)
		}
		results = append(results, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating transaction rows for export", err)
	}
	return results, nil
}
