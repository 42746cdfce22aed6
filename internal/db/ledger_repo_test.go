package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"entitlements/internal/types"
)

func TestLedgerRepo_Debit_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepo(db)

	createdAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = "txn_1"
			*dest[1].(*string) = "user_1"
			*dest[2].(*int) = -3
			*dest[3].(*types.TransactionReason) = types.ReasonCoverLetter
			*dest[4].(*int) = 7
			*dest[5].(*time.Time) = createdAt
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 4 && args[0] == "user_1" && args[1] == 3 && args[3] == types.ReasonCoverLetter
	})).Return(row)

	txn, err := repo.Debit(context.Background(), "user_1", 3, types.ReasonCoverLetter)
	require.NoError(t, err)
	assert.Equal(t, "txn_1", txn.ID)
	assert.Equal(t, -3, txn.Delta)
	assert.Equal(t, 7, txn.ResultingBalance)
	assert.Equal(t, createdAt, txn.CreatedAt)
	db.AssertExpectations(t)
}

func TestLedgerRepo_Debit_Insufficient(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepo(db)

	// Conditional debit matches no row, then the balance read classifies it.
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 4
	})).Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"user_1"}).Return(&mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*int) = 2
			return nil
		},
	}).Once()

	_, err := repo.Debit(context.Background(), "user_1", 3, types.ReasonMockInterview)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeCreditsInsufficient, appErr.Code)
	assert.Equal(t, 2, appErr.Details["balance"])
	assert.Equal(t, 3, appErr.Details["requested"])
	db.AssertExpectations(t)
}

func TestLedgerRepo_Debit_UserNotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 4
	})).Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"user_missing"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()

	_, err := repo.Debit(context.Background(), "user_missing", 3, types.ReasonCoverLetter)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestLedgerRepo_Grant_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepo(db)

	createdAt := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = "txn_2"
			*dest[1].(*string) = "user_1"
			*dest[2].(*int) = 50
			*dest[3].(*types.TransactionReason) = types.ReasonPurchase
			*dest[4].(*int) = 57
			*dest[5].(*time.Time) = createdAt
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 4 && args[0] == "user_1" && args[1] == 50 && args[3] == types.ReasonPurchase
	})).Return(row)

	txn, err := repo.Grant(context.Background(), "user_1", 50, types.ReasonPurchase)
	require.NoError(t, err)
	assert.Equal(t, 50, txn.Delta)
	assert.Equal(t, 57, txn.ResultingBalance)
}

func TestLedgerRepo_Grant_UserNotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Grant(context.Background(), "user_missing", 10, types.ReasonPurchase)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestLedgerRepo_Balance(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"user_1"}).Return(&mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*int) = 12
			return nil
		},
	})

	balance, err := repo.Balance(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, 12, balance)
}

func TestLedgerRepo_ListTransactions_FirstPage(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepo(db)

	t1 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t3 := time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)

	// limit 2 requested, limit+1 rows returned -> HasMore.
	rows := newMockRows([][]any{
		{"txn_3", "user_1", -1, types.ReasonLinkedInPost, 11, t1},
		{"txn_2", "user_1", -3, types.ReasonCoverLetter, 12, t2},
		{"txn_1", "user_1", 15, types.ReasonPurchase, 15, t3},
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{"user_1", 3}).Return(rows, nil)

	txns, page, err := repo.ListTransactions(context.Background(), "user_1", types.ListTransactionsParams{Limit: 2})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "txn_3", txns[0].ID)
	assert.Equal(t, "txn_2", txns[1].ID)
	assert.True(t, page.HasMore)
	assert.Equal(t, t2.Format(time.RFC3339Nano), page.NextCursor)
	db.AssertExpectations(t)
}

func TestLedgerRepo_ListTransactions_WithCursor(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepo(db)

	cursor := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t3 := time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)

	rows := newMockRows([][]any{
		{"txn_1", "user_1", 15, types.ReasonPurchase, 15, t3},
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{"user_1", cursor, 21}).Return(rows, nil)

	txns, page, err := repo.ListTransactions(context.Background(), "user_1", types.ListTransactionsParams{
		Cursor: cursor.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}

func TestLedgerRepo_ListTransactions_InvalidCursor(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepo(db)

	_, _, err := repo.ListTransactions(context.Background(), "user_1", types.ListTransactionsParams{
		Cursor: "not-a-timestamp",
	})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationInvalidField, appErr.Code)
	db.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
}
