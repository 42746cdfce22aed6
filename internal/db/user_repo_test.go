package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"entitlements/internal/types"
)

func TestUserRepo_GetSnapshot_Subscribed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepo(db)

	row := &mockRow{
		scanFn: func(dest ...any) error {
			status := "active"
			plan := "professional"
			*dest[0].(**string) = &status
			*dest[1].(**string) = &plan
			*dest[2].(*int) = 7
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"user_1"}).Return(row)

	snap, err := repo.GetSnapshot(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, types.AccountSnapshot{
		UserID:             "user_1",
		SubscriptionStatus: types.SubStatusActive,
		SubscriptionPlanID: types.PlanProfessional,
		Credits:            7,
	}, snap)
	db.AssertExpectations(t)
}

func TestUserRepo_GetSnapshot_NeverSubscribed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepo(db)

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(**string) = nil
			*dest[1].(**string) = nil
			*dest[2].(*int) = 0
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"user_2"}).Return(row)

	snap, err := repo.GetSnapshot(context.Background(), "user_2")
	require.NoError(t, err)
	assert.Equal(t, types.SubStatusNone, snap.SubscriptionStatus)
	assert.Empty(t, snap.SubscriptionPlanID)
	assert.Zero(t, snap.Credits)
}

func TestUserRepo_GetSnapshot_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepo(db)

	row := &mockRow{scanErr: pgx.ErrNoRows}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"user_missing"}).Return(row)

	_, err := repo.GetSnapshot(context.Background(), "user_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestUserRepo_BillingInfo_RoundTrip(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepo(db)

	row := &mockRow{
		scanFn: func(dest ...any) error {
			id := "cus_abc"
			*dest[0].(**string) = &id
			*dest[1].(*string) = "u1@example.com"
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"user_1"}).Return(row)

	id, email, err := repo.GetBillingInfo(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_abc", id)
	assert.Equal(t, "u1@example.com", email)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"cus_abc", "user_1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.SetProcessorCustomerID(context.Background(), "user_1", "cus_abc"))
	db.AssertExpectations(t)
}

func TestUserRepo_GetBillingInfo_NoCustomerYet(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepo(db)

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(**string) = nil
			*dest[1].(*string) = "u1@example.com"
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"user_1"}).Return(row)

	id, email, err := repo.GetBillingInfo(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, "u1@example.com", email)
}

func TestUserRepo_SetProcessorCustomerID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.SetProcessorCustomerID(context.Background(), "user_missing", "cus_abc")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestUserRepo_GetUserIDByProcessorCustomer(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepo(db)

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = "user_1"
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"cus_abc"}).Return(row)

	userID, err := repo.GetUserIDByProcessorCustomer(context.Background(), "cus_abc")
	require.NoError(t, err)
	assert.Equal(t, "user_1", userID)
}
