package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"entitlements/internal/types"
)

// UserRepo reads and writes the subscription and credit fields of user
// accounts. The account rows themselves are owned by the account-management
// collaborator; this engine never creates or deletes them.
type UserRepo struct {
	db DBTX
}

// NewUserRepo creates a UserRepo backed by the given database connection.
func NewUserRepo(db DBTX) *UserRepo {
	return &UserRepo{db: db}
}

// GetSnapshot returns the entitlement-relevant view of a user account.
// A NULL subscription_status is reported as none.
func (r *UserRepo) GetSnapshot(ctx context.Context, userID string) (types.AccountSnapshot, error) {
	var (
		status *string
		planID *string
		snap   types.AccountSnapshot
	)
	err := r.db.QueryRow(ctx,
		`SELECT subscription_status, subscription_plan_id, credits
		 FROM users
		 WHERE id = $1`,
		userID,
	).Scan(&status, &planID, &snap.Credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.AccountSnapshot{}, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return types.AccountSnapshot{}, types.NewAppError(types.ErrCodeInternalDB, "failed to load account snapshot", err)
	}

	snap.UserID = userID
	snap.SubscriptionStatus = types.SubStatusNone
	if status != nil {
		snap.SubscriptionStatus = types.SubscriptionStatus(*status)
	}
	if planID != nil {
		snap.SubscriptionPlanID = types.PlanID(*planID)
	}
	return snap, nil
}

// GetBillingInfo returns the billing-processor customer reference and the
// billing email for the user. The customer reference is empty when none has
// been created yet.
func (r *UserRepo) GetBillingInfo(ctx context.Context, userID string) (customerID string, email string, err error) {
	var storedID *string
	err = r.db.QueryRow(ctx,
		`SELECT stripe_customer_id, email FROM users WHERE id = $1`,
		userID,
	).Scan(&storedID, &email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return "", "", types.NewAppError(types.ErrCodeInternalDB, "failed to load billing info", err)
	}
	if storedID != nil {
		customerID = *storedID
	}
	return customerID, email, nil
}

// SetProcessorCustomerID stores the billing-processor customer reference
// after first checkout. The write is unconditional: customer IDs are stable
// per user on the processor side.
func (r *UserRepo) SetProcessorCustomerID(ctx context.Context, userID, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET stripe_customer_id = $1,
		     updated_at = NOW()
		 WHERE id = $2`,
		customerID,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store processor customer id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// GetUserIDByProcessorCustomer resolves a billing-processor customer
// reference back to the user it belongs to. Used by the webhook handler for
// events that carry only the customer ID.
func (r *UserRepo) GetUserIDByProcessorCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := r.db.QueryRow(ctx,
		`SELECT id FROM users WHERE stripe_customer_id = $1`,
		customerID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundUser, "no user for processor customer", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve processor customer", err)
	}
	return userID, nil
}
