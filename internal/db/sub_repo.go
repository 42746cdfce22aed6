package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"entitlements/internal/types"
)

// SubscriptionRepo persists subscription records and keeps the mirrored
// subscription fields on the user row in lockstep. It implements the
// billing.SubscriptionStore interface.
//
// Key invariants:
//   - Every write touches the subscriptions row and the users mirror in one
//     data-modifying CTE statement, so the pair can never partially apply.
//   - Status and plan writes use optimistic locking via
//     last_subscription_event_at to handle out-of-order webhook deliveries:
//     an event older than the last applied one matches no row.
//   - The mirror clears subscription_plan_id when the status reaches
//     deleted; the subscriptions row keeps its plan for the audit history.
type SubscriptionRepo struct {
	db DBTX
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given
// database connection.
func NewSubscriptionRepo(db DBTX) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

// GetBySubscriptionID returns the record, or (nil, nil) when none exists.
func (r *SubscriptionRepo) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*types.SubscriptionRecord, error) {
	rec := &types.SubscriptionRecord{}
	err := r.db.QueryRow(ctx,
		`SELECT subscription_id, user_id, plan_id, status,
		        current_period_start, current_period_end, cancel_at_period_end
		 FROM subscriptions
		 WHERE subscription_id = $1`,
		subscriptionID,
	).Scan(
		&rec.SubscriptionID,
		&rec.UserID,
		&rec.PlanID,
		&rec.Status,
		&rec.CurrentPeriodStart,
		&rec.CurrentPeriodEnd,
		&rec.CancelAtPeriodEnd,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription record", err)
	}
	return rec, nil
}

// Create inserts a new subscription record and mirrors status and plan onto
// the user row in the same statement.
func (r *SubscriptionRepo) Create(ctx context.Context, rec *types.SubscriptionRecord) error {
	tag, err := r.db.Exec(ctx,
		`WITH created AS (
		     INSERT INTO subscriptions
		         (subscription_id, user_id, plan_id, status,
		          current_period_start, current_period_end, cancel_at_period_end,
		          last_subscription_event_at, created_at, updated_at)
		     VALUES ($1, $2, $3, $4, $5, $6, false, $7, NOW(), NOW())
		     RETURNING user_id, plan_id, status
		 )
		 UPDATE users u
		 SET subscription_status = created.status,
		     subscription_plan_id = created.plan_id,
		     updated_at = NOW()
		 FROM created
		 WHERE u.id = created.user_id`,
		rec.SubscriptionID,
		rec.UserID,
		rec.PlanID,
		rec.Status,
		rec.CurrentPeriodStart,
		rec.CurrentPeriodEnd,
		rec.CurrentPeriodStart,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription record", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found for new subscription", nil)
	}
	return nil
}

// UpdateStatus moves the record to the given status and mirrors the change
// onto the user row. Returns false when the event timestamp is not newer
// than the last applied event (stale delivery, nothing written).
//
// cancel_at_period_end on the record follows the status; the mirror drops
// the plan reference once the subscription is deleted.
func (r *SubscriptionRepo) UpdateStatus(ctx context.Context, ev types.BillingEvent, plan types.PlanID, status types.SubscriptionStatus) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`WITH updated AS (
		     UPDATE subscriptions
		     SET plan_id = $2,
		         status = $3,
		         cancel_at_period_end = ($3 = 'cancel_at_period_end'),
		         current_period_start = COALESCE($4, current_period_start),
		         current_period_end = COALESCE($5, current_period_end),
		         last_subscription_event_at = $6,
		         updated_at = NOW()
		     WHERE subscription_id = $1
		       AND (last_subscription_event_at IS NULL OR last_subscription_event_at < $6)
		     RETURNING user_id, plan_id, status
		 )
		 UPDATE users u
		 SET subscription_status = updated.status,
		     subscription_plan_id = CASE WHEN updated.status = 'deleted' THEN NULL ELSE updated.plan_id END,
		     updated_at = NOW()
		 FROM updated
		 WHERE u.id = updated.user_id`,
		ev.SubscriptionID,
		plan,
		status,
		nilIfZeroTime(ev.PeriodStart),
		nilIfZeroTime(ev.PeriodEnd),
		ev.OccurredAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription status", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdatePlan re-points the record and mirror at a new plan without touching
// the status. Same staleness contract as UpdateStatus.
func (r *SubscriptionRepo) UpdatePlan(ctx context.Context, ev types.BillingEvent, plan types.PlanID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`WITH updated AS (
		     UPDATE subscriptions
		     SET plan_id = $2,
		         last_subscription_event_at = $3,
		         updated_at = NOW()
		     WHERE subscription_id = $1
		       AND (last_subscription_event_at IS NULL OR last_subscription_event_at < $3)
		     RETURNING user_id, plan_id
		 )
		 UPDATE users u
		 SET subscription_plan_id = updated.plan_id,
		     updated_at = NOW()
		 FROM updated
		 WHERE u.id = updated.user_id`,
		ev.SubscriptionID,
		plan,
		ev.OccurredAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription plan", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MirrorStatus reads the subscription fields from the user row.
// A NULL status reads as none, a NULL plan as empty.
func (r *SubscriptionRepo) MirrorStatus(ctx context.Context, userID string) (types.SubscriptionStatus, types.PlanID, error) {
	var (
		status *string
		planID *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT subscription_status, subscription_plan_id
		 FROM users
		 WHERE id = $1`,
		userID,
	).Scan(&status, &planID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return "", "", types.NewAppError(types.ErrCodeInternalDB, "failed to read subscription mirror", err)
	}

	mirrorStatus := types.SubStatusNone
	if status != nil {
		mirrorStatus = types.SubscriptionStatus(*status)
	}
	mirrorPlan := types.PlanID("")
	if planID != nil {
		mirrorPlan = types.PlanID(*planID)
	}
	return mirrorStatus, mirrorPlan, nil
}
