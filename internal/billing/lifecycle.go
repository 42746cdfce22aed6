package billing

import (
	"context"
	"fmt"
	"log/slog"

	"entitlements/internal/types"
)

// SubscriptionStore is the persistence contract for subscription records and
// their mirror onto the user account. Implementations MUST update the
// subscription row and the mirrored user fields as one unit, and reject
// events older than the last applied one (optimistic lock on the event
// timestamp) so webhook replays and out-of-order deliveries are no-ops.
type SubscriptionStore interface {
	// GetBySubscriptionID returns the record, or (nil, nil) when none exists.
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*types.SubscriptionRecord, error)

	// Create inserts a new record and mirrors status and plan onto the user
	// account in the same transaction.
	Create(ctx context.Context, rec *types.SubscriptionRecord) error

	// UpdateStatus moves the record to the given status and mirrors the
	// change onto the user account in the same transaction. Returns false
	// when the event timestamp is not newer than the last applied event
	// (stale replay; nothing was written).
	UpdateStatus(ctx context.Context, ev types.BillingEvent, plan types.PlanID, status types.SubscriptionStatus) (bool, error)

	// UpdatePlan re-points the record (and mirror) at a new plan without
	// touching the status. Same staleness contract as UpdateStatus.
	UpdatePlan(ctx context.Context, ev types.BillingEvent, plan types.PlanID) (bool, error)

	// MirrorStatus reads the subscription fields from the user account, the
	// mirror side of the pair.
	MirrorStatus(ctx context.Context, userID string) (types.SubscriptionStatus, types.PlanID, error)
}

// StateChangeNotifier publishes subscription-state-changed messages for
// downstream collaborators (emails, dashboard refresh).
type StateChangeNotifier interface {
	PublishStateChange(ctx context.Context, msg types.StateChangeMessage) error
}

// transitions is the subscription state machine. Keys are (current status,
// event type); values are the resulting status. Anything absent is an
// invalid transition. Deleted is terminal except for a fresh checkout.
var transitions = map[types.SubscriptionStatus]map[types.BillingEventType]types.SubscriptionStatus{
	types.SubStatusNone: {
		types.EventCheckoutCompleted: types.SubStatusActive,
	},
	types.SubStatusDeleted: {
		types.EventCheckoutCompleted: types.SubStatusActive,
	},
	types.SubStatusActive: {
		types.EventPaymentFailed:   types.SubStatusPastDue,
		types.EventCancelRequested: types.SubStatusCancelAtPeriodEnd,
	},
	types.SubStatusPastDue: {
		types.EventPaymentRecovered: types.SubStatusActive,
		types.EventPeriodEnded:      types.SubStatusDeleted,
	},
	types.SubStatusCancelAtPeriodEnd: {
		types.EventReactivated: types.SubStatusActive,
		types.EventPeriodEnded: types.SubStatusDeleted,
	},
}

// eventTargets maps each event type to the status it drives toward,
// regardless of origin. Used to recognize idempotent replays: an "invalid"
// transition whose target equals the current status is a duplicate delivery,
// not a conflict.
var eventTargets = map[types.BillingEventType]types.SubscriptionStatus{
	types.EventCheckoutCompleted: types.SubStatusActive,
	types.EventPaymentFailed:     types.SubStatusPastDue,
	types.EventPaymentRecovered:  types.SubStatusActive,
	types.EventCancelRequested:   types.SubStatusCancelAtPeriodEnd,
	types.EventReactivated:       types.SubStatusActive,
	types.EventPeriodEnded:       types.SubStatusDeleted,
}

// NextStatus returns the status that results from applying the event to the
// current status. Fails with conflict_invalid_transition for pairs outside
// the state machine.
func NextStatus(current types.SubscriptionStatus, event types.BillingEventType) (types.SubscriptionStatus, error) {
	if current == "" {
		current = types.SubStatusNone
	}
	if next, ok := transitions[current][event]; ok {
		return next, nil
	}
	return "", types.NewAppErrorWithDetails(
		types.ErrCodeConflictTransition,
		fmt.Sprintf("event %s is not valid in status %s", event, current),
		nil,
		map[string]any{"current_status": string(current), "event_type": string(event)},
	)
}

// Lifecycle applies billing-processor events to subscription state. One
// applied transition updates the subscription record and the mirrored user
// fields together; a mirror disagreement is a data-integrity fault that
// fails the operation and is logged for manual reconciliation -- never
// auto-repaired, since either side may be the one that lost a race.
type Lifecycle struct {
	store    SubscriptionStore
	catalog  *Catalog
	prorator *ProrationCalculator
	notifier StateChangeNotifier
	metrics  Recorder
	clock    types.Clock
	logger   *slog.Logger
}

// NewLifecycle creates a Lifecycle service. notifier and metrics may be nil;
// clock defaults to the real UTC clock, logger to slog.Default.
func NewLifecycle(
	store SubscriptionStore,
	catalog *Catalog,
	prorator *ProrationCalculator,
	notifier StateChangeNotifier,
	metrics Recorder,
	clock types.Clock,
	logger *slog.Logger,
) *Lifecycle {
	if metrics == nil {
		metrics = NopRecorder{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:    store,
		catalog:  catalog,
		prorator: prorator,
		notifier: notifier,
		metrics:  metrics,
		clock:    clock,
		logger:   logger,
	}
}

// HandleEvent applies one pre-validated billing event.
//
// Flow:
//  1. Load the subscription record (absent means status none).
//  2. Verify the user-account mirror agrees with the record.
//  3. Compute the transition; duplicate deliveries are silent no-ops.
//  4. Persist record + mirror as one unit (store contract).
//  5. Publish a state-changed message; failures there are logged, not fatal,
//     because the transition itself has already been applied.
func (s *Lifecycle) HandleEvent(ctx context.Context, ev types.BillingEvent) error {
	rec, err := s.store.GetBySubscriptionID(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}

	current := types.SubStatusNone
	if rec != nil {
		current = rec.Status
		if err := s.checkMirror(ctx, rec); err != nil {
			return err
		}
	}

	next, err := NextStatus(current, ev.Type)
	if err != nil {
		if eventTargets[ev.Type] == current {
			// Duplicate delivery of an already-applied event.
			s.logger.InfoContext(ctx, "duplicate billing event ignored",
				"event_id", ev.EventID,
				"event_type", string(ev.Type),
				"subscription_id", ev.SubscriptionID,
				"status", string(current),
			)
			return nil
		}
		return err
	}

	var appliedPlan types.PlanID
	if rec == nil {
		if ev.PlanID == "" || !s.catalog.IsSubscriptionPlan(ev.PlanID) {
			return types.NewAppError(
				types.ErrCodeValidationInvalidPlan,
				fmt.Sprintf("checkout event %s carries no subscription plan", ev.EventID),
				nil,
			)
		}
		rec = &types.SubscriptionRecord{
			SubscriptionID:     ev.SubscriptionID,
			UserID:             ev.UserID,
			PlanID:             ev.PlanID,
			Status:             next,
			CurrentPeriodStart: ev.PeriodStart,
			CurrentPeriodEnd:   ev.PeriodEnd,
		}
		if err := s.store.Create(ctx, rec); err != nil {
			return err
		}
		appliedPlan = rec.PlanID
	} else {
		plan := ev.PlanID
		if plan == "" {
			plan = rec.PlanID
		}
		applied, err := s.store.UpdateStatus(ctx, ev, plan, next)
		if err != nil {
			return err
		}
		if !applied {
			// Event timestamp is not newer than the last applied one.
			s.logger.InfoContext(ctx, "stale billing event ignored",
				"event_id", ev.EventID,
				"subscription_id", ev.SubscriptionID,
				"occurred_at", ev.OccurredAt,
			)
			return nil
		}
		appliedPlan = plan
	}

	s.metrics.RecordTransition(ctx, ev.Type, next)
	s.logger.InfoContext(ctx, "subscription transition applied",
		"event_id", ev.EventID,
		"event_type", string(ev.Type),
		"subscription_id", ev.SubscriptionID,
		"user_id", rec.UserID,
		"from_status", string(current),
		"to_status", string(next),
	)

	s.publish(ctx, types.StateChangeMessage{
		UserID:         rec.UserID,
		SubscriptionID: rec.SubscriptionID,
		PlanID:         appliedPlan,
		FromStatus:     current,
		ToStatus:       next,
		EventID:        ev.EventID,
		OccurredAt:     ev.OccurredAt,
		TraceID:        types.GetRequestID(ctx),
	})

	return nil
}

// ChangePlan re-points an active subscription at a new subscription-effect
// plan and returns the proration delta in cents (positive = additional
// charge, negative = refund due). The status is unchanged by a plan change.
func (s *Lifecycle) ChangePlan(ctx context.Context, subscriptionID string, newPlan types.PlanID, daysRemaining int) (int64, error) {
	rec, err := s.store.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("subscription %s not found", subscriptionID),
			nil,
		)
	}
	if rec.Status != types.SubStatusActive {
		return 0, types.NewAppError(
			types.ErrCodeConflictTransition,
			fmt.Sprintf("plan change requires an active subscription, status is %s", rec.Status),
			nil,
		)
	}
	if !s.catalog.IsSubscriptionPlan(newPlan) {
		return 0, types.NewAppError(
			types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("plan %q is not a subscription plan", newPlan),
			nil,
		)
	}
	if err := s.checkMirror(ctx, rec); err != nil {
		return 0, err
	}

	delta, err := s.prorator.Prorate(rec.PlanID, newPlan, daysRemaining)
	if err != nil {
		return 0, err
	}

	ev := types.BillingEvent{
		EventID:        fmt.Sprintf("plan_change_%s", subscriptionID),
		SubscriptionID: subscriptionID,
		UserID:         rec.UserID,
		OccurredAt:     s.clock.Now(),
	}
	applied, err := s.store.UpdatePlan(ctx, ev, newPlan)
	if err != nil {
		return 0, err
	}
	if !applied {
		return 0, types.NewAppError(
			types.ErrCodeConflictConcurrent,
			fmt.Sprintf("subscription %s was modified concurrently", subscriptionID),
			nil,
		)
	}

	s.logger.InfoContext(ctx, "subscription plan changed",
		"subscription_id", subscriptionID,
		"user_id", rec.UserID,
		"from_plan", string(rec.PlanID),
		"to_plan", string(newPlan),
		"proration_cents", delta,
	)
	return delta, nil
}

// checkMirror verifies the user-account mirror agrees with the subscription
// record. A disagreement means one of the paired writes lost a race; both
// possible repairs can be wrong, so the operation fails and the conflict is
// logged for manual reconciliation.
func (s *Lifecycle) checkMirror(ctx context.Context, rec *types.SubscriptionRecord) error {
	mirrorStatus, _, err := s.store.MirrorStatus(ctx, rec.UserID)
	if err != nil {
		return err
	}
	if mirrorStatus != rec.Status {
		s.metrics.RecordStateConflict(ctx)
		s.logger.ErrorContext(ctx, "SUBSCRIPTION_STATE_CONFLICT: record and user mirror disagree, manual reconciliation required",
			"subscription_id", rec.SubscriptionID,
			"user_id", rec.UserID,
			"record_status", string(rec.Status),
			"mirror_status", string(mirrorStatus),
		)
		return types.NewAppErrorWithDetails(
			types.ErrCodeConflictSubscriptionState,
			"subscription record and user account disagree",
			nil,
			map[string]any{
				"record_status": string(rec.Status),
				"mirror_status": string(mirrorStatus),
			},
		)
	}
	return nil
}

// publish sends the state-changed message when a notifier is configured.
// Publish failures do not fail the transition: the state is already
// persisted, and downstream delivery can be reconciled separately.
func (s *Lifecycle) publish(ctx context.Context, msg types.StateChangeMessage) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishStateChange(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "failed to publish state change notification",
			"user_id", msg.UserID,
			"subscription_id", msg.SubscriptionID,
			"error", err,
		)
	}
}
