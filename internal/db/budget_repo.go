package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"pawkeep/internal/types"
)

// BudgetRepository provides data access for the user_budgets table,
// including the alert dedup state machine.
type BudgetRepository struct {
	db DBTX
}

// NewBudgetRepository creates a BudgetRepository backed by the given
// database connection.
func NewBudgetRepository(db DBTX) *BudgetRepository {
	return &BudgetRepository{db: db}
}

const budgetColumns = `id, user_id, amount, currency, alert_threshold, is_active,
	last_alert_at, last_alert_severity, last_alert_period, last_alert_percentage,
	created_at, updated_at`

// GetActiveByUser returns the user's active budget, or a not-found AppError.
func (r *BudgetRepository) GetActiveByUser(ctx context.Context, userID string) (*types.UserBudget, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+budgetColumns+`
		 FROM user_budgets
		 WHERE user_id = $1 AND is_active = TRUE`,
		userID,
	)

	b, err := scanBudget(row)
	if err == pgx.ErrNoRows {
		return nil, types.NewAppError(types.ErrCodeNotFoundBudget, "active budget not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get budget", err)
	}
	return b, nil
}

// ListActive returns a page of active budgets ordered by id, starting after
// the cursor. Used by the periodic budget check to walk all budgets.
func (r *BudgetRepository) ListActive(ctx context.Context, cursor string, limit int) ([]*types.UserBudget, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+budgetColumns+`
		 FROM user_budgets
		 WHERE is_active = TRUE AND id > $1
		 ORDER BY id
		 LIMIT $2`,
		cursor, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active budgets", err)
	}
	defer rows.Close()

	var out []*types.UserBudget
	for rows.Next() {
		b, scanErr := scanBudget(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan budget row", scanErr)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating budget rows", err)
	}
	return out, nil
}

// StampAlertState records that an alert was sent, guarded on the previously
// read state so two concurrent checks cannot both claim the send. The WHERE
// clause matches the dedup fields the caller observed; if another checker
// already stamped a newer state the update affects zero rows and false is
// returned, meaning the caller lost the race and must not send.
func (r *BudgetRepository) StampAlertState(ctx context.Context, budgetID string, observed *types.UserBudget, at time.Time, severity types.AlertSeverity, period string, percentage float64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_budgets SET
			last_alert_at = $1,
			last_alert_severity = $2,
			last_alert_period = $3,
			last_alert_percentage = $4,
			updated_at = NOW()
		 WHERE id = $5
		   AND last_alert_period IS NOT DISTINCT FROM $6
		   AND last_alert_severity IS NOT DISTINCT FROM $7`,
		at, string(severity), period, percentage,
		budgetID, nilIfEmpty(observed.LastAlertPeriod), nilIfEmpty(string(observed.LastAlertSeverity)),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to stamp alert state", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetAlertState clears the dedup fields, re-arming alerts. Called when the
// budget amount or threshold changes.
func (r *BudgetRepository) ResetAlertState(ctx context.Context, budgetID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_budgets SET
			last_alert_at = NULL,
			last_alert_severity = NULL,
			last_alert_period = NULL,
			last_alert_percentage = 0,
			updated_at = NOW()
		 WHERE id = $1`,
		budgetID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reset alert state", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundBudget, "budget not found", nil)
	}
	return nil
}

func scanBudget(row pgx.Row) (*types.UserBudget, error) {
	var (
		b          types.UserBudget
		severity   *string
		period     *string
		percentage *float64
	)

	err := row.Scan(
		&b.ID, &b.UserID, &b.Amount, &b.Currency, &b.AlertThreshold, &b.IsActive,
		&b.LastAlertAt, &severity, &period, &percentage,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if severity != nil {
		b.LastAlertSeverity = types.AlertSeverity(*severity)
	}
	if period != nil {
		b.LastAlertPeriod = *period
	}
	if percentage != nil {
		b.LastAlertPercentage = *percentage
	}
	return &b, nil
}
