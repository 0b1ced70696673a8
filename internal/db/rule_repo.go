package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"pawkeep/internal/types"
)

// RuleRepository provides data access for the recurrence_rules table.
type RuleRepository struct {
	db DBTX
}

// NewRuleRepository creates a RuleRepository backed by the given database
// connection (pool or transaction).
func NewRuleRepository(db DBTX) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `id, user_id, pet_id, title, description, event_type, location, notes,
	reminder_on, reminder_preset, vaccine_name, medication_name, medication_dose,
	frequency, interval_count, days_of_week, day_of_month, times_per_day, daily_times,
	event_duration_minutes, timezone, start_date, end_date, is_active,
	last_generated_at, excluded_dates, created_at, updated_at`

// Create inserts a new recurrence rule. The caller must set the ID.
func (r *RuleRepository) Create(ctx context.Context, rule *types.RecurrenceRule) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO recurrence_rules
		 (id, user_id, pet_id, title, description, event_type, location, notes,
		  reminder_on, reminder_preset, vaccine_name, medication_name, medication_dose,
		  frequency, interval_count, days_of_week, day_of_month, times_per_day, daily_times,
		  event_duration_minutes, timezone, start_date, end_date, is_active,
		  excluded_dates, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		         $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, NOW(), NOW())`,
		rule.ID, rule.UserID, rule.PetID, rule.Title, rule.Description,
		string(rule.EventType), rule.Location, rule.Notes,
		rule.ReminderOn, string(rule.ReminderPreset),
		rule.VaccineName, rule.MedicationName, rule.MedicationDose,
		string(rule.Frequency), rule.Interval, rule.DaysOfWeek, rule.DayOfMonth,
		rule.TimesPerDay, rule.DailyTimes, rule.EventDurationMinutes, rule.Timezone,
		rule.StartDate, rule.EndDate, rule.IsActive, rule.ExcludedDates,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create recurrence rule", err)
	}
	return nil
}

// GetByID returns a single rule, or a not-found AppError.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*types.RecurrenceRule, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM recurrence_rules WHERE id = $1`, id)

	rule, err := scanRule(row)
	if err == pgx.ErrNoRows {
		return nil, types.NewAppError(types.ErrCodeNotFoundRule, "recurrence rule not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get recurrence rule", err)
	}
	return rule, nil
}

// Update persists the mutable fields of a rule and bumps updated_at.
// Pattern and template fields are all writable; generation bookkeeping
// (last_generated_at) has its own setter.
func (r *RuleRepository) Update(ctx context.Context, rule *types.RecurrenceRule) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE recurrence_rules SET
			title = $1, description = $2, event_type = $3, location = $4, notes = $5,
			reminder_on = $6, reminder_preset = $7,
			vaccine_name = $8, medication_name = $9, medication_dose = $10,
			frequency = $11, interval_count = $12, days_of_week = $13, day_of_month = $14,
			times_per_day = $15, daily_times = $16, event_duration_minutes = $17,
			timezone = $18, start_date = $19, end_date = $20, is_active = $21,
			excluded_dates = $22, updated_at = NOW()
		 WHERE id = $23`,
		rule.Title, rule.Description, string(rule.EventType), rule.Location, rule.Notes,
		rule.ReminderOn, string(rule.ReminderPreset),
		rule.VaccineName, rule.MedicationName, rule.MedicationDose,
		string(rule.Frequency), rule.Interval, rule.DaysOfWeek, rule.DayOfMonth,
		rule.TimesPerDay, rule.DailyTimes, rule.EventDurationMinutes,
		rule.Timezone, rule.StartDate, rule.EndDate, rule.IsActive,
		rule.ExcludedDates, rule.ID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update recurrence rule", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRule, "recurrence rule not found", nil)
	}
	return nil
}

// Delete removes a rule. Occurrence deletion cascades via the events table
// foreign key (ON DELETE CASCADE).
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM recurrence_rules WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete recurrence rule", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRule, "recurrence rule not found", nil)
	}
	return nil
}

// ListActive returns a page of active rules ordered by id, starting after
// the cursor. Pass an empty cursor for the first page. Used by the daily
// generation job to walk the full rule set with bounded memory.
func (r *RuleRepository) ListActive(ctx context.Context, cursor string, limit int) ([]*types.RecurrenceRule, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+ruleColumns+`
		 FROM recurrence_rules
		 WHERE is_active = TRUE AND id > $1
		 ORDER BY id
		 LIMIT $2`,
		cursor, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active rules", err)
	}
	defer rows.Close()

	var out []*types.RecurrenceRule
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan rule row", scanErr)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating rule rows", err)
	}
	return out, nil
}

// AddExcludedDate appends a minute-truncated instant to the rule's excluded
// dates, skipping duplicates atomically on the server side.
func (r *RuleRepository) AddExcludedDate(ctx context.Context, ruleID string, date time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE recurrence_rules SET
			excluded_dates = array_append(excluded_dates, $1),
			updated_at = NOW()
		 WHERE id = $2 AND NOT ($1 = ANY(excluded_dates))`,
		date, ruleID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to add excluded date", err)
	}
	// Zero rows means either the rule is missing or the date was already
	// excluded; distinguish so callers can surface not-found.
	if tag.RowsAffected() == 0 {
		exists, checkErr := r.exists(ctx, ruleID)
		if checkErr != nil {
			return checkErr
		}
		if !exists {
			return types.NewAppError(types.ErrCodeNotFoundRule, "recurrence rule not found", nil)
		}
	}
	return nil
}

// SetLastGenerated stamps the rule's last_generated_at bookkeeping field.
func (r *RuleRepository) SetLastGenerated(ctx context.Context, ruleID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE recurrence_rules SET last_generated_at = $1, updated_at = NOW() WHERE id = $2`,
		at, ruleID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to stamp last_generated_at", err)
	}
	return nil
}

func (r *RuleRepository) exists(ctx context.Context, id string) (bool, error) {
	var found bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM recurrence_rules WHERE id = $1)`, id).Scan(&found)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check rule existence", err)
	}
	return found, nil
}

// scanRule scans a rule from a row produced with ruleColumns ordering.
func scanRule(row pgx.Row) (*types.RecurrenceRule, error) {
	var (
		rule          types.RecurrenceRule
		eventType     string
		preset        *string
		frequency     string
		endDate       *time.Time
		lastGenerated *time.Time
	)

	err := row.Scan(
		&rule.ID, &rule.UserID, &rule.PetID, &rule.Title, &rule.Description,
		&eventType, &rule.Location, &rule.Notes,
		&rule.ReminderOn, &preset,
		&rule.VaccineName, &rule.MedicationName, &rule.MedicationDose,
		&frequency, &rule.Interval, &rule.DaysOfWeek, &rule.DayOfMonth,
		&rule.TimesPerDay, &rule.DailyTimes, &rule.EventDurationMinutes,
		&rule.Timezone, &rule.StartDate, &endDate, &rule.IsActive,
		&lastGenerated, &rule.ExcludedDates, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.EventType = types.EventType(eventType)
	if preset != nil {
		rule.ReminderPreset = types.ReminderPreset(*preset)
	}
	rule.Frequency = types.Frequency(frequency)
	rule.EndDate = endDate
	rule.LastGeneratedAt = lastGenerated
	return &rule, nil
}
