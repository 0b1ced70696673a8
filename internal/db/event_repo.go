package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"pawkeep/internal/types"
)

// EventRepository provides data access for the events table.
type EventRepository struct {
	db DBTX
}

// NewEventRepository creates an EventRepository backed by the given database
// connection.
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, user_id, pet_id, title, description, event_type, location, notes,
	reminder_on, reminder_preset, vaccine_name, medication_name, medication_dose,
	start_time, end_time, status, recurrence_rule_id, series_index, is_exception,
	created_at, updated_at`

// InsertIfAbsent inserts an occurrence unless one already exists for the same
// (recurrence_rule_id, start_time). Returns true when a row was created.
// This is the idempotency gate for materialization: regenerating a rule never
// duplicates occurrences and never resets status or user edits on existing
// ones.
//
// The backing index events_rule_start_key is partial (WHERE
// recurrence_rule_id IS NOT NULL), so the conflict target must repeat the
// index predicate for Postgres to accept it as the arbiter.
func (r *EventRepository) InsertIfAbsent(ctx context.Context, ev *types.Event) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO events
		 (id, user_id, pet_id, title, description, event_type, location, notes,
		  reminder_on, reminder_preset, vaccine_name, medication_name, medication_dose,
		  start_time, end_time, status, recurrence_rule_id, series_index, is_exception,
		  created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		         $16, $17, $18, $19, NOW(), NOW())
		 ON CONFLICT (recurrence_rule_id, start_time) WHERE recurrence_rule_id IS NOT NULL DO NOTHING`,
		ev.ID, ev.UserID, ev.PetID, ev.Title, ev.Description,
		string(ev.EventType), ev.Location, ev.Notes,
		ev.ReminderOn, string(ev.ReminderPreset),
		ev.VaccineName, ev.MedicationName, ev.MedicationDose,
		ev.StartTime, ev.EndTime, string(ev.Status),
		nilIfEmpty(ev.RecurrenceRuleID), ev.SeriesIndex, ev.IsException,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID returns a single event, or a not-found AppError.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*types.Event, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id)

	ev, err := scanEvent(row)
	if err == pgx.ErrNoRows {
		return nil, types.NewAppError(types.ErrCodeNotFoundEvent, "event not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get event", err)
	}
	return ev, nil
}

// DeleteFutureNonExceptions removes a rule's not-yet-started occurrences,
// leaving exception occurrences and anything already started untouched.
// Returns the number of rows removed.
func (r *EventRepository) DeleteFutureNonExceptions(ctx context.Context, ruleID string, after time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM events
		 WHERE recurrence_rule_id = $1
		   AND start_time > $2
		   AND is_exception = FALSE`,
		ruleID, after,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete future occurrences", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAt removes the single occurrence of a rule at the given instant.
// Used when an exclusion is added for an already materialized instant.
// Exception occurrences are preserved.
func (r *EventRepository) DeleteAt(ctx context.Context, ruleID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM events
		 WHERE recurrence_rule_id = $1
		   AND start_time = $2
		   AND is_exception = FALSE`,
		ruleID, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete occurrence", err)
	}
	return nil
}

// SyncTemplateFields pushes the rule's current template fields onto its
// future, upcoming, non-exception occurrences. Start times, series indexes
// and statuses are never touched.
func (r *EventRepository) SyncTemplateFields(ctx context.Context, ruleID string, tmpl types.EventTemplate, after time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE events SET
			title = $1, description = $2, event_type = $3, location = $4, notes = $5,
			reminder_on = $6, reminder_preset = $7,
			vaccine_name = $8, medication_name = $9, medication_dose = $10,
			updated_at = NOW()
		 WHERE recurrence_rule_id = $11
		   AND start_time > $12
		   AND status = $13
		   AND is_exception = FALSE`,
		tmpl.Title, tmpl.Description, string(tmpl.EventType), tmpl.Location, tmpl.Notes,
		tmpl.ReminderOn, string(tmpl.ReminderPreset),
		tmpl.VaccineName, tmpl.MedicationName, tmpl.MedicationDose,
		ruleID, after, string(types.EventUpcoming),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sync template fields", err)
	}
	return tag.RowsAffected(), nil
}

// ListUpcomingWindow returns a page of upcoming events with a start time in
// [from, to), for users with reminders enabled on the event. Paged by id
// cursor so the reminder scheduler can walk a large window with bounded
// memory.
func (r *EventRepository) ListUpcomingWindow(ctx context.Context, from, to time.Time, cursor string, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE status = $1
		   AND reminder_on = TRUE
		   AND start_time >= $2
		   AND start_time < $3
		   AND id > $4
		 ORDER BY id
		 LIMIT $5`,
		string(types.EventUpcoming), from, to, cursor, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list upcoming events", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		ev, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan event row", scanErr)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating event rows", err)
	}
	return out, nil
}

// MarkMissedBefore transitions upcoming events whose start time has passed
// the cutoff to missed. Returns the number of rows transitioned.
func (r *EventRepository) MarkMissedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE events SET status = $1, updated_at = NOW()
		 WHERE status = $2 AND start_time < $3`,
		string(types.EventMissed), string(types.EventUpcoming), cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to mark missed events", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateStatus sets a single event's status.
func (r *EventRepository) UpdateStatus(ctx context.Context, id string, status types.EventStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE events SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update event status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundEvent, "event not found", nil)
	}
	return nil
}

// nilIfEmpty maps an empty string to SQL NULL, for nullable foreign keys.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanEvent(row pgx.Row) (*types.Event, error) {
	var (
		ev        types.Event
		eventType string
		preset    *string
		status    string
		ruleID    *string
	)

	err := row.Scan(
		&ev.ID, &ev.UserID, &ev.PetID, &ev.Title, &ev.Description,
		&eventType, &ev.Location, &ev.Notes,
		&ev.ReminderOn, &preset,
		&ev.VaccineName, &ev.MedicationName, &ev.MedicationDose,
		&ev.StartTime, &ev.EndTime, &status,
		&ruleID, &ev.SeriesIndex, &ev.IsException,
		&ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.EventType = types.EventType(eventType)
	if preset != nil {
		ev.ReminderPreset = types.ReminderPreset(*preset)
	}
	ev.Status = types.EventStatus(status)
	if ruleID != nil {
		ev.RecurrenceRuleID = *ruleID
	}
	return &ev, nil
}
