package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"pawkeep/internal/types"
)

// LedgerRepository provides data access for both dispatch ledgers: the
// per-event reminder ledger and the feeding reminder chain ledger.
type LedgerRepository struct {
	db DBTX
}

// NewLedgerRepository creates a LedgerRepository backed by the given database
// connection.
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// RecordEventReminder writes a ledger row for a dispatched event reminder.
// The unique constraint on (event_id, scheduled_for) makes a repeat dispatch
// for the same trigger a no-op; returns true when the row was created.
func (r *LedgerRepository) RecordEventReminder(ctx context.Context, rec *types.ReminderRecord) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO event_reminder_ledger
		 (id, user_id, event_id, scheduled_for, sent_at, status, retry_count,
		  max_retries, provider_message_id, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		 ON CONFLICT (event_id, scheduled_for) DO NOTHING`,
		rec.ID, rec.UserID, rec.EventID, rec.ScheduledFor, rec.SentAt,
		string(rec.Status), rec.RetryCount, rec.MaxRetries,
		rec.ProviderMsgID, rec.LastError,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record event reminder", err)
	}
	return tag.RowsAffected() == 1, nil
}

// EventReminderExists reports whether a ledger row already exists for the
// given event and trigger instant, regardless of status.
func (r *LedgerRepository) EventReminderExists(ctx context.Context, eventID string, scheduledFor time.Time) (bool, error) {
	var found bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM event_reminder_ledger
			WHERE event_id = $1 AND scheduled_for = $2
		 )`,
		eventID, scheduledFor,
	).Scan(&found)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check event reminder ledger", err)
	}
	return found, nil
}

// InsertPendingFeedingReminder books a pending feeding trigger. The partial
// unique index on (schedule_id, scheduled_for) WHERE status = 'pending'
// guarantees at most one live booking per trigger; a losing concurrent
// insert returns false with no error.
func (r *LedgerRepository) InsertPendingFeedingReminder(ctx context.Context, rec *types.FeedingReminderRecord) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO feeding_reminder_ledger
		 (id, user_id, schedule_id, scheduled_for, feeding_at, status,
		  retry_count, max_retries, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 ON CONFLICT (schedule_id, scheduled_for) WHERE status = 'pending' DO NOTHING`,
		rec.ID, rec.UserID, rec.ScheduleID, rec.ScheduledFor, rec.FeedingAt,
		string(types.DispatchPending), rec.RetryCount, rec.MaxRetries,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to book feeding reminder", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDuePendingFeedingReminders returns pending feeding triggers whose
// scheduled_for is at or before now, oldest first.
func (r *LedgerRepository) ListDuePendingFeedingReminders(ctx context.Context, now time.Time, limit int) ([]*types.FeedingReminderRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, schedule_id, scheduled_for, feeding_at, sent_at,
		        status, retry_count, max_retries, provider_message_id, last_error, created_at
		 FROM feeding_reminder_ledger
		 WHERE status = $1 AND scheduled_for <= $2
		 ORDER BY scheduled_for
		 LIMIT $3`,
		string(types.DispatchPending), now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due feeding reminders", err)
	}
	defer rows.Close()

	var out []*types.FeedingReminderRecord
	for rows.Next() {
		rec, scanErr := scanFeedingReminder(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan feeding reminder row", scanErr)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating feeding reminder rows", err)
	}
	return out, nil
}

// MarkFeedingReminderSent finalizes a dispatched trigger.
func (r *LedgerRepository) MarkFeedingReminderSent(ctx context.Context, id string, sentAt time.Time, providerMsgID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE feeding_reminder_ledger
		 SET status = $1, sent_at = $2, provider_message_id = $3
		 WHERE id = $4`,
		string(types.DispatchSent), sentAt, providerMsgID, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark feeding reminder sent", err)
	}
	return nil
}

// RequeueFeedingReminder bumps the retry count on a transient delivery
// failure, keeping the row pending, or fails it permanently once retries
// are exhausted. Returns the resulting status.
func (r *LedgerRepository) RequeueFeedingReminder(ctx context.Context, rec *types.FeedingReminderRecord, lastError string) (types.DispatchStatus, error) {
	next := rec.RetryCount + 1
	status := types.DispatchPending
	if next >= rec.MaxRetries {
		status = types.DispatchFailed
	}

	_, err := r.db.Exec(ctx,
		`UPDATE feeding_reminder_ledger
		 SET status = $1, retry_count = $2, last_error = $3
		 WHERE id = $4`,
		string(status), next, lastError, rec.ID,
	)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to requeue feeding reminder", err)
	}
	return status, nil
}

// FailFeedingReminder marks a trigger permanently failed without a retry.
// Used when delivery hit a non-retryable error.
func (r *LedgerRepository) FailFeedingReminder(ctx context.Context, id, lastError string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE feeding_reminder_ledger
		 SET status = $1, last_error = $2
		 WHERE id = $3`,
		string(types.DispatchFailed), lastError, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to fail feeding reminder", err)
	}
	return nil
}

// CancelPendingForSchedule cancels all pending triggers of a schedule.
// Called when the schedule is deactivated or its reminders are turned off.
func (r *LedgerRepository) CancelPendingForSchedule(ctx context.Context, scheduleID string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE feeding_reminder_ledger
		 SET status = $1
		 WHERE schedule_id = $2 AND status = $3`,
		string(types.DispatchCancelled), scheduleID, string(types.DispatchPending),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel pending feeding reminders", err)
	}
	return tag.RowsAffected(), nil
}

// HasUpcomingPending reports whether a schedule already has a pending trigger
// strictly in the future. The catch-up pass uses this to detect chains broken
// by a crash between dispatch and rescheduling.
func (r *LedgerRepository) HasUpcomingPending(ctx context.Context, scheduleID string, now time.Time) (bool, error) {
	var found bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM feeding_reminder_ledger
			WHERE schedule_id = $1 AND status = $2 AND scheduled_for > $3
		 )`,
		scheduleID, string(types.DispatchPending), now,
	).Scan(&found)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check pending feeding reminders", err)
	}
	return found, nil
}

func scanFeedingReminder(row pgx.Row) (*types.FeedingReminderRecord, error) {
	var (
		rec           types.FeedingReminderRecord
		status        string
		providerMsgID *string
		lastError     *string
	)

	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.ScheduleID, &rec.ScheduledFor, &rec.FeedingAt,
		&rec.SentAt, &status, &rec.RetryCount, &rec.MaxRetries,
		&providerMsgID, &lastError, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = types.DispatchStatus(status)
	if providerMsgID != nil {
		rec.ProviderMsgID = *providerMsgID
	}
	if lastError != nil {
		rec.LastError = *lastError
	}
	return &rec, nil
}
