package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"pawkeep/internal/types"
)

// DirectoryRepository provides read-mostly access to the supporting
// directories the notification engines consume: device tokens, user
// preferences, pets, and feeding schedules.
type DirectoryRepository struct {
	db DBTX
}

// NewDirectoryRepository creates a DirectoryRepository backed by the given
// database connection.
func NewDirectoryRepository(db DBTX) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

var (
	_ types.DeviceRegistry  = (*DirectoryRepository)(nil)
	_ types.PreferenceStore = (*DirectoryRepository)(nil)
	_ types.PetDirectory    = (*DirectoryRepository)(nil)
)

// ActiveTokens returns the user's active push delivery targets. An empty
// slice is a valid result; callers treat it as a benign no-op.
func (r *DirectoryRepository) ActiveTokens(ctx context.Context, userID string) ([]types.DeviceToken, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, token, platform, is_active, deactivated_reason, created_at
		 FROM device_tokens
		 WHERE user_id = $1 AND is_active = TRUE
		 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list device tokens", err)
	}
	defer rows.Close()

	var out []types.DeviceToken
	for rows.Next() {
		var (
			t        types.DeviceToken
			platform string
			reason   *string
		)
		if scanErr := rows.Scan(&t.ID, &t.UserID, &t.Token, &platform, &t.IsActive, &reason, &t.CreatedAt); scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan device token row", scanErr)
		}
		t.Platform = types.DevicePlatform(platform)
		if reason != nil {
			t.DeactivatedReason = *reason
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating device token rows", err)
	}
	return out, nil
}

// Deactivate retires a push token, recording why. Called when the provider
// reports the device as unregistered or the credentials as invalid.
func (r *DirectoryRepository) Deactivate(ctx context.Context, token, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE device_tokens
		 SET is_active = FALSE, deactivated_reason = $1
		 WHERE token = $2 AND is_active = TRUE`,
		reason, token,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate device token", err)
	}
	return nil
}

// Preferences returns the user's settings, falling back to defaults when no
// row exists. Absence of a preferences row is not an error.
func (r *DirectoryRepository) Preferences(ctx context.Context, userID string) (types.UserPreferences, error) {
	row := r.db.QueryRow(ctx,
		`SELECT user_id, timezone, language, notifications_enabled,
		        quiet_hours_start, quiet_hours_end
		 FROM user_preferences
		 WHERE user_id = $1`,
		userID,
	)

	var (
		p          types.UserPreferences
		quietStart *string
		quietEnd   *string
	)
	err := row.Scan(&p.UserID, &p.Timezone, &p.Language, &p.NotificationsEnabled, &quietStart, &quietEnd)
	if err == pgx.ErrNoRows {
		return types.UserPreferences{
			UserID:               userID,
			Timezone:             "UTC",
			Language:             types.DefaultLanguage,
			NotificationsEnabled: true,
		}, nil
	}
	if err != nil {
		return types.UserPreferences{}, types.NewAppError(types.ErrCodeInternalDB, "failed to get user preferences", err)
	}

	if quietStart != nil {
		p.QuietHoursStart = *quietStart
	}
	if quietEnd != nil {
		p.QuietHoursEnd = *quietEnd
	}
	if p.Language == "" {
		p.Language = types.DefaultLanguage
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	return p, nil
}

// Pet returns the pet directory entry, or nil when the pet does not exist.
// A missing pet silences reminders rather than failing them.
func (r *DirectoryRepository) Pet(ctx context.Context, petID string) (*types.Pet, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, user_id, name, species, is_active
		 FROM pets
		 WHERE id = $1`,
		petID,
	)

	var p types.Pet
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Species, &p.IsActive)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get pet", err)
	}
	return &p, nil
}

const scheduleColumns = `id, user_id, pet_id, feeding_times, days_of_week, timezone,
	reminder_minutes_before, reminder_enabled, is_active, created_at, updated_at`

// GetSchedule returns a single feeding schedule, or a not-found AppError.
func (r *DirectoryRepository) GetSchedule(ctx context.Context, id string) (*types.FeedingSchedule, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM feeding_schedules WHERE id = $1`, id)

	s, err := scanSchedule(row)
	if err == pgx.ErrNoRows {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "feeding schedule not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get feeding schedule", err)
	}
	return s, nil
}

// ListActiveSchedules returns a page of active schedules with reminders
// enabled, ordered by id after the cursor. Used by the catch-up pass to find
// schedules whose reminder chain is broken.
func (r *DirectoryRepository) ListActiveSchedules(ctx context.Context, cursor string, limit int) ([]*types.FeedingSchedule, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleColumns+`
		 FROM feeding_schedules
		 WHERE is_active = TRUE AND reminder_enabled = TRUE AND id > $1
		 ORDER BY id
		 LIMIT $2`,
		cursor, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list feeding schedules", err)
	}
	defer rows.Close()

	var out []*types.FeedingSchedule
	for rows.Next() {
		s, scanErr := scanSchedule(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan feeding schedule row", scanErr)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating feeding schedule rows", err)
	}
	return out, nil
}

func scanSchedule(row pgx.Row) (*types.FeedingSchedule, error) {
	var s types.FeedingSchedule
	err := row.Scan(
		&s.ID, &s.UserID, &s.PetID, &s.FeedingTimes, &s.DaysOfWeek, &s.Timezone,
		&s.ReminderMinutesBefore, &s.ReminderEnabled, &s.IsActive,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
