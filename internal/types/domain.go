package types

import (
	"time"
)

// RecurrenceRule is the abstract pattern plus event template from which
// concrete occurrences are generated. Pattern fields control when instants
// are produced; template fields are copied verbatim onto each occurrence at
// materialization time.
type RecurrenceRule struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	PetID  string `json:"pet_id"`

	// Event template. Copied onto every generated occurrence.
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	EventType      EventType      `json:"event_type"`
	Location       string         `json:"location,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	ReminderOn     bool           `json:"reminder_on"`
	ReminderPreset ReminderPreset `json:"reminder_preset,omitempty"`

	// Domain metadata carried for vaccine/medication events.
	VaccineName    string `json:"vaccine_name,omitempty"`
	MedicationName string `json:"medication_name,omitempty"`
	MedicationDose string `json:"medication_dose,omitempty"`

	// Recurrence pattern.
	Frequency            Frequency `json:"frequency"`
	Interval             int       `json:"interval"`                  // every N units, >= 1
	DaysOfWeek           []int     `json:"days_of_week,omitempty"`    // 0=Sunday..6=Saturday, weekly only
	DayOfMonth           int       `json:"day_of_month,omitempty"`    // 1..31, monthly only, clamped
	TimesPerDay          int       `json:"times_per_day,omitempty"`   // cap for times_per_day frequency
	DailyTimes           []string  `json:"daily_times,omitempty"`     // "HH:MM" entries
	EventDurationMinutes int       `json:"event_duration_minutes"`
	Timezone             string    `json:"timezone"` // IANA identifier, validated at write time

	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	IsActive        bool        `json:"is_active"`
	LastGeneratedAt *time.Time  `json:"last_generated_at,omitempty"`
	ExcludedDates   []time.Time `json:"excluded_dates,omitempty"` // minute-truncated UTC instants

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsExcluded reports whether the given instant matches one of the rule's
// excluded dates. Comparison is on minute-truncated UTC values.
func (r *RecurrenceRule) IsExcluded(t time.Time) bool {
	key := t.UTC().Truncate(time.Minute)
	for _, ex := range r.ExcludedDates {
		if ex.UTC().Truncate(time.Minute).Equal(key) {
			return true
		}
	}
	return false
}

// Event is one concrete calendar instance, either generated from a rule or
// created standalone (RecurrenceRuleID empty). The pair
// (recurrence_rule_id, start_time) is unique when the rule reference is set;
// it is the idempotency key for materialization.
type Event struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	PetID  string `json:"pet_id"`

	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	EventType      EventType      `json:"event_type"`
	Location       string         `json:"location,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	ReminderOn     bool           `json:"reminder_on"`
	ReminderPreset ReminderPreset `json:"reminder_preset,omitempty"`

	VaccineName    string `json:"vaccine_name,omitempty"`
	MedicationName string `json:"medication_name,omitempty"`
	MedicationDose string `json:"medication_dose,omitempty"`

	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	Status    EventStatus `json:"status"`

	RecurrenceRuleID string `json:"recurrence_rule_id,omitempty"`
	SeriesIndex      int    `json:"series_index"`
	// IsException marks an occurrence the user has hand-edited. Exception
	// occurrences are never overwritten or deleted by rule-driven sync or
	// regeneration.
	IsException bool `json:"is_exception"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventTemplate holds the template fields a rule update pushes onto future
// non-exception occurrences. Pattern fields are intentionally absent: a
// frequency or interval change never retroactively alters already
// materialized instants.
type EventTemplate struct {
	Title          string
	Description    string
	EventType      EventType
	Location       string
	Notes          string
	ReminderOn     bool
	ReminderPreset ReminderPreset
	VaccineName    string
	MedicationName string
	MedicationDose string
}

// Template extracts the rule's current template fields.
func (r *RecurrenceRule) Template() EventTemplate {
	return EventTemplate{
		Title:          r.Title,
		Description:    r.Description,
		EventType:      r.EventType,
		Location:       r.Location,
		Notes:          r.Notes,
		ReminderOn:     r.ReminderOn,
		ReminderPreset: r.ReminderPreset,
		VaccineName:    r.VaccineName,
		MedicationName: r.MedicationName,
		MedicationDose: r.MedicationDose,
	}
}

// ReminderRecord is a dispatch ledger row for an event-based reminder.
// One row is written per successfully dispatched trigger.
type ReminderRecord struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	EventID      string         `json:"event_id"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	Status       DispatchStatus `json:"status"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	ProviderMsgID string        `json:"provider_message_id,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// FeedingReminderRecord is a dispatch ledger row for the feeding reminder
// chain. At most one pending row may exist per (schedule, scheduled_for);
// the partial unique index on the table enforces this so concurrent
// scheduler ticks cannot double-book a trigger.
type FeedingReminderRecord struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	ScheduleID    string         `json:"schedule_id"`
	ScheduledFor  time.Time      `json:"scheduled_for"`
	FeedingAt     time.Time      `json:"feeding_at"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	Status        DispatchStatus `json:"status"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	ProviderMsgID string         `json:"provider_message_id,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// FeedingSchedule describes when a pet should be fed: a set of weekday names
// plus one or more times of day, evaluated in the owner's chosen timezone.
type FeedingSchedule struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	PetID  string `json:"pet_id"`

	FeedingTimes          []string `json:"feeding_times"` // "HH:MM"
	DaysOfWeek            []string `json:"days_of_week"`  // lowercase weekday names
	Timezone              string   `json:"timezone"`
	ReminderMinutesBefore int      `json:"reminder_minutes_before"`
	ReminderEnabled       bool     `json:"reminder_enabled"`
	IsActive              bool     `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserBudget holds a monthly spending budget and the dedup state that
// guarantees at most one alert per severity escalation per period.
type UserBudget struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	AlertThreshold float64 `json:"alert_threshold"` // fraction, default 0.8
	IsActive       bool    `json:"is_active"`

	LastAlertAt         *time.Time    `json:"last_alert_at,omitempty"`
	LastAlertSeverity   AlertSeverity `json:"last_alert_severity,omitempty"`
	LastAlertPeriod     string        `json:"last_alert_period,omitempty"` // "YYYY-MM"
	LastAlertPercentage float64       `json:"last_alert_percentage,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceToken is a registered push delivery target for a user.
type DeviceToken struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	Token             string         `json:"token"`
	Platform          DevicePlatform `json:"platform"`
	IsActive          bool           `json:"is_active"`
	DeactivatedReason string         `json:"deactivated_reason,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// UserPreferences holds per-user settings consumed by the notification
// pipeline. Quiet hours are stored but not yet applied to trigger
// computation; see the documented gap in the reminder scheduler.
type UserPreferences struct {
	UserID               string `json:"user_id"`
	Timezone             string `json:"timezone"`
	Language             string `json:"language"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
	QuietHoursStart      string `json:"quiet_hours_start,omitempty"` // "HH:MM"
	QuietHoursEnd        string `json:"quiet_hours_end,omitempty"`
}

// Pet is the minimal directory entry the notification engines need: a name
// for message text and an active flag to silence reminders for removed pets.
type Pet struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Species  string `json:"species,omitempty"`
	IsActive bool   `json:"is_active"`
}
