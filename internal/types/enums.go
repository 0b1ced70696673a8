package types

// Frequency identifies the recurrence pattern kind of a rule.
type Frequency string

const (
	FreqDaily       Frequency = "daily"
	FreqWeekly      Frequency = "weekly"
	FreqMonthly     Frequency = "monthly"
	FreqYearly      Frequency = "yearly"
	FreqCustom      Frequency = "custom"
	FreqTimesPerDay Frequency = "times_per_day"
)

// ValidFrequencies is the complete set of accepted frequency values.
// Used by validators at rule write time.
var ValidFrequencies = []Frequency{
	FreqDaily, FreqWeekly, FreqMonthly, FreqYearly, FreqCustom, FreqTimesPerDay,
}

// EventStatus represents the lifecycle state of a materialized occurrence.
// These values MUST match the CHECK constraint on the events table.
type EventStatus string

const (
	EventUpcoming  EventStatus = "upcoming"
	EventCompleted EventStatus = "completed"
	EventCancelled EventStatus = "cancelled"
	EventMissed    EventStatus = "missed"
)

// DispatchStatus enumerates all valid states for a notification ledger row.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchSent      DispatchStatus = "sent"
	DispatchFailed    DispatchStatus = "failed"
	DispatchCancelled DispatchStatus = "cancelled"
)

// ReminderPreset selects the set of trigger offsets computed before an
// occurrence's start time.
type ReminderPreset string

const (
	PresetStandard ReminderPreset = "standard"
	PresetCompact  ReminderPreset = "compact"
	PresetMinimal  ReminderPreset = "minimal"
)

// OffsetsMinutes returns the reminder offsets for the preset, in minutes
// before the occurrence start, largest first. Unknown presets fall back to
// minimal so a bad stored value still produces at least one reminder.
func (p ReminderPreset) OffsetsMinutes() []int {
	switch p {
	case PresetStandard:
		return []int{1440, 120, 60, 15}
	case PresetCompact:
		return []int{60, 15}
	default:
		return []int{15}
	}
}

// AlertSeverity classifies a budget alert escalation level.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// DevicePlatform identifies the mobile platform a push token belongs to.
type DevicePlatform string

const (
	PlatformIOS     DevicePlatform = "ios"
	PlatformAndroid DevicePlatform = "android"
)

// EventType categorizes a calendar event for display and templating.
type EventType string

const (
	EventTypeFeeding     EventType = "feeding"
	EventTypeMedication  EventType = "medication"
	EventTypeVaccination EventType = "vaccination"
	EventTypeVetVisit    EventType = "vet_visit"
	EventTypeGrooming    EventType = "grooming"
	EventTypeExercise    EventType = "exercise"
	EventTypeOther       EventType = "other"
)

// DefaultLanguage is the fallback language for notification templates when
// the user's stored preference is missing or has no translation.
const DefaultLanguage = "en"

// DefaultDailyTime is the wall-clock time assigned to generated occurrences
// when a rule carries no explicit daily times.
const DefaultDailyTime = "09:00"
