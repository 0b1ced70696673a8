// Package feeding implements the self-rescheduling feeding reminder chain.
// A schedule never materializes a full series: there is exactly one pending
// ledger row at a time, and delivering it books the next one. The catch-up
// scan repairs a chain whose next link was lost.
package feeding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pawkeep/internal/push"
	"pawkeep/internal/recurrence"
	"pawkeep/internal/reminders"
	"pawkeep/internal/types"
)

const (
	maxRetries    = 3
	listBatchSize = 200
)

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// NextFeedingTime finds the nearest instant strictly after now that falls on
// one of the named weekdays at the given wall-clock time, evaluated in the
// schedule's timezone and returned in UTC. Today counts when the time of day
// has not yet passed; otherwise the scan walks forward up to seven days.
func NextFeedingTime(timeOfDay string, days []string, tz string, now time.Time) (time.Time, error) {
	hour, minute, err := recurrence.ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := recurrence.LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}

	allowed := make(map[time.Weekday]bool, len(days))
	for _, name := range days {
		wd, ok := weekdayNames[name]
		if !ok {
			return time.Time{}, types.NewAppErrorWithDetails(types.ErrCodeValidationDayOfWeek,
				"unknown weekday name", nil, map[string]any{"day": name})
		}
		allowed[wd] = true
	}
	if len(allowed) == 0 {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationDayOfWeek, "no feeding days configured", nil)
	}

	local := now.In(loc)
	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		if !allowed[day.Weekday()] {
			continue
		}
		candidate := recurrence.LocalInstant(day, hour, minute, loc)
		if candidate.After(now) {
			return candidate.UTC(), nil
		}
	}
	// Unreachable with a non-empty weekday set: a 7-day scan always hits
	// every weekday at least once.
	return time.Time{}, types.NewAppError(types.ErrCodeInternalUnexpected, "no feeding instant found in scan window", nil)
}

// ScheduleStore is the slice of schedule persistence the engine needs.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, id string) (*types.FeedingSchedule, error)
	ListActiveSchedules(ctx context.Context, cursor string, limit int) ([]*types.FeedingSchedule, error)
}

// Ledger is the feeding slice of the dispatch ledger.
type Ledger interface {
	InsertPendingFeedingReminder(ctx context.Context, rec *types.FeedingReminderRecord) (bool, error)
	ListDuePendingFeedingReminders(ctx context.Context, now time.Time, limit int) ([]*types.FeedingReminderRecord, error)
	MarkFeedingReminderSent(ctx context.Context, id string, sentAt time.Time, providerMsgID string) error
	RequeueFeedingReminder(ctx context.Context, rec *types.FeedingReminderRecord, lastError string) (types.DispatchStatus, error)
	FailFeedingReminder(ctx context.Context, id, lastError string) error
	CancelPendingForSchedule(ctx context.Context, scheduleID string) (int64, error)
	HasUpcomingPending(ctx context.Context, scheduleID string, now time.Time) (bool, error)
}

// CheckerStats summarizes one checker pass.
type CheckerStats struct {
	Due       int
	Sent      int
	Requeued  int
	Failed    int
	Cancelled int
}

// Engine schedules feeding reminder triggers and drives due ones to
// delivery.
type Engine struct {
	schedules ScheduleStore
	ledger    Ledger
	devices   types.DeviceRegistry
	prefs     types.PreferenceStore
	pets      types.PetDirectory
	gateway   reminders.Dispatcher
	logger    types.Logger
}

func NewEngine(
	schedules ScheduleStore,
	ledger Ledger,
	devices types.DeviceRegistry,
	prefs types.PreferenceStore,
	pets types.PetDirectory,
	gateway reminders.Dispatcher,
	logger types.Logger,
) *Engine {
	return &Engine{
		schedules: schedules,
		ledger:    ledger,
		devices:   devices,
		prefs:     prefs,
		pets:      pets,
		gateway:   gateway,
		logger:    logger,
	}
}

// NextOccurrence returns the earliest upcoming feeding instant across all of
// the schedule's feeding times, in UTC.
func (e *Engine) NextOccurrence(schedule *types.FeedingSchedule, after time.Time) (time.Time, error) {
	var best time.Time
	for _, tod := range schedule.FeedingTimes {
		candidate, err := NextFeedingTime(tod, schedule.DaysOfWeek, schedule.Timezone, after)
		if err != nil {
			return time.Time{}, err
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	if best.IsZero() {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationMissingField, "schedule has no feeding times", nil)
	}
	return best, nil
}

// ScheduleReminder books the next pending ledger row for the schedule. The
// insert is an upsert on (schedule, trigger): calling this twice for the
// same trigger, or racing with another tick, produces exactly one row.
// Returns whether a new row was created.
func (e *Engine) ScheduleReminder(ctx context.Context, schedule *types.FeedingSchedule, after time.Time) (bool, error) {
	if !schedule.IsActive || !schedule.ReminderEnabled {
		return false, nil
	}
	feedingAt, err := e.NextOccurrence(schedule, after)
	if err != nil {
		return false, err
	}
	trigger := feedingAt.Add(-time.Duration(schedule.ReminderMinutesBefore) * time.Minute)

	created, err := e.ledger.InsertPendingFeedingReminder(ctx, &types.FeedingReminderRecord{
		ID:           "fed_" + uuid.New().String(),
		UserID:       schedule.UserID,
		ScheduleID:   schedule.ID,
		ScheduledFor: trigger,
		FeedingAt:    feedingAt,
		Status:       types.DispatchPending,
		MaxRetries:   maxRetries,
	})
	if err != nil {
		return false, err
	}
	if created {
		e.logger.Info("feeding reminder booked",
			"schedule_id", schedule.ID, "scheduled_for", trigger, "feeding_at", feedingAt)
	}
	return created, nil
}

// RunChecker processes every due pending ledger row at the given instant.
// Per-row failures are logged and skipped. Each row gets at most one
// dispatch attempt per tick: a requeued row stays pending and due, and
// retrying it in the same pass would burn its whole retry budget with no
// spacing between attempts.
func (e *Engine) RunChecker(ctx context.Context, now time.Time) (CheckerStats, error) {
	var stats CheckerStats
	seen := make(map[string]struct{})
	for {
		batch, err := e.ledger.ListDuePendingFeedingReminders(ctx, now, listBatchSize)
		if err != nil {
			return stats, fmt.Errorf("list due feeding reminders: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		attempted := false
		for _, rec := range batch {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			attempted = true
			stats.Due++
			if err := e.processDue(ctx, rec, now, &stats); err != nil {
				e.logger.Error("feeding reminder processing failed",
					"reminder_id", rec.ID, "schedule_id", rec.ScheduleID, "error", err)
			}
		}
		if len(batch) < listBatchSize || !attempted {
			break
		}
	}

	e.logger.Info("feeding checker complete",
		"due", stats.Due,
		"sent", stats.Sent,
		"requeued", stats.Requeued,
		"failed", stats.Failed,
		"cancelled", stats.Cancelled)
	return stats, nil
}

// RunCatchUp rebooks the chain for active schedules that have no upcoming
// pending row, which happens when chaining the next link failed after a
// successful send. Returns how many rows were booked.
func (e *Engine) RunCatchUp(ctx context.Context, now time.Time) (int, error) {
	booked := 0
	cursor := ""
	for {
		batch, err := e.schedules.ListActiveSchedules(ctx, cursor, listBatchSize)
		if err != nil {
			return booked, fmt.Errorf("list active schedules: %w", err)
		}
		for _, schedule := range batch {
			pending, err := e.ledger.HasUpcomingPending(ctx, schedule.ID, now)
			if err != nil {
				e.logger.Error("catch-up lookup failed", "schedule_id", schedule.ID, "error", err)
				continue
			}
			if pending {
				continue
			}
			created, err := e.ScheduleReminder(ctx, schedule, now)
			if err != nil {
				e.logger.Error("catch-up booking failed", "schedule_id", schedule.ID, "error", err)
				continue
			}
			if created {
				booked++
			}
		}
		if len(batch) < listBatchSize {
			break
		}
		cursor = batch[len(batch)-1].ID
	}
	if booked > 0 {
		e.logger.Info("feeding chains repaired", "booked", booked)
	}
	return booked, nil
}

// processDue drives one due ledger row to a terminal outcome for this tick.
func (e *Engine) processDue(ctx context.Context, rec *types.FeedingReminderRecord, now time.Time, stats *CheckerStats) error {
	schedule, err := e.schedules.GetSchedule(ctx, rec.ScheduleID)
	if err != nil {
		if types.IsNotFound(err) {
			return e.cancelChain(ctx, rec, stats)
		}
		return fmt.Errorf("load schedule: %w", err)
	}
	if !schedule.IsActive || !schedule.ReminderEnabled {
		return e.cancelChain(ctx, rec, stats)
	}

	pet, err := e.pets.Pet(ctx, schedule.PetID)
	if err != nil {
		return fmt.Errorf("load pet: %w", err)
	}
	if pet == nil || !pet.IsActive {
		return e.cancelChain(ctx, rec, stats)
	}

	tokens, err := e.devices.ActiveTokens(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		// No registered device. Drop this link; the catch-up scan rebooks
		// the chain once a device comes back.
		return e.cancelChain(ctx, rec, stats)
	}

	prefs, err := e.prefs.Preferences(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}

	messages := e.buildMessages(rec, schedule, pet, prefs, tokens)
	results, err := e.gateway.Send(ctx, messages)
	if err != nil {
		return e.requeue(ctx, rec, err.Error(), stats)
	}

	delivered := false
	retryable := false
	providerMsgID := ""
	lastError := ""
	for _, res := range results {
		switch res.Outcome {
		case push.OutcomeDelivered:
			delivered = true
			if providerMsgID == "" {
				providerMsgID = res.ProviderMessageID
			}
		case push.OutcomePermanent:
			if derr := e.devices.Deactivate(ctx, res.Token, res.ErrorCode); derr != nil {
				e.logger.Error("token deactivation failed", "user_id", rec.UserID, "error", derr)
			}
			lastError = res.ErrorCode
		default:
			retryable = true
			lastError = res.ErrorMessage
		}
	}
	if !delivered {
		if lastError == "" {
			lastError = "no delivery"
		}
		if !retryable {
			// Every token came back permanently dead and is deactivated
			// above. Retrying cannot succeed, so the row fails now instead
			// of burning through its retry budget.
			return e.fail(ctx, rec, lastError, stats)
		}
		return e.requeue(ctx, rec, lastError, stats)
	}

	if err := e.ledger.MarkFeedingReminderSent(ctx, rec.ID, now, providerMsgID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	stats.Sent++

	// Chain the next link. Base the scan after the feeding instant this row
	// announced so the same occurrence is never booked twice.
	base := rec.FeedingAt
	if base.Before(now) {
		base = now
	}
	if _, err := e.ScheduleReminder(ctx, schedule, base); err != nil {
		// The send already succeeded, so the row stays sent. The next
		// catch-up scan notices the missing link and rebooks it.
		e.logger.Warn("chain-scheduling next feeding reminder failed",
			"schedule_id", schedule.ID, "error", err)
	}
	return nil
}

func (e *Engine) cancelChain(ctx context.Context, rec *types.FeedingReminderRecord, stats *CheckerStats) error {
	n, err := e.ledger.CancelPendingForSchedule(ctx, rec.ScheduleID)
	if err != nil {
		return fmt.Errorf("cancel pending: %w", err)
	}
	stats.Cancelled += int(n)
	return nil
}

func (e *Engine) fail(ctx context.Context, rec *types.FeedingReminderRecord, lastError string, stats *CheckerStats) error {
	if err := e.ledger.FailFeedingReminder(ctx, rec.ID, lastError); err != nil {
		return fmt.Errorf("fail reminder: %w", err)
	}
	stats.Failed++
	e.logger.Warn("feeding reminder permanently failed",
		"reminder_id", rec.ID, "schedule_id", rec.ScheduleID, "last_error", lastError)
	return nil
}

func (e *Engine) requeue(ctx context.Context, rec *types.FeedingReminderRecord, lastError string, stats *CheckerStats) error {
	status, err := e.ledger.RequeueFeedingReminder(ctx, rec, lastError)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if status == types.DispatchFailed {
		stats.Failed++
		e.logger.Warn("feeding reminder permanently failed",
			"reminder_id", rec.ID, "schedule_id", rec.ScheduleID, "last_error", lastError)
		return nil
	}
	stats.Requeued++
	return nil
}

func (e *Engine) buildMessages(
	rec *types.FeedingReminderRecord,
	schedule *types.FeedingSchedule,
	pet *types.Pet,
	prefs types.UserPreferences,
	tokens []types.DeviceToken,
) []push.Message {
	feedingLocal := rec.FeedingAt
	if loc, err := recurrence.LoadLocation(schedule.Timezone); err == nil {
		feedingLocal = rec.FeedingAt.In(loc)
	}
	title, body := reminders.Render(prefs.Language, reminders.TemplFeedingReminder, map[string]string{
		"pet":  pet.Name,
		"time": feedingLocal.Format("15:04"),
	})

	messages := make([]push.Message, 0, len(tokens))
	for _, tok := range tokens {
		messages = append(messages, push.Message{
			Token: tok.Token,
			Title: title,
			Body:  body,
			Data: map[string]string{
				"type":        "feeding_reminder",
				"schedule_id": schedule.ID,
				"pet_id":      schedule.PetID,
				"feeding_at":  rec.FeedingAt.UTC().Format(time.RFC3339),
			},
			Sound:     "default",
			Priority:  "high",
			ChannelID: "reminders",
		})
	}
	return messages
}
