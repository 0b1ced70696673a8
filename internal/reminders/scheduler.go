// Package reminders turns upcoming occurrences into push notification
// dispatches. The scheduler is stateless between ticks: the dispatch ledger
// is the only record of what has already been sent, so a crashed or
// restarted process resumes cleanly on the next tick.
package reminders

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"pawkeep/internal/push"
	"pawkeep/internal/types"
)

const (
	// TickInterval is how often the scheduler scans for work.
	TickInterval = 15 * time.Minute

	// WindowDays bounds the forward scan. Triggers are handed to the push
	// provider as soon as their occurrence enters the window; the ledger
	// keeps later ticks from handing them over again.
	WindowDays = 7

	listBatchSize = 200
)

// EventSource lists occurrences eligible for reminders and expires the
// ones whose start time has passed.
type EventSource interface {
	ListUpcomingWindow(ctx context.Context, from, to time.Time, cursor string, limit int) ([]*types.Event, error)
	MarkMissedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DispatchLedger records which (event, trigger) pairs have been dispatched.
type DispatchLedger interface {
	RecordEventReminder(ctx context.Context, rec *types.ReminderRecord) (bool, error)
	EventReminderExists(ctx context.Context, eventID string, scheduledFor time.Time) (bool, error)
}

// Dispatcher sends push messages. Satisfied by push.Gateway.
type Dispatcher interface {
	Send(ctx context.Context, messages []push.Message) ([]push.Result, error)
}

// TickStats summarizes one scheduler pass for logging.
type TickStats struct {
	Scanned    int
	Dispatched int
	Deduped    int
	Skipped    int
}

// Scheduler scans the upcoming-event window each tick and dispatches every
// reminder trigger that has not been dispatched before.
type Scheduler struct {
	events  EventSource
	ledger  DispatchLedger
	devices types.DeviceRegistry
	prefs   types.PreferenceStore
	pets    types.PetDirectory
	gateway Dispatcher
	logger  types.Logger
}

func NewScheduler(
	events EventSource,
	ledger DispatchLedger,
	devices types.DeviceRegistry,
	prefs types.PreferenceStore,
	pets types.PetDirectory,
	gateway Dispatcher,
	logger types.Logger,
) *Scheduler {
	return &Scheduler{
		events:  events,
		ledger:  ledger,
		devices: devices,
		prefs:   prefs,
		pets:    pets,
		gateway: gateway,
		logger:  logger,
	}
}

// RunTick processes one scheduler pass at the given instant. Per-event
// failures are logged and skipped so one broken row cannot stall the whole
// window; RunTick only returns an error when the event listing itself fails.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) (TickStats, error) {
	var stats TickStats
	from := now
	to := now.Add(WindowDays * 24 * time.Hour)

	cursor := ""
	for {
		batch, err := s.events.ListUpcomingWindow(ctx, from, to, cursor, listBatchSize)
		if err != nil {
			return stats, fmt.Errorf("list upcoming events: %w", err)
		}
		for _, event := range batch {
			stats.Scanned++
			if err := s.processEvent(ctx, event, now, &stats); err != nil {
				stats.Skipped++
				s.logger.Error("event reminder processing failed",
					"event_id", event.ID, "error", err)
			}
		}
		if len(batch) < listBatchSize {
			break
		}
		cursor = batch[len(batch)-1].ID
	}

	s.logger.Info("reminder tick complete",
		"scanned", stats.Scanned,
		"dispatched", stats.Dispatched,
		"deduped", stats.Deduped,
		"skipped", stats.Skipped)
	return stats, nil
}

// MarkMissed transitions every past-due upcoming occurrence to missed.
func (s *Scheduler) MarkMissed(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.events.MarkMissedBefore(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("marked events missed", "count", n)
	}
	return n, nil
}

func (s *Scheduler) processEvent(ctx context.Context, event *types.Event, now time.Time, stats *TickStats) error {
	prefs, err := s.prefs.Preferences(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}
	if !prefs.NotificationsEnabled {
		return nil
	}

	tokens, err := s.devices.ActiveTokens(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		// Nothing to deliver to. Not an error: the user simply has no
		// registered device right now.
		return nil
	}

	pet, err := s.pets.Pet(ctx, event.PetID)
	if err != nil {
		return fmt.Errorf("load pet: %w", err)
	}
	if pet == nil || !pet.IsActive {
		return nil
	}

	for _, offset := range event.ReminderPreset.OffsetsMinutes() {
		trigger := event.StartTime.Add(-time.Duration(offset) * time.Minute)
		if trigger.Before(now) {
			continue
		}
		exists, err := s.ledger.EventReminderExists(ctx, event.ID, trigger)
		if err != nil {
			return fmt.Errorf("ledger lookup: %w", err)
		}
		if exists {
			stats.Deduped++
			continue
		}
		if err := s.dispatchTrigger(ctx, event, pet, prefs, tokens, trigger, offset, now); err != nil {
			return err
		}
		stats.Dispatched++
	}
	return nil
}

func (s *Scheduler) dispatchTrigger(
	ctx context.Context,
	event *types.Event,
	pet *types.Pet,
	prefs types.UserPreferences,
	tokens []types.DeviceToken,
	trigger time.Time,
	offsetMinutes int,
	now time.Time,
) error {
	title, body := Render(prefs.Language, TemplEventReminder, map[string]string{
		"event":   event.Title,
		"pet":     pet.Name,
		"minutes": strconv.Itoa(offsetMinutes),
	})

	messages := make([]push.Message, 0, len(tokens))
	for _, tok := range tokens {
		messages = append(messages, push.Message{
			Token: tok.Token,
			Title: title,
			Body:  body,
			Data: map[string]string{
				"type":          "event_reminder",
				"event_id":      event.ID,
				"pet_id":        event.PetID,
				"scheduled_for": trigger.UTC().Format(time.RFC3339),
			},
			Sound:     "default",
			Priority:  "high",
			ChannelID: "reminders",
		})
	}

	results, err := s.gateway.Send(ctx, messages)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	delivered := false
	providerMsgID := ""
	for _, res := range results {
		switch res.Outcome {
		case push.OutcomeDelivered:
			delivered = true
			if providerMsgID == "" {
				providerMsgID = res.ProviderMessageID
			}
		case push.OutcomePermanent:
			if derr := s.devices.Deactivate(ctx, res.Token, res.ErrorCode); derr != nil {
				s.logger.Error("token deactivation failed",
					"user_id", event.UserID, "error", derr)
			}
		}
	}
	if !delivered {
		// Every token failed transiently or permanently. Leaving the ledger
		// untouched means the next tick retries the trigger.
		s.logger.Warn("reminder dispatch reached no device",
			"event_id", event.ID, "scheduled_for", trigger)
		return nil
	}

	sentAt := now
	_, err = s.ledger.RecordEventReminder(ctx, &types.ReminderRecord{
		ID:            "ntf_" + uuid.New().String(),
		UserID:        event.UserID,
		EventID:       event.ID,
		ScheduledFor:  trigger,
		SentAt:        &sentAt,
		Status:        types.DispatchSent,
		ProviderMsgID: providerMsgID,
	})
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}
