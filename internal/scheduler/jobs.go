package scheduler

import (
	"context"
	"time"

	"pawkeep/internal/budget"
	"pawkeep/internal/events"
	"pawkeep/internal/feeding"
	"pawkeep/internal/reminders"
)

// BuildTasks assembles the engine's five periodic jobs:
//
//	GenerateOccurrences  daily 02:00 UTC
//	EventReminders       every 15 minutes
//	MissedEvents         every 15 minutes
//	FeedingReminders     every 15 minutes
//	BudgetAlerts         hourly
func BuildTasks(
	materializer *events.Materializer,
	remindersched *reminders.Scheduler,
	feedingEngine *feeding.Engine,
	budgetEngine *budget.Engine,
) []*Task {
	return []*Task{
		{
			Name:     "GenerateOccurrences",
			Schedule: DailyAt{Hour: 2},
			Run: func(ctx context.Context, now time.Time) error {
				_, _, err := materializer.MaterializeAllActive(ctx, now)
				return err
			},
		},
		{
			Name:     "EventReminders",
			Schedule: Every(reminders.TickInterval),
			Run: func(ctx context.Context, now time.Time) error {
				_, err := remindersched.RunTick(ctx, now)
				return err
			},
		},
		{
			Name:     "MissedEvents",
			Schedule: Every(reminders.TickInterval),
			Run: func(ctx context.Context, now time.Time) error {
				_, err := remindersched.MarkMissed(ctx, now)
				return err
			},
		},
		{
			Name:     "FeedingReminders",
			Schedule: Every(reminders.TickInterval),
			Run: func(ctx context.Context, now time.Time) error {
				if _, err := feedingEngine.RunChecker(ctx, now); err != nil {
					return err
				}
				_, err := feedingEngine.RunCatchUp(ctx, now)
				return err
			},
		},
		{
			Name:     "BudgetAlerts",
			Schedule: Every(time.Hour),
			Run: func(ctx context.Context, now time.Time) error {
				_, err := budgetEngine.CheckAll(ctx, now)
				return err
			},
		},
	}
}
