// Package events turns recurrence rules into persisted occurrences and keeps
// the two in sync across rule edits, exceptions, and status transitions.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pawkeep/internal/recurrence"
	"pawkeep/internal/types"
)

// RuleStore is the slice of rule persistence the materializer needs.
type RuleStore interface {
	GetByID(ctx context.Context, id string) (*types.RecurrenceRule, error)
	ListActive(ctx context.Context, cursor string, limit int) ([]*types.RecurrenceRule, error)
	SetLastGenerated(ctx context.Context, ruleID string, at time.Time) error
}

// OccurrenceStore is the slice of event persistence the materializer needs.
type OccurrenceStore interface {
	InsertIfAbsent(ctx context.Context, ev *types.Event) (bool, error)
	DeleteFutureNonExceptions(ctx context.Context, ruleID string, after time.Time) (int64, error)
}

// listBatchSize bounds how many rules MaterializeAllActive holds in memory
// per storage round trip.
const listBatchSize = 100

// Materializer expands rules into concrete occurrences and persists them
// idempotently: the unique (recurrence_rule_id, start_time) key means a
// repeat run inserts nothing and touches nothing the user already has.
type Materializer struct {
	rules  RuleStore
	events OccurrenceStore
	logger types.Logger
}

// NewMaterializer creates a Materializer.
func NewMaterializer(rules RuleStore, events OccurrenceStore, logger types.Logger) *Materializer {
	return &Materializer{
		rules:  rules,
		events: events,
		logger: logger,
	}
}

// Materialize expands the rule from now to its horizon and inserts any
// occurrence not already present. Returns the number of newly created rows.
// Existing occurrences keep their status, edits, and exception flags.
func (m *Materializer) Materialize(ctx context.Context, rule *types.RecurrenceRule, now time.Time) (int, error) {
	instants, err := recurrence.Expand(rule, now)
	if err != nil {
		return 0, fmt.Errorf("expanding rule %s: %w", rule.ID, err)
	}

	duration := rule.EventDurationMinutes
	if duration <= 0 {
		duration = 30
	}

	created := 0
	for i, at := range instants {
		ev := occurrenceFromRule(rule, at, i, duration)
		inserted, err := m.events.InsertIfAbsent(ctx, ev)
		if err != nil {
			return created, fmt.Errorf("inserting occurrence for rule %s at %s: %w", rule.ID, at, err)
		}
		if inserted {
			created++
		}
	}

	if err := m.rules.SetLastGenerated(ctx, rule.ID, now); err != nil {
		return created, err
	}

	m.logger.Info("materialized rule",
		"rule_id", rule.ID,
		"instants", len(instants),
		"created", created,
	)
	return created, nil
}

// Regenerate drops the rule's future non-exception occurrences and
// materializes afresh. Past occurrences and exceptions are never touched, so
// history and manual edits survive a pattern change.
func (m *Materializer) Regenerate(ctx context.Context, rule *types.RecurrenceRule, now time.Time) (int, error) {
	deleted, err := m.events.DeleteFutureNonExceptions(ctx, rule.ID, now)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info("cleared future occurrences for regeneration",
			"rule_id", rule.ID,
			"deleted", deleted,
		)
	}
	return m.Materialize(ctx, rule, now)
}

// MaterializeAllActive walks every active rule in id order and materializes
// each. A single bad rule is logged and skipped so one corrupt timezone
// string cannot halt generation for everyone else. Returns rules processed
// and total occurrences created.
func (m *Materializer) MaterializeAllActive(ctx context.Context, now time.Time) (int, int, error) {
	processed := 0
	createdTotal := 0
	cursor := ""

	for {
		rules, err := m.rules.ListActive(ctx, cursor, listBatchSize)
		if err != nil {
			return processed, createdTotal, err
		}
		if len(rules) == 0 {
			break
		}

		for _, rule := range rules {
			created, err := m.Materialize(ctx, rule, now)
			if err != nil {
				m.logger.Error("failed to materialize rule",
					"rule_id", rule.ID,
					"error", err.Error(),
				)
				continue
			}
			processed++
			createdTotal += created
		}

		cursor = rules[len(rules)-1].ID
		if len(rules) < listBatchSize {
			break
		}
	}

	return processed, createdTotal, nil
}

// occurrenceFromRule builds an occurrence row carrying the rule's template
// fields at the given instant.
func occurrenceFromRule(rule *types.RecurrenceRule, at time.Time, seriesIndex, durationMinutes int) *types.Event {
	return &types.Event{
		ID:               "evt_" + uuid.New().String(),
		UserID:           rule.UserID,
		PetID:            rule.PetID,
		Title:            rule.Title,
		Description:      rule.Description,
		EventType:        rule.EventType,
		Location:         rule.Location,
		Notes:            rule.Notes,
		ReminderOn:       rule.ReminderOn,
		ReminderPreset:   rule.ReminderPreset,
		VaccineName:      rule.VaccineName,
		MedicationName:   rule.MedicationName,
		MedicationDose:   rule.MedicationDose,
		StartTime:        at,
		EndTime:          at.Add(time.Duration(durationMinutes) * time.Minute),
		Status:           types.EventUpcoming,
		RecurrenceRuleID: rule.ID,
		SeriesIndex:      seriesIndex,
	}
}
