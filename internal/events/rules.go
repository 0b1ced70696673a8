package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pawkeep/internal/recurrence"
	"pawkeep/internal/types"
)

// RuleWriter is the slice of rule persistence the manager needs beyond what
// the materializer already reads.
type RuleWriter interface {
	Create(ctx context.Context, rule *types.RecurrenceRule) error
	GetByID(ctx context.Context, id string) (*types.RecurrenceRule, error)
	Update(ctx context.Context, rule *types.RecurrenceRule) error
	Delete(ctx context.Context, id string) error
	AddExcludedDate(ctx context.Context, ruleID string, date time.Time) error
}

// OccurrenceSyncer mutates already materialized occurrences on rule edits.
type OccurrenceSyncer interface {
	SyncTemplateFields(ctx context.Context, ruleID string, tmpl types.EventTemplate, after time.Time) (int64, error)
	DeleteAt(ctx context.Context, ruleID string, at time.Time) error
}

// RuleManager owns the write path for recurrence rules: validate, persist,
// and keep materialized occurrences consistent with the rule.
type RuleManager struct {
	rules        RuleWriter
	occurrences  OccurrenceSyncer
	materializer *Materializer
	clock        types.Clock
	logger       types.Logger
}

// NewRuleManager creates a RuleManager.
func NewRuleManager(rules RuleWriter, occurrences OccurrenceSyncer, materializer *Materializer, clock types.Clock, logger types.Logger) *RuleManager {
	return &RuleManager{
		rules:        rules,
		occurrences:  occurrences,
		materializer: materializer,
		clock:        clock,
		logger:       logger,
	}
}

// Create validates the rule, persists it, and materializes its occurrences
// up to the horizon. The rule's ID is assigned here.
func (s *RuleManager) Create(ctx context.Context, rule *types.RecurrenceRule) (*types.RecurrenceRule, error) {
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}

	rule.ID = "rule_" + uuid.New().String()
	if rule.Interval < 1 {
		rule.Interval = 1
	}

	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}

	if rule.IsActive {
		if _, err := s.materializer.Materialize(ctx, rule, s.clock.Now()); err != nil {
			// The rule row exists; generation can be retried by the daily
			// job, so surface the error without rolling back.
			return rule, err
		}
	}
	return rule, nil
}

// Update validates and persists the rule, then pushes its template fields
// onto future non-exception upcoming occurrences. Pattern changes do not
// retroactively rewrite instants; callers wanting that invoke Regenerate.
func (s *RuleManager) Update(ctx context.Context, rule *types.RecurrenceRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}

	if err := s.rules.Update(ctx, rule); err != nil {
		return err
	}

	synced, err := s.occurrences.SyncTemplateFields(ctx, rule.ID, rule.Template(), s.clock.Now())
	if err != nil {
		return err
	}
	s.logger.Info("synced rule template onto occurrences",
		"rule_id", rule.ID,
		"synced", synced,
	)
	return nil
}

// Regenerate re-derives the rule's future occurrences from its current
// pattern. Used after a pattern edit.
func (s *RuleManager) Regenerate(ctx context.Context, ruleID string) (int, error) {
	rule, err := s.rules.GetByID(ctx, ruleID)
	if err != nil {
		return 0, err
	}
	return s.materializer.Regenerate(ctx, rule, s.clock.Now())
}

// Delete removes the rule; its generated occurrences go with it via the
// storage-level cascade.
func (s *RuleManager) Delete(ctx context.Context, ruleID string) error {
	return s.rules.Delete(ctx, ruleID)
}

// AddException excludes a single instant from the rule's pattern and removes
// the occurrence materialized at that instant, if any. The instant is
// truncated to the minute, matching how exclusions are compared during
// expansion. Exception occurrences at the same instant survive.
func (s *RuleManager) AddException(ctx context.Context, ruleID string, at time.Time) error {
	key := recurrence.TruncateMinute(at.UTC())

	if err := s.rules.AddExcludedDate(ctx, ruleID, key); err != nil {
		return err
	}
	if err := s.occurrences.DeleteAt(ctx, ruleID, key); err != nil {
		return err
	}

	s.logger.Info("added exception date",
		"rule_id", ruleID,
		"excluded_at", key,
	)
	return nil
}

// ValidateRule checks a rule's pattern fields before it is persisted.
// Violations come back as validation AppErrors with the offending field in
// Details.
func ValidateRule(rule *types.RecurrenceRule) error {
	if rule.UserID == "" || rule.PetID == "" || rule.Title == "" {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"user_id, pet_id, and title are required", nil,
			map[string]any{"user_id": rule.UserID, "pet_id": rule.PetID})
	}

	validFreq := false
	for _, f := range types.ValidFrequencies {
		if rule.Frequency == f {
			validFreq = true
			break
		}
	}
	if !validFreq {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationFrequency,
			fmt.Sprintf("unknown frequency %q", rule.Frequency), nil,
			map[string]any{"frequency": string(rule.Frequency)})
	}

	if rule.Interval < 0 || rule.Interval > 365 {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInterval,
			"interval must be between 1 and 365", nil,
			map[string]any{"interval": rule.Interval})
	}

	for _, dow := range rule.DaysOfWeek {
		if dow < 0 || dow > 6 {
			return types.NewAppErrorWithDetails(types.ErrCodeValidationDayOfWeek,
				"days_of_week entries must be within 0 (Sunday) to 6 (Saturday)", nil,
				map[string]any{"day_of_week": dow})
		}
	}

	if rule.DayOfMonth != 0 && (rule.DayOfMonth < 1 || rule.DayOfMonth > 31) {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationDayOfMonth,
			"day_of_month must be between 1 and 31", nil,
			map[string]any{"day_of_month": rule.DayOfMonth})
	}

	if _, err := recurrence.LoadLocation(rule.Timezone); err != nil {
		return err
	}

	for _, tod := range rule.DailyTimes {
		if _, _, err := recurrence.ParseTimeOfDay(tod); err != nil {
			return err
		}
	}

	if rule.EndDate != nil && rule.EndDate.Before(rule.StartDate) {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationDateRange,
			"end_date must not precede start_date", nil,
			map[string]any{
				"start_date": rule.StartDate,
				"end_date":   *rule.EndDate,
			})
	}

	return nil
}
