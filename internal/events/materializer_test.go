package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pawkeep/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)        {}
func (nopLogger) Warn(string, ...any)        {}
func (nopLogger) Error(string, ...any)       {}
func (l nopLogger) With(...any) types.Logger { return l }

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

// fakeRuleStore keeps rules in memory with the same contract as the pgx
// repository.
type fakeRuleStore struct {
	rules map[string]*types.RecurrenceRule
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{rules: make(map[string]*types.RecurrenceRule)}
}

func (s *fakeRuleStore) Create(_ context.Context, rule *types.RecurrenceRule) error {
	s.rules[rule.ID] = rule
	return nil
}

func (s *fakeRuleStore) GetByID(_ context.Context, id string) (*types.RecurrenceRule, error) {
	rule, ok := s.rules[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundRule, "recurrence rule not found", nil)
	}
	return rule, nil
}

func (s *fakeRuleStore) Update(_ context.Context, rule *types.RecurrenceRule) error {
	if _, ok := s.rules[rule.ID]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundRule, "recurrence rule not found", nil)
	}
	s.rules[rule.ID] = rule
	return nil
}

func (s *fakeRuleStore) Delete(_ context.Context, id string) error {
	delete(s.rules, id)
	return nil
}

func (s *fakeRuleStore) AddExcludedDate(_ context.Context, ruleID string, date time.Time) error {
	rule, ok := s.rules[ruleID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundRule, "recurrence rule not found", nil)
	}
	rule.ExcludedDates = append(rule.ExcludedDates, date)
	return nil
}

func (s *fakeRuleStore) ListActive(_ context.Context, cursor string, limit int) ([]*types.RecurrenceRule, error) {
	var out []*types.RecurrenceRule
	for _, r := range s.rules {
		if r.IsActive && r.ID > cursor {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeRuleStore) SetLastGenerated(_ context.Context, ruleID string, at time.Time) error {
	if rule, ok := s.rules[ruleID]; ok {
		rule.LastGeneratedAt = &at
	}
	return nil
}

// fakeOccurrenceStore enforces the (rule, start_time) uniqueness key in
// memory.
type fakeOccurrenceStore struct {
	events map[string]*types.Event
}

func newFakeOccurrenceStore() *fakeOccurrenceStore {
	return &fakeOccurrenceStore{events: make(map[string]*types.Event)}
}

func occKey(ruleID string, at time.Time) string {
	return fmt.Sprintf("%s|%d", ruleID, at.Unix())
}

func (s *fakeOccurrenceStore) InsertIfAbsent(_ context.Context, ev *types.Event) (bool, error) {
	key := occKey(ev.RecurrenceRuleID, ev.StartTime)
	if _, exists := s.events[key]; exists {
		return false, nil
	}
	s.events[key] = ev
	return true, nil
}

func (s *fakeOccurrenceStore) DeleteFutureNonExceptions(_ context.Context, ruleID string, after time.Time) (int64, error) {
	var n int64
	for key, ev := range s.events {
		if ev.RecurrenceRuleID == ruleID && ev.StartTime.After(after) && !ev.IsException {
			delete(s.events, key)
			n++
		}
	}
	return n, nil
}

func (s *fakeOccurrenceStore) DeleteAt(_ context.Context, ruleID string, at time.Time) error {
	key := occKey(ruleID, at)
	if ev, ok := s.events[key]; ok && !ev.IsException {
		delete(s.events, key)
	}
	return nil
}

func (s *fakeOccurrenceStore) SyncTemplateFields(_ context.Context, ruleID string, tmpl types.EventTemplate, after time.Time) (int64, error) {
	var n int64
	for _, ev := range s.events {
		if ev.RecurrenceRuleID != ruleID || ev.IsException || ev.Status != types.EventUpcoming || !ev.StartTime.After(after) {
			continue
		}
		ev.Title = tmpl.Title
		ev.Notes = tmpl.Notes
		n++
	}
	return n, nil
}

func dailyRule(id string, start time.Time) *types.RecurrenceRule {
	return &types.RecurrenceRule{
		ID:         id,
		UserID:     "user_1",
		PetID:      "pet_1",
		Title:      "Morning pills",
		EventType:  types.EventTypeMedication,
		Frequency:  types.FreqDaily,
		Interval:   1,
		Timezone:   "UTC",
		StartDate:  start,
		DailyTimes: []string{"09:00"},
		IsActive:   true,
	}
}

func newTestMaterializer() (*Materializer, *fakeRuleStore, *fakeOccurrenceStore) {
	rules := newFakeRuleStore()
	occs := newFakeOccurrenceStore()
	return NewMaterializer(rules, occs, nopLogger{}), rules, occs
}

func TestMaterializer_Materialize_Idempotent(t *testing.T) {
	m, rules, occs := newTestMaterializer()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rule := dailyRule("rule_1", now)
	require.NoError(t, rules.Create(ctx, rule))

	created, err := m.Materialize(ctx, rule, now)
	require.NoError(t, err)
	assert.Equal(t, 90, created, "daily horizon is 90 days")

	again, err := m.Materialize(ctx, rule, now)
	require.NoError(t, err)
	assert.Zero(t, again, "second run must create nothing")
	assert.Len(t, occs.events, 90)

	require.NotNil(t, rule.LastGeneratedAt)
	assert.Equal(t, now, *rule.LastGeneratedAt)
}

func TestMaterializer_Regenerate_PreservesExceptionsAndPast(t *testing.T) {
	m, rules, occs := newTestMaterializer()
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rule := dailyRule("rule_1", start)
	require.NoError(t, rules.Create(ctx, rule))

	// A past occurrence and a hand-edited future one already exist.
	past := &types.Event{
		ID:               "evt_past",
		RecurrenceRuleID: "rule_1",
		StartTime:        time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC),
		Status:           types.EventCompleted,
	}
	exception := &types.Event{
		ID:               "evt_exc",
		RecurrenceRuleID: "rule_1",
		StartTime:        time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC),
		Status:           types.EventUpcoming,
		IsException:      true,
		Title:            "Rescheduled visit",
	}
	_, err := occs.InsertIfAbsent(ctx, past)
	require.NoError(t, err)
	_, err = occs.InsertIfAbsent(ctx, exception)
	require.NoError(t, err)

	_, err = m.Regenerate(ctx, rule, now)
	require.NoError(t, err)

	kept, ok := occs.events[occKey("rule_1", past.StartTime)]
	require.True(t, ok, "past occurrence must survive regeneration")
	assert.Equal(t, "evt_past", kept.ID)

	keptExc, ok := occs.events[occKey("rule_1", exception.StartTime)]
	require.True(t, ok, "exception occurrence must survive regeneration")
	assert.Equal(t, "evt_exc", keptExc.ID)
	assert.Equal(t, "Rescheduled visit", keptExc.Title)
}

func TestMaterializer_Materialize_SkipsExcludedInstant(t *testing.T) {
	m, rules, occs := newTestMaterializer()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rule := dailyRule("rule_1", now)
	excluded := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	rule.ExcludedDates = []time.Time{excluded}
	require.NoError(t, rules.Create(ctx, rule))

	_, err := m.Materialize(ctx, rule, now)
	require.NoError(t, err)

	_, exists := occs.events[occKey("rule_1", excluded)]
	assert.False(t, exists, "excluded instant must not be materialized")
	_, exists = occs.events[occKey("rule_1", excluded.AddDate(0, 0, 1))]
	assert.True(t, exists, "neighboring instants are unaffected")
}

func TestMaterializer_MaterializeAllActive_SkipsBadRule(t *testing.T) {
	m, rules, _ := newTestMaterializer()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	good := dailyRule("rule_good", now)
	bad := dailyRule("rule_bad", now)
	bad.Timezone = "Not/AZone"
	require.NoError(t, rules.Create(ctx, good))
	require.NoError(t, rules.Create(ctx, bad))

	processed, created, err := m.MaterializeAllActive(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, processed, "bad rule is skipped, not fatal")
	assert.Equal(t, 90, created)
}

func TestRuleManager_AddException_RegenerateLeavesGap(t *testing.T) {
	rules := newFakeRuleStore()
	occs := newFakeOccurrenceStore()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewMaterializer(rules, occs, nopLogger{})
	mgr := NewRuleManager(rules, occs, m, fixedClock{now: now}, nopLogger{})
	ctx := context.Background()

	rule := dailyRule("rule_1", now)
	require.NoError(t, rules.Create(ctx, rule))
	_, err := m.Materialize(ctx, rule, now)
	require.NoError(t, err)

	target := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)
	require.NoError(t, mgr.AddException(ctx, "rule_1", target))

	_, exists := occs.events[occKey("rule_1", target)]
	assert.False(t, exists, "occurrence at the excepted instant is removed")

	_, err = mgr.Regenerate(ctx, "rule_1")
	require.NoError(t, err)

	_, exists = occs.events[occKey("rule_1", target)]
	assert.False(t, exists, "regeneration must not resurrect the excepted instant")
}

func TestRuleManager_Create_ValidatesAndMaterializes(t *testing.T) {
	rules := newFakeRuleStore()
	occs := newFakeOccurrenceStore()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewMaterializer(rules, occs, nopLogger{})
	mgr := NewRuleManager(rules, occs, m, fixedClock{now: now}, nopLogger{})
	ctx := context.Background()

	rule := dailyRule("", now)
	created, err := mgr.Create(ctx, rule)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Len(t, occs.events, 90)
}

func TestRuleManager_Update_SyncsFutureUpcoming(t *testing.T) {
	rules := newFakeRuleStore()
	occs := newFakeOccurrenceStore()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewMaterializer(rules, occs, nopLogger{})
	mgr := NewRuleManager(rules, occs, m, fixedClock{now: now}, nopLogger{})
	ctx := context.Background()

	rule := dailyRule("rule_1", now)
	require.NoError(t, rules.Create(ctx, rule))
	_, err := m.Materialize(ctx, rule, now)
	require.NoError(t, err)

	rule.Title = "Evening pills"
	require.NoError(t, mgr.Update(ctx, rule))

	for _, ev := range occs.events {
		assert.Equal(t, "Evening pills", ev.Title)
	}
}

func TestValidateRule_Table(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := now.AddDate(0, 0, -1)

	tests := []struct {
		name    string
		mutate  func(r *types.RecurrenceRule)
		wantErr types.ErrorCode
	}{
		{"valid", func(r *types.RecurrenceRule) {}, ""},
		{"missing title", func(r *types.RecurrenceRule) { r.Title = "" }, types.ErrCodeValidationMissingField},
		{"bad frequency", func(r *types.RecurrenceRule) { r.Frequency = "fortnightly" }, types.ErrCodeValidationFrequency},
		{"interval too large", func(r *types.RecurrenceRule) { r.Interval = 400 }, types.ErrCodeValidationInterval},
		{"day of week out of range", func(r *types.RecurrenceRule) { r.DaysOfWeek = []int{7} }, types.ErrCodeValidationDayOfWeek},
		{"day of month out of range", func(r *types.RecurrenceRule) { r.DayOfMonth = 32 }, types.ErrCodeValidationDayOfMonth},
		{"bad timezone", func(r *types.RecurrenceRule) { r.Timezone = "Mars/Olympus" }, types.ErrCodeValidationInvalidTimezone},
		{"bad daily time", func(r *types.RecurrenceRule) { r.DailyTimes = []string{"9am"} }, types.ErrCodeValidationInvalidTime},
		{"end before start", func(r *types.RecurrenceRule) { r.EndDate = &end }, types.ErrCodeValidationDateRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := dailyRule("rule_v", now)
			tt.mutate(rule)

			err := ValidateRule(rule)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantErr, appErr.Code)
		})
	}
}
