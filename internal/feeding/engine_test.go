package feeding

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pawkeep/internal/push"
	"pawkeep/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}
func (nopLogger) Error(string, ...any) {}

func (l nopLogger) With(...any) types.Logger { return l }

func TestNextFeedingTime_TodayQualifiesWhenTimeAhead(t *testing.T) {
	// Tuesday 2026-03-03, 07:00 UTC. Tuesday is allowed and 08:00 has not
	// passed, so today wins.
	now := time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC)
	got, err := NextFeedingTime("08:00", []string{"tuesday", "thursday"}, "UTC", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC), got)
}

func TestNextFeedingTime_TuesdayRollsToWednesday(t *testing.T) {
	// Tuesday 10:00, allowed days monday and wednesday: the nearest match
	// is the following Wednesday at 08:00.
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	got, err := NextFeedingTime("08:00", []string{"monday", "wednesday"}, "UTC", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.Wednesday, got.Weekday())
}

func TestNextFeedingTime_TodayTimePassedRollsForwardFullWeek(t *testing.T) {
	// Tuesday 09:00 with only Tuesday allowed: today's 08:00 has passed, so
	// the result is next Tuesday.
	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	got, err := NextFeedingTime("08:00", []string{"tuesday"}, "UTC", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), got)
}

func TestNextFeedingTime_LocalWallClockToUTC(t *testing.T) {
	// 08:00 in Istanbul (UTC+3, no DST) is 05:00 UTC.
	now := time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	got, err := NextFeedingTime("08:00", []string{"tuesday"}, "Europe/Istanbul", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 5, 0, 0, 0, time.UTC), got)
}

func TestNextFeedingTime_RejectsUnknownWeekday(t *testing.T) {
	now := time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC)
	_, err := NextFeedingTime("08:00", []string{"tue"}, "UTC", now)
	require.Error(t, err)
}

type fakeScheduleStore struct {
	schedules map[string]*types.FeedingSchedule
}

func (f *fakeScheduleStore) GetSchedule(_ context.Context, id string) (*types.FeedingSchedule, error) {
	s, ok := f.schedules[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "feeding schedule not found", nil)
	}
	return s, nil
}

func (f *fakeScheduleStore) ListActiveSchedules(_ context.Context, cursor string, limit int) ([]*types.FeedingSchedule, error) {
	var out []*types.FeedingSchedule
	for _, s := range f.schedules {
		if !s.IsActive || !s.ReminderEnabled {
			continue
		}
		if cursor != "" && s.ID <= cursor {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeFeedingLedger struct {
	rows map[string]*types.FeedingReminderRecord
}

func newFakeFeedingLedger() *fakeFeedingLedger {
	return &fakeFeedingLedger{rows: make(map[string]*types.FeedingReminderRecord)}
}

func (f *fakeFeedingLedger) pendingKey(scheduleID string, at time.Time) string {
	return fmt.Sprintf("%s|%d", scheduleID, at.Unix())
}

func (f *fakeFeedingLedger) InsertPendingFeedingReminder(_ context.Context, rec *types.FeedingReminderRecord) (bool, error) {
	for _, existing := range f.rows {
		if existing.Status == types.DispatchPending &&
			existing.ScheduleID == rec.ScheduleID &&
			existing.ScheduledFor.Equal(rec.ScheduledFor) {
			return false, nil
		}
	}
	clone := *rec
	f.rows[rec.ID] = &clone
	return true, nil
}

func (f *fakeFeedingLedger) ListDuePendingFeedingReminders(_ context.Context, now time.Time, limit int) ([]*types.FeedingReminderRecord, error) {
	var out []*types.FeedingReminderRecord
	for _, rec := range f.rows {
		if rec.Status == types.DispatchPending && !rec.ScheduledFor.After(now) {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeFeedingLedger) MarkFeedingReminderSent(_ context.Context, id string, sentAt time.Time, providerMsgID string) error {
	rec := f.rows[id]
	rec.Status = types.DispatchSent
	rec.SentAt = &sentAt
	rec.ProviderMsgID = providerMsgID
	return nil
}

func (f *fakeFeedingLedger) RequeueFeedingReminder(_ context.Context, rec *types.FeedingReminderRecord, lastError string) (types.DispatchStatus, error) {
	stored := f.rows[rec.ID]
	stored.RetryCount++
	stored.LastError = lastError
	if stored.RetryCount >= stored.MaxRetries {
		stored.Status = types.DispatchFailed
	}
	return stored.Status, nil
}

func (f *fakeFeedingLedger) FailFeedingReminder(_ context.Context, id, lastError string) error {
	f.rows[id].Status = types.DispatchFailed
	f.rows[id].LastError = lastError
	return nil
}

func (f *fakeFeedingLedger) CancelPendingForSchedule(_ context.Context, scheduleID string) (int64, error) {
	var n int64
	for _, rec := range f.rows {
		if rec.ScheduleID == scheduleID && rec.Status == types.DispatchPending {
			rec.Status = types.DispatchCancelled
			n++
		}
	}
	return n, nil
}

func (f *fakeFeedingLedger) HasUpcomingPending(_ context.Context, scheduleID string, now time.Time) (bool, error) {
	for _, rec := range f.rows {
		if rec.ScheduleID == scheduleID && rec.Status == types.DispatchPending && rec.ScheduledFor.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeFeedingLedger) pending() []*types.FeedingReminderRecord {
	var out []*types.FeedingReminderRecord
	for _, rec := range f.rows {
		if rec.Status == types.DispatchPending {
			out = append(out, rec)
		}
	}
	return out
}

type fakeRegistry struct {
	tokens      map[string][]types.DeviceToken
	deactivated []string
}

func (f *fakeRegistry) ActiveTokens(_ context.Context, userID string) ([]types.DeviceToken, error) {
	return f.tokens[userID], nil
}

func (f *fakeRegistry) Deactivate(_ context.Context, token, reason string) error {
	f.deactivated = append(f.deactivated, token)
	return nil
}

type fakePrefs struct{}

func (fakePrefs) Preferences(_ context.Context, userID string) (types.UserPreferences, error) {
	return types.UserPreferences{
		UserID:               userID,
		Timezone:             "UTC",
		Language:             types.DefaultLanguage,
		NotificationsEnabled: true,
	}, nil
}

type fakePets struct {
	pets map[string]*types.Pet
}

func (f *fakePets) Pet(_ context.Context, petID string) (*types.Pet, error) {
	return f.pets[petID], nil
}

type fakeDispatcher struct {
	batches [][]push.Message
	outcome push.Outcome
}

func (f *fakeDispatcher) Send(_ context.Context, messages []push.Message) ([]push.Result, error) {
	f.batches = append(f.batches, messages)
	results := make([]push.Result, 0, len(messages))
	for _, m := range messages {
		res := push.Result{Token: m.Token, Outcome: f.outcome}
		switch f.outcome {
		case push.OutcomeDelivered:
			res.ProviderMessageID = "provider-1"
		case push.OutcomePermanent:
			res.ErrorCode = "DeviceNotRegistered"
		default:
			res.ErrorMessage = "rate limited"
		}
		results = append(results, res)
	}
	return results, nil
}

type engineFixture struct {
	engine     *Engine
	schedules  *fakeScheduleStore
	ledger     *fakeFeedingLedger
	registry   *fakeRegistry
	pets       *fakePets
	dispatcher *fakeDispatcher
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		schedules: &fakeScheduleStore{schedules: map[string]*types.FeedingSchedule{}},
		ledger:    newFakeFeedingLedger(),
		registry: &fakeRegistry{tokens: map[string][]types.DeviceToken{
			"user-1": {{ID: "dvt_1", UserID: "user-1", Token: "ExponentPushToken[a]", IsActive: true}},
		}},
		pets:       &fakePets{pets: map[string]*types.Pet{"pet-1": {ID: "pet-1", UserID: "user-1", Name: "Boncuk", IsActive: true}}},
		dispatcher: &fakeDispatcher{outcome: push.OutcomeDelivered},
	}
	f.engine = NewEngine(f.schedules, f.ledger, f.registry, fakePrefs{}, f.pets, f.dispatcher, nopLogger{})
	return f
}

func dailySchedule(id string) *types.FeedingSchedule {
	return &types.FeedingSchedule{
		ID:           id,
		UserID:       "user-1",
		PetID:        "pet-1",
		FeedingTimes: []string{"08:00", "20:00"},
		DaysOfWeek: []string{
			"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday",
		},
		Timezone:              "UTC",
		ReminderMinutesBefore: 30,
		ReminderEnabled:       true,
		IsActive:              true,
	}
}

func TestScheduleReminder_BooksEarliestFeedingTime(t *testing.T) {
	f := newEngineFixture()
	schedule := dailySchedule("sch-1")
	f.schedules.schedules["sch-1"] = schedule
	now := time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC)

	created, err := f.engine.ScheduleReminder(context.Background(), schedule, now)
	require.NoError(t, err)
	assert.True(t, created)

	pending := f.ledger.pending()
	require.Len(t, pending, 1)
	rec := pending[0]
	assert.Equal(t, time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC), rec.FeedingAt)
	assert.Equal(t, time.Date(2026, 3, 3, 7, 30, 0, 0, time.UTC), rec.ScheduledFor)
	assert.Equal(t, 3, rec.MaxRetries)
}

func TestScheduleReminder_UpsertIsIdempotent(t *testing.T) {
	f := newEngineFixture()
	schedule := dailySchedule("sch-1")
	f.schedules.schedules["sch-1"] = schedule
	now := time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC)

	created, err := f.engine.ScheduleReminder(context.Background(), schedule, now)
	require.NoError(t, err)
	assert.True(t, created)

	// A concurrent tick or a schedule edit computing the same trigger must
	// not produce a second pending row.
	created, err = f.engine.ScheduleReminder(context.Background(), schedule, now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, f.ledger.pending(), 1)
}

func TestScheduleReminder_DisabledScheduleBooksNothing(t *testing.T) {
	f := newEngineFixture()
	schedule := dailySchedule("sch-1")
	schedule.ReminderEnabled = false

	created, err := f.engine.ScheduleReminder(context.Background(), schedule, time.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, f.ledger.rows)
}

func TestRunChecker_SuccessChainsNextLink(t *testing.T) {
	f := newEngineFixture()
	schedule := dailySchedule("sch-1")
	f.schedules.schedules["sch-1"] = schedule

	bookTime := time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC)
	_, err := f.engine.ScheduleReminder(context.Background(), schedule, bookTime)
	require.NoError(t, err)

	// The 07:30 trigger is due.
	now := time.Date(2026, 3, 3, 7, 31, 0, 0, time.UTC)
	stats, err := f.engine.RunChecker(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Sent)
	require.Len(t, f.dispatcher.batches, 1)

	// The fired row is sent and exactly one new link exists, pointing at
	// the 20:00 feeding, not back at 08:00.
	pending := f.ledger.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, time.Date(2026, 3, 3, 20, 0, 0, 0, time.UTC), pending[0].FeedingAt)
	assert.Equal(t, time.Date(2026, 3, 3, 19, 30, 0, 0, time.UTC), pending[0].ScheduledFor)
}

func TestRunChecker_TransientFailureRequeuesUpToCap(t *testing.T) {
	f := newEngineFixture()
	schedule := dailySchedule("sch-1")
	f.schedules.schedules["sch-1"] = schedule
	f.dispatcher.outcome = push.OutcomeTransient

	_, err := f.engine.ScheduleReminder(context.Background(), schedule, time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	now := time.Date(2026, 3, 3, 7, 31, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		stats, err := f.engine.RunChecker(context.Background(), now)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Requeued, "attempt %d should requeue", i+1)
		require.Len(t, f.ledger.pending(), 1)
	}

	// Third failure exhausts max_retries and the row goes terminal. No new
	// link is chained for a reminder that never went out.
	stats, err := f.engine.RunChecker(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Empty(t, f.ledger.pending())

	stats, err = f.engine.RunChecker(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Due)
}

func TestRunChecker_InactiveScheduleCancelsSilently(t *testing.T) {
	f := newEngineFixture()
	schedule := dailySchedule("sch-1")
	f.schedules.schedules["sch-1"] = schedule

	_, err := f.engine.ScheduleReminder(context.Background(), schedule, time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	schedule.IsActive = false
	stats, err := f.engine.RunChecker(context.Background(), time.Date(2026, 3, 3, 7, 31, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Cancelled)
	assert.Empty(t, f.dispatcher.batches)
	assert.Empty(t, f.ledger.pending())
}

func TestRunChecker_DeletedScheduleCancelsSilently(t *testing.T) {
	f := newEngineFixture()
	schedule := dailySchedule("sch-1")
	f.schedules.schedules["sch-1"] = schedule

	_, err := f.engine.ScheduleReminder(context.Background(), schedule, time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	delete(f.schedules.schedules, "sch-1")
	stats, err := f.engine.RunChecker(context.Background(), time.Date(2026, 3, 3, 7, 31, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Cancelled)
	assert.Empty(t, f.dispatcher.batches)
}

func TestRunChecker_PermanentFailureDeactivatesTokenAndFailsRow(t *testing.T) {
	// Every token came back dead, so retrying cannot succeed: the row goes
	// terminal immediately instead of consuming its retry budget.
	f := newEngineFixture()
	schedule := dailySchedule("sch-1")
	f.schedules.schedules["sch-1"] = schedule
	f.dispatcher.outcome = push.OutcomePermanent

	_, err := f.engine.ScheduleReminder(context.Background(), schedule, time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	stats, err := f.engine.RunChecker(context.Background(), time.Date(2026, 3, 3, 7, 31, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, []string{"ExponentPushToken[a]"}, f.registry.deactivated)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Requeued)
	assert.Empty(t, f.ledger.pending())
}

func TestRunChecker_RequeuedRowWaitsForNextTick(t *testing.T) {
	// A full first batch forces a re-list, and the re-list surfaces the
	// requeued rows again because they are still pending and due. One tick
	// must not give any row a second attempt.
	f := newEngineFixture()
	now := time.Date(2026, 3, 3, 7, 31, 0, 0, time.UTC)
	f.dispatcher.outcome = push.OutcomeTransient

	for i := 0; i < listBatchSize; i++ {
		id := fmt.Sprintf("sch-%03d", i)
		schedule := dailySchedule(id)
		f.schedules.schedules[id] = schedule
		_, err := f.ledger.InsertPendingFeedingReminder(context.Background(), &types.FeedingReminderRecord{
			ID:           fmt.Sprintf("fed_%03d", i),
			UserID:       "user-1",
			ScheduleID:   id,
			ScheduledFor: now.Add(-time.Duration(i) * time.Second),
			FeedingAt:    now.Add(30 * time.Minute),
			Status:       types.DispatchPending,
			MaxRetries:   3,
		})
		require.NoError(t, err)
	}
	// One row progresses out of pending, so the pass cannot stop on the
	// nothing-changed condition alone.
	f.schedules.schedules["sch-000"].IsActive = false

	stats, err := f.engine.RunChecker(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, listBatchSize, stats.Due)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, listBatchSize-1, stats.Requeued)
	for _, rec := range f.ledger.pending() {
		assert.Equal(t, 1, rec.RetryCount, "row %s retried within a single tick", rec.ID)
	}
}

func TestRunCatchUp_RecreatesBrokenChain(t *testing.T) {
	f := newEngineFixture()
	schedule := dailySchedule("sch-1")
	f.schedules.schedules["sch-1"] = schedule

	// No pending row exists: the chain broke when the post-send booking
	// failed on an earlier tick.
	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	booked, err := f.engine.RunCatchUp(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, booked)
	pending := f.ledger.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, time.Date(2026, 3, 3, 20, 0, 0, 0, time.UTC), pending[0].FeedingAt)
}

func TestRunCatchUp_IntactChainLeftAlone(t *testing.T) {
	f := newEngineFixture()
	schedule := dailySchedule("sch-1")
	f.schedules.schedules["sch-1"] = schedule

	now := time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC)
	_, err := f.engine.ScheduleReminder(context.Background(), schedule, now)
	require.NoError(t, err)

	booked, err := f.engine.RunCatchUp(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, booked)
	assert.Len(t, f.ledger.pending(), 1)
}
