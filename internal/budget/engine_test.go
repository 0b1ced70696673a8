package budget

import (
	"context"
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

type fakeBudgetStore struct {
	budgets map[string]*types.UserBudget // by user ID
	// forceStampLoss simulates a concurrent run winning the conditional
	// stamp between this run's re-read and its own stamp.
	forceStampLoss bool
}

func (f *fakeBudgetStore) GetActiveByUser(_ context.Context, userID string) (*types.UserBudget, error) {
	b, ok := f.budgets[userID]
	if !ok || !b.IsActive {
		return nil, types.NewAppError(types.ErrCodeNotFoundBudget, "no active budget", nil)
	}
	clone := *b
	return &clone, nil
}

func (f *fakeBudgetStore) ListActive(_ context.Context, cursor string, limit int) ([]*types.UserBudget, error) {
	var out []*types.UserBudget
	for _, b := range f.budgets {
		if !b.IsActive {
			continue
		}
		if cursor != "" && b.ID <= cursor {
			continue
		}
		clone := *b
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeBudgetStore) StampAlertState(_ context.Context, budgetID string, observed *types.UserBudget, at time.Time, severity types.AlertSeverity, period string, percentage float64) (bool, error) {
	if f.forceStampLoss {
		return false, nil
	}
	for _, b := range f.budgets {
		if b.ID != budgetID {
			continue
		}
		if b.LastAlertPeriod != observed.LastAlertPeriod || b.LastAlertSeverity != observed.LastAlertSeverity {
			return false, nil
		}
		b.LastAlertAt = &at
		b.LastAlertSeverity = severity
		b.LastAlertPeriod = period
		b.LastAlertPercentage = percentage
		return true, nil
	}
	return false, nil
}

type fakeSpend struct {
	amounts map[string]float64 // by user ID
}

func (f *fakeSpend) MonthlySpend(_ context.Context, userID, period string) (float64, error) {
	return f.amounts[userID], nil
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

type fakePrefs struct {
	disabled bool
}

func (f *fakePrefs) Preferences(_ context.Context, userID string) (types.UserPreferences, error) {
	return types.UserPreferences{
		UserID:               userID,
		Timezone:             "UTC",
		Language:             types.DefaultLanguage,
		NotificationsEnabled: !f.disabled,
	}, nil
}

type fakeDispatcher struct {
	batches [][]push.Message
}

func (f *fakeDispatcher) Send(_ context.Context, messages []push.Message) ([]push.Result, error) {
	f.batches = append(f.batches, messages)
	results := make([]push.Result, 0, len(messages))
	for _, m := range messages {
		results = append(results, push.Result{
			Token:             m.Token,
			Outcome:           push.OutcomeDelivered,
			ProviderMessageID: "provider-1",
		})
	}
	return results, nil
}

type budgetFixture struct {
	engine     *Engine
	store      *fakeBudgetStore
	spend      *fakeSpend
	registry   *fakeRegistry
	prefs      *fakePrefs
	dispatcher *fakeDispatcher
}

func newBudgetFixture() *budgetFixture {
	f := &budgetFixture{
		store: &fakeBudgetStore{budgets: map[string]*types.UserBudget{}},
		spend: &fakeSpend{amounts: map[string]float64{}},
		registry: &fakeRegistry{tokens: map[string][]types.DeviceToken{
			"user-1": {{ID: "dvt_1", UserID: "user-1", Token: "ExponentPushToken[a]", IsActive: true}},
		}},
		prefs:      &fakePrefs{},
		dispatcher: &fakeDispatcher{},
	}
	f.engine = NewEngine(f.store, f.spend, f.registry, f.prefs, f.dispatcher, nopLogger{})
	return f
}

func activeBudget() *types.UserBudget {
	return &types.UserBudget{
		ID:             "bud_1",
		UserID:         "user-1",
		Amount:         1000,
		Currency:       "TRY",
		AlertThreshold: 0.8,
		IsActive:       true,
	}
}

var checkTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestCheckAndAlert_BelowThresholdIsQuiet(t *testing.T) {
	f := newBudgetFixture()
	budget := activeBudget()
	f.store.budgets["user-1"] = budget
	f.spend.amounts["user-1"] = 600 // 60%

	alerted, err := f.engine.CheckAndAlert(context.Background(), budget, checkTime)
	require.NoError(t, err)
	assert.False(t, alerted)
	assert.Empty(t, f.dispatcher.batches)
	assert.Empty(t, budget.LastAlertPeriod)
}

func TestCheckAndAlert_WarningAtThreshold(t *testing.T) {
	f := newBudgetFixture()
	budget := activeBudget()
	f.store.budgets["user-1"] = budget
	f.spend.amounts["user-1"] = 850 // 85%

	alerted, err := f.engine.CheckAndAlert(context.Background(), budget, checkTime)
	require.NoError(t, err)
	assert.True(t, alerted)

	stored := f.store.budgets["user-1"]
	assert.Equal(t, types.SeverityWarning, stored.LastAlertSeverity)
	assert.Equal(t, "2026-03", stored.LastAlertPeriod)
	assert.InDelta(t, 85, stored.LastAlertPercentage, 0.01)

	require.Len(t, f.dispatcher.batches, 1)
	msg := f.dispatcher.batches[0][0]
	assert.Contains(t, msg.Body, "85%")
	assert.Contains(t, msg.Body, "TRY")
	assert.Equal(t, "budget_alert", msg.Data["type"])
}

func TestCheckAndAlert_CriticalAtHundredPercent(t *testing.T) {
	f := newBudgetFixture()
	budget := activeBudget()
	f.store.budgets["user-1"] = budget
	f.spend.amounts["user-1"] = 1500 // 150%

	alerted, err := f.engine.CheckAndAlert(context.Background(), budget, checkTime)
	require.NoError(t, err)
	assert.True(t, alerted)
	assert.Equal(t, types.SeverityCritical, f.store.budgets["user-1"].LastAlertSeverity)
}

func TestCheckAndAlert_ThresholdAboveHundredCannotSilenceOverrun(t *testing.T) {
	// A user-set warning threshold above 1.0 must not suppress the critical
	// alert once the budget itself is exceeded.
	f := newBudgetFixture()
	budget := activeBudget()
	budget.AlertThreshold = 1.2
	f.store.budgets["user-1"] = budget
	f.spend.amounts["user-1"] = 1100 // 110%, under the 120% warning line

	alerted, err := f.engine.CheckAndAlert(context.Background(), budget, checkTime)
	require.NoError(t, err)
	assert.True(t, alerted)
	assert.Equal(t, types.SeverityCritical, f.store.budgets["user-1"].LastAlertSeverity)
}

func TestCheckAndAlert_SameSeveritySamePeriodSkipped(t *testing.T) {
	f := newBudgetFixture()
	budget := activeBudget()
	f.store.budgets["user-1"] = budget
	f.spend.amounts["user-1"] = 850

	alerted, err := f.engine.CheckAndAlert(context.Background(), budget, checkTime)
	require.NoError(t, err)
	require.True(t, alerted)

	// Next hourly run, same period, still warning territory.
	fresh, err := f.store.GetActiveByUser(context.Background(), "user-1")
	require.NoError(t, err)
	alerted, err = f.engine.CheckAndAlert(context.Background(), fresh, checkTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, alerted)
	assert.Len(t, f.dispatcher.batches, 1)
}

func TestCheckAndAlert_WarningEscalatesToCritical(t *testing.T) {
	f := newBudgetFixture()
	budget := activeBudget()
	f.store.budgets["user-1"] = budget
	f.spend.amounts["user-1"] = 850

	_, err := f.engine.CheckAndAlert(context.Background(), budget, checkTime)
	require.NoError(t, err)

	f.spend.amounts["user-1"] = 1100
	fresh, err := f.store.GetActiveByUser(context.Background(), "user-1")
	require.NoError(t, err)
	alerted, err := f.engine.CheckAndAlert(context.Background(), fresh, checkTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, alerted)
	assert.Equal(t, types.SeverityCritical, f.store.budgets["user-1"].LastAlertSeverity)
	assert.Len(t, f.dispatcher.batches, 2)
}

func TestCheckAndAlert_CriticalSuppressesRestOfPeriod(t *testing.T) {
	f := newBudgetFixture()
	budget := activeBudget()
	f.store.budgets["user-1"] = budget
	f.spend.amounts["user-1"] = 1500

	_, err := f.engine.CheckAndAlert(context.Background(), budget, checkTime)
	require.NoError(t, err)
	require.Len(t, f.dispatcher.batches, 1)

	// Spend dropping back to warning territory after a critical alert must
	// stay silent for the rest of the month.
	for _, spend := range []float64{600, 850, 1500} {
		f.spend.amounts["user-1"] = spend
		fresh, err := f.store.GetActiveByUser(context.Background(), "user-1")
		require.NoError(t, err)
		alerted, err := f.engine.CheckAndAlert(context.Background(), fresh, checkTime.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, alerted, "spend %.0f must stay suppressed", spend)
	}
	assert.Len(t, f.dispatcher.batches, 1)
}

func TestCheckAndAlert_NewPeriodResetsDedup(t *testing.T) {
	f := newBudgetFixture()
	budget := activeBudget()
	f.store.budgets["user-1"] = budget
	f.spend.amounts["user-1"] = 1500

	_, err := f.engine.CheckAndAlert(context.Background(), budget, checkTime)
	require.NoError(t, err)

	nextMonth := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	fresh, err := f.store.GetActiveByUser(context.Background(), "user-1")
	require.NoError(t, err)
	alerted, err := f.engine.CheckAndAlert(context.Background(), fresh, nextMonth)
	require.NoError(t, err)
	assert.True(t, alerted)
	assert.Equal(t, "2026-04", f.store.budgets["user-1"].LastAlertPeriod)
}

func TestCheckAndAlert_LostStampRaceDoesNotSend(t *testing.T) {
	f := newBudgetFixture()
	budget := activeBudget()
	f.store.budgets["user-1"] = budget
	f.spend.amounts["user-1"] = 850
	f.store.forceStampLoss = true

	alerted, err := f.engine.CheckAndAlert(context.Background(), budget, checkTime)
	require.NoError(t, err)
	assert.False(t, alerted)
	assert.Empty(t, f.dispatcher.batches)
}

func TestCheckAndAlert_NoTokensDoesNotBurnTheAlert(t *testing.T) {
	f := newBudgetFixture()
	budget := activeBudget()
	f.store.budgets["user-1"] = budget
	f.spend.amounts["user-1"] = 850
	f.registry.tokens = map[string][]types.DeviceToken{}

	alerted, err := f.engine.CheckAndAlert(context.Background(), budget, checkTime)
	require.NoError(t, err)
	assert.False(t, alerted)
	// The state stays unstamped so the alert fires once a device appears.
	assert.Empty(t, f.store.budgets["user-1"].LastAlertPeriod)
}

func TestCheckAndAlert_NotificationsDisabledSkips(t *testing.T) {
	f := newBudgetFixture()
	budget := activeBudget()
	f.store.budgets["user-1"] = budget
	f.spend.amounts["user-1"] = 850
	f.prefs.disabled = true

	alerted, err := f.engine.CheckAndAlert(context.Background(), budget, checkTime)
	require.NoError(t, err)
	assert.False(t, alerted)
}

func TestCheckAll_WalksActiveBudgets(t *testing.T) {
	f := newBudgetFixture()
	f.store.budgets["user-1"] = activeBudget()
	other := activeBudget()
	other.ID = "bud_2"
	other.UserID = "user-2"
	f.store.budgets["user-2"] = other
	f.registry.tokens["user-2"] = []types.DeviceToken{
		{ID: "dvt_2", UserID: "user-2", Token: "ExponentPushToken[b]", IsActive: true},
	}
	f.spend.amounts["user-1"] = 850
	f.spend.amounts["user-2"] = 100

	sent, err := f.engine.CheckAll(context.Background(), checkTime)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}
