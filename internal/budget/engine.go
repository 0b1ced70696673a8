// Package budget raises push alerts when a user's monthly pet spending
// crosses their configured threshold. At most one alert per severity is sent
// per calendar month, and a critical alert silences the month entirely.
package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"pawkeep/internal/push"
	"pawkeep/internal/reminders"
	"pawkeep/internal/types"
)

const (
	defaultThreshold = 0.8
	listBatchSize    = 100
)

// Store is the budget persistence slice the engine needs. StampAlertState
// must be conditional on the alert-state fields the caller last observed so
// concurrent runs cannot both claim the same alert.
type Store interface {
	GetActiveByUser(ctx context.Context, userID string) (*types.UserBudget, error)
	ListActive(ctx context.Context, cursor string, limit int) ([]*types.UserBudget, error)
	StampAlertState(ctx context.Context, budgetID string, observed *types.UserBudget, at time.Time, severity types.AlertSeverity, period string, percentage float64) (bool, error)
}

// Engine evaluates budgets against current-period spend and dispatches
// threshold alerts.
type Engine struct {
	budgets Store
	spend   types.SpendProvider
	devices types.DeviceRegistry
	prefs   types.PreferenceStore
	gateway reminders.Dispatcher
	logger  types.Logger
}

func NewEngine(
	budgets Store,
	spend types.SpendProvider,
	devices types.DeviceRegistry,
	prefs types.PreferenceStore,
	gateway reminders.Dispatcher,
	logger types.Logger,
) *Engine {
	return &Engine{
		budgets: budgets,
		spend:   spend,
		devices: devices,
		prefs:   prefs,
		gateway: gateway,
		logger:  logger,
	}
}

// Period formats the UTC calendar month an instant belongs to.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CheckAndAlert evaluates one budget at the given instant and dispatches an
// alert when warranted. Returns whether an alert went out.
func (e *Engine) CheckAndAlert(ctx context.Context, budget *types.UserBudget, now time.Time) (bool, error) {
	if !budget.IsActive || budget.Amount <= 0 {
		return false, nil
	}

	period := Period(now)
	spend, err := e.spend.MonthlySpend(ctx, budget.UserID, period)
	if err != nil {
		return false, fmt.Errorf("query monthly spend: %w", err)
	}
	percentage := spend / budget.Amount * 100

	threshold := budget.AlertThreshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	// An exceeded budget always alerts, even when the user set the warning
	// threshold above 100%.
	if percentage < threshold*100 && percentage < 100 {
		return false, nil
	}

	severity := types.SeverityWarning
	if percentage >= 100 {
		severity = types.SeverityCritical
	}
	if alertSuppressed(budget, period, severity) {
		return false, nil
	}

	prefs, err := e.prefs.Preferences(ctx, budget.UserID)
	if err != nil {
		return false, fmt.Errorf("load preferences: %w", err)
	}
	if !prefs.NotificationsEnabled {
		return false, nil
	}
	tokens, err := e.devices.ActiveTokens(ctx, budget.UserID)
	if err != nil {
		return false, fmt.Errorf("load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		return false, nil
	}

	// Re-read the alert state and re-check: two job runs may both have
	// passed the first dedup check. The stamp below is conditional on the
	// state observed here, so at most one run claims the alert.
	fresh, err := e.budgets.GetActiveByUser(ctx, budget.UserID)
	if err != nil {
		if types.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("re-read budget: %w", err)
	}
	if alertSuppressed(fresh, period, severity) {
		return false, nil
	}

	won, err := e.budgets.StampAlertState(ctx, budget.ID, fresh, now, severity, period, percentage)
	if err != nil {
		return false, fmt.Errorf("stamp alert state: %w", err)
	}
	if !won {
		// A concurrent run claimed this alert between the re-read and the
		// stamp. It owns the send.
		return false, nil
	}

	e.dispatch(ctx, budget, prefs, tokens, severity, percentage, spend)
	e.logger.Info("budget alert sent",
		"user_id", budget.UserID,
		"severity", severity,
		"period", period,
		"percentage", percentage)
	return true, nil
}

// CheckAll walks every active budget and evaluates it. Per-budget failures
// are logged and skipped; returns how many alerts went out.
func (e *Engine) CheckAll(ctx context.Context, now time.Time) (int, error) {
	sent := 0
	cursor := ""
	for {
		batch, err := e.budgets.ListActive(ctx, cursor, listBatchSize)
		if err != nil {
			return sent, fmt.Errorf("list active budgets: %w", err)
		}
		for _, budget := range batch {
			alerted, err := e.CheckAndAlert(ctx, budget, now)
			if err != nil {
				e.logger.Error("budget check failed",
					"budget_id", budget.ID, "user_id", budget.UserID, "error", err)
				continue
			}
			if alerted {
				sent++
			}
		}
		if len(batch) < listBatchSize {
			break
		}
		cursor = batch[len(batch)-1].ID
	}
	return sent, nil
}

// alertSuppressed applies the per-period dedup rules: within one period a
// critical alert silences everything, and a severity never repeats.
func alertSuppressed(budget *types.UserBudget, period string, severity types.AlertSeverity) bool {
	if budget.LastAlertPeriod != period {
		return false
	}
	if budget.LastAlertSeverity == types.SeverityCritical {
		return true
	}
	return budget.LastAlertSeverity == severity
}

func (e *Engine) dispatch(
	ctx context.Context,
	budget *types.UserBudget,
	prefs types.UserPreferences,
	tokens []types.DeviceToken,
	severity types.AlertSeverity,
	percentage, spend float64,
) {
	key := reminders.TemplBudgetWarning
	if severity == types.SeverityCritical {
		key = reminders.TemplBudgetCritical
	}
	title, body := reminders.Render(prefs.Language, key, map[string]string{
		"percent":  strconv.FormatFloat(percentage, 'f', 0, 64),
		"spent":    strconv.FormatFloat(spend, 'f', 2, 64),
		"budget":   strconv.FormatFloat(budget.Amount, 'f', 2, 64),
		"currency": budget.Currency,
	})

	messages := make([]push.Message, 0, len(tokens))
	for _, tok := range tokens {
		messages = append(messages, push.Message{
			Token: tok.Token,
			Title: title,
			Body:  body,
			Data: map[string]string{
				"type":     "budget_alert",
				"severity": string(severity),
			},
			Sound:     "default",
			Priority:  "high",
			ChannelID: "budget",
		})
	}

	results, err := e.gateway.Send(ctx, messages)
	if err != nil {
		// The alert state is already stamped, so this period's alert is
		// spent. Visibility is all that is left.
		e.logger.Error("budget alert dispatch failed", "user_id", budget.UserID, "error", err)
		return
	}
	for _, res := range results {
		if res.Outcome == push.OutcomePermanent {
			if derr := e.devices.Deactivate(ctx, res.Token, res.ErrorCode); derr != nil {
				e.logger.Error("token deactivation failed", "user_id", budget.UserID, "error", derr)
			}
		}
	}
}
