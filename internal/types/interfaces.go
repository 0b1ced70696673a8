package types

import (
	"context"
	"time"
)

// Logger defines the structured logging interface used throughout the
// engine. Implemented by a slog adapter at the binaries and by test fakes.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// DeviceRegistry resolves a user's active push targets and deactivates
// tokens the provider reports as permanently invalid.
type DeviceRegistry interface {
	// ActiveTokens returns all active device tokens for the user. An empty
	// result is not an error; callers treat it as "nothing to schedule".
	ActiveTokens(ctx context.Context, userID string) ([]DeviceToken, error)

	// Deactivate marks a token inactive with the given reason. Called when
	// the push provider classifies a delivery failure as permanent.
	Deactivate(ctx context.Context, token string, reason string) error
}

// PreferenceStore resolves per-user notification settings.
type PreferenceStore interface {
	// Preferences returns the user's settings, or sensible defaults (UTC,
	// "en", notifications enabled) when the user has never saved any.
	Preferences(ctx context.Context, userID string) (UserPreferences, error)
}

// PetDirectory resolves pet names and active flags for notification text.
type PetDirectory interface {
	// Pet returns the pet, or nil if it no longer exists.
	Pet(ctx context.Context, petID string) (*Pet, error)
}

// SpendProvider supplies the current-period expense total in the user's
// base currency. The aggregation itself (currency conversion, expense CRUD)
// is an external collaborator.
type SpendProvider interface {
	// MonthlySpend returns the total spend for the "YYYY-MM" period.
	MonthlySpend(ctx context.Context, userID string, period string) (float64, error)
}
