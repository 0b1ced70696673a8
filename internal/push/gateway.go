// Package push dispatches notification payloads to the delivery provider's
// batch HTTP API. The gateway owns batching, retry, and per-message outcome
// classification; it persists nothing. Callers own ledger bookkeeping and
// device-token deactivation.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"pawkeep/internal/types"
)

// MaxBatchSize is the provider's hard limit on messages per request.
const MaxBatchSize = 100

// maxAttempts is the total number of delivery attempts per batch, including
// the first one.
const maxAttempts = 3

// Gateway sends message batches to the push provider with circuit breaking
// and bounded retries.
type Gateway struct {
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[*http.Response]
	endpoint string
	apiKey   string
	logger   types.Logger
	metrics  DeliveryMetrics
	sleepFn  func(time.Duration) // for testability; defaults to time.Sleep
}

// GatewayOption is a functional option for configuring a Gateway.
type GatewayOption func(*Gateway)

// WithSleepFunc overrides the sleep function used between retry attempts.
// This is intended for testing to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) GatewayOption {
	return func(g *Gateway) {
		g.sleepFn = fn
	}
}

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) {
		g.client = c
	}
}

// WithMetrics attaches a delivery metrics emitter.
func WithMetrics(m DeliveryMetrics) GatewayOption {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// NewGateway creates a Gateway targeting the given provider endpoint.
func NewGateway(endpoint, apiKey string, logger types.Logger, opts ...GatewayOption) *Gateway {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "push-provider",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	g := &Gateway{
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  cb,
		endpoint: endpoint,
		apiKey:   apiKey,
		logger:   logger,
		metrics:  NoopMetrics{},
		sleepFn:  time.Sleep,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Send delivers the messages, splitting them into provider-sized batches.
// The returned slice holds one Result per input message, in input order.
// Batch-level failures (exhausted retries, malformed response) mark every
// message in that batch transient; one failed batch does not stop the rest.
func (g *Gateway) Send(ctx context.Context, messages []Message) ([]Result, error) {
	results := make([]Result, 0, len(messages))

	for start := 0; start < len(messages); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(messages) {
			end = len(messages)
		}
		batch := messages[start:end]

		batchResults, err := g.sendBatch(ctx, batch)
		if err != nil {
			// The whole batch failed. Mark every message transient with the
			// last error; other batches still get their chance.
			g.logger.Warn("push batch failed",
				"batch_size", len(batch),
				"error", err.Error(),
			)
			for _, m := range batch {
				results = append(results, Result{
					Token:        m.Token,
					Outcome:      OutcomeTransient,
					ErrorMessage: err.Error(),
				})
				g.metrics.RecordDelivery(ctx, OutcomeTransient)
			}
			continue
		}
		results = append(results, batchResults...)
	}

	return results, nil
}

// providerTicket is one entry of the provider's per-message response array.
type providerTicket struct {
	Status            string         `json:"status"`
	Message           string         `json:"message,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
}

type providerResponse struct {
	Data []providerTicket `json:"data"`
}

// sendBatch attempts a single batch up to maxAttempts times with exponential
// backoff (1s, 2s, 4s) on retryable failures.
func (g *Gateway) sendBatch(ctx context.Context, batch []Message) ([]Result, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal push batch", err)
	}

	started := time.Now()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			g.sleepFn(backoffDelay(attempt))
		}

		tickets, attemptErr := g.attempt(ctx, body)
		if attemptErr == nil {
			if len(tickets) != len(batch) {
				// The provider answered but the ticket count does not match
				// the batch. Treat as a hard failure rather than guessing a
				// per-message mapping.
				return nil, types.NewAppError(types.ErrCodeUpstreamPush,
					fmt.Sprintf("provider returned %d tickets for %d messages", len(tickets), len(batch)), nil)
			}
			g.metrics.RecordLatency(ctx, time.Since(started))
			return g.classify(ctx, batch, tickets), nil
		}

		lastErr = attemptErr
		if !isRetryable(attemptErr) {
			break
		}
	}

	return nil, lastErr
}

// attempt performs one provider HTTP call through the circuit breaker and
// parses the ticket array.
func (g *Gateway) attempt(ctx context.Context, body []byte) ([]providerTicket, error) {
	resp, err := g.breaker.Execute(func() (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		if g.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.apiKey)
		}

		r, doErr := g.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			r.Body.Close()
			return nil, &httpStatusError{status: r.StatusCode}
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.NewAppError(types.ErrCodeUpstreamPush,
				"circuit breaker is open; push provider unavailable", err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// 4xx other than 429: the request itself is bad, retrying will not
		// help.
		return nil, types.NewAppError(types.ErrCodeUpstreamPush,
			fmt.Sprintf("push provider rejected batch with status %d", resp.StatusCode), nil)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{err: err}
	}

	var parsed providerResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Data == nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamPush,
			"push provider returned a malformed response body", err)
	}
	return parsed.Data, nil
}

// classify maps provider tickets onto per-message results and emits an
// outcome metric per message.
func (g *Gateway) classify(ctx context.Context, batch []Message, tickets []providerTicket) []Result {
	results := make([]Result, len(batch))
	for i, t := range tickets {
		r := Result{Token: batch[i].Token}
		if t.Status == "ok" {
			r.Outcome = OutcomeDelivered
			r.ProviderMessageID = t.ProviderMessageID
		} else {
			r.ErrorMessage = t.Message
			r.ErrorCode = ticketErrorCode(t)
			if isPermanentProviderError(r.ErrorCode) {
				r.Outcome = OutcomePermanent
			} else {
				r.Outcome = OutcomeTransient
			}
		}
		g.metrics.RecordDelivery(ctx, r.Outcome)
		results[i] = r
	}
	return results
}

// ticketErrorCode extracts the provider error vocabulary entry from a ticket's
// details, if present.
func ticketErrorCode(t providerTicket) string {
	if t.Details == nil {
		return ""
	}
	if code, ok := t.Details["error"].(string); ok {
		return code
	}
	return ""
}

// backoffDelay returns the wait before the given retry attempt: 1s before
// the second attempt, 2s before the third, 4s before a hypothetical fourth.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Second
}

// httpStatusError marks a retryable HTTP-level failure (429/5xx).
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("push provider returned %d", e.status)
}

// transientError wraps a network-level failure worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// isRetryable reports whether a batch attempt failure is worth retrying:
// 429/5xx statuses, timeouts, and connection-level errors. Breaker-open,
// malformed-response, and 4xx rejections are not.
func isRetryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return true
	}
	var trans *transientError
	if errors.As(err, &trans) {
		return true
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Remaining plain errors come from client.Do: connection reset, DNS
	// failures, EOF. All are transient from the caller's point of view.
	return true
}
