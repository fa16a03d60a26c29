package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Call is one provider invocation wrapped for the failover chain. The chain
// does not care which operation it is — draft, synthesis, or Q&A — only that
// it yields a payload or an error.
type Call func(ctx context.Context) (Payload, error)

// Step pairs a Call with the provider key it should be attributed to in the
// attempt log ("primary", "secondary", ...).
type Step struct {
	Provider string
	Call     Call
}

// Attempt records one try against one provider, successful or not. Latency is
// always populated; Err is empty on success.
type Attempt struct {
	Provider  string
	LatencyMS int64
	Err       string
}

// Result is the outcome of a failover run. Payload is nil when every step
// failed; Attempts always covers each step that was tried, in order.
type Result struct {
	Payload  Payload
	Provider string // provider key of the winning step; empty when none won
	Attempts []Attempt
}

// ValidatePayload is the shape check a candidate response must pass before
// the chain accepts it. The default check rejects nil and empty payloads.
type ValidatePayload func(Payload) error

// NonEmpty is the default response-shape validation: any non-empty object
// passes.
func NonEmpty(p Payload) error {
	if len(p) == 0 {
		return errors.New("empty payload")
	}
	return nil
}

// Failover tries each step in order and returns the first payload that
// passes validate. A nil validate uses NonEmpty. Failures are captured as
// attempt records, never propagated as a panic or partial result — callers
// inspect Result.Attempts to attribute errors per provider.
func Failover(ctx context.Context, steps []Step, validate ValidatePayload, logger *slog.Logger) Result {
	if validate == nil {
		validate = NonEmpty
	}

	var result Result
	for _, step := range steps {
		if step.Call == nil {
			continue
		}

		started := time.Now()
		payload, err := step.Call(ctx)
		latency := time.Since(started).Milliseconds()

		if err == nil {
			err = validate(payload)
		}
		if err != nil {
			result.Attempts = append(result.Attempts, Attempt{
				Provider:  step.Provider,
				LatencyMS: latency,
				Err:       CompactError(err),
			})
			if logger != nil {
				logger.Warn("provider: failover step failed",
					"provider", step.Provider,
					"latency_ms", latency,
					"error", err,
				)
			}
			continue
		}

		result.Attempts = append(result.Attempts, Attempt{Provider: step.Provider, LatencyMS: latency})
		result.Payload = payload
		result.Provider = step.Provider
		return result
	}

	return result
}
