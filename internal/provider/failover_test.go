package provider_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tgwilson/forensic-council-backend/internal/provider"
)

// discardLogger returns a *slog.Logger that silently drops all log output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okCall(payload provider.Payload, calls *int) provider.Call {
	return func(context.Context) (provider.Payload, error) {
		*calls++
		return payload, nil
	}
}

func failCall(err error, calls *int) provider.Call {
	return func(context.Context) (provider.Payload, error) {
		*calls++
		return nil, err
	}
}

func TestFailover_FirstStepWins_SecondNotCalled(t *testing.T) {
	var primaryCalls, secondaryCalls int

	result := provider.Failover(context.Background(), []provider.Step{
		{Provider: "primary", Call: okCall(provider.Payload{"executive_summary": "from primary"}, &primaryCalls)},
		{Provider: "secondary", Call: okCall(provider.Payload{"executive_summary": "from secondary"}, &secondaryCalls)},
	}, nil, discardLogger())

	if result.Provider != "primary" {
		t.Errorf("expected primary to win, got %q", result.Provider)
	}
	if result.Payload["executive_summary"] != "from primary" {
		t.Errorf("unexpected payload: %v", result.Payload)
	}
	if secondaryCalls != 0 {
		t.Errorf("secondary should not be called, got %d calls", secondaryCalls)
	}
	if len(result.Attempts) != 1 || result.Attempts[0].Err != "" {
		t.Errorf("expected single clean attempt, got %+v", result.Attempts)
	}
}

func TestFailover_FirstFails_SecondUsed(t *testing.T) {
	var primaryCalls, secondaryCalls int

	result := provider.Failover(context.Background(), []provider.Step{
		{Provider: "secondary", Call: failCall(errors.New("watsonx timeout"), &secondaryCalls)},
		{Provider: "primary", Call: okCall(provider.Payload{"ok": true}, &primaryCalls)},
	}, nil, discardLogger())

	if result.Provider != "primary" {
		t.Fatalf("expected primary to win, got %q", result.Provider)
	}
	if secondaryCalls != 1 || primaryCalls != 1 {
		t.Errorf("expected one call each, got secondary=%d primary=%d", secondaryCalls, primaryCalls)
	}
	if len(result.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(result.Attempts))
	}
	if result.Attempts[0].Err == "" {
		t.Error("first attempt should record the error")
	}
	if result.Attempts[1].Err != "" {
		t.Error("second attempt should be clean")
	}
}

func TestFailover_EmptyPayloadFailsValidation(t *testing.T) {
	var calls int

	result := provider.Failover(context.Background(), []provider.Step{
		{Provider: "primary", Call: okCall(provider.Payload{}, &calls)},
	}, nil, discardLogger())

	if result.Payload != nil {
		t.Errorf("empty payload should not pass validation, got %v", result.Payload)
	}
	if len(result.Attempts) != 1 || result.Attempts[0].Err == "" {
		t.Errorf("expected a failed attempt, got %+v", result.Attempts)
	}
}

func TestFailover_CustomValidate(t *testing.T) {
	requireSummary := func(p provider.Payload) error {
		if _, ok := p["executive_summary"]; !ok {
			return errors.New("missing executive_summary")
		}
		return nil
	}

	var firstCalls, secondCalls int
	result := provider.Failover(context.Background(), []provider.Step{
		{Provider: "secondary", Call: okCall(provider.Payload{"wrong_shape": 1}, &firstCalls)},
		{Provider: "primary", Call: okCall(provider.Payload{"executive_summary": "x"}, &secondCalls)},
	}, requireSummary, discardLogger())

	if result.Provider != "primary" {
		t.Errorf("expected shape-valid step to win, got %q", result.Provider)
	}
	if result.Attempts[0].Err == "" {
		t.Error("shape-invalid attempt should record an error")
	}
}

func TestFailover_AllFail_PayloadNilAttemptsComplete(t *testing.T) {
	var a, b int
	result := provider.Failover(context.Background(), []provider.Step{
		{Provider: "secondary", Call: failCall(errors.New("down"), &a)},
		{Provider: "primary", Call: failCall(errors.New("also down"), &b)},
	}, nil, discardLogger())

	if result.Payload != nil || result.Provider != "" {
		t.Errorf("expected no winner, got %+v", result)
	}
	if len(result.Attempts) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(result.Attempts))
	}
}

func TestFailover_NilCallSkipped(t *testing.T) {
	var calls int
	result := provider.Failover(context.Background(), []provider.Step{
		{Provider: "secondary", Call: nil},
		{Provider: "primary", Call: okCall(provider.Payload{"ok": true}, &calls)},
	}, nil, discardLogger())

	if result.Provider != "primary" {
		t.Errorf("nil step should be skipped, got %q", result.Provider)
	}
	if len(result.Attempts) != 1 {
		t.Errorf("nil step should not produce an attempt, got %+v", result.Attempts)
	}
}

func TestCompactError(t *testing.T) {
	if got := provider.CompactError(nil); got != "" {
		t.Errorf("nil error should compact to empty, got %q", got)
	}
	if got := provider.CompactError(errors.New("a\n  b\t c")); got != "a b c" {
		t.Errorf("whitespace should collapse, got %q", got)
	}
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	got := provider.CompactError(errors.New(string(long)))
	if len(got) != 260 {
		t.Errorf("long error should cap at 260 chars, got %d", len(got))
	}
}
