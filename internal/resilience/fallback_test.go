package resilience

import (
	"errors"
	"testing"
	"time"
)

// twoProviderGroup is a group with a primary and one fallback, both plain
// strings naming the provider the call landed on.
func twoProviderGroup(cfg CircuitBreakerConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("qwen-plus", "qwen-plus", cfg)
	fg.AddFallback("ollama", "ollama")
	return fg
}

func TestGroupPrefersPrimary(t *testing.T) {
	fg := twoProviderGroup(CircuitBreakerConfig{MaxFailures: 3})

	var landed string
	if err := fg.Execute(func(v string) error { landed = v; return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if landed != "qwen-plus" {
		t.Fatalf("call landed on %q, want the primary", landed)
	}
}

func TestGroupFailsOverPerCall(t *testing.T) {
	fg := twoProviderGroup(CircuitBreakerConfig{MaxFailures: 3})

	var landed string
	err := fg.Execute(func(v string) error {
		if v == "qwen-plus" {
			return errUpstream
		}
		landed = v
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if landed != "ollama" {
		t.Fatalf("call landed on %q, want the fallback", landed)
	}
}

func TestGroupAllProvidersFailing(t *testing.T) {
	fg := twoProviderGroup(CircuitBreakerConfig{MaxFailures: 3})

	err := fg.Execute(func(string) error { return errUpstream })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestGroupSkipsProviderWithOpenBreaker(t *testing.T) {
	fg := twoProviderGroup(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	// Trip the primary's breaker.
	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "qwen-plus" {
				return errUpstream
			}
			return nil
		})
	}

	// With the primary open, the call must go straight to the fallback. The
	// provided fn would succeed on either provider, so landing on the
	// fallback proves the primary was skipped.
	var landed string
	if err := fg.Execute(func(v string) error { landed = v; return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if landed != "ollama" {
		t.Fatalf("call landed on %q, want the fallback while the primary is open", landed)
	}
}

func TestExecuteWithResult(t *testing.T) {
	fg := NewFallbackGroup(1024, "embed-large", CircuitBreakerConfig{MaxFailures: 3})
	fg.AddFallback("embed-small", 512)

	dims, err := ExecuteWithResult(fg, func(v int) (int, error) { return v, nil })
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if dims != 1024 {
		t.Fatalf("result = %d, want the primary's 1024", dims)
	}

	dims, err = ExecuteWithResult(fg, func(v int) (int, error) {
		if v == 1024 {
			return 0, errUpstream
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult with failing primary: %v", err)
	}
	if dims != 512 {
		t.Fatalf("result = %d, want the fallback's 512", dims)
	}
}

func TestExecuteWithResultAllFail(t *testing.T) {
	fg := NewFallbackGroup(1024, "embed-large", CircuitBreakerConfig{MaxFailures: 3})

	if _, err := ExecuteWithResult(fg, func(int) (int, error) { return 0, errUpstream }); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
