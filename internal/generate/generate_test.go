package generate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vellum-app/vellum/internal/backoff"
)

// TestRequestValidate checks field-level request validation.
func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid prose", Request{Mode: ModeProse, UnitID: "ch01", Prompt: "write"}, false},
		{"valid critique", Request{Mode: ModeCritique, UnitID: "ch01", Prompt: "review"}, false},
		{"explicit token cap", Request{Mode: ModeProse, UnitID: "ch01", Prompt: "write", MaxTokens: int64(2048)}, false},
		{"missing mode", Request{UnitID: "ch01", Prompt: "write"}, true},
		{"bad mode", Request{Mode: "summarize", UnitID: "ch01", Prompt: "x"}, true},
		{"missing unit", Request{Mode: ModeProse, Prompt: "write"}, true},
		{"missing prompt", Request{Mode: ModeProse, UnitID: "ch01"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestCostUSD checks settled cost arithmetic against the published rates.
func TestCostUSD(t *testing.T) {
	// 1M input + 1M output on sonnet = 3.00 + 15.00
	got := CostUSD("claude-sonnet-4-20250514", 1_000_000, 1_000_000)
	if got != 18.00 {
		t.Errorf("CostUSD(sonnet, 1M, 1M) = %v, want 18.00", got)
	}

	if CostUSD("claude-haiku-3-5", 0, 0) != 0 {
		t.Error("zero tokens should cost zero")
	}
}

// TestCostUSDUnknownModel checks that unknown models price at the highest
// known rate rather than free.
func TestCostUSDUnknownModel(t *testing.T) {
	unknown := CostUSD("experimental-model", 1_000_000, 0)
	opus := CostUSD("claude-opus-4", 1_000_000, 0)
	if unknown != opus {
		t.Errorf("unknown model priced at %v, want opus rate %v", unknown, opus)
	}
}

// TestEstimateUSD checks the pre-call estimate scales with text volume and
// never comes out negative or zero for non-empty text.
func TestEstimateUSD(t *testing.T) {
	small := EstimateUSD("claude-sonnet-4-20250514", []string{strings.Repeat("a", 400)})
	large := EstimateUSD("claude-sonnet-4-20250514", []string{strings.Repeat("a", 40_000)})

	if small <= 0 {
		t.Errorf("estimate for non-empty text = %v, want > 0", small)
	}
	if large <= small {
		t.Errorf("larger text should cost more: small=%v large=%v", small, large)
	}

	if got := EstimateUSD("claude-sonnet-4-20250514", nil); got != 0 {
		t.Errorf("estimate for no text = %v, want 0", got)
	}
}

// stubGenerator is a Generator for tests that fails a fixed number of
// pings before succeeding.
type stubGenerator struct {
	failures int
	pings    int
}

func (s *stubGenerator) Generate(ctx context.Context, req *Request) (*Result, error) {
	return &Result{Text: "stub", Model: "stub"}, nil
}

func (s *stubGenerator) Ping(ctx context.Context) error {
	s.pings++
	if s.pings <= s.failures {
		return errors.New("not ready")
	}
	return nil
}

// TestWaitReadyRecovers checks that WaitReady retries through transient
// failures.
func TestWaitReadyRecovers(t *testing.T) {
	gen := &stubGenerator{failures: 2}
	config := backoff.Config{MaxAttempts: 5, Initial: 1, Cap: 1, Factor: 1, Jitter: 0}

	if err := WaitReady(context.Background(), gen, config); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if gen.pings != 3 {
		t.Errorf("pings = %d, want 3", gen.pings)
	}
}

// TestWaitReadyGivesUp checks that WaitReady surfaces a persistent failure.
func TestWaitReadyGivesUp(t *testing.T) {
	gen := &stubGenerator{failures: 100}
	config := backoff.Config{MaxAttempts: 3, Initial: 1, Cap: 1, Factor: 1, Jitter: 0}

	if err := WaitReady(context.Background(), gen, config); err == nil {
		t.Fatal("WaitReady() succeeded, want error")
	}
	if gen.pings != 3 {
		t.Errorf("pings = %d, want 3", gen.pings)
	}
}
