// Package generate is the boundary to the language-model backend that
// produces prose and critique text.
//
// The persistence engine treats generation as an opaque cost-and-text
// producing function: a Result arrives with its actual cost already known,
// and the engine only reserves, commits, or releases that cost against the
// budget ledger. Nothing in this package touches project files.
package generate

import (
	"context"
	"fmt"
	"strings"
)

// Mode selects what the backend is asked to produce.
type Mode string

const (
	// ModeProse asks for revised or continued prose.
	ModeProse Mode = "prose"
	// ModeCritique asks for editorial critique of existing prose.
	ModeCritique Mode = "critique"
)

// Request is one generation call. MaxTokens is optional; when zero the
// backend's configured cap applies.
type Request struct {
	Mode      Mode
	UnitID    string
	Prompt    string
	MaxTokens int64
}

// Validate checks the request fields.
func (r *Request) Validate() error {
	if r.Mode != ModeProse && r.Mode != ModeCritique {
		return fmt.Errorf("unknown generation mode %q", r.Mode)
	}
	if r.UnitID == "" {
		return fmt.Errorf("unit id is required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

// Result is the backend's output plus its settled cost.
type Result struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Generator produces text for a price. Implementations must be safe for
// concurrent use.
type Generator interface {
	// Generate performs one call. The returned Result carries the actual
	// cost for the budget commit.
	Generate(ctx context.Context, req *Request) (*Result, error)

	// Ping checks that the backend is reachable and credentialed.
	Ping(ctx context.Context) error
}
