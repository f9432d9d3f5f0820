package generate

import (
	"context"
	"fmt"

	"github.com/vellum-app/vellum/internal/backoff"
)

// WaitReady probes the generation backend until it answers or the retry
// budget is exhausted. Used at serve startup so a transient network blip
// does not fail the whole session.
func WaitReady(ctx context.Context, gen Generator, config backoff.Config) error {
	err := backoff.Retry(ctx, config, func(ctx context.Context, attempt int) error {
		return gen.Ping(ctx)
	})
	if err != nil {
		return fmt.Errorf("generation backend not ready: %w", err)
	}
	return nil
}
