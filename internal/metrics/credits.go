package metrics

import (
	"context"

	"vibe/internal/generation"
	"vibe/internal/ledger"
)

type instrumentedCredits struct {
	next    generation.Credits
	metrics *Metrics
}

// InstrumentCredits counts every consume decision made through c.
func (m *Metrics) InstrumentCredits(c generation.Credits) generation.Credits {
	return &instrumentedCredits{next: c, metrics: m}
}

func (c *instrumentedCredits) Consume(ctx context.Context, identity string, tier ledger.Tier, cost int) (ledger.Decision, error) {
	d, err := c.next.Consume(ctx, identity, tier, cost)
	if err == nil {
		c.metrics.ObserveCredit(d.Allowed, string(d.DeniedBy))
	}
	return d, err
}
