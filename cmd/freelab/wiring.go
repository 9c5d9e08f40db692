package main

import (
	"context"
	"errors"
	"fmt"

	"freelab/internal/articulation"
	"freelab/internal/auth"
	"freelab/internal/config"
	"freelab/internal/freestep"
	"freelab/internal/journal"
	"freelab/internal/logging"
	"freelab/internal/metrics"
	"freelab/internal/perception"
	"freelab/internal/store"
	"freelab/internal/usage"
)

// runtime holds everything a command needs to run steps.
type runtime struct {
	store   *store.Store
	meter   *usage.Meter
	journal journal.Store
	metrics *metrics.Metrics
	engine  *freestep.Engine
}

func pricingOf(c *config.Config) usage.Pricing {
	return usage.Pricing{
		InputMicroUSDPerToken:  c.Pricing.InputMicroUSDPerToken,
		OutputMicroUSDPerToken: c.Pricing.OutputMicroUSDPerToken,
	}
}

// openStore opens the configured store for admin commands.
func openStore(ctx context.Context, c *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, c.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// buildRuntime wires store, meter, backend, journal and engine from c.
// members overrides the store's membership table when non-nil.
func buildRuntime(ctx context.Context, c *config.Config, members auth.MembershipChecker) (*runtime, error) {
	policy, err := articulation.ParseReferencePolicy(c.Engine.ReferencePolicy)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = st
	}

	backend, err := perception.NewBackend(ctx, c)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	j, err := journal.Open(ctx, c.Journal)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	m := metrics.New()
	meter := usage.NewMeter(st, st, pricingOf(c), c.Quota.DefaultCents)
	engine := freestep.New(backend, meter, members,
		freestep.WithJournal(j),
		freestep.WithMetrics(m),
		freestep.WithReferencePolicy(policy),
		freestep.WithHistoryWindow(c.Engine.HistoryWindow),
	)
	if err := m.WatchNormalizer(engine.Normalizer().Stats); err != nil {
		_ = j.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to export normalizer stats: %w", err)
	}

	logging.Boot("runtime ready: provider=%s storage=%s journal=%s policy=%s",
		c.LLM.Provider, c.Storage.Driver, c.Journal.Driver, policy)
	return &runtime{store: st, meter: meter, journal: j, metrics: m, engine: engine}, nil
}

func (r *runtime) Close() error {
	return errors.Join(r.journal.Close(), r.store.Close())
}

// applyReload pushes the hot-reloadable settings of c into a running meter.
func applyReload(meter *usage.Meter, c *config.Config) {
	meter.SetPricing(pricingOf(c))
	meter.SetDefaultQuotaCents(c.Quota.DefaultCents)
	logging.Boot("config reloaded: pricing=%.4f/%.4f default_quota_cents=%d",
		c.Pricing.InputMicroUSDPerToken, c.Pricing.OutputMicroUSDPerToken, c.Quota.DefaultCents)
}
