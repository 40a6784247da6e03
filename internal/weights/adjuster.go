package weights

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

// Store is the persistence surface the adjuster needs: the current published
// weight set, a way to publish a successor version, and the recent window of
// outcome samples joined with their scoring factors.
type Store interface {
	CurrentWeightSet(ctx context.Context) (types.WeightSet, error)
	PublishWeightSet(ctx context.Context, ws types.WeightSet) (types.WeightSet, error)
	RecentOutcomeSamples(ctx context.Context, limit int) ([]types.OutcomeSample, error)
}

// AdjusterConfig bounds the feedback loop.
type AdjusterConfig struct {
	Step       float64       `yaml:"step"`        // max nudge per factor per run
	MinSamples int           `yaml:"min_samples"` // don't adjust below this window size
	WindowSize int           `yaml:"window_size"` // samples examined per run
	Interval   time.Duration `yaml:"interval"`    // cadence of the background loop
}

// DefaultAdjusterConfig returns conservative loop settings.
func DefaultAdjusterConfig() AdjusterConfig {
	return AdjusterConfig{
		Step:       0.02,
		MinSamples: 20,
		WindowSize: 500,
		Interval:   time.Hour,
	}
}

// Adjuster periodically nudges the weight set toward factors correlated with
// successful orders. It is a slow feedback loop: it never runs inside route()
// and every published set preserves the sum-to-one invariant.
type Adjuster struct {
	store  Store
	config AdjusterConfig
	logger *logrus.Logger
}

// NewAdjuster creates a weight adjuster.
func NewAdjuster(store Store, config AdjusterConfig, logger *logrus.Logger) *Adjuster {
	if config.Step <= 0 {
		config.Step = 0.02
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 500
	}
	return &Adjuster{store: store, config: config, logger: logger}
}

// Run drives the adjuster on its configured cadence until the context ends.
func (a *Adjuster) Run(ctx context.Context) {
	interval := a.config.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, published, err := a.Adjust(ctx); err != nil {
				a.logger.WithError(err).Warn("Weight adjustment run failed")
			} else if !published {
				a.logger.Debug("Weight adjustment run made no change")
			}
		}
	}
}

// Adjust examines the recent outcome window and, if it contains enough signal,
// publishes a new weight set version. Returns the set in effect afterwards and
// whether a new version was published.
func (a *Adjuster) Adjust(ctx context.Context) (types.WeightSet, bool, error) {
	current, err := a.store.CurrentWeightSet(ctx)
	if err != nil {
		return types.WeightSet{}, false, fmt.Errorf("failed to load current weight set: %w", err)
	}

	samples, err := a.store.RecentOutcomeSamples(ctx, a.config.WindowSize)
	if err != nil {
		return current, false, fmt.Errorf("failed to load outcome samples: %w", err)
	}

	successes, failures := split(samples)
	if len(samples) < a.config.MinSamples || len(successes) == 0 || len(failures) == 0 {
		// Not enough separation to learn from yet.
		return current, false, nil
	}

	next := current
	for _, f := range types.AllFactors {
		// Separation: how much higher this factor scored on successful
		// orders than on failed ones, in [-1, 1].
		separation := mean(successes, f) - mean(failures, f)
		delta := clamp(a.config.Step*separation, -a.config.Step, a.config.Step)

		w := next.Weight(f) + delta
		if w < 0 {
			w = 0
		}
		next = next.WithWeight(f, w)
	}

	next = Normalize(next)
	next.Source = "adjuster"
	next.CreatedAt = time.Now()

	if err := Validate(next); err != nil {
		return current, false, fmt.Errorf("adjusted weight set invalid: %w", err)
	}

	published, err := a.store.PublishWeightSet(ctx, next)
	if err != nil {
		return current, false, fmt.Errorf("failed to publish weight set: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"version":   published.Version,
		"samples":   len(samples),
		"successes": len(successes),
		"failures":  len(failures),
	}).Info("Published adjusted weight set")

	return published, true, nil
}

func split(samples []types.OutcomeSample) (successes, failures []types.OutcomeSample) {
	for _, s := range samples {
		if s.WasSuccessful {
			successes = append(successes, s)
		} else {
			failures = append(failures, s)
		}
	}
	return successes, failures
}

func mean(samples []types.OutcomeSample, factor string) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s.Factors[factor]
	}
	return sum / float64(len(samples))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
