package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/careflowhq/careflow/internal/metrics"
	"github.com/careflowhq/careflow/types"
)

// RetryConfig tunes exponential backoff.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	// JitterFraction randomizes each delay by ±fraction to avoid
	// thundering herds. 0 disables jitter.
	JitterFraction float64 `yaml:"jitter_fraction" json:"jitter_fraction"`
}

// DefaultRetryConfig returns the default backoff tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// attemptBudget shrinks as severity grows. Catastrophic failures are
// never retried automatically.
func attemptBudget(s types.Severity) int {
	switch s {
	case types.SeverityTransient:
		return 5
	case types.SeverityPersistent:
		return 3
	case types.SeverityCritical:
		return 1
	default:
		return 0
	}
}

// Retryer runs operations with severity-aware retry budgets and
// exponential backoff.
type Retryer struct {
	config    RetryConfig
	collector *metrics.Collector
	logger    *zap.Logger
	rng       *rand.Rand
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewRetryer creates a retryer.
func NewRetryer(config RetryConfig, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{
		config: config,
		logger: logger.With(zap.String("component", "retryer")),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepCtx,
	}
}

// WithMetrics attaches a collector for retry counters.
func (r *Retryer) WithMetrics(c *metrics.Collector) *Retryer {
	r.collector = c
	return r
}

// Delay computes the backoff before the given zero-based attempt.
func (r *Retryer) Delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt))
	if max := float64(r.config.MaxDelay); d > max {
		d = max
	}
	if r.config.JitterFraction > 0 {
		spread := d * r.config.JitterFraction
		d = d - spread + r.rng.Float64()*2*spread
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds or the severity-derived attempt budget
// is spent. The budget is re-derived from each returned error, so an
// operation that degrades from transient to persistent loses attempts.
// Returns the last error wrapped as ErrRecoveryExhausted on failure.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if r.collector != nil && attempt > 0 {
				r.collector.RecordRecoveryAttempt("retry", "success")
			}
			return nil
		}
		lastErr = err

		severity := types.SeverityOf(err)
		budget := attemptBudget(severity)
		if attempt+1 >= budget {
			if r.collector != nil {
				r.collector.RecordRecoveryAttempt("retry", "exhausted")
			}
			return types.NewError(types.ErrRecoveryExhausted,
				"retry budget exhausted").
				WithCause(lastErr).
				WithSeverity(severity).
				WithCategory(types.CategoryOf(lastErr))
		}

		delay := r.Delay(attempt)
		r.logger.Debug("retrying after failure",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("severity", severity.String()),
			zap.Error(err))

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
