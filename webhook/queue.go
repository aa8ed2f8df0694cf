// Package webhook delivers outbound notifications with retry, rate
// limiting and per-host circuit breaking.
//
// Failed deliveries back off with the same formula the resilience
// layer uses for step retries; deliveries that exhaust their attempt
// budget land in the dead-letter queue for review.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/careflowhq/careflow/internal/metrics"
	"github.com/careflowhq/careflow/resilience"
	"github.com/careflowhq/careflow/types"
)

// JobStatus is the delivery lifecycle state.
type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusSent    JobStatus = "sent"
	StatusFailed  JobStatus = "failed"
)

// Job is one webhook delivery.
type Job struct {
	ID          string            `json:"id"`
	Endpoint    string            `json:"endpoint"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	Cause       string            `json:"cause,omitempty"`
	Status      JobStatus         `json:"status"`
	Attempts    int               `json:"attempts"`
	NextAttempt time.Time         `json:"next_attempt"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Poster is the outbound HTTP boundary; *http.Client satisfies it.
type Poster interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes the queue.
type Config struct {
	// MaxAttempts bounds deliveries per job before it fails for good.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// RatePerSecond throttles outbound requests across all hosts.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// Burst is the limiter's burst allowance.
	Burst int `yaml:"burst" json:"burst"`
	// DrainInterval is how often the background loop scans for due jobs.
	DrainInterval time.Duration `yaml:"drain_interval" json:"drain_interval"`
	// Backoff is the shared retry delay formula.
	Backoff resilience.RetryConfig `yaml:"backoff" json:"backoff"`
}

// DefaultConfig returns the default queue tuning.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		RatePerSecond: 10,
		Burst:         5,
		DrainInterval: time.Second,
		Backoff:       resilience.DefaultRetryConfig(),
	}
}

// Queue retries webhook deliveries until they succeed or exhaust their
// attempt budget.
type Queue struct {
	config    Config
	poster    Poster
	limiter   *rate.Limiter
	breakers  *resilience.BreakerRegistry
	backoff   *resilience.Retryer
	deadLetts *resilience.DeadLetterQueue
	collector *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewQueue creates a webhook queue. breakers and deadLetters may be
// nil, disabling per-host breaking and dead-lettering respectively.
func NewQueue(config Config, poster Poster, breakers *resilience.BreakerRegistry, deadLetters *resilience.DeadLetterQueue, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = DefaultConfig().RatePerSecond
	}
	if config.Burst <= 0 {
		config.Burst = DefaultConfig().Burst
	}
	return &Queue{
		config:    config,
		poster:    poster,
		limiter:   rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		breakers:  breakers,
		backoff:   resilience.NewRetryer(config.Backoff, logger),
		deadLetts: deadLetters,
		logger:    logger.With(zap.String("component", "webhook")),
		now:       time.Now,
		jobs:      make(map[string]*Job),
		stopCh:    make(chan struct{}),
	}
}

// WithMetrics attaches a collector for delivery counters.
func (q *Queue) WithMetrics(c *metrics.Collector) *Queue {
	q.collector = c
	return q
}

// Enqueue registers a delivery and returns its job ID. The endpoint
// must be an absolute http(s) URL.
func (q *Queue) Enqueue(endpoint string, payload []byte, headers map[string]string, cause string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", types.NewError(types.ErrInternal, "invalid webhook endpoint: "+endpoint).
			WithCategory(types.CategoryValidation)
	}

	job := &Job{
		ID:          "wh-" + uuid.NewString(),
		Endpoint:    endpoint,
		Payload:     append([]byte(nil), payload...),
		Headers:     headers,
		Cause:       cause,
		Status:      StatusPending,
		NextAttempt: q.now(),
		CreatedAt:   q.now(),
	}
	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	q.logger.Debug("webhook enqueued",
		zap.String("job_id", job.ID),
		zap.String("endpoint", endpoint))
	return job.ID, nil
}

// Job returns a snapshot of one job.
func (q *Queue) Job(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// Start launches the background drain loop.
func (q *Queue) Start(ctx context.Context) {
	interval := q.config.DrainInterval
	if interval <= 0 {
		interval = time.Second
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.Drain(ctx)
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the drain loop and waits for it to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// Drain attempts every due pending job once. Exposed so callers (and
// tests) can pump the queue without the background loop.
func (q *Queue) Drain(ctx context.Context) {
	now := q.now()

	q.mu.Lock()
	var due []*Job
	for _, job := range q.jobs {
		if job.Status == StatusPending && !job.NextAttempt.After(now) {
			due = append(due, job)
		}
	}
	q.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })

	for _, job := range due {
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}
		q.deliver(ctx, job)
	}
}

func (q *Queue) deliver(ctx context.Context, job *Job) {
	host := hostOf(job.Endpoint)

	var breaker *resilience.CircuitBreaker
	if q.breakers != nil {
		breaker = q.breakers.GetOrCreate(host)
		if err := breaker.AllowRequest(); err != nil {
			// Circuit open: push the job out without burning an attempt.
			q.mu.Lock()
			job.NextAttempt = q.now().Add(q.backoff.Delay(job.Attempts))
			q.mu.Unlock()
			return
		}
	}

	err := q.post(ctx, job)

	q.mu.Lock()
	defer q.mu.Unlock()
	job.Attempts++

	if err == nil {
		job.Status = StatusSent
		job.LastError = ""
		if breaker != nil {
			breaker.RecordSuccess()
		}
		q.recordAttempt(host, "sent")
		q.logger.Info("webhook delivered",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts))
		return
	}

	job.LastError = err.Error()
	if breaker != nil {
		breaker.RecordFailure()
	}

	if job.Attempts >= q.config.MaxAttempts {
		job.Status = StatusFailed
		q.recordAttempt(host, "failed")
		q.logger.Warn("webhook failed permanently",
			zap.String("job_id", job.ID),
			zap.String("endpoint", job.Endpoint),
			zap.Int("attempts", job.Attempts),
			zap.Error(err))
		if q.deadLetts != nil {
			_, dlErr := q.deadLetts.Enqueue(ctx, &resilience.Failure{
				Err: types.NewError(types.ErrStepFailed,
					fmt.Sprintf("webhook to %s failed after %d attempts", job.Endpoint, job.Attempts)).
					WithCause(err).
					WithSeverity(types.SeverityPersistent).
					WithCategory(types.CategoryExternalService),
				NodeID:   job.ID,
				Attempts: job.Attempts,
			})
			if dlErr != nil {
				q.logger.Error("failed to dead-letter webhook", zap.Error(dlErr))
			}
		}
		return
	}

	job.NextAttempt = q.now().Add(q.backoff.Delay(job.Attempts - 1))
	q.recordAttempt(host, "retried")
	q.logger.Debug("webhook attempt failed, scheduled retry",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Time("next_attempt", job.NextAttempt),
		zap.Error(err))
}

func (q *Queue) post(ctx context.Context, job *Job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Endpoint, bytes.NewReader(job.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}

	resp, err := q.poster.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (q *Queue) recordAttempt(host, outcome string) {
	if q.collector != nil {
		q.collector.RecordWebhookAttempt(host, outcome)
	}
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return u.Host
}
