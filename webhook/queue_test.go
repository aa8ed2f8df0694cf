package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflowhq/careflow/resilience"
)

// scriptedPoster returns canned results per request and records bodies.
type scriptedPoster struct {
	mu      sync.Mutex
	results []error
	status  []int
	calls   int
	bodies  []string
	hosts   []string
}

func (p *scriptedPoster) Do(req *http.Request) (*http.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Body != nil {
		body, _ := io.ReadAll(req.Body)
		p.bodies = append(p.bodies, string(body))
	}
	p.hosts = append(p.hosts, req.URL.Host)

	i := p.calls
	p.calls++
	if i < len(p.results) && p.results[i] != nil {
		return nil, p.results[i]
	}
	status := http.StatusOK
	if i < len(p.status) && p.status[i] != 0 {
		status = p.status[i]
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func (p *scriptedPoster) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RatePerSecond = 10000
	cfg.Burst = 1000
	cfg.Backoff.InitialDelay = 0
	cfg.Backoff.JitterFraction = 0
	return cfg
}

func TestEnqueueValidatesEndpoint(t *testing.T) {
	q := NewQueue(fastConfig(), &scriptedPoster{}, nil, nil, nil)

	_, err := q.Enqueue("not-a-url", nil, nil, "test")
	assert.Error(t, err)
	_, err = q.Enqueue("ftp://example.com/hook", nil, nil, "test")
	assert.Error(t, err)

	id, err := q.Enqueue("https://example.com/hook", []byte(`{}`), nil, "test")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestDeliverySuccess(t *testing.T) {
	poster := &scriptedPoster{}
	q := NewQueue(fastConfig(), poster, nil, nil, nil)

	id, err := q.Enqueue("https://example.com/hook", []byte(`{"event":"done"}`), map[string]string{"X-Sig": "abc"}, "run completed")
	require.NoError(t, err)

	q.Drain(context.Background())

	job, ok := q.Job(id)
	require.True(t, ok)
	assert.Equal(t, StatusSent, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, []string{`{"event":"done"}`}, poster.bodies)
}

func TestDeliveryRetriesOnFailure(t *testing.T) {
	poster := &scriptedPoster{results: []error{errors.New("conn refused"), nil}}
	q := NewQueue(fastConfig(), poster, nil, nil, nil)

	id, err := q.Enqueue("https://example.com/hook", []byte(`{}`), nil, "test")
	require.NoError(t, err)

	q.Drain(context.Background())
	job, _ := q.Job(id)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NotEmpty(t, job.LastError)

	q.Drain(context.Background())
	job, _ = q.Job(id)
	assert.Equal(t, StatusSent, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestNon2xxCountsAsFailure(t *testing.T) {
	poster := &scriptedPoster{status: []int{http.StatusServiceUnavailable, http.StatusOK}}
	q := NewQueue(fastConfig(), poster, nil, nil, nil)

	id, _ := q.Enqueue("https://example.com/hook", []byte(`{}`), nil, "test")

	q.Drain(context.Background())
	job, _ := q.Job(id)
	assert.Equal(t, StatusPending, job.Status)
	assert.Contains(t, job.LastError, "503")

	q.Drain(context.Background())
	job, _ = q.Job(id)
	assert.Equal(t, StatusSent, job.Status)
}

func TestMaxAttemptsDeadLetters(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	poster := &scriptedPoster{results: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	dlq := resilience.NewDeadLetterQueue(resilience.NewMemoryDeadLetterStore(), nil, nil)
	q := NewQueue(cfg, poster, nil, dlq, nil)

	id, _ := q.Enqueue("https://example.com/hook", []byte(`{}`), nil, "test")

	for i := 0; i < 3; i++ {
		q.Drain(context.Background())
	}

	job, _ := q.Job(id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)

	depth, err := dlq.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// No further attempts once failed.
	q.Drain(context.Background())
	assert.Equal(t, 3, poster.callCount())
}

func TestOpenBreakerSkipsDeliveryWithoutBurningAttempts(t *testing.T) {
	bcfg := resilience.DefaultBreakerConfig()
	bcfg.FailureThreshold = 1
	bcfg.RecoveryTimeout = time.Hour
	breakers := resilience.NewBreakerRegistry(bcfg, nil, nil)

	poster := &scriptedPoster{results: []error{errors.New("down")}}
	q := NewQueue(fastConfig(), poster, breakers, nil, nil)

	id, _ := q.Enqueue("https://flaky.example.com/hook", []byte(`{}`), nil, "test")

	q.Drain(context.Background()) // fails, opens the host breaker
	job, _ := q.Job(id)
	require.Equal(t, 1, job.Attempts)

	// Force the job due again; the open breaker must block the attempt.
	q.mu.Lock()
	q.jobs[id].NextAttempt = time.Now().Add(-time.Second)
	q.mu.Unlock()

	q.Drain(context.Background())
	job, _ = q.Job(id)
	assert.Equal(t, 1, job.Attempts, "open circuit must not burn attempts")
	assert.Equal(t, 1, poster.callCount())
}

func TestBackoffSchedulesFutureAttempt(t *testing.T) {
	cfg := fastConfig()
	cfg.Backoff.InitialDelay = time.Minute
	cfg.Backoff.MaxDelay = 5 * time.Minute // keep the clamp above the delay under test
	poster := &scriptedPoster{results: []error{errors.New("down")}}
	q := NewQueue(cfg, poster, nil, nil, nil)

	id, _ := q.Enqueue("https://example.com/hook", []byte(`{}`), nil, "test")

	q.Drain(context.Background())
	job, _ := q.Job(id)
	assert.True(t, job.NextAttempt.After(time.Now().Add(30*time.Second)))

	// Not due yet: drain is a no-op.
	q.Drain(context.Background())
	assert.Equal(t, 1, poster.callCount())
}

func TestStartStopLoop(t *testing.T) {
	cfg := fastConfig()
	cfg.DrainInterval = 5 * time.Millisecond
	poster := &scriptedPoster{}
	q := NewQueue(cfg, poster, nil, nil, nil)

	id, _ := q.Enqueue("https://example.com/hook", []byte(`{}`), nil, "test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.Eventually(t, func() bool {
		job, _ := q.Job(id)
		return job.Status == StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	q.Stop()
}
