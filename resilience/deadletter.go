package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/careflowhq/careflow/internal/metrics"
	"github.com/careflowhq/careflow/types"
)

// DeadLetterItem is a parked failure awaiting human review or redrive.
type DeadLetterItem struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	RunID         string         `json:"run_id"`
	NodeID        string         `json:"node_id,omitempty"`
	Reason        string         `json:"reason"`
	Severity      types.Severity `json:"severity"`
	Category      types.Category `json:"category"`
	SensitiveData bool           `json:"sensitive_data"`
	Priority      int            `json:"priority"`
	Attempts      int            `json:"attempts"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	Resolved      bool           `json:"resolved"`
	ResolvedBy    string         `json:"resolved_by,omitempty"`
	ResolvedAt    time.Time      `json:"resolved_at,omitzero"`
}

// priorityFor is additive: base 1, plus a sensitive-data weight, plus a
// severity weight. Higher means reviewed sooner.
func priorityFor(severity types.Severity, sensitive bool) int {
	p := 1
	if sensitive {
		p += 2
	}
	switch severity {
	case types.SeverityPersistent:
		p++
	case types.SeverityCritical:
		p += 2
	case types.SeverityCatastrophic:
		p += 3
	}
	return p
}

// DeadLetterStore persists parked failures.
type DeadLetterStore interface {
	Add(ctx context.Context, item *DeadLetterItem) error
	Get(ctx context.Context, id string) (*DeadLetterItem, error)
	Update(ctx context.Context, item *DeadLetterItem) error
	Remove(ctx context.Context, id string) error
	// ListUnresolved returns unresolved items, highest priority first,
	// ties broken by enqueue time.
	ListUnresolved(ctx context.Context) ([]*DeadLetterItem, error)
	Depth(ctx context.Context) (int, error)
}

// MemoryDeadLetterStore keeps items in memory.
type MemoryDeadLetterStore struct {
	mu    sync.RWMutex
	items map[string]*DeadLetterItem
}

// NewMemoryDeadLetterStore creates an empty store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{items: make(map[string]*DeadLetterItem)}
}

func (s *MemoryDeadLetterStore) Add(_ context.Context, item *DeadLetterItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryDeadLetterStore) Get(_ context.Context, id string) (*DeadLetterItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, types.NewError(types.ErrDeadLetterMissing, "dead letter not found: "+id).
			WithCategory(types.CategoryStorage)
	}
	cp := *item
	return &cp, nil
}

func (s *MemoryDeadLetterStore) Update(_ context.Context, item *DeadLetterItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return types.NewError(types.ErrDeadLetterMissing, "dead letter not found: "+item.ID).
			WithCategory(types.CategoryStorage)
	}
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryDeadLetterStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *MemoryDeadLetterStore) ListUnresolved(_ context.Context) ([]*DeadLetterItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DeadLetterItem
	for _, item := range s.items {
		if !item.Resolved {
			cp := *item
			out = append(out, &cp)
		}
	}
	sortByPriority(out)
	return out, nil
}

func (s *MemoryDeadLetterStore) Depth(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	depth := 0
	for _, item := range s.items {
		if !item.Resolved {
			depth++
		}
	}
	return depth, nil
}

func sortByPriority(items []*DeadLetterItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
}

// RedisDeadLetterStore keeps items as JSON strings plus a priority
// sorted set for sweeping.
type RedisDeadLetterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisDeadLetterStore wraps a redis client.
func NewRedisDeadLetterStore(client *redis.Client, prefix string) *RedisDeadLetterStore {
	if prefix == "" {
		prefix = "careflow"
	}
	return &RedisDeadLetterStore{client: client, prefix: prefix}
}

func (s *RedisDeadLetterStore) itemKey(id string) string {
	return fmt.Sprintf("%s:dlq:item:%s", s.prefix, id)
}

func (s *RedisDeadLetterStore) queueKey() string {
	return s.prefix + ":dlq:queue"
}

func (s *RedisDeadLetterStore) Add(ctx context.Context, item *DeadLetterItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.itemKey(item.ID), payload, 0)
	// Score blends priority with recency so equal priorities sweep
	// oldest first.
	score := float64(item.Priority)*1e12 - float64(item.EnqueuedAt.UnixNano())/1e6
	pipe.ZAdd(ctx, s.queueKey(), redis.Z{Score: score, Member: item.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("add dead letter", err)
	}
	return nil
}

func (s *RedisDeadLetterStore) Get(ctx context.Context, id string) (*DeadLetterItem, error) {
	payload, err := s.client.Get(ctx, s.itemKey(id)).Bytes()
	if err == redis.Nil {
		return nil, types.NewError(types.ErrDeadLetterMissing, "dead letter not found: "+id).
			WithCategory(types.CategoryStorage)
	}
	if err != nil {
		return nil, storeErr("read dead letter", err)
	}
	var item DeadLetterItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	return &item, nil
}

func (s *RedisDeadLetterStore) Update(ctx context.Context, item *DeadLetterItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.itemKey(item.ID), payload, 0)
	if item.Resolved {
		pipe.ZRem(ctx, s.queueKey(), item.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("update dead letter", err)
	}
	return nil
}

func (s *RedisDeadLetterStore) Remove(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.itemKey(id))
	pipe.ZRem(ctx, s.queueKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("remove dead letter", err)
	}
	return nil
}

func (s *RedisDeadLetterStore) ListUnresolved(ctx context.Context) ([]*DeadLetterItem, error) {
	ids, err := s.client.ZRevRange(ctx, s.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, storeErr("read dead letter queue", err)
	}
	out := make([]*DeadLetterItem, 0, len(ids))
	for _, id := range ids {
		item, err := s.Get(ctx, id)
		if err != nil {
			continue // index entry for a removed item
		}
		if !item.Resolved {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *RedisDeadLetterStore) Depth(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.queueKey()).Result()
	if err != nil {
		return 0, storeErr("read dead letter depth", err)
	}
	return int(n), nil
}

// DeadLetterQueue parks failures that exhausted recovery and feeds the
// human-review path.
type DeadLetterQueue struct {
	store     DeadLetterStore
	bus       *EventBus
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewDeadLetterQueue creates a queue over a store.
func NewDeadLetterQueue(store DeadLetterStore, bus *EventBus, logger *zap.Logger) *DeadLetterQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterQueue{
		store:  store,
		bus:    bus,
		logger: logger.With(zap.String("component", "dead_letter")),
	}
}

// WithMetrics attaches a collector for the queue depth gauge.
func (q *DeadLetterQueue) WithMetrics(c *metrics.Collector) *DeadLetterQueue {
	q.collector = c
	return q
}

// Enqueue parks a failure and announces it on the bus.
func (q *DeadLetterQueue) Enqueue(ctx context.Context, f *Failure) (*DeadLetterItem, error) {
	severity := types.SeverityOf(f.Err)
	sensitive := types.InvolvesSensitiveData(f.Err)
	item := &DeadLetterItem{
		ID:            "dl-" + uuid.NewString(),
		WorkflowID:    f.WorkflowID,
		RunID:         f.RunID,
		NodeID:        f.NodeID,
		Reason:        f.Err.Error(),
		Severity:      severity,
		Category:      types.CategoryOf(f.Err),
		SensitiveData: sensitive,
		Priority:      priorityFor(severity, sensitive),
		Attempts:      f.Attempts,
		EnqueuedAt:    time.Now(),
	}
	if err := q.store.Add(ctx, item); err != nil {
		return nil, err
	}
	q.refreshDepth(ctx)

	q.logger.Warn("failure parked in dead letter queue",
		zap.String("item_id", item.ID),
		zap.String("run_id", item.RunID),
		zap.Int("priority", item.Priority),
		zap.String("severity", severity.String()))

	if q.bus != nil {
		q.bus.Publish(Event{
			Type:       EventDeadLetterQueued,
			WorkflowID: item.WorkflowID,
			RunID:      item.RunID,
			NodeID:     item.NodeID,
			Payload: map[string]any{
				"item_id":  item.ID,
				"priority": item.Priority,
				"severity": severity.String(),
			},
		})
	}
	return item, nil
}

// Sweep drains up to max of the highest-priority unresolved items to
// the review path, emitting a manual-intervention event per item.
func (q *DeadLetterQueue) Sweep(ctx context.Context, max int) ([]*DeadLetterItem, error) {
	items, err := q.store.ListUnresolved(ctx)
	if err != nil {
		return nil, err
	}
	if max > 0 && len(items) > max {
		items = items[:max]
	}
	for _, item := range items {
		if q.bus != nil {
			q.bus.Publish(Event{
				Type:       EventManualInterventionRequired,
				WorkflowID: item.WorkflowID,
				RunID:      item.RunID,
				NodeID:     item.NodeID,
				Payload:    map[string]any{"item_id": item.ID, "priority": item.Priority},
			})
		}
	}
	return items, nil
}

// Resolve marks an item reviewed and closed.
func (q *DeadLetterQueue) Resolve(ctx context.Context, id, resolvedBy string) error {
	item, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	item.Resolved = true
	item.ResolvedBy = resolvedBy
	item.ResolvedAt = time.Now()
	if err := q.store.Update(ctx, item); err != nil {
		return err
	}
	q.refreshDepth(ctx)
	return nil
}

// Redrive removes an item from the queue and hands it back for
// re-execution.
func (q *DeadLetterQueue) Redrive(ctx context.Context, id string) (*DeadLetterItem, error) {
	item, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := q.store.Remove(ctx, id); err != nil {
		return nil, err
	}
	q.refreshDepth(ctx)
	return item, nil
}

// Depth returns the number of unresolved items.
func (q *DeadLetterQueue) Depth(ctx context.Context) (int, error) {
	return q.store.Depth(ctx)
}

func (q *DeadLetterQueue) refreshDepth(ctx context.Context) {
	if q.collector == nil {
		return
	}
	if depth, err := q.store.Depth(ctx); err == nil {
		q.collector.SetDeadLetterDepth(depth)
	}
}
