// Package queue implements a Redis-backed delay queue with immediate
// dispatch, fixed delay, and fixed-interval repetition. Each enqueued
// item is delivered to exactly one handler invocation; two different
// items, including two fires of the same repeating submission, may run
// in parallel.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Handler processes one dequeued item.
type Handler func(ctx context.Context, payload map[string]interface{}) error

// Options controls how a submission is scheduled.
type Options struct {
	// DelayMs postpones the first attempt
	DelayMs int64
	// RepeatEveryMs re-fires the submission on a fixed interval after
	// the first attempt
	RepeatEveryMs int64
	// Key identifies a repeating submission for later removal.
	// Defaults to the generated item id.
	Key string
}

// Item is one queued unit of work.
type Item struct {
	ID      string                 `json:"id"`
	Payload map[string]interface{} `json:"payload"`
	// RepeatKey links a fire back to its repetition spec
	RepeatKey string `json:"repeatKey,omitempty"`
}

// RepeatSpec is the durable description of a repeating submission.
// Removing the spec cancels future fires without touching dispatched
// items.
type RepeatSpec struct {
	Key      string                 `json:"key"`
	Payload  map[string]interface{} `json:"payload"`
	EveryMs  int64                  `json:"everyMs"`
	NextAtMs int64                  `json:"nextAtMs"`
}

// FailedItem records an item whose handler returned an error.
type FailedItem struct {
	Item     Item   `json:"item"`
	Error    string `json:"error"`
	FailedAt int64  `json:"failedAtMs"`
}

// Counts summarizes the queue state for the status surface.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Repeating int `json:"repeating"`
	Failed    int `json:"failed"`
}

// DelayQueue is a named queue over one Redis connection.
type DelayQueue struct {
	client       *redis.Client
	name         string
	pollInterval time.Duration
	concurrency  int
	now          func() time.Time

	mu      sync.Mutex
	handler Handler
	active  map[string]Item
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a delay queue named name over the given Redis client.
func New(client *redis.Client, name string, pollInterval time.Duration, concurrency int) *DelayQueue {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if concurrency <= 0 {
		concurrency = 5
	}

	return &DelayQueue{
		client:       client,
		name:         name,
		pollInterval: pollInterval,
		concurrency:  concurrency,
		now:          time.Now,
		active:       make(map[string]Item),
		stopCh:       make(chan struct{}),
	}
}

func (q *DelayQueue) key(suffix string) string {
	return fmt.Sprintf("dq:%s:%s", q.name, suffix)
}

// Submit enqueues a payload. Without options the item becomes ready
// immediately. DelayMs schedules the first attempt; RepeatEveryMs
// additionally re-arms the submission on that interval. Returns the
// item or repeat-spec identifier.
func (q *DelayQueue) Submit(ctx context.Context, payload map[string]interface{}, opts Options) (string, error) {
	if opts.RepeatEveryMs > 0 {
		key := opts.Key
		if key == "" {
			key = uuid.New().String()
		}
		spec := RepeatSpec{
			Key:      key,
			Payload:  payload,
			EveryMs:  opts.RepeatEveryMs,
			NextAtMs: q.now().Add(time.Duration(opts.DelayMs) * time.Millisecond).UnixMilli(),
		}
		specJSON, err := json.Marshal(spec)
		if err != nil {
			return "", fmt.Errorf("failed to marshal repeat spec: %w", err)
		}

		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.key("repeat"), key, specJSON)
		pipe.ZAdd(ctx, q.key("repeat_sched"), redis.Z{Score: float64(spec.NextAtMs), Member: key})
		if _, err := pipe.Exec(ctx); err != nil {
			return "", fmt.Errorf("failed to store repeat spec: %w", err)
		}
		return key, nil
	}

	item := Item{
		ID:      uuid.New().String(),
		Payload: payload,
	}
	if err := q.enqueueItem(ctx, item, opts.DelayMs); err != nil {
		return "", err
	}
	return item.ID, nil
}

func (q *DelayQueue) enqueueItem(ctx context.Context, item Item, delayMs int64) error {
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.key("items"), item.ID, itemJSON)
	if delayMs > 0 {
		readyAt := q.now().Add(time.Duration(delayMs) * time.Millisecond).UnixMilli()
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt), Member: item.ID})
	} else {
		pipe.LPush(ctx, q.key("ready"), item.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}
	return nil
}

// Subscribe registers the handler invoked for each dequeued item. It
// must be called before Start.
func (q *DelayQueue) Subscribe(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

// Start launches the promotion poller and the consumer pool.
func (q *DelayQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	if q.handler == nil {
		q.mu.Unlock()
		return fmt.Errorf("no handler subscribed")
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.pollLoop(ctx)

	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.consumeLoop(ctx)
	}

	return nil
}

// Stop stops accepting new handler invocations, waits for in-flight
// handlers to complete, and returns.
func (q *DelayQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
}

// pollLoop promotes due delayed items and due repeat specs.
func (q *DelayQueue) pollLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.PromoteDue(ctx, q.now())
		}
	}
}

// PromoteDue moves delayed items whose time has come onto the ready
// list and fires due repeat specs. The ZRem winner is the only caller
// that pushes a given member, so concurrent promoters stay safe.
func (q *DelayQueue) PromoteDue(ctx context.Context, now time.Time) {
	nowMs := fmt.Sprintf("%d", now.UnixMilli())

	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: nowMs, Count: 100,
	}).Result()
	if err == nil {
		for _, id := range due {
			removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
			if err != nil || removed == 0 {
				continue
			}
			q.client.LPush(ctx, q.key("ready"), id)
		}
	}

	dueRepeats, err := q.client.ZRangeByScore(ctx, q.key("repeat_sched"), &redis.ZRangeBy{
		Min: "-inf", Max: nowMs, Count: 100,
	}).Result()
	if err != nil {
		return
	}

	for _, key := range dueRepeats {
		raw, err := q.client.HGet(ctx, q.key("repeat"), key).Result()
		if err != nil {
			// Spec gone but schedule entry left behind; drop it.
			q.client.ZRem(ctx, q.key("repeat_sched"), key)
			continue
		}
		var spec RepeatSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			q.client.ZRem(ctx, q.key("repeat_sched"), key)
			continue
		}

		// Re-arm before dispatch so a slow handler cannot stall the
		// cadence.
		spec.NextAtMs = now.UnixMilli() + spec.EveryMs
		specBytes, _ := json.Marshal(spec)
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.key("repeat"), key, specBytes)
		pipe.ZAdd(ctx, q.key("repeat_sched"), redis.Z{Score: float64(spec.NextAtMs), Member: key})
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}

		instance := Item{
			ID:        uuid.New().String(),
			Payload:   spec.Payload,
			RepeatKey: key,
		}
		_ = q.enqueueItem(ctx, instance, 0)
	}
}

// consumeLoop pops ready items and runs the handler. Each item id is
// popped by exactly one consumer, which is what bounds concurrency to
// one handler per item.
func (q *DelayQueue) consumeLoop(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		default:
		}

		result, err := q.client.BRPop(ctx, time.Second, q.key("ready")).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			select {
			case <-time.After(q.pollInterval):
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(result) != 2 {
			continue
		}

		q.runItem(ctx, result[1])
	}
}

func (q *DelayQueue) runItem(ctx context.Context, id string) {
	raw, err := q.client.HGet(ctx, q.key("items"), id).Result()
	if err != nil {
		return
	}
	q.client.HDel(ctx, q.key("items"), id)

	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return
	}

	q.mu.Lock()
	handler := q.handler
	q.active[item.ID] = item
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.active, item.ID)
		q.mu.Unlock()
	}()

	if err := handler(ctx, item.Payload); err != nil {
		failed := FailedItem{
			Item:     item,
			Error:    err.Error(),
			FailedAt: q.now().UnixMilli(),
		}
		failedJSON, _ := json.Marshal(failed)
		q.client.LPush(ctx, q.key("failed"), failedJSON)
	}
}

// ListWaiting returns the items on the ready list, oldest first.
func (q *DelayQueue) ListWaiting(ctx context.Context) ([]Item, error) {
	ids, err := q.client.LRange(ctx, q.key("ready"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting items: %w", err)
	}
	// LPush builds the list newest-first
	items := make([]Item, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if item, ok := q.fetchItem(ctx, ids[i]); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// ListDelayed returns the items waiting on a delay.
func (q *DelayQueue) ListDelayed(ctx context.Context) ([]Item, error) {
	ids, err := q.client.ZRange(ctx, q.key("delayed"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list delayed items: %w", err)
	}
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		if item, ok := q.fetchItem(ctx, id); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// ListRepeating returns the registered repeat specs.
func (q *DelayQueue) ListRepeating(ctx context.Context) ([]RepeatSpec, error) {
	raw, err := q.client.HGetAll(ctx, q.key("repeat")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list repeat specs: %w", err)
	}
	specs := make([]RepeatSpec, 0, len(raw))
	for _, value := range raw {
		var spec RepeatSpec
		if err := json.Unmarshal([]byte(value), &spec); err != nil {
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ListFailed returns the recorded handler failures, newest first.
func (q *DelayQueue) ListFailed(ctx context.Context) ([]FailedItem, error) {
	raw, err := q.client.LRange(ctx, q.key("failed"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed items: %w", err)
	}
	items := make([]FailedItem, 0, len(raw))
	for _, value := range raw {
		var item FailedItem
		if err := json.Unmarshal([]byte(value), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// ListActive returns the items currently inside a handler.
func (q *DelayQueue) ListActive() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]Item, 0, len(q.active))
	for _, item := range q.active {
		items = append(items, item)
	}
	return items
}

// RemoveBy removes waiting and delayed items whose payload matches the
// predicate. Active handlers are untouched. Returns the removal count.
func (q *DelayQueue) RemoveBy(ctx context.Context, match func(payload map[string]interface{}) bool) (int, error) {
	removed := 0

	readyIDs, err := q.client.LRange(ctx, q.key("ready"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan ready list: %w", err)
	}
	for _, id := range readyIDs {
		item, ok := q.fetchItem(ctx, id)
		if !ok || !match(item.Payload) {
			continue
		}
		if n, err := q.client.LRem(ctx, q.key("ready"), 0, id).Result(); err == nil && n > 0 {
			q.client.HDel(ctx, q.key("items"), id)
			removed++
		}
	}

	delayedIDs, err := q.client.ZRange(ctx, q.key("delayed"), 0, -1).Result()
	if err != nil {
		return removed, fmt.Errorf("failed to scan delayed set: %w", err)
	}
	for _, id := range delayedIDs {
		item, ok := q.fetchItem(ctx, id)
		if !ok || !match(item.Payload) {
			continue
		}
		if n, err := q.client.ZRem(ctx, q.key("delayed"), id).Result(); err == nil && n > 0 {
			q.client.HDel(ctx, q.key("items"), id)
			removed++
		}
	}

	return removed, nil
}

// RemoveRepeatingByKey cancels a repeating submission. Already
// dispatched fires are unaffected.
func (q *DelayQueue) RemoveRepeatingByKey(ctx context.Context, key string) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.key("repeat"), key)
	pipe.ZRem(ctx, q.key("repeat_sched"), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove repeat spec: %w", err)
	}
	return nil
}

// Obliterate drops every queue structure. In-flight handlers run to
// completion.
func (q *DelayQueue) Obliterate(ctx context.Context) error {
	keys := []string{
		q.key("ready"), q.key("items"), q.key("delayed"),
		q.key("repeat"), q.key("repeat_sched"), q.key("failed"),
	}
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to obliterate queue: %w", err)
	}
	return nil
}

// Status returns the queue counters.
func (q *DelayQueue) Status(ctx context.Context) (*Counts, error) {
	waiting, err := q.client.LLen(ctx, q.key("ready")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count waiting: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, q.key("delayed")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count delayed: %w", err)
	}
	repeating, err := q.client.HLen(ctx, q.key("repeat")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count repeating: %w", err)
	}
	failed, err := q.client.LLen(ctx, q.key("failed")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count failed: %w", err)
	}

	q.mu.Lock()
	active := len(q.active)
	q.mu.Unlock()

	return &Counts{
		Waiting:   int(waiting),
		Active:    active,
		Delayed:   int(delayed),
		Repeating: int(repeating),
		Failed:    int(failed),
	}, nil
}

// SetClock overrides the queue's time source. Test hook.
func (q *DelayQueue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *DelayQueue) fetchItem(ctx context.Context, id string) (Item, bool) {
	raw, err := q.client.HGet(ctx, q.key("items"), id).Result()
	if err != nil {
		return Item{}, false
	}
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return Item{}, false
	}
	return item, true
}
