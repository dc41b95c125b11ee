package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestQueue creates a queue backed by a test Redis instance.
func setupTestQueue(t *testing.T) (*DelayQueue, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, "test", 50*time.Millisecond, 3), mr
}

func payloadFor(jobID string) map[string]interface{} {
	return map[string]interface{}{"jobId": jobID}
}

func TestSubmitImmediate_IsWaiting(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, payloadFor("job-1"), Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waiting, err := q.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "job-1", waiting[0].Payload["jobId"])
}

func TestSubmitDelayed_PromotesWhenDue(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, payloadFor("job-1"), Options{DelayMs: 60_000})
	require.NoError(t, err)

	delayed, err := q.ListDelayed(ctx)
	require.NoError(t, err)
	require.Len(t, delayed, 1)

	// Not due yet.
	q.PromoteDue(ctx, time.Now())
	waiting, err := q.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	// Due one minute later.
	q.PromoteDue(ctx, time.Now().Add(61*time.Second))
	waiting, err = q.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 1)

	delayed, err = q.ListDelayed(ctx)
	require.NoError(t, err)
	assert.Empty(t, delayed)
}

func TestRepeatSpec_FiresAndRearms(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	key, err := q.Submit(ctx, payloadFor("job-r"), Options{
		DelayMs:       1000,
		RepeatEveryMs: 1000,
		Key:           "job-r",
	})
	require.NoError(t, err)
	assert.Equal(t, "job-r", key)

	specs, err := q.ListRepeating(ctx)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, int64(1000), specs[0].EveryMs)

	// No instance before the first delay elapses.
	q.PromoteDue(ctx, time.Now())
	waiting, err := q.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	// First fire.
	q.PromoteDue(ctx, time.Now().Add(1100*time.Millisecond))
	waiting, err = q.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "job-r", waiting[0].RepeatKey)

	// Second fire one interval later.
	q.PromoteDue(ctx, time.Now().Add(2300*time.Millisecond))
	waiting, err = q.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)

	// Spec survives the fires.
	specs, err = q.ListRepeating(ctx)
	require.NoError(t, err)
	assert.Len(t, specs, 1)
}

func TestHandlerRunsEachItemOnce(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs int64
	q.Subscribe(func(ctx context.Context, payload map[string]interface{}) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	for i := 0; i < 5; i++ {
		_, err := q.Submit(ctx, payloadFor("job"), Options{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) == 5
	}, 5*time.Second, 20*time.Millisecond)

	// No double delivery.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(5), atomic.LoadInt64(&runs))
}

func TestHandlerErrorRecordsFailure(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Subscribe(func(ctx context.Context, payload map[string]interface{}) error {
		return assert.AnError
	})

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	_, err := q.Submit(ctx, payloadFor("job-f"), Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		failed, err := q.ListFailed(ctx)
		return err == nil && len(failed) == 1
	}, 5*time.Second, 20*time.Millisecond)

	failed, err := q.ListFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-f", failed[0].Item.Payload["jobId"])
	assert.Contains(t, failed[0].Error, assert.AnError.Error())
}

func TestRemoveBy(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, payloadFor("keep"), Options{})
	require.NoError(t, err)
	_, err = q.Submit(ctx, payloadFor("drop"), Options{})
	require.NoError(t, err)
	_, err = q.Submit(ctx, payloadFor("drop"), Options{DelayMs: 60_000})
	require.NoError(t, err)

	removed, err := q.RemoveBy(ctx, func(payload map[string]interface{}) bool {
		return payload["jobId"] == "drop"
	})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	waiting, err := q.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "keep", waiting[0].Payload["jobId"])

	delayed, err := q.ListDelayed(ctx)
	require.NoError(t, err)
	assert.Empty(t, delayed)
}

func TestRemoveRepeatingByKey(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, payloadFor("job-r"), Options{DelayMs: 1000, RepeatEveryMs: 1000, Key: "job-r"})
	require.NoError(t, err)

	require.NoError(t, q.RemoveRepeatingByKey(ctx, "job-r"))

	specs, err := q.ListRepeating(ctx)
	require.NoError(t, err)
	assert.Empty(t, specs)

	// No more fires after removal.
	q.PromoteDue(ctx, time.Now().Add(time.Hour))
	waiting, err := q.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestObliterate(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, payloadFor("a"), Options{})
	require.NoError(t, err)
	_, err = q.Submit(ctx, payloadFor("b"), Options{DelayMs: 60_000})
	require.NoError(t, err)
	_, err = q.Submit(ctx, payloadFor("c"), Options{DelayMs: 1000, RepeatEveryMs: 1000, Key: "c"})
	require.NoError(t, err)

	require.NoError(t, q.Obliterate(ctx))

	counts, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Waiting)
	assert.Equal(t, 0, counts.Delayed)
	assert.Equal(t, 0, counts.Repeating)
	assert.Equal(t, 0, counts.Failed)

	// The queue keeps working afterwards.
	_, err = q.Submit(ctx, payloadFor("d"), Options{})
	require.NoError(t, err)
	counts, err = q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)
}

func TestStatusCounters(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, payloadFor("a"), Options{})
	require.NoError(t, err)
	_, err = q.Submit(ctx, payloadFor("b"), Options{DelayMs: 60_000})
	require.NoError(t, err)
	_, err = q.Submit(ctx, payloadFor("c"), Options{DelayMs: 1000, RepeatEveryMs: 1000})
	require.NoError(t, err)

	counts, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Waiting: 1, Active: 0, Delayed: 1, Repeating: 1, Failed: 0}, *counts)
}

func TestGracefulStopDrainsInFlight(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started, finished int64
	release := make(chan struct{})
	var once sync.Once

	q.Subscribe(func(ctx context.Context, payload map[string]interface{}) error {
		atomic.AddInt64(&started, 1)
		<-release
		atomic.AddInt64(&finished, 1)
		return nil
	})

	require.NoError(t, q.Start(ctx))

	_, err := q.Submit(ctx, payloadFor("slow"), Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&started) == 1
	}, 5*time.Second, 20*time.Millisecond)

	done := make(chan struct{})
	go func() {
		once.Do(func() { close(release) })
		q.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not drain in-flight handler")
	}

	assert.Equal(t, int64(1), atomic.LoadInt64(&finished))
}
