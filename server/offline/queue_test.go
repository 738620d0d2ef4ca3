package offline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/kvstore"
)

func newTestQueue(kv kvstore.KVStore, sub Submitter, mock *clock.Mock) *SyncQueue {
	return NewSyncQueue(kvstore.NewStateStore(kv, "test"), sub, QueueConfig{
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		MaxRetries: 5,
		Clock:      mock,
	}, newTestLogger())
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{30, time.Minute},
		{-1, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(time.Second, time.Minute, tt.retryCount), "retryCount=%d", tt.retryCount)
	}
}

func TestSyncQueue_Enqueue(t *testing.T) {
	t.Run("orders by priority then creation", func(t *testing.T) {
		mock := clock.NewMock()
		q := newTestQueue(kvstore.NewMemoryStore(), &fakeSubmitter{}, mock)

		low, err := q.Enqueue(Item{Type: "mood-entry", Priority: 5})
		require.NoError(t, err)
		mock.Add(time.Second)
		first, err := q.Enqueue(Item{Type: "responder-notification", Priority: 0})
		require.NoError(t, err)
		second, err := q.Enqueue(Item{Type: "responder-notification", Priority: 0})
		require.NoError(t, err)

		assert.Equal(t, []string{first, second, low}, ids(q.Items()))
	})

	t.Run("assigns defaults", func(t *testing.T) {
		mock := clock.NewMock()
		q := newTestQueue(kvstore.NewMemoryStore(), &fakeSubmitter{}, mock)

		id, err := q.Enqueue(Item{Type: "journal-entry", RetryCount: 3})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		item := q.Items()[0]
		assert.Equal(t, 5, item.MaxRetries)
		assert.Equal(t, 0, item.RetryCount)
		assert.Equal(t, mock.Now().UTC(), item.CreatedAt)
	})

	t.Run("rejects invalid items", func(t *testing.T) {
		q := newTestQueue(kvstore.NewMemoryStore(), &fakeSubmitter{}, clock.NewMock())

		_, err := q.Enqueue(Item{})
		assert.ErrorIs(t, err, ErrInvalidItem)

		_, err = q.Enqueue(Item{Type: "x", Priority: -1})
		assert.ErrorIs(t, err, ErrInvalidItem)
		assert.Equal(t, 0, q.Size())
	})

	t.Run("closed queue", func(t *testing.T) {
		q := newTestQueue(kvstore.NewMemoryStore(), &fakeSubmitter{}, clock.NewMock())
		q.Close()
		_, err := q.Enqueue(Item{Type: "x"})
		assert.ErrorIs(t, err, ErrQueueClosed)
	})
}

func TestSyncQueue_Durability(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	mock := clock.NewMock()
	q := newTestQueue(kv, &fakeSubmitter{}, mock)

	var want []string
	for _, p := range []int{2, 0, 1, 0} {
		_, err := q.Enqueue(Item{Type: "mood-entry", Priority: p, Payload: json.RawMessage(`{"mood":3}`)})
		require.NoError(t, err)
		mock.Add(time.Millisecond)
	}
	want = ids(q.Items())

	restarted := newTestQueue(kv, &fakeSubmitter{}, mock)
	require.NoError(t, restarted.Load())

	assert.Equal(t, want, ids(restarted.Items()))
	assert.JSONEq(t, `{"mood":3}`, string(restarted.Items()[0].Payload))

	id, err := restarted.Enqueue(Item{Type: "mood-entry", Priority: 0})
	require.NoError(t, err)
	items := restarted.Items()
	assert.Equal(t, id, items[2].ID, "new items follow restored items of the same priority")
}

func TestSyncQueue_LoadLegacyLayout(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	legacy := `[{"id":"b","type":"mood-entry","priority":1,"createdAt":"2024-01-01T00:00:00Z"},` +
		`{"id":"a","type":"mood-entry","priority":0,"createdAt":"2024-01-02T00:00:00Z"}]`
	require.NoError(t, kv.Set("crisis_test_queue", []byte(legacy)))

	q := newTestQueue(kv, &fakeSubmitter{}, clock.NewMock())
	require.NoError(t, q.Load())

	items := q.Items()
	assert.Equal(t, []string{"a", "b"}, ids(items))
	assert.Equal(t, 5, items[0].MaxRetries)

	raw, err := kv.Get("crisis_test_queue")
	require.NoError(t, err)
	var env kvstore.QueueEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, kvstore.QueueSchemaVersion, env.Version, "migrated queue is written back")
}

func TestSyncQueue_Flush(t *testing.T) {
	t.Run("successful items are removed", func(t *testing.T) {
		sub := &fakeSubmitter{}
		q := newTestQueue(kvstore.NewMemoryStore(), sub, clock.NewMock())
		a, _ := q.Enqueue(Item{Type: "x", Priority: 1})
		b, _ := q.Enqueue(Item{Type: "x", Priority: 0})

		result := q.Flush(context.Background(), FlushOptions{})

		assert.Equal(t, []string{b, a}, result.Succeeded)
		assert.Equal(t, []string{b, a}, sub.calls(), "submitted in priority order")
		assert.Equal(t, 0, result.Remaining)
		assert.Equal(t, 0, q.Size())
	})

	t.Run("terminal outcome removes and reports", func(t *testing.T) {
		sub := &fakeSubmitter{SubmitFn: func(Item) (Outcome, error) {
			return OutcomeTerminal, errors.New("item rejected (HTTP 422)")
		}}
		q := newTestQueue(kvstore.NewMemoryStore(), sub, clock.NewMock())

		var reported []TerminalFailure
		q.OnTerminalFailure(func(f TerminalFailure) { reported = append(reported, f) })

		id, _ := q.Enqueue(Item{Type: "x"})
		result := q.Flush(context.Background(), FlushOptions{})

		require.Len(t, result.Failed, 1)
		assert.Equal(t, id, result.Failed[0].Item.ID)
		assert.Contains(t, result.Failed[0].Reason, "HTTP 422")
		require.Len(t, reported, 1)
		assert.Equal(t, id, reported[0].Item.ID)
		assert.Equal(t, 0, q.Size())
	})

	t.Run("no submitter leaves items untouched", func(t *testing.T) {
		q := newTestQueue(kvstore.NewMemoryStore(), nil, clock.NewMock())
		var reported []TerminalFailure
		q.OnTerminalFailure(func(f TerminalFailure) { reported = append(reported, f) })
		id, _ := q.Enqueue(Item{Type: "responder-notification"})

		for i := 0; i < 8; i++ {
			result := q.Flush(context.Background(), FlushOptions{IgnoreBackoff: true})
			assert.True(t, result.NoEndpoint)
			assert.Zero(t, result.Retried)
			assert.Equal(t, 1, result.Remaining)
		}

		assert.Empty(t, reported)
		items := q.Items()
		require.Len(t, items, 1)
		assert.Zero(t, items[0].RetryCount)
		assert.Empty(t, items[0].LastError)

		sub := &fakeSubmitter{}
		q.SetSubmitter(sub)
		result := q.Flush(context.Background(), FlushOptions{})
		assert.Equal(t, []string{id}, result.Succeeded)
		assert.False(t, result.NoEndpoint)
	})

	t.Run("panicking submitter counts as transient", func(t *testing.T) {
		sub := &fakeSubmitter{SubmitFn: func(Item) (Outcome, error) { panic("boom") }}
		q := newTestQueue(kvstore.NewMemoryStore(), sub, clock.NewMock())
		_, _ = q.Enqueue(Item{Type: "x"})

		var result FlushResult
		require.NotPanics(t, func() {
			result = q.Flush(context.Background(), FlushOptions{})
		})
		assert.Equal(t, 1, result.Retried)
		assert.Equal(t, 1, q.Size())
	})

	t.Run("cancelled context aborts before the first item", func(t *testing.T) {
		sub := &fakeSubmitter{}
		q := newTestQueue(kvstore.NewMemoryStore(), sub, clock.NewMock())
		_, _ = q.Enqueue(Item{Type: "x"})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result := q.Flush(ctx, FlushOptions{})

		assert.True(t, result.Aborted)
		assert.Empty(t, sub.calls())
		assert.Equal(t, 1, result.Remaining)
	})
}

func TestSyncQueue_Retry(t *testing.T) {
	t.Run("item failing N times keeps retryCount N", func(t *testing.T) {
		mock := clock.NewMock()
		sub := &fakeSubmitter{SubmitFn: transientFailure}
		q := newTestQueue(kvstore.NewMemoryStore(), sub, mock)
		_, _ = q.Enqueue(Item{Type: "x"})

		for i := 0; i < 3; i++ {
			result := q.Flush(context.Background(), FlushOptions{})
			assert.Equal(t, 1, result.Retried)
			mock.Add(time.Minute)
		}

		items := q.Items()
		require.Len(t, items, 1)
		assert.Equal(t, 3, items[0].RetryCount)
		assert.Equal(t, "connection reset", items[0].LastError)
	})

	t.Run("item reaching max retries is removed and reported once", func(t *testing.T) {
		mock := clock.NewMock()
		sub := &fakeSubmitter{SubmitFn: transientFailure}
		q := newTestQueue(kvstore.NewMemoryStore(), sub, mock)

		var reported []TerminalFailure
		q.OnTerminalFailure(func(f TerminalFailure) { reported = append(reported, f) })

		id, _ := q.Enqueue(Item{Type: "x"})
		for i := 0; i < 4; i++ {
			q.Flush(context.Background(), FlushOptions{})
			mock.Add(time.Minute)
		}
		assert.Empty(t, reported)

		result := q.Flush(context.Background(), FlushOptions{})
		require.Len(t, result.Failed, 1)
		assert.Equal(t, id, result.Failed[0].Item.ID)
		assert.Equal(t, 5, result.Failed[0].Item.RetryCount)
		assert.Equal(t, 0, q.Size())

		mock.Add(time.Minute)
		q.Flush(context.Background(), FlushOptions{})
		assert.Len(t, reported, 1)
		assert.Len(t, sub.calls(), 5)
	})

	t.Run("items backing off are skipped", func(t *testing.T) {
		mock := clock.NewMock()
		sub := &fakeSubmitter{SubmitFn: transientFailure}
		q := newTestQueue(kvstore.NewMemoryStore(), sub, mock)
		_, _ = q.Enqueue(Item{Type: "x"})

		q.Flush(context.Background(), FlushOptions{})
		assert.Equal(t, mock.Now().Add(time.Second), q.Items()[0].NextAttemptAt)

		q.Flush(context.Background(), FlushOptions{})
		assert.Len(t, sub.calls(), 1)

		mock.Add(500 * time.Millisecond)
		q.Flush(context.Background(), FlushOptions{})
		assert.Len(t, sub.calls(), 1)

		q.Flush(context.Background(), FlushOptions{IgnoreBackoff: true})
		assert.Len(t, sub.calls(), 2)
		assert.Equal(t, mock.Now().Add(2*time.Second), q.Items()[0].NextAttemptAt)
	})
}

func TestSyncQueue_EnqueueDuringFlush(t *testing.T) {
	var q *SyncQueue
	var once sync.Once
	var added string

	sub := &fakeSubmitter{SubmitFn: func(Item) (Outcome, error) {
		once.Do(func() {
			added, _ = q.Enqueue(Item{Type: "late"})
		})
		return OutcomeSuccess, nil
	}}
	q = newTestQueue(kvstore.NewMemoryStore(), sub, clock.NewMock())
	first, _ := q.Enqueue(Item{Type: "x"})

	result := q.Flush(context.Background(), FlushOptions{})

	assert.Equal(t, []string{first}, result.Succeeded)
	assert.Equal(t, []string{added}, ids(q.Items()), "items added mid-flush wait for the next flush")
	assert.Equal(t, 1, result.Remaining)
}

func TestSyncQueue_ClearDuringFlush(t *testing.T) {
	var q *SyncQueue
	sub := &fakeSubmitter{SubmitFn: func(Item) (Outcome, error) {
		require.NoError(t, q.Clear())
		return OutcomeSuccess, nil
	}}
	q = newTestQueue(kvstore.NewMemoryStore(), sub, clock.NewMock())
	_, _ = q.Enqueue(Item{Type: "x"})
	_, _ = q.Enqueue(Item{Type: "x"})

	result := q.Flush(context.Background(), FlushOptions{})
	assert.Empty(t, result.Succeeded, "cleared items are not reported twice")
	assert.Len(t, sub.calls(), 1)
	assert.Equal(t, 0, q.Size())
}

func TestSyncQueue_PersistenceFailure(t *testing.T) {
	kv := newFailingKV()
	kv.setFail(true)
	logger := newTestLogger()
	q := NewSyncQueue(kvstore.NewStateStore(kv, "test"), &fakeSubmitter{}, QueueConfig{Clock: clock.NewMock()}, logger)

	id, err := q.Enqueue(Item{Type: "x"})
	require.NoError(t, err, "enqueue falls back to memory")
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, q.Size())

	degraded, reason := q.Degraded()
	assert.True(t, degraded)
	assert.Contains(t, reason, "kv store unavailable")
	assert.Equal(t, 1, logger.count("warn"))

	_, _ = q.Enqueue(Item{Type: "x"})
	assert.Equal(t, 1, logger.count("warn"), "degraded mode is reported once")

	kv.setFail(false)
	result := q.Flush(context.Background(), FlushOptions{})
	assert.Len(t, result.Succeeded, 2)

	degraded, _ = q.Degraded()
	assert.False(t, degraded)
}

func TestSyncQueue_LoadFailureProtectsStoredQueue(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	stored := []byte(`{"version":1,"savedAt":"2024-01-01T00:00:00Z","items":[{"id":"a","type":"mood-en`)
	require.NoError(t, kv.Set("crisis_test_queue", stored))

	sub := &fakeSubmitter{}
	q := newTestQueue(kv, sub, clock.NewMock())
	require.Error(t, q.Load())
	assert.True(t, q.LoadFailed())

	_, err := q.Enqueue(Item{Type: "mood-entry"})
	require.NoError(t, err, "enqueue keeps working in memory")
	_, err = q.Enqueue(Item{Type: "journal-entry"})
	require.NoError(t, err)
	result := q.Flush(context.Background(), FlushOptions{})
	assert.Len(t, result.Succeeded, 2)
	_, err = q.Enqueue(Item{Type: "mood-entry"})
	require.NoError(t, err)

	raw, err := kv.Get("crisis_test_queue")
	require.NoError(t, err)
	assert.Equal(t, stored, raw, "unreadable queue is left as it was")

	degraded, reason := q.Degraded()
	assert.True(t, degraded)
	assert.Contains(t, reason, "unmarshal")

	require.NoError(t, q.Clear())
	assert.False(t, q.LoadFailed())
	degraded, _ = q.Degraded()
	assert.False(t, degraded)

	raw, err = kv.Get("crisis_test_queue")
	require.NoError(t, err)
	var env kvstore.QueueEnvelope
	require.NoError(t, json.Unmarshal(raw, &env), "clear replaces the stored queue")
	assert.Equal(t, kvstore.QueueSchemaVersion, env.Version)
}

func TestSyncQueue_ReloadMergesPendingItems(t *testing.T) {
	kv := newFailingKV()
	mock := clock.NewMock()

	first := newTestQueue(kv, &fakeSubmitter{}, mock)
	delivered, err := first.Enqueue(Item{Type: "mood-entry"})
	require.NoError(t, err)
	kept, err := first.Enqueue(Item{Type: "mood-entry"})
	require.NoError(t, err)
	mock.Add(time.Second)

	sub := &fakeSubmitter{SubmitFn: func(item Item) (Outcome, error) {
		if item.ID == delivered {
			return OutcomeSuccess, nil
		}
		return transientFailure(item)
	}}
	q := newTestQueue(kv, sub, mock)
	kv.setFailGet(true)
	require.Error(t, q.Load())

	// A client resubmits an item the unreadable queue also holds.
	_, err = q.Enqueue(Item{ID: delivered, Type: "mood-entry"})
	require.NoError(t, err)
	pending, err := q.Enqueue(Item{Type: "journal-entry"})
	require.NoError(t, err)

	result := q.Flush(context.Background(), FlushOptions{})
	assert.Equal(t, []string{delivered}, result.Succeeded)

	kv.setFailGet(false)
	require.NoError(t, q.Load())
	assert.False(t, q.LoadFailed())
	assert.Equal(t, []string{kept, pending}, ids(q.Items()), "stored items first, delivered items stay gone")

	degraded, _ := q.Degraded()
	assert.False(t, degraded)

	restarted := newTestQueue(kv, &fakeSubmitter{}, mock)
	require.NoError(t, restarted.Load())
	assert.Equal(t, []string{kept, pending}, ids(restarted.Items()), "merged queue is written back")
}
