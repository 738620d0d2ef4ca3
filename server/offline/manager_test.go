package offline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mattermost/mattermost/server/public/pluginapi/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/kvstore"
)

// capableDevice keeps host signals from influencing strategy in tests.
func capableDevice() Signals {
	return Signals{
		HardwareConcurrency: Available(8),
		DeviceMemoryGB:      Available(8.0),
		MemoryUsedRatio:     Available(0.2),
		EffectiveType:       Available("4g"),
		BatteryLevel:        Available(1.0),
		StorageQuota:        Available(int64(1 << 20)),
		HasIndexedDB:        Available(true),
		HasServiceWorker:    Available(true),
	}
}

type managerFixture struct {
	manager   *Manager
	submitter *fakeSubmitter
	scheduler *MockJobScheduler
	kv        *failingKV
	clock     *clock.Mock
	logger    *testLogger
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	return newManagerFixtureWithKV(t, newFailingKV())
}

// newManagerFixtureWithKV starts a manager over previously stored state.
func newManagerFixtureWithKV(t *testing.T, kv *failingKV) *managerFixture {
	t.Helper()

	f := &managerFixture{
		submitter: &fakeSubmitter{},
		scheduler: &MockJobScheduler{},
		kv:        kv,
		clock:     clock.NewMock(),
		logger:    newTestLogger(),
	}

	m, err := NewManager(kvstore.NewStateStore(f.kv, "offline"), f.submitter, f.scheduler, ManagerConfig{
		FlushInterval:  time.Minute,
		CoalesceWindow: 300 * time.Millisecond,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		MaxRetries:     5,
		Clock:          f.clock,
	}, f.logger)
	require.NoError(t, err)
	f.manager = m

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	m.ReportCapabilities(capableDevice())

	return f
}

func TestManager_Start(t *testing.T) {
	f := newManagerFixture(t)

	assert.Equal(t, FlushJobID, f.scheduler.jobID)
	assert.Error(t, f.manager.Start(), "starting twice fails")

	status := f.manager.Status()
	assert.True(t, status.Online)
	assert.Equal(t, 0, status.QueueSize)
	assert.True(t, status.Strategy.PrioritizeCrisisFeatures)
	assert.True(t, status.Capabilities.SupportsPWA)
	assert.Positive(t, status.StorageUsed)
	assert.Equal(t, int64(1<<20), status.StorageQuota)
}

func TestManager_ScheduleError(t *testing.T) {
	scheduler := &MockJobScheduler{err: errors.New("cluster unavailable")}
	m, err := NewManager(kvstore.NewStateStore(kvstore.NewMemoryStore(), "offline"), &fakeSubmitter{}, scheduler, ManagerConfig{Clock: clock.NewMock()}, newTestLogger())
	require.NoError(t, err)

	err = m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to schedule cluster job")
	require.NoError(t, m.Stop())
}

func TestManager_NextWaitInterval(t *testing.T) {
	f := newManagerFixture(t)
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Duration(0), f.manager.nextWaitInterval(now, cluster.JobMetadata{}))
	assert.Equal(t, 40*time.Second, f.manager.nextWaitInterval(now, cluster.JobMetadata{LastFinished: now.Add(-20 * time.Second)}))
	assert.Equal(t, time.Duration(0), f.manager.nextWaitInterval(now, cluster.JobMetadata{LastFinished: now.Add(-2 * time.Minute)}))
}

func TestManager_ScheduledFlush(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.AddToSyncQueue(Item{Type: "mood-entry"})
	require.NoError(t, err)

	f.manager.ReportNetwork(false)
	f.scheduler.run()
	assert.Empty(t, f.submitter.calls(), "no flush while offline")
	assert.Equal(t, 1, f.manager.Status().QueueSize)

	f.manager.ReportNetwork(true)
	f.clock.Add(300 * time.Millisecond)

	require.Eventually(t, func() bool {
		status := f.manager.Status()
		return status.QueueSize == 0 && !status.LastSync.IsZero()
	}, time.Second, 5*time.Millisecond, "reconnecting flushes the queue")
	assert.Len(t, f.submitter.calls(), 1)
}

func TestManager_ForceSyncIgnoresBackoff(t *testing.T) {
	f := newManagerFixture(t)
	f.submitter.SubmitFn = transientFailure

	_, err := f.manager.AddToSyncQueue(Item{Type: "mood-entry"})
	require.NoError(t, err)

	f.scheduler.run()
	f.scheduler.run()
	assert.Len(t, f.submitter.calls(), 1, "scheduled flush respects backoff")

	result := f.manager.ForceSync(context.Background())
	assert.Equal(t, 1, result.Retried)
	assert.Len(t, f.submitter.calls(), 2)
}

func TestManager_NoEndpointKeepsItemsQueued(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.SetSubmitter(nil)

	var notified []TerminalFailure
	f.manager.OnTerminalFailure(func(tf TerminalFailure) { notified = append(notified, tf) })

	_, err := f.manager.AddToSyncQueue(Item{Type: "responder-notification"})
	require.NoError(t, err)

	for i := 0; i < DefaultMaxRetries+2; i++ {
		f.scheduler.run()
		f.clock.Add(time.Minute)
	}

	status := f.manager.Status()
	assert.Equal(t, 1, status.QueueSize)
	assert.Empty(t, notified)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Equal(t, ErrNoEndpoint.Error(), status.LastError)
	assert.False(t, status.Degraded)

	f.manager.SetSubmitter(f.submitter)
	result := f.manager.ForceSync(context.Background())
	assert.Len(t, result.Succeeded, 1)
	assert.Empty(t, f.manager.Status().LastError)
}

func TestManager_ConsecutiveFailuresDegrade(t *testing.T) {
	f := newManagerFixture(t)
	f.submitter.SubmitFn = transientFailure
	f.manager.SetRetryPolicy(time.Second, time.Minute, 20)

	_, err := f.manager.AddToSyncQueue(Item{Type: "mood-entry", MaxRetries: 20})
	require.NoError(t, err)

	for i := 0; i < MaxConsecutiveFailures; i++ {
		f.manager.ForceSync(context.Background())
	}

	status := f.manager.Status()
	assert.Equal(t, MaxConsecutiveFailures, status.ConsecutiveFailures)
	assert.True(t, status.Degraded)
	assert.Contains(t, status.DegradedReason, "connection reset")
	assert.Equal(t, 1, f.logger.count("error"))

	f.submitter.SubmitFn = nil
	f.manager.ForceSync(context.Background())

	status = f.manager.Status()
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.False(t, status.Degraded)

	stored, err := kvstore.NewStateStore(f.kv, "offline").GetSyncStatus()
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ConsecutiveFailures)
	assert.False(t, stored.LastSync.IsZero())
}

func TestManager_TerminalFailuresSurfaced(t *testing.T) {
	f := newManagerFixture(t)
	f.submitter.SubmitFn = func(Item) (Outcome, error) {
		return OutcomeTerminal, errors.New("item rejected (HTTP 400)")
	}

	var notified []TerminalFailure
	f.manager.OnTerminalFailure(func(tf TerminalFailure) { notified = append(notified, tf) })

	id, err := f.manager.AddToSyncQueue(Item{Type: "journal-entry"})
	require.NoError(t, err)
	f.manager.ForceSync(context.Background())

	require.Len(t, notified, 1)
	status := f.manager.Status()
	require.Len(t, status.TerminalFailures, 1)
	assert.Equal(t, id, status.TerminalFailures[0].Item.ID)

	acked := f.manager.AcknowledgeFailures(nil)
	require.Len(t, acked, 1)
	assert.Empty(t, f.manager.Status().TerminalFailures)
}

func TestManager_CapabilitiesDriveCache(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.UpdateOfflineResources()
	require.NoError(t, err)
	assert.True(t, f.manager.IsFeatureAvailable(FeatureJournal))

	constrained := capableDevice()
	constrained.HardwareConcurrency = Available(2)
	constrained.EffectiveType = Available("slow-2g")

	var changes []Strategy
	f.manager.OnStrategyChange(func(s Strategy) { changes = append(changes, s) })

	strategy := f.manager.ReportCapabilities(constrained)
	assert.Equal(t, CacheMinimal, strategy.CacheAggressiveness)
	assert.True(t, strategy.OfflineCrisisSupport)
	require.Len(t, changes, 1)

	thresholds := f.manager.Status().Thresholds
	assert.True(t, thresholds.LowEndDevice)
	assert.True(t, thresholds.SlowConnection)

	assert.True(t, f.manager.IsFeatureAvailable(FeatureCrisisHotline))
	assert.False(t, f.manager.IsFeatureAvailable(FeatureJournal))
	assert.NotEmpty(t, f.manager.GetResources(TypeHotline))
}

func TestManager_ClearOfflineData(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.ReportNetwork(false)

	_, err := f.manager.AddToSyncQueue(Item{Type: "journal-entry"})
	require.NoError(t, err)

	require.NoError(t, f.manager.ClearOfflineData())

	status := f.manager.Status()
	assert.Equal(t, 0, status.QueueSize)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.True(t, f.manager.IsFeatureAvailable(FeatureCrisisHotline))
}

func TestManager_PersistenceFailureIsDegraded(t *testing.T) {
	f := newManagerFixture(t)
	f.kv.setFail(true)

	id, err := f.manager.AddToSyncQueue(Item{Type: "journal-entry"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	status := f.manager.Status()
	assert.True(t, status.Degraded)
	assert.Contains(t, status.DegradedReason, "storage unavailable")
	assert.Equal(t, 1, status.QueueSize)
}

func TestManager_RestartAfterUnsupportedQueueVersion(t *testing.T) {
	kv := newFailingKV()
	stored := []byte(`{"version":99,"savedAt":"2030-01-01T00:00:00Z","items":[{"id":"future","type":"journal-entry"}]}`)
	require.NoError(t, kv.Set("crisis_offline_queue", stored))

	f := newManagerFixtureWithKV(t, kv)
	assert.True(t, f.manager.queue.LoadFailed())

	_, err := f.manager.AddToSyncQueue(Item{Type: "journal-entry"})
	require.NoError(t, err)
	result := f.manager.ForceSync(context.Background())
	assert.Len(t, result.Succeeded, 1)
	_, err = f.manager.AddToSyncQueue(Item{Type: "mood-entry"})
	require.NoError(t, err)
	f.manager.reloadQueue()

	raw, err := kv.Get("crisis_offline_queue")
	require.NoError(t, err)
	assert.Equal(t, stored, raw, "queue written by a newer version is left intact")

	status := f.manager.Status()
	assert.True(t, status.Degraded)
	assert.Contains(t, status.DegradedReason, "unsupported schema version")
	assert.Equal(t, 1, status.QueueSize)

	require.NoError(t, f.manager.ClearOfflineData())
	assert.False(t, f.manager.Status().Degraded)
	raw, err = kv.Get("crisis_offline_queue")
	require.NoError(t, err)
	assert.NotEqual(t, stored, raw, "an explicit clear replaces it")
}

func TestManager_ReloadsQueueAfterReadFailure(t *testing.T) {
	kv := newFailingKV()
	stored := kvstore.NewStateStore(kv, "offline")
	require.NoError(t, stored.SaveQueue([]Item{{ID: "saved", Type: "journal-entry", MaxRetries: 5, Seq: 1}}, time.Now()))

	kv.setFailGet(true)
	f := newManagerFixtureWithKV(t, kv)
	kv.setFailGet(false)

	status := f.manager.Status()
	assert.True(t, status.Degraded)
	assert.Zero(t, status.QueueSize)

	_, err := f.manager.AddToSyncQueue(Item{Type: "mood-entry"})
	require.NoError(t, err)

	f.manager.reloadQueue()

	status = f.manager.Status()
	assert.False(t, status.Degraded)
	assert.Equal(t, 2, status.QueueSize)
	assert.Equal(t, "saved", f.manager.queue.Items()[0].ID)
}

func TestManager_HealthCheckFeedsMonitor(t *testing.T) {
	f := newManagerFixture(t)

	f.submitter.PingErr = errors.New("connection refused")
	f.manager.checkHealth()
	assert.False(t, f.manager.Status().Online)

	f.submitter.PingErr = nil
	f.manager.checkHealth()
	f.clock.Add(300 * time.Millisecond)
	require.Eventually(t, func() bool { return f.manager.Status().Online }, time.Second, 5*time.Millisecond)
}

func TestManager_StatusListeners(t *testing.T) {
	f := newManagerFixture(t)

	statuses := make(chan Status, 10)
	f.manager.OnStatusChange(func(s Status) { statuses <- s })

	_, err := f.manager.AddToSyncQueue(Item{Type: "journal-entry"})
	require.NoError(t, err)

	select {
	case s := <-statuses:
		assert.Equal(t, 1, s.QueueSize)
	case <-time.After(time.Second):
		t.Fatal("expected a status update")
	}
}

func TestManager_StopClosesJob(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.manager.Stop())
	assert.True(t, f.scheduler.job.isClosed())
	require.NoError(t, f.manager.Stop())

	_, err := f.manager.AddToSyncQueue(Item{Type: "journal-entry"})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestManager_AcknowledgeFailuresByOwner(t *testing.T) {
	f := newManagerFixture(t)
	f.submitter.SubmitFn = func(Item) (Outcome, error) {
		return OutcomeTerminal, errors.New("item rejected (HTTP 400)")
	}

	_, err := f.manager.AddToSyncQueue(Item{Type: "journal-entry", Context: map[string]string{"userId": "a"}})
	require.NoError(t, err)
	_, err = f.manager.AddToSyncQueue(Item{Type: "journal-entry", Context: map[string]string{"userId": "b"}})
	require.NoError(t, err)
	f.manager.ForceSync(context.Background())
	require.Len(t, f.manager.Status().TerminalFailures, 2)

	acked := f.manager.AcknowledgeFailures(func(tf TerminalFailure) bool {
		return tf.Item.Context["userId"] == "a"
	})
	require.Len(t, acked, 1)
	assert.Equal(t, "a", acked[0].Item.Context["userId"])

	remaining := f.manager.Status().TerminalFailures
	require.Len(t, remaining, 1)
	assert.Equal(t, "b", remaining[0].Item.Context["userId"])
}
