package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mattermost/mattermost/server/public/pluginapi/cluster"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/kvstore"
)

// FlushJobID is the cluster job that flushes the sync queue
const FlushJobID = "crisis_sync_flush"

// Pinger checks remote reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ManagerConfig configures the offline manager. Zero values use defaults.
type ManagerConfig struct {
	FlushInterval  time.Duration
	CoalesceWindow time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxRetries     int
	StorageQuota   int64
	Clock          clock.Clock
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = DefaultCoalesceWindow
	}
	if c.StorageQuota <= 0 {
		c.StorageQuota = DefaultStorageQuota
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Status is the sync and storage view surfaced to the UI.
type Status struct {
	Online              bool                `json:"online"`
	LastOnline          time.Time           `json:"lastOnline"`
	QueueSize           int                 `json:"queueSize"`
	Flushing            bool                `json:"flushing"`
	StorageUsed         int64               `json:"storageUsed"`
	StorageQuota        int64               `json:"storageQuota"`
	StorageUsagePercent float64             `json:"storageUsagePercent"`
	Strategy            Strategy            `json:"strategy"`
	Thresholds          Thresholds          `json:"thresholds"`
	Capabilities        OfflineCapabilities `json:"capabilities"`
	Degraded            bool                `json:"degraded"`
	DegradedReason      string              `json:"degradedReason,omitempty"`
	LastSync            time.Time           `json:"lastSync"`
	LastError           string              `json:"lastError,omitempty"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	TerminalFailures    []TerminalFailure   `json:"terminalFailures"`
}

// Manager is the single owner of the offline state: the sync queue, the
// resource cache, connectivity and capability-driven strategy. All mutation
// goes through its methods.
type Manager struct {
	cfg       ManagerConfig
	clock     clock.Clock
	logger    Logger
	state     *kvstore.StateStore
	queue     *SyncQueue
	cache     *Cache
	monitor   *NetworkMonitor
	probe     *Probe
	selector  *Selector
	scheduler JobScheduler

	mu            sync.RWMutex
	job           Job
	pinger        Pinger
	status        kvstore.SyncStatus
	terminal      []TerminalFailure
	storageUsed   int64
	clientSignals Signals
	listeners     []func(Status)

	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	done     chan struct{}
	started  bool
	looping  bool
	stopOnce sync.Once
}

// NewManager wires the offline components together. Nothing runs until Start.
func NewManager(
	state *kvstore.StateStore,
	submitter Submitter,
	scheduler JobScheduler,
	cfg ManagerConfig,
	logger Logger,
) (*Manager, error) {
	cfg = cfg.withDefaults()

	cache, err := NewCache(state, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    logger,
		state:     state,
		cache:     cache,
		monitor:   NewNetworkMonitor(true, cfg.CoalesceWindow, cfg.Clock),
		probe:     NewProbe(logger, cfg.Clock),
		selector:  NewSelector(),
		scheduler: scheduler,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.queue = NewSyncQueue(state, submitter, QueueConfig{
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		MaxRetries: cfg.MaxRetries,
		Clock:      cfg.Clock,
		IsOnline:   m.monitor.IsOnline,
	}, logger)
	if p, ok := submitter.(Pinger); ok {
		m.pinger = p
	}

	m.queue.OnTerminalFailure(m.recordTerminal)
	m.monitor.Subscribe(m.onNetworkChange)
	m.selector.Subscribe(m.onStrategyChange)

	return m, nil
}

// Start restores persisted state, assesses host capabilities, pre-caches
// resources and schedules the periodic flush.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("offline manager already running")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.queue.Load(); err != nil {
		m.logger.Warn("Stored sync queue unreadable, queueing in memory until it loads", "error", err.Error())
	}
	if err := m.cache.Load(); err != nil {
		m.logger.Warn("Starting with default offline resources", "error", err.Error())
	}
	if status, err := m.state.GetSyncStatus(); err != nil {
		m.logger.Warn("Failed to load sync status", "error", err.Error())
	} else {
		m.mu.Lock()
		m.status = status
		m.mu.Unlock()
	}

	var reported Signals
	if _, err := m.state.LoadCapabilities(&reported); err != nil {
		m.logger.Warn("Failed to load capability report", "error", err.Error())
	}
	m.mu.Lock()
	m.clientSignals = reported
	m.mu.Unlock()

	m.selector.Update(m.probe.Run(reported.Merge(HostSignals())))
	if _, err := m.cache.Populate(m.selector.Current(), DefaultCatalog()); err != nil {
		m.logger.Warn("Failed to persist offline resources", "error", err.Error())
	}
	m.refreshStorage()

	if m.scheduler != nil {
		job, err := m.scheduler.Schedule(FlushJobID, m.nextWaitInterval, m.runScheduledFlush)
		if err != nil {
			return fmt.Errorf("failed to schedule cluster job: %w", err)
		}
		m.mu.Lock()
		m.job = job
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.looping = true
	m.mu.Unlock()
	go m.loop()

	m.logger.Info("Offline manager started",
		"queueSize", m.queue.Size(),
		"flushInterval", m.cfg.FlushInterval.String(),
		"cacheAggressiveness", string(m.selector.Current().CacheAggressiveness))
	return nil
}

// Stop halts background work. An in-flight flush stops before its next item.
func (m *Manager) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		m.cancel()
		m.monitor.Stop()
		m.queue.Close()

		m.mu.Lock()
		looping := m.looping
		job := m.job
		m.job = nil
		m.mu.Unlock()

		if looping {
			close(m.stop)
			<-m.done
		}

		if job != nil {
			if closeErr := job.Close(); closeErr != nil {
				m.logger.Error("Failed to close cluster job", "error", closeErr.Error())
				err = fmt.Errorf("failed to close cluster job: %w", closeErr)
			}
		}
		m.logger.Info("Offline manager stopped")
	})
	return err
}

// SetSubmitter replaces the network boundary after a configuration change.
func (m *Manager) SetSubmitter(s Submitter) {
	m.queue.SetSubmitter(s)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinger = nil
	if p, ok := s.(Pinger); ok {
		m.pinger = p
	}
}

// SetRetryPolicy updates the backoff used for future failures.
func (m *Manager) SetRetryPolicy(base, maxDelay time.Duration, maxRetries int) {
	m.queue.SetRetryPolicy(base, maxDelay, maxRetries)
}

// AddToSyncQueue durably queues an operation for delivery.
func (m *Manager) AddToSyncQueue(item Item) (string, error) {
	id, err := m.queue.Enqueue(item)
	if err != nil {
		return "", err
	}
	m.refreshStorage()
	m.notify()
	return id, nil
}

// ForceSync flushes now, including items still backing off.
func (m *Manager) ForceSync(ctx context.Context) FlushResult {
	return m.flush(ctx, FlushOptions{IgnoreBackoff: true}, "manual")
}

// ClearOfflineData drops queued items, cached non-crisis content and sync
// history. Crisis resources are re-seeded immediately.
func (m *Manager) ClearOfflineData() error {
	queueErr := m.queue.Clear()
	cacheErr := m.cache.Clear()

	m.mu.Lock()
	m.status = kvstore.SyncStatus{}
	m.terminal = nil
	m.mu.Unlock()

	if err := m.state.SaveSyncStatus(kvstore.SyncStatus{}); err != nil {
		m.logger.Warn("Failed to reset sync status", "error", err.Error())
	}

	m.refreshStorage()
	m.notify()

	if queueErr != nil {
		return queueErr
	}
	return cacheErr
}

// UpdateOfflineResources re-populates the cache for the current strategy.
func (m *Manager) UpdateOfflineResources() (int, error) {
	count, err := m.cache.Populate(m.selector.Current(), DefaultCatalog())
	m.refreshStorage()
	m.notify()
	return count, err
}

// ReportNetwork feeds a client connectivity signal.
func (m *Manager) ReportNetwork(online bool) {
	m.monitor.Report(online)
}

// ReportCapabilities re-runs the probe with client signals, host signals
// filling the gaps, and returns the resulting strategy.
func (m *Manager) ReportCapabilities(s Signals) Strategy {
	m.mu.Lock()
	m.clientSignals = s
	m.mu.Unlock()

	if err := m.state.SaveCapabilities(s); err != nil {
		m.logger.Warn("Failed to persist capability report", "error", err.Error())
	}

	strategy, _ := m.selector.Update(m.probe.Run(s.Merge(HostSignals())))
	m.refreshStorage()
	m.notify()
	return strategy
}

// IsFeatureAvailable reports whether a feature can be served offline.
func (m *Manager) IsFeatureAvailable(feature string) bool {
	return m.cache.IsFeatureAvailable(feature)
}

// GetResources returns cached resources, optionally filtered by type.
func (m *Manager) GetResources(resourceType string) []Resource {
	return m.cache.GetResources(resourceType)
}

// Strategy returns the active strategy.
func (m *Manager) Strategy() Strategy {
	return m.selector.Current()
}

// OnStrategyChange registers a listener for strategy changes.
func (m *Manager) OnStrategyChange(fn func(Strategy)) func() {
	return m.selector.Subscribe(fn)
}

// OnStatusChange registers a listener for status changes.
func (m *Manager) OnStatusChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnTerminalFailure registers a listener for items that will not be retried.
func (m *Manager) OnTerminalFailure(fn func(TerminalFailure)) {
	m.queue.OnTerminalFailure(fn)
}

// AcknowledgeFailures removes and returns the terminal failures accepted by
// match. A nil match acknowledges every failure.
func (m *Manager) AcknowledgeFailures(match func(TerminalFailure) bool) []TerminalFailure {
	m.mu.Lock()
	defer m.mu.Unlock()

	var acked, kept []TerminalFailure
	for _, f := range m.terminal {
		if match == nil || match(f) {
			acked = append(acked, f)
		} else {
			kept = append(kept, f)
		}
	}
	m.terminal = kept
	return acked
}

// Status returns the current sync and storage status.
func (m *Manager) Status() Status {
	queueDegraded, queueReason := m.queue.Degraded()

	m.mu.RLock()
	defer m.mu.RUnlock()

	quota := m.cfg.StorageQuota
	if q, ok := m.clientSignals.StorageQuota.Get(); ok && q > 0 {
		quota = q
	}
	online := m.monitor.IsOnline()

	st := Status{
		Online:              online,
		LastOnline:          m.monitor.LastOnline(),
		QueueSize:           m.queue.Size(),
		Flushing:            m.queue.Flushing(),
		StorageUsed:         m.storageUsed,
		StorageQuota:        quota,
		StorageUsagePercent: UsagePercent(m.storageUsed, quota),
		Strategy:            m.selector.Current(),
		Thresholds:          m.probe.Thresholds(),
		LastSync:            m.status.LastSync,
		LastError:           m.status.LastError,
		ConsecutiveFailures: m.status.ConsecutiveFailures,
		TerminalFailures:    append([]TerminalFailure{}, m.terminal...),
	}

	switch {
	case queueDegraded:
		st.Degraded, st.DegradedReason = true, "storage unavailable: "+queueReason
	case m.cache.Degraded():
		st.Degraded, st.DegradedReason = true, "resource storage unavailable"
	case m.status.ConsecutiveFailures >= MaxConsecutiveFailures:
		st.Degraded, st.DegradedReason = true, "remote sync failing: "+m.status.LastError
	}

	hasIndexedDB := m.clientSignals.HasIndexedDB.OrElse(false)
	hasServiceWorker := m.clientSignals.HasServiceWorker.OrElse(false)
	st.Capabilities = OfflineCapabilities{
		IsOnline:         online,
		HasIndexedDB:     hasIndexedDB,
		HasStorage:       m.clientSignals.HasStorage.OrElse(!queueDegraded),
		HasServiceWorker: hasServiceWorker,
		StorageEstimate:  quota,
		StorageUsed:      m.storageUsed,
		StorageUsagePct:  st.StorageUsagePercent,
		SupportsPWA:      hasIndexedDB && hasServiceWorker,
	}
	return st
}

// flush runs one flush and records its outcome in the sync status.
func (m *Manager) flush(ctx context.Context, opts FlushOptions, trigger string) FlushResult {
	result := m.queue.Flush(ctx, opts)
	if result.Coalesced {
		m.logger.Debug("Flush already in progress", "trigger", trigger)
		return result
	}

	if result.NoEndpoint && result.Remaining > 0 {
		m.mu.Lock()
		m.status.LastError = ErrNoEndpoint.Error()
		m.mu.Unlock()
		m.logger.Debug("Sync skipped, items stay queued", "trigger", trigger, "remaining", result.Remaining)
	}

	attempted := len(result.Succeeded) + len(result.Failed) + result.Retried
	if attempted == 0 {
		m.refreshStorage()
		m.notify()
		return result
	}

	now := m.clock.Now().UTC()
	m.mu.Lock()
	m.status.LastAttempt = now
	if len(result.Succeeded) > 0 || result.Retried == 0 {
		m.status.LastSync = now
		m.status.LastError = ""
		m.status.ConsecutiveFailures = 0
	} else {
		m.status.ConsecutiveFailures++
		if items := m.queue.Items(); len(items) > 0 {
			m.status.LastError = items[0].LastError
		}
	}
	status := m.status
	m.mu.Unlock()

	if status.ConsecutiveFailures > 0 {
		m.logger.Warn("Sync flush made no progress",
			"trigger", trigger,
			"consecutiveFailures", status.ConsecutiveFailures,
			"remaining", result.Remaining,
			"error", status.LastError)
	}
	if status.ConsecutiveFailures == MaxConsecutiveFailures {
		m.logger.Error("Remote sync reached max consecutive failures",
			"consecutiveFailures", status.ConsecutiveFailures,
			"lastError", status.LastError)
	}

	if err := m.state.SaveSyncStatus(status); err != nil {
		m.logger.Warn("Failed to save sync status", "error", err.Error())
	}

	m.logger.Debug("Sync flush completed",
		"trigger", trigger,
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"retried", result.Retried,
		"remaining", result.Remaining)

	m.refreshStorage()
	m.notify()
	return result
}

func (m *Manager) runScheduledFlush() {
	if !m.monitor.IsOnline() {
		m.logger.Debug("Skipping scheduled flush while offline")
		return
	}
	m.flush(m.ctx, FlushOptions{}, "interval")
}

// nextWaitInterval is called by the cluster job scheduler to decide when the
// next flush runs.
func (m *Manager) nextWaitInterval(now time.Time, metadata cluster.JobMetadata) time.Duration {
	if metadata.LastFinished.IsZero() {
		return 0
	}
	sinceLastFinished := now.Sub(metadata.LastFinished)
	if sinceLastFinished < m.cfg.FlushInterval {
		return m.cfg.FlushInterval - sinceLastFinished
	}
	return 0
}

func (m *Manager) onNetworkChange(online bool) {
	if online {
		m.logger.Info("Connectivity restored, flushing sync queue", "queueSize", m.queue.Size())
		go m.flush(m.ctx, FlushOptions{}, "reconnect")
		return
	}
	m.logger.Info("Connectivity lost, queueing operations locally")
	m.notify()
}

func (m *Manager) onStrategyChange(s Strategy) {
	m.logger.Debug("Optimization strategy changed",
		"cacheAggressiveness", string(s.CacheAggressiveness),
		"imageQuality", string(s.ImageQuality),
		"reduceAnimations", s.ReduceAnimations)

	if err := m.cache.SetStrategy(s); err != nil {
		m.logger.Warn("Failed to apply strategy to offline cache", "error", err.Error())
	}
}

func (m *Manager) recordTerminal(f TerminalFailure) {
	m.mu.Lock()
	m.terminal = append(m.terminal, f)
	m.mu.Unlock()
}

// loop refreshes storage usage and pings the remote endpoint.
func (m *Manager) loop() {
	storage := m.clock.Ticker(StorageRefreshInterval)
	health := m.clock.Ticker(HealthCheckInterval)
	defer storage.Stop()
	defer health.Stop()
	defer close(m.done)

	for {
		select {
		case <-storage.C:
			m.reloadQueue()
			m.refreshStorage()
		case <-health.C:
			m.checkHealth()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) checkHealth() {
	m.mu.RLock()
	pinger := m.pinger
	m.mu.RUnlock()
	if pinger == nil {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()

	if err := pinger.Ping(ctx); err != nil {
		m.logger.Debug("Remote endpoint health check failed", "error", err.Error())
		m.monitor.Report(false)
		return
	}
	m.monitor.Report(true)
}

// reloadQueue retries reading a stored queue that failed to load.
func (m *Manager) reloadQueue() {
	if !m.queue.LoadFailed() {
		return
	}
	if err := m.queue.Load(); err != nil {
		m.logger.Debug("Stored sync queue still unreadable", "error", err.Error())
		return
	}
	m.notify()
}

func (m *Manager) refreshStorage() {
	used := m.cache.Usage()
	if data, err := json.Marshal(m.queue.Items()); err == nil {
		used += int64(len(data))
	}

	m.mu.Lock()
	m.storageUsed = used
	m.mu.Unlock()
}

func (m *Manager) notify() {
	m.mu.RLock()
	listeners := append(make([]func(Status), 0, len(m.listeners)), m.listeners...)
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return
	}
	st := m.Status()
	for _, l := range listeners {
		l(st)
	}
}
