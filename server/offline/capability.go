package offline

import (
	"bytes"
	"encoding/json"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pbnjay/memory"
)

// Optional holds a platform signal that may be missing.
// The zero value is Unavailable.
type Optional[T any] struct {
	value T
	ok    bool
}

// Available wraps a present value.
func Available[T any](v T) Optional[T] {
	return Optional[T]{value: v, ok: true}
}

// Unavailable returns an empty Optional.
func Unavailable[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.ok
}

// IsAvailable reports whether the value is present.
func (o Optional[T]) IsAvailable() bool {
	return o.ok
}

// OrElse returns the value, or def when it is missing.
func (o Optional[T]) OrElse(def T) T {
	if !o.ok {
		return def
	}
	return o.value
}

// Or returns o when present, otherwise other.
func (o Optional[T]) Or(other Optional[T]) Optional[T] {
	if o.ok {
		return o
	}
	return other
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.ok {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Available(v)
	return nil
}

// Signals are the raw device, connection and storage readings. Every field is
// optional; clients report what their platform exposes and the host fills
// what it can.
type Signals struct {
	HardwareConcurrency Optional[int]     `json:"hardwareConcurrency"`
	DeviceMemoryGB      Optional[float64] `json:"deviceMemory"`
	MemoryUsedRatio     Optional[float64] `json:"memoryUsedRatio"`
	EffectiveType       Optional[string]  `json:"effectiveType"`
	DownlinkMbps        Optional[float64] `json:"downlink"`
	SaveData            Optional[bool]    `json:"saveData"`
	BatteryLevel        Optional[float64] `json:"batteryLevel"`
	Charging            Optional[bool]    `json:"charging"`
	StorageQuota        Optional[int64]   `json:"storageQuota"`
	StorageUsage        Optional[int64]   `json:"storageUsage"`
	HasIndexedDB        Optional[bool]    `json:"hasIndexedDB"`
	HasStorage          Optional[bool]    `json:"hasStorage"`
	HasServiceWorker    Optional[bool]    `json:"hasServiceWorker"`
}

// Merge returns s with missing fields filled from fallback.
func (s Signals) Merge(fallback Signals) Signals {
	return Signals{
		HardwareConcurrency: s.HardwareConcurrency.Or(fallback.HardwareConcurrency),
		DeviceMemoryGB:      s.DeviceMemoryGB.Or(fallback.DeviceMemoryGB),
		MemoryUsedRatio:     s.MemoryUsedRatio.Or(fallback.MemoryUsedRatio),
		EffectiveType:       s.EffectiveType.Or(fallback.EffectiveType),
		DownlinkMbps:        s.DownlinkMbps.Or(fallback.DownlinkMbps),
		SaveData:            s.SaveData.Or(fallback.SaveData),
		BatteryLevel:        s.BatteryLevel.Or(fallback.BatteryLevel),
		Charging:            s.Charging.Or(fallback.Charging),
		StorageQuota:        s.StorageQuota.Or(fallback.StorageQuota),
		StorageUsage:        s.StorageUsage.Or(fallback.StorageUsage),
		HasIndexedDB:        s.HasIndexedDB.Or(fallback.HasIndexedDB),
		HasStorage:          s.HasStorage.Or(fallback.HasStorage),
		HasServiceWorker:    s.HasServiceWorker.Or(fallback.HasServiceWorker),
	}
}

// HostSignals reads the signals available on the plugin host.
func HostSignals() Signals {
	s := Signals{
		HardwareConcurrency: Available(runtime.NumCPU()),
	}

	total := memory.TotalMemory()
	if total > 0 {
		s.DeviceMemoryGB = Available(float64(total) / (1 << 30))

		free := memory.FreeMemory()
		if free > 0 && free <= total {
			s.MemoryUsedRatio = Available(1 - float64(free)/float64(total))
		}
	}
	return s
}

// Thresholds are the derived constraints that drive strategy selection.
type Thresholds struct {
	LowEndDevice    bool `json:"lowEndDevice"`
	SlowConnection  bool `json:"slowConnection"`
	LowBattery      bool `json:"lowBattery"`
	HighMemoryUsage bool `json:"highMemoryUsage"`
}

// Constrained reports whether any threshold is tripped.
func (t Thresholds) Constrained() bool {
	return t.LowEndDevice || t.SlowConnection || t.LowBattery || t.HighMemoryUsage
}

// Safe defaults used when a signal is unavailable
const (
	defaultConcurrency   = 4
	defaultMemoryGB      = 4.0
	defaultEffectiveType = "4g"
	defaultBatteryLevel  = 1.0

	lowEndConcurrency = 2
	lowEndMemoryGB    = 2.0
	slowDownlinkMbps  = 1.0
	lowBatteryLevel   = 0.2
	highMemoryRatio   = 0.85
)

// Probe turns raw signals into Thresholds. Missing signals fall back to safe
// defaults: a capable device, a fast connection, a full battery and no memory
// pressure.
type Probe struct {
	mu         sync.RWMutex
	clock      clock.Clock
	logger     Logger
	signals    Signals
	thresholds Thresholds
	missing    []string
	ranAt      time.Time
}

// NewProbe creates a probe that has not yet run.
func NewProbe(logger Logger, c clock.Clock) *Probe {
	if c == nil {
		c = clock.New()
	}
	return &Probe{
		clock:  c,
		logger: logger,
	}
}

// Run assesses signals and stores the result.
func (p *Probe) Run(s Signals) Thresholds {
	missing := missingSignals(s)
	if len(missing) > 0 {
		p.logger.Warn("Capability signals unavailable, using safe defaults", "missing", strings.Join(missing, ","))
	}

	cores := s.HardwareConcurrency.OrElse(defaultConcurrency)
	memGB := s.DeviceMemoryGB.OrElse(defaultMemoryGB)
	effectiveType := strings.ToLower(s.EffectiveType.OrElse(defaultEffectiveType))
	battery := s.BatteryLevel.OrElse(defaultBatteryLevel)
	charging := s.Charging.OrElse(false)

	t := Thresholds{
		LowEndDevice:    cores <= lowEndConcurrency || memGB <= lowEndMemoryGB,
		SlowConnection:  effectiveType == "slow-2g" || effectiveType == "2g" || s.SaveData.OrElse(false),
		LowBattery:      battery < lowBatteryLevel && !charging,
		HighMemoryUsage: s.MemoryUsedRatio.OrElse(0) >= highMemoryRatio,
	}
	if downlink, ok := s.DownlinkMbps.Get(); ok && downlink > 0 && downlink < slowDownlinkMbps {
		t.SlowConnection = true
	}

	p.mu.Lock()
	p.signals = s
	p.thresholds = t
	p.missing = missing
	p.ranAt = p.clock.Now()
	p.mu.Unlock()

	return t
}

// Thresholds returns the thresholds from the last run.
func (p *Probe) Thresholds() Thresholds {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.thresholds
}

// Signals returns the signals used in the last run.
func (p *Probe) Signals() Signals {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.signals
}

// Missing lists the signals that were unavailable in the last run.
func (p *Probe) Missing() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.missing...)
}

// RanAt returns when the probe last ran.
func (p *Probe) RanAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ranAt
}

func missingSignals(s Signals) []string {
	checks := map[string]bool{
		"hardwareConcurrency": s.HardwareConcurrency.IsAvailable(),
		"deviceMemory":        s.DeviceMemoryGB.IsAvailable(),
		"effectiveType":       s.EffectiveType.IsAvailable(),
		"batteryLevel":        s.BatteryLevel.IsAvailable(),
		"storageQuota":        s.StorageQuota.IsAvailable(),
	}

	var missing []string
	for name, ok := range checks {
		if !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// OfflineCapabilities is the snapshot surfaced to the UI.
type OfflineCapabilities struct {
	IsOnline         bool    `json:"isOnline"`
	HasIndexedDB     bool    `json:"hasIndexedDB"`
	HasStorage       bool    `json:"hasStorage"`
	HasServiceWorker bool    `json:"hasServiceWorker"`
	StorageEstimate  int64   `json:"storageEstimate"`
	StorageUsed      int64   `json:"storageUsed"`
	StorageUsagePct  float64 `json:"storageUsagePercent"`
	SupportsPWA      bool    `json:"supportsPWA"`
}

// UsagePercent returns used/quota as a percentage. An unknown quota reports zero.
func UsagePercent(used, quota int64) float64 {
	if quota <= 0 || used <= 0 {
		return 0
	}
	pct := float64(used) / float64(quota) * 100
	if pct > 100 {
		pct = 100
	}
	return float64(int(pct*10+0.5)) / 10
}
