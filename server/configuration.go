package main

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/crisis"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/offline"
)

// configuration captures the plugin's external configuration as exposed in the Mattermost server
// configuration, as well as values computed from the configuration. Any public fields will be
// deserialized from the Mattermost server configuration in OnConfigurationChange.
//
// As plugins are inherently concurrent (hooks being called asynchronously), and the plugin
// configuration can change at any time, access to the configuration must be synchronized. The
// strategy used in this plugin is to guard a pointer to the configuration, and clone the entire
// struct whenever it changes. You may replace this with whatever strategy you choose.
//
// If you add non-reference types to your configuration struct, be sure to rewrite Clone as a deep
// copy appropriate for your types.
type configuration struct {
	// RemoteEndpointURL receives queued items. When empty, items stay queued.
	RemoteEndpointURL string `json:"RemoteEndpointURL" validate:"omitempty,http_url"`
	RemoteAuthToken   string `json:"RemoteAuthToken"`

	// ResponderChannelID receives a notice for every escalation. Optional.
	ResponderChannelID string `json:"ResponderChannelID" validate:"omitempty,len=26,alphanum"`

	// AnalyzeMessages enables analysis of posted and edited messages.
	AnalyzeMessages bool `json:"AnalyzeMessages"`

	MinTextLength        int    `json:"MinTextLength" validate:"min=0,max=100"`
	DebounceMilliseconds int    `json:"DebounceMilliseconds" validate:"min=0,max=10000"`
	AlertThreshold       string `json:"AlertThreshold" validate:"omitempty,oneof=low medium high critical"`
	HistorySize          int    `json:"HistorySize" validate:"min=0,max=1000"`

	SyncIntervalSeconds         int   `json:"SyncIntervalSeconds" validate:"min=0,max=86400"`
	RetryBaseMilliseconds       int   `json:"RetryBaseMilliseconds" validate:"min=0,max=600000"`
	RetryMaxSeconds             int   `json:"RetryMaxSeconds" validate:"min=0,max=86400"`
	MaxRetries                  int   `json:"MaxRetries" validate:"min=0,max=100"`
	NetworkCoalesceMilliseconds int   `json:"NetworkCoalesceMilliseconds" validate:"min=0,max=60000"`
	StorageQuotaBytes           int64 `json:"StorageQuotaBytes" validate:"min=0"`

	// CustomRulesetYAML replaces the embedded keyword ruleset when set.
	CustomRulesetYAML string `json:"CustomRulesetYAML"`
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Clone creates a copy of the configuration.
func (c *configuration) Clone() *configuration {
	clone := *c
	return &clone
}

// IsValid checks field ranges and that the custom ruleset, if any, parses.
func (c *configuration) IsValid() error {
	if err := configValidator.Struct(c); err != nil {
		return errors.Wrap(err, "invalid plugin configuration")
	}

	if _, err := c.ruleset(); err != nil {
		return errors.Wrap(err, "invalid custom ruleset")
	}

	if c.RetryBaseMilliseconds > 0 && c.RetryMaxSeconds > 0 &&
		time.Duration(c.RetryBaseMilliseconds)*time.Millisecond > time.Duration(c.RetryMaxSeconds)*time.Second {
		return errors.New("retry base delay must not exceed the maximum delay")
	}

	return nil
}

// ruleset returns the configured ruleset, falling back to the embedded one.
func (c *configuration) ruleset() (*crisis.Ruleset, error) {
	var rs *crisis.Ruleset
	if strings.TrimSpace(c.CustomRulesetYAML) == "" {
		rs = crisis.DefaultRuleset()
	} else {
		loaded, err := crisis.LoadRuleset([]byte(c.CustomRulesetYAML))
		if err != nil {
			return nil, err
		}
		rs = loaded
	}

	if c.MinTextLength > 0 {
		rs.MinTextLength = c.MinTextLength
	}
	return rs, nil
}

func (c *configuration) debounceWindow() time.Duration {
	if c.DebounceMilliseconds <= 0 {
		return crisis.DefaultDebounceWindow
	}
	return time.Duration(c.DebounceMilliseconds) * time.Millisecond
}

func (c *configuration) alertThreshold() crisis.RiskLevel {
	level, err := crisis.ParseRiskLevel(c.AlertThreshold)
	if err != nil || level < crisis.RiskLow {
		return crisis.RiskLow
	}
	return level
}

func (c *configuration) historySize() int {
	if c.HistorySize <= 0 {
		return crisis.DefaultHistorySize
	}
	return c.HistorySize
}

// retryPolicy returns the backoff settings, with zero values replaced by defaults.
func (c *configuration) retryPolicy() (base, maxDelay time.Duration, maxRetries int) {
	base = offline.DefaultBaseDelay
	if c.RetryBaseMilliseconds > 0 {
		base = time.Duration(c.RetryBaseMilliseconds) * time.Millisecond
	}
	maxDelay = offline.DefaultMaxDelay
	if c.RetryMaxSeconds > 0 {
		maxDelay = time.Duration(c.RetryMaxSeconds) * time.Second
	}
	maxRetries = offline.DefaultMaxRetries
	if c.MaxRetries > 0 {
		maxRetries = c.MaxRetries
	}
	return base, maxDelay, maxRetries
}

func (c *configuration) managerConfig() offline.ManagerConfig {
	base, maxDelay, maxRetries := c.retryPolicy()
	return offline.ManagerConfig{
		FlushInterval:  time.Duration(c.SyncIntervalSeconds) * time.Second,
		CoalesceWindow: time.Duration(c.NetworkCoalesceMilliseconds) * time.Millisecond,
		BaseDelay:      base,
		MaxDelay:       maxDelay,
		MaxRetries:     maxRetries,
		StorageQuota:   c.StorageQuotaBytes,
	}
}

// getConfiguration retrieves the active configuration under lock, making it safe to use
// concurrently. The active configuration may change underneath the client of this method, but
// the struct returned by this API call is considered immutable.
func (p *Plugin) getConfiguration() *configuration {
	p.configurationLock.RLock()
	defer p.configurationLock.RUnlock()

	if p.configuration == nil {
		return &configuration{}
	}

	return p.configuration
}

// setConfiguration replaces the active configuration under lock.
//
// Do not call setConfiguration while holding the configurationLock, as sync.Mutex is not
// reentrant. In particular, avoid using the plugin API entirely, as this may in turn trigger a
// hook back into the plugin. If that hook attempts to acquire this lock, a deadlock may occur.
//
// This method panics if setConfiguration is called with the existing configuration. This almost
// certainly means that the configuration was modified without being cloned and may result in
// an unsafe access.
func (p *Plugin) setConfiguration(configuration *configuration) {
	p.configurationLock.Lock()
	defer p.configurationLock.Unlock()

	if configuration != nil && p.configuration == configuration {
		// Ignore assignment if the configuration struct is empty. Go will optimize the
		// allocation for same to point at the same memory address, breaking the check
		// above.
		if reflect.ValueOf(*configuration).NumField() == 0 {
			return
		}

		panic("setConfiguration called with the existing configuration")
	}

	p.configuration = configuration
}

// OnConfigurationChange is invoked when configuration changes may have been made.
func (p *Plugin) OnConfigurationChange() error {
	var newConfig = new(configuration)

	// Load the public configuration fields from the Mattermost server configuration.
	if err := p.API.LoadPluginConfiguration(newConfig); err != nil {
		return errors.Wrap(err, "failed to load plugin configuration")
	}

	if err := newConfig.IsValid(); err != nil {
		return err
	}

	oldConfig := p.getConfiguration()
	p.setConfiguration(newConfig)

	// Components only exist once the plugin is active.
	if p.registry != nil {
		p.applyConfiguration(oldConfig, newConfig)
	}

	return nil
}

// applyConfiguration pushes changed settings into running components.
func (p *Plugin) applyConfiguration(oldConfig, newConfig *configuration) {
	if oldConfig.CustomRulesetYAML != newConfig.CustomRulesetYAML || oldConfig.MinTextLength != newConfig.MinTextLength {
		rs, err := newConfig.ruleset()
		if err != nil {
			// Already validated; keep the running analyzer.
			p.API.LogError("Failed to rebuild crisis ruleset", "error", err.Error())
		} else {
			analyzer := crisis.NewAnalyzer(rs)
			p.setAnalyzer(analyzer)
			p.registry.ForEach(func(s *crisis.Session) { s.SetAnalyzer(analyzer) })
			p.API.LogInfo("Crisis ruleset updated", "version", rs.Version)
		}
	}

	if oldConfig.debounceWindow() != newConfig.debounceWindow() {
		window := newConfig.debounceWindow()
		p.registry.ForEach(func(s *crisis.Session) { s.SetDebounceWindow(window) })
	}

	if p.offline == nil {
		return
	}

	oldBase, oldMax, oldRetries := oldConfig.retryPolicy()
	newBase, newMax, newRetries := newConfig.retryPolicy()
	if oldBase != newBase || oldMax != newMax || oldRetries != newRetries {
		p.offline.SetRetryPolicy(newBase, newMax, newRetries)
	}

	if oldConfig.RemoteEndpointURL != newConfig.RemoteEndpointURL || oldConfig.RemoteAuthToken != newConfig.RemoteAuthToken {
		p.offline.SetSubmitter(p.newSubmitter(newConfig))
		p.API.LogInfo("Remote sync endpoint updated", "configured", newConfig.RemoteEndpointURL != "")
	}

	if oldConfig.SyncIntervalSeconds != newConfig.SyncIntervalSeconds ||
		oldConfig.NetworkCoalesceMilliseconds != newConfig.NetworkCoalesceMilliseconds ||
		oldConfig.StorageQuotaBytes != newConfig.StorageQuotaBytes {
		p.API.LogInfo("Sync interval, coalescing and storage quota changes take effect when the plugin is next activated")
	}
}
