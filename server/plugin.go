package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/mattermost/mattermost/server/public/pluginapi"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/crisis"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/formatter"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/kvstore"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/offline"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/poster"
)

const (
	botUsername    = "crisis-support"
	botDisplayName = "Crisis Support"

	// offlineScope namespaces the offline state in the plugin KV store.
	offlineScope = "offline"

	// ItemTypeResponderNotification is the sync queue item produced for every escalation.
	ItemTypeResponderNotification = "responder-notification"

	// Websocket events published to the owning user.
	WebsocketEventCrisisState = "crisis_state"
	WebsocketEventSyncStatus  = "sync_status"

	// contextUserID is the queue item context key naming the user an item belongs to.
	contextUserID = "userId"
)

// AlertPoster delivers crisis notices. *poster.Poster implements it.
type AlertPoster interface {
	PostResponderNotice(notice formatter.ResponderNotice, channelID string) error
	SendAlert(userID, channelID string, alert *crisis.Alert, resources []offline.Resource) *model.Post
	PostSyncFailure(userID string, failure offline.TerminalFailure) error
}

// Plugin implements the interface expected by the Mattermost server to communicate between the server and plugin processes.
type Plugin struct {
	plugin.MattermostPlugin

	// client is the Mattermost server API client.
	client *pluginapi.Client

	// configurationLock synchronizes access to the configuration.
	configurationLock sync.RWMutex

	// configuration is the active plugin configuration. Consult getConfiguration and
	// setConfiguration for usage.
	configuration *configuration

	analyzerLock sync.RWMutex
	analyzer     *crisis.Analyzer

	// registry holds one analysis session per user.
	registry *crisis.SessionRegistry

	// offline owns the sync queue, resource cache and connectivity state.
	offline *offline.Manager

	// poster posts alerts and notices to Mattermost.
	poster AlertPoster

	// deduplicator suppresses repeat responder notices for identical text.
	deduplicator *Deduplicator

	botID string
}

// OnActivate is invoked when the plugin is activated. If an error is returned, the plugin will be deactivated.
func (p *Plugin) OnActivate() error {
	p.client = pluginapi.NewClient(p.API, p.Driver)

	config := p.getConfiguration()

	rs, err := config.ruleset()
	if err != nil {
		return errors.Wrap(err, "failed to load crisis ruleset")
	}
	p.setAnalyzer(crisis.NewAnalyzer(rs))

	botID, err := p.API.EnsureBotUser(&model.Bot{
		Username:    botUsername,
		DisplayName: botDisplayName,
		Description: "Bot for crisis support alerts and responder notices",
	})
	if err != nil {
		return errors.Wrap(err, "failed to ensure bot user")
	}
	p.botID = botID
	p.API.LogInfo("Bot user initialized", "botID", botID, "username", botUsername)

	if p.poster == nil {
		p.poster = poster.New(p.API, botID)
	}
	p.deduplicator = NewDeduplicator(p.client, nil)

	state := kvstore.NewStateStore(kvstore.NewPluginKVStore(p.API), offlineScope)
	manager, err := offline.NewManager(
		state,
		p.newSubmitter(config),
		offline.NewClusterJobScheduler(p.API),
		config.managerConfig(),
		&p.client.Log,
	)
	if err != nil {
		p.deduplicator.Stop()
		return errors.Wrap(err, "failed to create offline manager")
	}
	manager.OnStatusChange(p.publishSyncStatus)
	manager.OnTerminalFailure(p.onTerminalFailure)

	if err := manager.Start(); err != nil {
		_ = manager.Stop()
		p.deduplicator.Stop()
		return errors.Wrap(err, "failed to start offline manager")
	}
	p.offline = manager

	p.registry = crisis.NewSessionRegistry(p.newSession, nil, &p.client.Log)

	p.API.LogInfo("Crisis support activated",
		"rulesetVersion", rs.Version,
		"analyzeMessages", config.AnalyzeMessages,
		"remoteSync", config.RemoteEndpointURL != "")

	return nil
}

// OnDeactivate is invoked when the plugin is deactivated.
func (p *Plugin) OnDeactivate() error {
	if p.registry != nil {
		p.registry.Stop()
	}

	var stopErr error
	if p.offline != nil {
		if err := p.offline.Stop(); err != nil {
			p.API.LogError("Failed to stop offline manager during deactivation", "error", err.Error())
			stopErr = err
		}
	}

	if p.deduplicator != nil {
		p.deduplicator.Stop()
	}

	return stopErr
}

// MessageHasBeenPosted analyzes new messages when message analysis is enabled.
func (p *Plugin) MessageHasBeenPosted(_ *plugin.Context, post *model.Post) {
	p.analyzePost(post, "post")
}

// MessageHasBeenUpdated analyzes edited messages when the text changed.
func (p *Plugin) MessageHasBeenUpdated(_ *plugin.Context, newPost, oldPost *model.Post) {
	if oldPost != nil && newPost.Message == oldPost.Message {
		return
	}
	p.analyzePost(newPost, "edit")
}

// analyzePost runs an immediate analysis of a post and shows any resulting
// alert to its author only.
func (p *Plugin) analyzePost(post *model.Post, source string) {
	if p.registry == nil || post == nil {
		return
	}
	if !p.getConfiguration().AnalyzeMessages {
		return
	}
	if post.UserId == "" || post.UserId == p.botID || post.IsSystemMessage() {
		return
	}

	session := p.registry.Get(post.UserId)
	result := session.AnalyzeNow(post.Message, crisis.AnalysisContext{
		UserID: post.UserId,
		Source: source,
	})

	state := session.State()
	if state.Alert == nil || state.Alert.AnalysisID != result.ID {
		return
	}

	p.poster.SendAlert(post.UserId, post.ChannelId, state.Alert, p.resourcesForAlert(state.Alert))
}

// resourcesForAlert returns the cached resources backing an alert's resource list.
func (p *Plugin) resourcesForAlert(alert *crisis.Alert) []offline.Resource {
	if p.offline == nil || alert == nil {
		return nil
	}

	wanted := make(map[string]bool, len(alert.Resources))
	for _, feature := range alert.Resources {
		wanted[feature] = true
	}

	var resources []offline.Resource
	for _, r := range p.offline.GetResources("") {
		if wanted[r.Feature] {
			resources = append(resources, r)
		}
	}
	return resources
}

// newSession builds the per-user session used by the registry.
func (p *Plugin) newSession(userID string) *crisis.Session {
	config := p.getConfiguration()

	var session *crisis.Session
	session = crisis.NewSession(crisis.SessionConfig{
		UserID:         userID,
		DebounceWindow: config.debounceWindow(),
		AlertThreshold: config.alertThreshold(),
		HistorySize:    config.historySize(),
	}, p.getAnalyzer(), func(result crisis.AnalysisResult, actions []crisis.Action) {
		p.onEscalationRequired(userID, session, result, actions)
	}, &p.client.Log)

	session.Subscribe(p.publishCrisisState)

	return session
}

// responderPayload is the queued record of an escalation. It never contains the analysed text.
type responderPayload struct {
	UserID         string           `json:"userId"`
	AnalysisID     string           `json:"analysisId"`
	TextHash       string           `json:"textHash"`
	Level          crisis.RiskLevel `json:"level"`
	Score          float64          `json:"score"`
	Categories     []string         `json:"categories"`
	Actions        []crisis.Action  `json:"actions"`
	RulesetVersion string           `json:"rulesetVersion"`
	AnalyzedAt     time.Time        `json:"analyzedAt"`
}

// onEscalationRequired queues a responder notification and notifies the
// responder channel. Repeats for identical text are suppressed.
func (p *Plugin) onEscalationRequired(userID string, session *crisis.Session, result crisis.AnalysisResult, actions []crisis.Action) {
	if p.deduplicator != nil && !p.deduplicator.RecordEscalation(userID, result.TextHash) {
		p.API.LogDebug("Skipping repeat escalation", "userId", userID, "analysisId", result.ID)
		return
	}

	if p.offline != nil {
		payload, err := json.Marshal(responderPayload{
			UserID:         userID,
			AnalysisID:     result.ID,
			TextHash:       result.TextHash,
			Level:          result.Level,
			Score:          result.Score,
			Categories:     result.Categories,
			Actions:        actions,
			RulesetVersion: result.RulesetVersion,
			AnalyzedAt:     result.AnalyzedAt.UTC(),
		})
		if err != nil {
			p.API.LogError("Failed to encode responder notification", "userId", userID, "error", err.Error())
		} else if _, err := p.offline.AddToSyncQueue(offline.Item{
			Type:     ItemTypeResponderNotification,
			Payload:  payload,
			Priority: escalationPriority(result.Level),
			Context:  map[string]string{contextUserID: userID},
		}); err != nil {
			p.API.LogWarn("Failed to queue responder notification", "userId", userID, "error", err.Error())
		}
	}

	channelID := p.getConfiguration().ResponderChannelID
	if channelID == "" || p.poster == nil {
		return
	}

	notice := formatter.ResponderNotice{
		UserID:  userID,
		Result:  result,
		Actions: actions,
	}
	if session != nil {
		notice.Trend = session.State().Trend
	}
	if user, appErr := p.API.GetUser(userID); appErr == nil && user != nil {
		notice.Username = user.Username
	}

	if err := p.poster.PostResponderNotice(notice, channelID); err != nil {
		p.API.LogError("Failed to post responder notice", "userId", userID, "channelId", channelID, "error", err.Error())
	}
}

// escalationPriority maps a risk level to a queue priority; lower is sooner.
func escalationPriority(level crisis.RiskLevel) int {
	switch {
	case level >= crisis.RiskCritical:
		return 0
	case level == crisis.RiskHigh:
		return 1
	default:
		return 2
	}
}

// onTerminalFailure tells the owning user that an item was dropped.
func (p *Plugin) onTerminalFailure(failure offline.TerminalFailure) {
	userID := failure.Item.Context[contextUserID]
	if userID == "" || p.poster == nil {
		return
	}
	if err := p.poster.PostSyncFailure(userID, failure); err != nil {
		p.API.LogError("Failed to notify user of sync failure", "userId", userID, "itemId", failure.Item.ID, "error", err.Error())
	}
}

// publishCrisisState pushes a session state change to its owner's clients.
func (p *Plugin) publishCrisisState(state crisis.State) {
	data, err := json.Marshal(state)
	if err != nil {
		p.API.LogError("Failed to encode crisis state", "userId", state.UserID, "error", err.Error())
		return
	}
	p.API.PublishWebSocketEvent(WebsocketEventCrisisState, map[string]any{
		"state": string(data),
	}, &model.WebsocketBroadcast{UserId: state.UserID})
}

// publishSyncStatus broadcasts sync status changes to connected clients.
// Terminal failures are per user and are only returned by the status endpoint.
func (p *Plugin) publishSyncStatus(status offline.Status) {
	data, err := json.Marshal(statusForUser(status, ""))
	if err != nil {
		p.API.LogError("Failed to encode sync status", "error", err.Error())
		return
	}
	p.API.PublishWebSocketEvent(WebsocketEventSyncStatus, map[string]any{
		"status": string(data),
	}, &model.WebsocketBroadcast{})
}

// statusForUser narrows the terminal failures in status to those owned by userID.
func statusForUser(status offline.Status, userID string) offline.Status {
	failures := make([]offline.TerminalFailure, 0, len(status.TerminalFailures))
	for _, f := range status.TerminalFailures {
		if userID != "" && f.Item.Context[contextUserID] == userID {
			failures = append(failures, f)
		}
	}
	status.TerminalFailures = failures
	return status
}

// newSubmitter returns the remote submitter for config, or nil when no endpoint is configured.
func (p *Plugin) newSubmitter(config *configuration) offline.Submitter {
	if config.RemoteEndpointURL == "" {
		return nil
	}
	return offline.NewHTTPSubmitter(config.RemoteEndpointURL, config.RemoteAuthToken, &p.client.Log)
}

func (p *Plugin) getAnalyzer() *crisis.Analyzer {
	p.analyzerLock.RLock()
	defer p.analyzerLock.RUnlock()
	return p.analyzer
}

func (p *Plugin) setAnalyzer(a *crisis.Analyzer) {
	p.analyzerLock.Lock()
	defer p.analyzerLock.Unlock()
	p.analyzer = a
}

// See https://developers.mattermost.com/extend/plugins/server/reference/
