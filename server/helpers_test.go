package main

import (
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin/plugintest"
	"github.com/mattermost/mattermost/server/public/pluginapi"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/crisis"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/formatter"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/kvstore"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/offline"
)

const (
	testBotID     = "bot-user-id"
	testUserID    = "user-1"
	testChannelID = "abcdefghijklmnopqrstuvwxyz"
)

// fakePoster records what the plugin asked to post.
type fakePoster struct {
	mu        sync.Mutex
	notices   []formatter.ResponderNotice
	channels  []string
	alerts    []*crisis.Alert
	resources [][]offline.Resource
	failures  []offline.TerminalFailure
	noticeErr error
}

func (f *fakePoster) PostResponderNotice(notice formatter.ResponderNotice, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, notice)
	f.channels = append(f.channels, channelID)
	return f.noticeErr
}

func (f *fakePoster) SendAlert(_, _ string, alert *crisis.Alert, resources []offline.Resource) *model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	f.resources = append(f.resources, resources)
	return &model.Post{Id: "ephemeral"}
}

func (f *fakePoster) PostSyncFailure(_ string, failure offline.TerminalFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure)
	return nil
}

func (f *fakePoster) noticeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

func (f *fakePoster) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

// allowLogs accepts any log call with up to seven key/value pairs.
func allowLogs(api *plugintest.API) {
	for _, level := range []string{"LogDebug", "LogInfo", "LogWarn", "LogError"} {
		for n := 1; n <= 15; n += 2 {
			args := make([]any, n)
			for i := range args {
				args[i] = mock.Anything
			}
			api.On(level, args...).Maybe()
		}
	}
}

type pluginFixture struct {
	plugin *Plugin
	api    *plugintest.API
	poster *fakePoster
	kv     *kvstore.MemoryStore
}

// newTestPlugin wires an active plugin against in-memory storage without
// going through OnActivate.
func newTestPlugin(t *testing.T, config *configuration) *pluginFixture {
	t.Helper()

	api := &plugintest.API{}
	allowLogs(api)
	api.On("PublishWebSocketEvent", mock.Anything, mock.Anything, mock.Anything).Maybe()

	f := &pluginFixture{
		plugin: &Plugin{},
		api:    api,
		poster: &fakePoster{},
		kv:     kvstore.NewMemoryStore(),
	}

	p := f.plugin
	p.SetAPI(api)
	p.client = pluginapi.NewClient(api, &plugintest.Driver{})
	p.botID = testBotID
	p.poster = f.poster
	if config == nil {
		config = &configuration{}
	}
	p.setConfiguration(config)

	rs, err := config.ruleset()
	require.NoError(t, err)
	p.setAnalyzer(crisis.NewAnalyzer(rs))

	p.deduplicator = NewDeduplicator(p.client, nil)

	manager, err := offline.NewManager(
		kvstore.NewStateStore(f.kv, offlineScope),
		nil,
		nil,
		config.managerConfig(),
		&p.client.Log,
	)
	require.NoError(t, err)
	manager.OnStatusChange(p.publishSyncStatus)
	manager.OnTerminalFailure(p.onTerminalFailure)
	require.NoError(t, manager.Start())
	p.offline = manager

	p.registry = crisis.NewSessionRegistry(p.newSession, nil, &p.client.Log)

	t.Cleanup(func() {
		_ = p.OnDeactivate()
	})

	return f
}
