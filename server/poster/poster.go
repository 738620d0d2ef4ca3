package poster

import (
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/crisis"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/formatter"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/hashtag"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/offline"
)

// Poster delivers crisis notices to Mattermost channels and users.
// This struct is stateless - it only holds immutable configuration (API and botID).
type Poster struct {
	api   plugin.API
	botID string
}

// New creates a new Poster instance.
func New(api plugin.API, botID string) *Poster {
	return &Poster{
		api:   api,
		botID: botID,
	}
}

// PostResponderNotice posts a formatted escalation notice to the responder
// channel, followed by a threaded reply carrying its hashtags.
//
// Returns an error only if the main post fails. A failed reply is logged.
func (p *Poster) PostResponderNotice(notice formatter.ResponderNotice, channelID string) error {
	post := &model.Post{
		UserId:    p.botID,
		ChannelId: channelID,
		Type:      model.PostTypeSlackAttachment,
		Props:     model.StringInterface{},
	}
	model.ParseSlackAttachment(post, []*model.SlackAttachment{formatter.FormatResponderNotice(notice)})

	created, err := p.api.CreatePost(post)
	if err != nil {
		return err
	}

	tags := hashtag.Generate(hashtag.Input{
		Level:      notice.Result.Level,
		Categories: notice.Result.Categories,
		Trend:      notice.Trend,
		Source:     notice.Source,
	})

	reply := &model.Post{
		UserId:    p.botID,
		ChannelId: channelID,
		RootId:    created.Id,
		Message:   tags,
	}
	if _, err := p.api.CreatePost(reply); err != nil {
		p.api.LogError("Failed to post responder notice tags", "error", err.Error(), "analysisId", notice.Result.ID)
	}

	return nil
}

// SendAlert shows the user-facing alert to userID only, as an ephemeral post
// in channelID.
func (p *Poster) SendAlert(userID, channelID string, alert *crisis.Alert, resources []offline.Resource) *model.Post {
	post := &model.Post{
		UserId:    p.botID,
		ChannelId: channelID,
		Type:      model.PostTypeSlackAttachment,
		Props:     model.StringInterface{},
	}
	model.ParseSlackAttachment(post, []*model.SlackAttachment{formatter.FormatAlert(alert, resources)})

	return p.api.SendEphemeralPost(userID, post)
}

// PostSyncFailure tells userID, by direct message, that a queued item was
// dropped after its retries were exhausted.
func (p *Poster) PostSyncFailure(userID string, failure offline.TerminalFailure) error {
	channel, appErr := p.api.GetDirectChannel(userID, p.botID)
	if appErr != nil {
		return appErr
	}

	post := &model.Post{
		UserId:    p.botID,
		ChannelId: channel.Id,
		Type:      model.PostTypeSlackAttachment,
		Props:     model.StringInterface{},
	}
	model.ParseSlackAttachment(post, []*model.SlackAttachment{formatter.FormatSyncFailure(failure)})

	if _, err := p.api.CreatePost(post); err != nil {
		return err
	}
	return nil
}
