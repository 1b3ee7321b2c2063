package notify

import (
	"fmt"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/signalbox/internal/event"
	"github.com/zulandar/signalbox/internal/models"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts notifications to a single Slack channel.
type Slack struct {
	client    slackClient
	channelID string
}

// SlackOpts holds parameters for creating a Slack notifier.
type SlackOpts struct {
	Token     string
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlack creates a Slack notifier.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: slack channel is required")
	}
	client := opts.Client
	if client == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("notify: slack token is required")
		}
		client = slackapi.New(opts.Token)
	}
	return &Slack{client: client, channelID: opts.ChannelID}, nil
}

func (s *Slack) SessionFinished(session models.Session, status string) {
	color := "good"
	if status == models.StatusFailed {
		color = "danger"
	}
	attachment := slackapi.Attachment{
		Color: color,
		Text:  finishedText(session, status),
	}
	if _, _, err := s.client.PostMessage(s.channelID, slackapi.MsgOptionAttachments(attachment)); err != nil {
		logDeliveryError("slack", err)
	}
}

func (s *Slack) ArtifactCreated(session models.Session, artifact event.Artifact) {
	if _, _, err := s.client.PostMessage(s.channelID, slackapi.MsgOptionText(artifactText(session, artifact), false)); err != nil {
		logDeliveryError("slack", err)
	}
}
