package notify

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/signalbox/internal/event"
	"github.com/zulandar/signalbox/internal/models"
)

// Embed colors.
const (
	colorGreen = 0x2ecc71
	colorRed   = 0xe74c3c
	colorBlue  = 0x3498db
)

// discordSession abstracts the discordgo methods we use, enabling test mocks.
// Only the REST surface is needed; the notifier never opens the gateway.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts notifications to a single Discord channel.
type Discord struct {
	sess      discordSession
	channelID string
}

// DiscordOpts holds parameters for creating a Discord notifier.
type DiscordOpts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session discordSession
}

// NewDiscord creates a Discord notifier.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: discord channel is required")
	}
	sess := opts.Session
	if sess == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("notify: discord bot token is required")
		}
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("notify: discord session: %w", err)
		}
		sess = s
	}
	return &Discord{sess: sess, channelID: opts.ChannelID}, nil
}

func (d *Discord) SessionFinished(session models.Session, status string) {
	color := colorGreen
	if status == models.StatusFailed {
		color = colorRed
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Session " + status,
		Description: finishedText(session, status),
		Color:       color,
	}
	if _, err := d.sess.ChannelMessageSendEmbed(d.channelID, embed); err != nil {
		logDeliveryError("discord", err)
	}
}

func (d *Discord) ArtifactCreated(session models.Session, artifact event.Artifact) {
	embed := &discordgo.MessageEmbed{
		Title:       "New " + artifact.Type + " artifact",
		Description: artifactText(session, artifact),
		Color:       colorBlue,
	}
	if artifact.URL != "" {
		embed.URL = artifact.URL
	}
	if _, err := d.sess.ChannelMessageSendEmbed(d.channelID, embed); err != nil {
		logDeliveryError("discord", err)
	}
}
