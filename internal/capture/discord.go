// Package capture hosts live message sources that feed the ingest
// pipeline without a transcript file.
package capture

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/dwalters/threadkeeper/internal/ingest"
	"github.com/dwalters/threadkeeper/internal/logging"
	"github.com/dwalters/threadkeeper/internal/transcript"
)

// DiscordConfig holds Discord connection settings.
type DiscordConfig struct {
	Token     string
	ChannelID string
}

// DiscordSource listens to a Discord channel and pushes each message into
// the pipeline as a live turn. Each Discord channel maps to one session.
type DiscordSource struct {
	session   *discordgo.Session
	channelID string
	botID     string
	pipeline  *ingest.Pipeline
}

// NewDiscordSource creates a source. It does not connect until Start.
func NewDiscordSource(cfg DiscordConfig, pipeline *ingest.Pipeline) (*DiscordSource, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	source := &DiscordSource{
		session:   session,
		channelID: cfg.ChannelID,
		pipeline:  pipeline,
	}

	session.AddHandler(source.handleMessage)

	// We only need message content
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	return source, nil
}

// Start connects to Discord and begins listening.
func (d *DiscordSource) Start() error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	// Bot's own ID, for self-filtering
	d.botID = d.session.State.User.ID
	logging.Info("discord", "connected as %s", d.session.State.User.Username)

	return nil
}

// Stop disconnects from Discord.
func (d *DiscordSource) Stop() error {
	return d.session.Close()
}

func (d *DiscordSource) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == d.botID {
		return
	}
	if d.channelID != "" && m.ChannelID != d.channelID {
		return
	}
	if m.Content == "" {
		return
	}

	role := transcript.RoleHuman
	if m.Author.Bot {
		role = transcript.RoleAssistant
	}

	content := m.Content
	if role == transcript.RoleHuman {
		content = fmt.Sprintf("[meta] name=%s; id=%s; channel=discord\n%s",
			m.Author.Username, m.Author.ID, m.Content)
	}

	sessionKey := "discord-" + m.ChannelID
	result, err := d.pipeline.IngestTurn(context.Background(), sessionKey, role, content, string(transcript.ProvenanceChatBot))
	if err != nil {
		logging.Warn("discord", "turn dropped: %v", err)
		return
	}

	logging.Debug("discord", "%s: %q (+%d persons)",
		m.Author.Username, logging.Truncate(m.Content, 50), result.NewPersons)
}
