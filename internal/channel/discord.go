package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/domain"
)

const discordMaxMsgLen = 2000

var discordCommands = []*discordgo.ApplicationCommand{
	{
		Name:        "ask",
		Description: "Ask the assistant a question",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "question",
			Description: "Your question",
			Required:    true,
		}},
	},
	{Name: "history", Description: "Show this channel's conversation"},
	{Name: "clear", Description: "Start a fresh conversation"},
	{Name: "tools", Description: "List available tools"},
	{Name: "status", Description: "Show bot status"},
	{Name: "help", Description: "Show available commands"},
	{
		Name:        "pair",
		Description: "Pair this account with a code from the operator",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "code",
			Description: "Pairing code",
			Required:    true,
		}},
	},
}

// Discord serves a bot over the gateway websocket; each Discord channel is its
// own thread ("discord:<channel id>"). Slash commands are acknowledged with a
// deferred response that the reply later fills in.
type Discord struct {
	token   string
	guildID string // when set, only this guild is served
	logger  *slog.Logger

	session *discordgo.Session

	mu       sync.Mutex
	deferred map[string][]*discordgo.Interaction // by channel id, oldest first
}

type DiscordConfig struct {
	Token   string
	GuildID string
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	d := &Discord{token: cfg.Token, guildID: cfg.GuildID, logger: cfg.Logger, deferred: make(map[string][]*discordgo.Interaction)}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	publish := func(msg domain.InboundMessage) {
		if err := bus.Publish(ctx, msg); err != nil {
			d.logger.Error("discord publish failed", "error", err)
		}
	}
	bus.OnOutbound(d.Name(), d.reply)
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if msg, ok := d.fromMessage(s.State.User.ID, m); ok {
			publish(msg)
		}
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if msg, ok := d.fromInteraction(i); ok {
			d.ack(i.Interaction)
			publish(msg)
		}
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)
	// Overwriting replaces commands left over from older builds.
	if _, err := session.ApplicationCommandBulkOverwrite(session.State.User.ID, d.guildID, discordCommands); err != nil {
		d.logger.Warn("discord slash command registration failed", "error", err)
	}

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// fromMessage accepts human messages in the configured guild (or DMs), with a
// leading bot mention removed.
func (d *Discord) fromMessage(selfID string, m *discordgo.MessageCreate) (domain.InboundMessage, bool) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == selfID {
		return domain.InboundMessage{}, false
	}
	if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
		return domain.InboundMessage{}, false
	}
	text := stripMention(m.Content)
	if text == "" {
		return domain.InboundMessage{}, false
	}
	return domain.InboundMessage{Channel: d.Name(), ChatID: m.ChannelID, SenderID: m.Author.ID, Content: text}, true
}

func (d *Discord) fromInteraction(i *discordgo.InteractionCreate) (domain.InboundMessage, bool) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return domain.InboundMessage{}, false
	}
	var userID string
	switch {
	case i.Member != nil && i.Member.User != nil:
		userID = i.Member.User.ID
	case i.User != nil:
		userID = i.User.ID
	}
	return domain.InboundMessage{
		Channel:  d.Name(),
		ChatID:   i.ChannelID,
		SenderID: userID,
		Content:  slashContent(i.ApplicationCommandData()),
	}, true
}

// ack shows "thinking" for the interaction and remembers it so the next reply
// to its channel completes it.
func (d *Discord) ack(i *discordgo.Interaction) {
	err := d.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		d.logger.Warn("discord interaction ack failed", "error", err)
		return
	}
	d.mu.Lock()
	d.deferred[i.ChannelID] = append(d.deferred[i.ChannelID], i)
	d.mu.Unlock()
}

func (d *Discord) takeDeferred(channelID string) *discordgo.Interaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.deferred[channelID]
	if len(q) == 0 {
		return nil
	}
	if len(q) == 1 {
		delete(d.deferred, channelID)
	} else {
		d.deferred[channelID] = q[1:]
	}
	return q[0]
}

func (d *Discord) reply(msg domain.OutboundMessage) {
	if msg.Content == "" {
		return
	}
	chunks := splitMessage(decorate(msg.Content, msg.Incomplete), discordMaxMsgLen)
	if i := d.takeDeferred(msg.ChatID); i != nil {
		if _, err := d.session.InteractionResponseEdit(i, &discordgo.WebhookEdit{Content: &chunks[0]}); err == nil {
			chunks = chunks[1:]
		} else {
			d.logger.Warn("discord deferred reply failed, sending as message", "error", err)
		}
	}
	for _, chunk := range chunks {
		if _, err := d.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", msg.ChatID, "error", err)
		}
	}
}

// slashContent maps a slash command to chat text: /ask sends its question
// as a plain message, the rest become chat commands.
func slashContent(data discordgo.ApplicationCommandInteractionData) string {
	var arg string
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			arg = opt.StringValue()
		}
	}
	switch {
	case data.Name == "ask":
		return arg
	case arg != "":
		return "/" + data.Name + " " + arg
	}
	return "/" + data.Name
}
