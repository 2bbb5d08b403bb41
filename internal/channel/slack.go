package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"relaybot/internal/domain"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Channel over Socket Mode. Each Slack channel is its
// own thread ("slack:<channel id>").
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string
}

type SlackConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.client = api

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = auth.UserID
	s.logger.Info("slack bot connected", "user", auth.User, "user_id", auth.UserID)

	socket := socketmode.New(api)

	bus.OnOutbound(s.Name(), func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		s.sendMessage(msg.ChatID, decorate(msg.Content, msg.Incomplete))
	})

	go s.consume(ctx, socket)

	errCh := make(chan error, 1)
	go func() { errCh <- socket.RunContext(ctx) }()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) consume(ctx context.Context, socket *socketmode.Client) {
	for {
		var evt socketmode.Event
		select {
		case <-ctx.Done():
			return
		case evt = <-socket.Events:
		}

		// Unacknowledged envelopes make Slack drop the connection.
		if evt.Request != nil {
			socket.Ack(*evt.Request)
		}
		switch evt.Type {
		case socketmode.EventTypeEventsAPI:
			if ev, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
				s.handleEventsAPI(ctx, ev)
			}
		case socketmode.EventTypeSlashCommand:
			if cmd, ok := evt.Data.(slack.SlashCommand); ok {
				s.logger.Info("slack slash command", "command", cmd.Command, "user", cmd.UserID, "channel", cmd.ChannelID)
				s.publish(ctx, cmd.ChannelID, cmd.UserID, slashText(cmd))
			}
		}
	}
}

func (s *Slack) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.User == s.botUID || ev.User == "" || ev.SubType != "" || ev.BotID != "" {
			return
		}
		s.logger.Info("slack message received", "user", ev.User, "channel", ev.Channel, "content_len", len(ev.Text))
		s.publish(ctx, ev.Channel, ev.User, ev.Text)

	case *slackevents.AppMentionEvent:
		s.logger.Info("slack mention received", "user", ev.User, "channel", ev.Channel)
		s.publish(ctx, ev.Channel, ev.User, stripMention(ev.Text))
	}
}

// slashText maps "/relaybot history" to the chat command "/history"; any
// other text is sent as a plain message.
func slashText(cmd slack.SlashCommand) string {
	text := strings.TrimSpace(cmd.Text)
	switch first, _, _ := strings.Cut(text, " "); first {
	case "history", "clear", "new", "tools", "status", "help", "version", "uptime", "pair":
		return "/" + text
	}
	return text
}

// stripMention drops the leading "<@U123>" of an app mention.
func stripMention(text string) string {
	if strings.HasPrefix(text, "<@") {
		if idx := strings.Index(text, ">"); idx >= 0 {
			return strings.TrimSpace(text[idx+1:])
		}
	}
	return strings.TrimSpace(text)
}

func (s *Slack) publish(ctx context.Context, channelID, userID, content string) {
	err := s.bus.Publish(ctx, domain.InboundMessage{
		Channel:  s.Name(),
		ChatID:   channelID,
		SenderID: userID,
		Content:  content,
	})
	if err != nil {
		s.logger.Error("slack publish failed", "error", err)
	}
}

func (s *Slack) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		_, _, err := s.client.PostMessage(channelID, slack.MsgOptionText(chunk, false))
		if err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "error", err)
		}
	}
}
