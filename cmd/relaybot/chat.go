package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"relaybot/internal/agent"
	"relaybot/internal/bus"
	"relaybot/internal/channel"
	"relaybot/internal/domain"
)

func chatCmd() *cobra.Command {
	var thread string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat on one thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx, stop := signalContext()
				defer stop()
				_ = a.checkBackend(ctx)

				if thread == "" {
					thread = "cli:" + uuid.NewString()[:8]
				}
				b := bus.New(16, logger)
				gw := agent.NewGateway(agent.GatewayConfig{
					Orchestrator: a.orch,
					Bus:          b,
					Trusted:      []string{"cli"},
					Concurrency:  1,
					Metrics:      a.metrics,
					Logger:       logger,
				})
				done := make(chan struct{})
				go func() {
					gw.Run(ctx)
					close(done)
				}()

				cli := channel.NewCLI(channel.CLIConfig{
					Thread:  thread,
					Logger:  logger,
					In:      cmd.InOrStdin(),
					Out:     cmd.OutOrStdout(),
					Spinner: isatty.IsTerminal(os.Stdout.Fd()),
				})
				err := cli.Start(ctx, b)
				b.Close()
				<-done
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&thread, "thread", "t", "", "thread to continue (default: a new one)")
	return cmd
}

func askCmd() *cobra.Command {
	var (
		thread string
		budget int
	)
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx, stop := signalContext()
				defer stop()

				var opts []agent.Option
				if budget > 0 {
					opts = append(opts, agent.WithBudget(budget))
				}
				answer, err := a.orch.RunTurn(ctx, thread, strings.Join(args, " "), opts...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), answer.Text)
				if answer.Incomplete {
					fmt.Fprintln(cmd.ErrOrStderr(), "(stopped early: the tool budget for this message ran out)")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&thread, "thread", "t", "cli:default", "thread to append to")
	cmd.Flags().IntVar(&budget, "budget", 0, "tool invocations allowed for this message (default: general.loopBudget)")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat gateway with every enabled channel",
		Long:  "Starts the enabled channels (api, websocket, telegram, discord, slack) and the metrics endpoint. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx, stop := signalContext()
				defer stop()
				return serve(ctx, a)
			})
		},
	}
}

// enabledChannels builds the channels switched on in the config, plus the
// names that skip pairing.
func enabledChannels(a *app) (channels []domain.Channel, trusted []string) {
	ch := a.cfg.Channels
	if ch.API.Enabled {
		channels = append(channels, channel.NewAPI(channel.APIConfig{
			Listen:        ch.API.Listen,
			APIKey:        ch.API.APIKey,
			Secret:        ch.API.Secret,
			ReplyTimeout:  time.Duration(ch.API.ReplyTimeoutSeconds) * time.Second,
			Conversations: a.orch,
			Logger:        logger.With("channel", "api"),
		}))
		if ch.API.APIKey != "" {
			trusted = append(trusted, "api")
		}
	}
	if ch.WebSocket.Enabled {
		channels = append(channels, channel.NewWebSocketChannel(channel.WSConfig{
			Listen:         ch.WebSocket.Listen,
			Path:           ch.WebSocket.Path,
			AllowedOrigins: ch.WebSocket.AllowedOrigins,
			Logger:         logger.With("channel", "websocket"),
		}))
	}
	if ch.Telegram.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     ch.Telegram.Token,
			AllowFrom: ch.Telegram.AllowFrom,
			ParseMode: ch.Telegram.ParseMode,
			Logger:    logger.With("channel", "telegram"),
		}))
	}
	if ch.Discord.Enabled {
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:   ch.Discord.Token,
			GuildID: ch.Discord.GuildID,
			Logger:  logger.With("channel", "discord"),
		}))
	}
	if ch.Slack.Enabled {
		channels = append(channels, channel.NewSlack(channel.SlackConfig{
			BotToken: ch.Slack.BotToken,
			AppToken: ch.Slack.AppToken,
			Logger:   logger.With("channel", "slack"),
		}))
	}
	return channels, trusted
}

func serve(ctx context.Context, a *app) error {
	channels, trusted := enabledChannels(a)
	if len(channels) == 0 {
		return errors.New("no channels enabled; set channels.<name>.enabled in the config")
	}
	_ = a.checkBackend(ctx)

	b := bus.New(100, logger)
	events := bus.NewEventBus(logger)
	events.On(bus.EventPairingCodeIssued, func(e bus.Event) {
		fmt.Fprintf(os.Stderr, "Pairing code for %v user %v: %v\n", e.Payload["channel"], e.Payload["sender_id"], e.Payload["code"])
	})
	events.On(bus.AllEvents, func(e bus.Event) {
		logger.Debug("gateway event", "type", e.Type, "thread", e.Payload["thread"])
	})

	gw := agent.NewGateway(agent.GatewayConfig{
		Orchestrator: a.orch,
		Bus:          b,
		Events:       events,
		Pairing:      a.pairing(),
		Trusted:      trusted,
		Concurrency:  a.cfg.Channels.Concurrency,
		Metrics:      a.metrics,
		Logger:       logger,
	})
	gwDone := make(chan struct{})
	go func() {
		gw.Run(ctx)
		close(gwDone)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		g.Go(func() error {
			if err := ch.Start(gctx, b); err != nil {
				logger.Error("channel stopped", "channel", ch.Name(), "error", err)
			}
			return nil
		})
	}
	if a.cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, a) })
	}

	logger.Info("relaybot serving. Press Ctrl+C to stop.", "channels", len(channels))
	err := g.Wait()
	b.Close()
	<-gwDone
	logger.Info("shutdown complete")
	return err
}

func serveMetrics(ctx context.Context, a *app) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Endpoint, a.metrics.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint started", "addr", srv.Addr, "path", a.cfg.Metrics.Endpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
