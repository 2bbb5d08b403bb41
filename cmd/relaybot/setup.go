package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"relaybot/internal/config"
)

type backendChoice struct {
	Provider string
	APIBase  string
	Model    string
	EnvVar   string // empty when no key is needed
}

var knownBackends = []backendChoice{
	{Provider: "ollama", APIBase: "http://localhost:11434", Model: "llama3.1:8b"},
	{Provider: "openai", APIBase: "https://api.openai.com/v1", Model: "gpt-4o-mini", EnvVar: "OPENAI_API_KEY"},
	{Provider: "moonshot", EnvVar: "MOONSHOT_API_KEY"},
	{Provider: "claude", EnvVar: "ANTHROPIC_API_KEY"},
	{Provider: "scripted"},
}

var knownChannels = []struct {
	ID   string
	Desc string
}{
	{"cli", "interactive terminal only (relaybot chat)"},
	{"api", "HTTP API and OpenAI-compatible endpoint"},
	{"telegram", "Telegram bot"},
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: sandbox root, backend and channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd.InOrStdin(), cmd.OutOrStdout(), resolveConfigPath())
		},
	}
}

// setupPrompter reads answers line by line; an empty answer keeps the default.
type setupPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *setupPrompter) ask(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if s := strings.TrimSpace(line); s != "" {
		return s, nil
	}
	return def, nil
}

func (p *setupPrompter) choose(question string, n, def int) (int, error) {
	ans, err := p.ask(fmt.Sprintf("%s (1-%d)", question, n), strconv.Itoa(def))
	if err != nil {
		return 0, err
	}
	idx, err := strconv.Atoi(ans)
	if err != nil || idx < 1 || idx > n {
		return def, nil
	}
	return idx, nil
}

func runSetup(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		cfg = config.Defaults()
	}
	p := &setupPrompter{in: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "relaybot setup")
	fmt.Fprintln(out, "\n--- Step 1: Sandbox root ---")
	root, err := p.ask("Directory the file tools may access", cfg.Security.Root)
	if err != nil {
		return err
	}
	cfg.Security.Root = config.ExpandPath(root)
	cfg.General.Workspace = cfg.Security.Root
	cfg.Memory.DBPath = config.ExpandPath(cfg.Memory.DBPath)
	if err := os.MkdirAll(cfg.Security.Root, 0o755); err != nil {
		return fmt.Errorf("create sandbox root: %w", err)
	}

	fmt.Fprintln(out, "\n--- Step 2: Model backend ---")
	def := 1
	for i, b := range knownBackends {
		fmt.Fprintf(out, "  %d) %s", i+1, b.Provider)
		if b.EnvVar != "" {
			fmt.Fprintf(out, " (needs %s)", b.EnvVar)
		}
		fmt.Fprintln(out)
		if b.Provider == cfg.Backend.Provider {
			def = i + 1
		}
	}
	idx, err := p.choose("Choose backend", len(knownBackends), def)
	if err != nil {
		return err
	}
	choice := knownBackends[idx-1]
	if choice.Provider != cfg.Backend.Provider {
		cfg.Backend = config.BackendConfig{
			Provider:       choice.Provider,
			APIBase:        choice.APIBase,
			Model:          choice.Model,
			TimeoutSeconds: cfg.Backend.TimeoutSeconds,
		}
	}
	if choice.EnvVar != "" {
		key, err := p.ask("API key (or an env reference)", "${"+choice.EnvVar+"}")
		if err != nil {
			return err
		}
		cfg.Backend.APIKey = key
	}

	fmt.Fprintln(out, "\n--- Step 3: Channel ---")
	for i, c := range knownChannels {
		fmt.Fprintf(out, "  %d) %s: %s\n", i+1, c.ID, c.Desc)
	}
	chIdx, err := p.choose("Choose channel", len(knownChannels), 1)
	if err != nil {
		return err
	}
	switch knownChannels[chIdx-1].ID {
	case "api":
		cfg.Channels.API.Enabled = true
		key, err := p.ask("API bearer key (empty allows anyone on the listen address)", cfg.Channels.API.APIKey)
		if err != nil {
			return err
		}
		cfg.Channels.API.APIKey = key
	case "telegram":
		cfg.Channels.Telegram.Enabled = true
		tok, err := p.ask("Telegram bot token (from @BotFather)", cfg.Channels.Telegram.Token)
		if err != nil {
			return err
		}
		cfg.Channels.Telegram.Token = tok
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	fmt.Fprintln(out, "Next: run 'relaybot chat', or 'relaybot serve' for the network channels.")
	return nil
}
