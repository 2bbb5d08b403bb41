package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"relaybot/internal/domain"
)

// Version is overridden at link time.
var Version = "0.1.0"

var processStart = time.Now()

// ChatCommand is a "/name arg..." message.
type ChatCommand struct {
	Name string // lowercased, without the slash
	Args []string
	Raw  string
}

// CommandResult is what a chat command answers. Handled is false for names
// no command claims; such text goes to the backend like any message.
type CommandResult struct {
	Response string
	Handled  bool
}

// ParseCommand returns nil unless text starts with a slash.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	fields := strings.Fields(text)
	return &ChatCommand{Name: strings.ToLower(fields[0][1:]), Args: fields[1:], Raw: text}
}

type chatCommand struct {
	names []string
	usage string
	run   func(o *Orchestrator, ctx context.Context, threadID string) string
}

var chatCommands = []chatCommand{
	{names: []string{"help"}, usage: "show this list"}, // answered by HandleCommand
	{names: []string{"new", "clear"}, usage: "forget this thread and start over", run: (*Orchestrator).clearCommand},
	{names: []string{"history"}, usage: "show this thread's turns", run: (*Orchestrator).historyCommand},
	{names: []string{"status"}, usage: "backend, budget and busy policy", run: (*Orchestrator).statusCommand},
	{names: []string{"tools"}, usage: "list registered capabilities", run: (*Orchestrator).toolsCommand},
	{names: []string{"uptime"}, usage: "time since start", run: func(*Orchestrator, context.Context, string) string {
		return "Uptime: " + time.Since(processStart).Round(time.Second).String()
	}},
	{names: []string{"version"}, usage: "build information", run: func(*Orchestrator, context.Context, string) string { return versionLine() }},
}

func lookupCommand(name string) *chatCommand {
	for i := range chatCommands {
		for _, n := range chatCommands[i].names {
			if n == name {
				return &chatCommands[i]
			}
		}
	}
	return nil
}

// HandleCommand runs cmd against threadID.
func (o *Orchestrator) HandleCommand(ctx context.Context, threadID string, cmd *ChatCommand) CommandResult {
	c := lookupCommand(cmd.Name)
	if c == nil {
		return CommandResult{}
	}
	if c.run == nil {
		return CommandResult{Response: commandHelp(), Handled: true}
	}
	return CommandResult{Response: c.run(o, ctx, threadID), Handled: true}
}

func commandHelp() string {
	var sb strings.Builder
	sb.WriteString("Commands\n\n")
	tw := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	for _, c := range chatCommands {
		fmt.Fprintf(tw, "/%s\t%s\n", strings.Join(c.names, ", /"), c.usage)
	}
	tw.Flush()
	return strings.TrimRight(sb.String(), "\n")
}

func versionLine() string {
	return fmt.Sprintf("relaybot v%s (%s/%s, %s)", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func (o *Orchestrator) clearCommand(ctx context.Context, threadID string) string {
	if err := o.ClearHistory(ctx, threadID); err != nil {
		return "Could not clear thread: " + err.Error()
	}
	return "Thread cleared. Starting fresh."
}

func (o *Orchestrator) historyCommand(ctx context.Context, threadID string) string {
	turns, err := o.History(ctx, threadID)
	switch {
	case err != nil:
		return "Could not load history: " + err.Error()
	case len(turns) == 0:
		return "No history yet."
	}
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(FormatTurn(t))
	}
	return sb.String()
}

func (o *Orchestrator) statusCommand(_ context.Context, threadID string) string {
	var sb strings.Builder
	fmt.Fprintln(&sb, versionLine())
	sb.WriteByte('\n')
	for _, row := range [][2]string{
		{"Backend", o.backend.Name()},
		{"Thread", threadID},
		{"Budget per call", fmt.Sprint(o.budget)},
		{"Busy policy", string(o.threads.Policy())},
		{"Capabilities", fmt.Sprintf("%d registered", len(o.catalog.Capabilities()))},
		{"Uptime", time.Since(processStart).Round(time.Second).String()},
	} {
		fmt.Fprintf(&sb, "%s: %s\n", row[0], row[1])
	}
	return sb.String()
}

func (o *Orchestrator) toolsCommand(context.Context, string) string {
	caps := o.catalog.Capabilities()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Available capabilities (%d)\n\n", len(caps))
	for _, c := range caps {
		fmt.Fprintf(&sb, "- %s: %s\n", c.Name, c.Description)
	}
	return sb.String()
}

const maxTurnPayload = 200

// FormatTurn renders a turn on one line: index, time, role, then the text or
// the invocation outcome.
func FormatTurn(t domain.Turn) string {
	head := fmt.Sprintf("#%d %s [%s]", t.Index, t.Timestamp.Format("15:04:05"), t.Role)
	r := t.Result
	if r == nil {
		return head + " " + t.Text
	}
	call := fmt.Sprintf("%s %s(%s)", head, r.Capability, r.RequestID)
	if !r.OK {
		return fmt.Sprintf("%s failed: %s: %s", call, r.Kind, r.Message)
	}
	body, err := json.Marshal(r.Payload)
	if err != nil {
		body = fmt.Append(nil, r.Payload)
	}
	if len(body) > maxTurnPayload {
		body = append(body[:maxTurnPayload], "..."...)
	}
	return call + " ok: " + string(body)
}
