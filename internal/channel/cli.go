package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"relaybot/internal/domain"
)

const incompleteNote = "(stopped early: the tool budget for this message ran out)"

// CLI is an interactive terminal chat bound to a single thread. Every line
// waits for its reply before the next prompt.
type CLI struct {
	thread  string
	in      io.Reader
	out     io.Writer
	spinner bool
	logger  *slog.Logger

	replies chan domain.OutboundMessage
}

type CLIConfig struct {
	Thread string
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
	// Spinner animates a "thinking" line while waiting; off for pipes.
	Spinner bool
}

func NewCLI(cfg CLIConfig) *CLI {
	c := &CLI{
		thread:  cfg.Thread,
		in:      cfg.In,
		out:     cfg.Out,
		spinner: cfg.Spinner,
		logger:  cfg.Logger,
		replies: make(chan domain.OutboundMessage, 1),
	}
	if c.thread == "" {
		c.thread = "cli:direct"
	}
	if c.in == nil {
		c.in = os.Stdin
	}
	if c.out == nil {
		c.out = os.Stdout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *CLI) Name() string { return "cli" }

func isQuit(line string) bool {
	switch line {
	case "/quit", "/exit", "/q":
		return true
	}
	return false
}

// readLines feeds trimmed non-empty lines from r until EOF or stop closes.
// The returned error channel yields the scanner's error once lines closes.
func readLines(r io.Reader, stop <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-stop:
				return
			}
		}
		errc <- sc.Err()
	}()
	return lines, errc
}

// Start runs the prompt loop until EOF, a quit command, or ctx ends.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	bus.OnOutbound(c.Name(), func(msg domain.OutboundMessage) {
		select {
		case c.replies <- msg:
		default:
			c.logger.Warn("cli reply dropped, none pending", "content_len", len(msg.Content))
		}
	})

	stop := make(chan struct{})
	defer close(stop)
	lines, readErr := readLines(c.in, stop)

	fmt.Fprintf(c.out, "relaybot (thread %s). Type a message and press Enter. /help lists commands, /quit exits.\n", c.thread)
	for {
		fmt.Fprint(c.out, "you> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(c.out)
				return <-readErr
			}
			line = l
		}
		if isQuit(line) {
			return nil
		}

		msg := domain.InboundMessage{Channel: c.Name(), ChatID: "direct", SenderID: "local", Thread: c.thread, Content: line}
		if err := bus.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		reply, ok := c.await(ctx)
		if !ok {
			return nil
		}
		fmt.Fprintln(c.out, "bot> "+reply.Content)
		if reply.Incomplete {
			fmt.Fprintln(c.out, incompleteNote)
		}
	}
}

func (c *CLI) await(ctx context.Context) (domain.OutboundMessage, bool) {
	if c.spinner {
		defer spin(c.out)()
	}
	select {
	case reply := <-c.replies:
		return reply, true
	case <-ctx.Done():
		return domain.OutboundMessage{}, false
	}
}

var spinnerFrames = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// spin draws a spinner on out until the returned function is called, which
// also erases it.
func spin(out io.Writer) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for i := 0; ; i++ {
			select {
			case <-quit:
				fmt.Fprint(out, "\r\033[K")
				return
			case <-tick.C:
				fmt.Fprintf(out, "\r%c thinking...", spinnerFrames[i%len(spinnerFrames)])
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}
