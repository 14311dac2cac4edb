package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"sheetagent/internal/chat"
	"sheetagent/internal/domain"
)

var _ domain.Channel = (*CLI)(nil)

// CLI is an interactive terminal chat over one session.
type CLI struct {
	svc       *chat.Service
	sessionID string
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	spinner   bool
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}
}

type CLIConfig struct {
	Service   *chat.Service
	SessionID string
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
	Spinner   bool
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &CLI{
		svc:       cfg.Service,
		sessionID: cfg.SessionID,
		logger:    cfg.Logger,
		in:        cfg.In,
		out:       cfg.Out,
		spinner:   cfg.Spinner,
	}
}

func (c *CLI) Name() string { return "cli" }

const cliHelp = `Commands:
  /preview [n]  show the first rows of the current file
  /files        list the files of this session
  /tools        list the available tools
  /quit         exit`

// Start runs the REPL until EOF, /quit or ctx is cancelled.
func (c *CLI) Start(ctx context.Context) error {
	fmt.Fprintf(c.out, "sheetagent session %s. Ask a question about your data, /help for commands.\n", c.sessionID)
	fmt.Fprint(c.out, "You> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(c.out, "You> ")
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := c.command(ctx, line); quit {
				c.logger.Info("user requested quit")
				return nil
			}
			fmt.Fprint(c.out, "You> ")
			continue
		}

		c.startThinking()
		resp, err := c.svc.HandleMessage(ctx, c.sessionID, line)
		c.stopThinking()
		if err != nil {
			fmt.Fprintf(c.out, "error: %s\n", domain.MessageOf(err))
		} else {
			c.printResponse(ctx, resp)
		}
		fmt.Fprint(c.out, "You> ")
	}
}

// command handles a slash command and reports whether to quit.
func (c *CLI) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		fmt.Fprintln(c.out, cliHelp)
	case "/preview":
		limit := 0
		if len(fields) > 1 {
			fmt.Sscanf(fields[1], "%d", &limit)
		}
		p, err := c.svc.Preview(ctx, c.sessionID, limit)
		if err != nil {
			fmt.Fprintf(c.out, "error: %s\n", domain.MessageOf(err))
			return false
		}
		fmt.Fprintf(c.out, "%s [%s] %d rows\n", p.File, p.Sheet, p.TotalRows)
		fmt.Fprintln(c.out, strings.Join(p.Header, " | "))
		for _, row := range p.Rows {
			fmt.Fprintln(c.out, strings.Join(row, " | "))
		}
	case "/files":
		tr, err := c.svc.Session(ctx, c.sessionID)
		if err != nil {
			fmt.Fprintf(c.out, "error: %s\n", domain.MessageOf(err))
			return false
		}
		for _, f := range tr.Files {
			marker := ""
			if f.Name == tr.Current {
				marker = " [current]"
			}
			if f.Tool == "" {
				fmt.Fprintf(c.out, "  %s (original)%s\n", f.Name, marker)
			} else {
				fmt.Fprintf(c.out, "  %s (from %s, step %d)%s\n", f.Name, f.Tool, f.Step, marker)
			}
		}
	case "/tools":
		for _, def := range c.svc.Tools() {
			fmt.Fprintf(c.out, "  %-20s %s\n", def.Name, def.Description)
		}
	default:
		fmt.Fprintf(c.out, "unknown command %s\n%s\n", fields[0], cliHelp)
	}
	return false
}

func (c *CLI) printResponse(ctx context.Context, resp *chat.Response) {
	fmt.Fprintln(c.out, "--- sheetagent ---")
	fmt.Fprintln(c.out, resp.Text)
	if resp.Degraded {
		fmt.Fprintf(c.out, "(stopped early: %s)\n", resp.Reason)
	}
	for _, a := range resp.Attachments {
		if a.Chart != nil {
			fmt.Fprintf(c.out, "chart: %s of %d series over %s\n", a.Chart.Kind, len(a.Chart.Series), a.Chart.X)
			if a.Chart.Truncated && len(a.Chart.Series) > 0 {
				fmt.Fprintf(c.out, "  (showing %d of %d points)\n", len(a.Chart.Series[0].Values), a.Chart.Points)
			}
		}
		if a.Name == "" {
			continue
		}
		ref, err := c.svc.ResolveDownload(ctx, resp.SessionID, a.Name)
		if err != nil {
			fmt.Fprintf(c.out, "file: %s\n", a.Name)
			continue
		}
		fmt.Fprintf(c.out, "file: %s\n", ref.Path)
	}
	fmt.Fprintln(c.out, "------------------")
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	c.thinkDone = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				fmt.Fprint(c.out, "\r\033[K")
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				i++
			}
		}
	}(c.thinkStop, c.thinkDone)
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	<-c.thinkDone
}

// Stop is a no-op; the REPL exits when Start returns.
func (c *CLI) Stop() error { return nil }
