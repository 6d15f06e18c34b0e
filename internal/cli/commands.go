// Package cli implements the interactive console of a versus peer and the
// end-of-match summary tables.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/versus-project/versus/internal/config"
	"github.com/versus-project/versus/internal/db"
	"github.com/versus-project/versus/internal/events"
	"github.com/versus-project/versus/internal/monitor"
	"github.com/versus-project/versus/internal/netplay"
)

// StatsSource is the part of a session the console reads.
type StatsSource interface {
	Stats() netplay.Stats
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	latency  *monitor.LatencyMonitor
	matches  *db.MatchLog
	out      io.Writer

	mu      sync.Mutex
	session StatsSource
}

// NewCLI creates a new CLI handler. latency and matches may be nil.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, latency *monitor.LatencyMonitor, matches *db.MatchLog, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		latency:  latency,
		matches:  matches,
		out:      out,
	}
}

// SetSession sets the session shown by "status"; nil clears it.
func (c *CLI) SetSession(s StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *CLI) currentSession() StatsSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Start reads commands from in until EOF or ctx is cancelled.
func (c *CLI) Start(ctx context.Context, in io.Reader) {
	fmt.Fprintln(c.out, "\nversus console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus()
	case "latency", "lat":
		return c.printLatency()
	case "matches":
		return c.printMatches(args)
	case "set":
		return c.cmdSet(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down versus...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n  status             Show the running session's counters")
	fmt.Fprintln(c.out, "  latency            Show round-trip statistics")
	fmt.Fprintln(c.out, "  matches [n]        List the last n recorded matches")
	fmt.Fprintln(c.out, "  set <key> <value>  Change a netplay setting for the next match")
	fmt.Fprintln(c.out, "  quit               Leave the match and exit")
	fmt.Fprintln(c.out, "  help               Show this help message")
	fmt.Fprintln(c.out)
}

func (c *CLI) printStatus() error {
	s := c.currentSession()
	if s == nil {
		return fmt.Errorf("no active session")
	}
	WriteSessionTable(c.out, s.Stats())
	return nil
}

func (c *CLI) printLatency() error {
	if c.latency == nil {
		return fmt.Errorf("latency monitor not running")
	}
	WriteLatencyTable(c.out, c.latency.Stats())
	return nil
}

func (c *CLI) printMatches(args []string) error {
	if c.matches == nil {
		return fmt.Errorf("match log disabled")
	}
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	matches, err := c.matches.RecentMatches(limit)
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Role", "Peer", "Transport", "Started", "Ticks", "Resyncs", "Avg RTT", "Error"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, m := range matches {
		tw.Append([]string{
			strconv.FormatInt(m.ID, 10),
			m.Role,
			m.Peer,
			m.Transport,
			m.StartedAt.Format(time.RFC3339),
			strconv.FormatUint(uint64(m.Ticks), 10),
			strconv.Itoa(m.Resyncs),
			formatRTT(m.AvgRTT),
			m.Error,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdSet(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set <key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")
	var value interface{} = raw
	if n, err := strconv.Atoi(raw); err == nil {
		value = n
	}

	previous := c.cfg.GetNetplay()
	if err := c.cfg.UpdateNetplayField(key, value); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetNetplay(previous)
		return fmt.Errorf("%s: %s", result.Errors[0].Field, result.Errors[0].Message)
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:   events.EventConfigChanged,
		Source: "cli",
		Payload: events.ConfigChangedPayload{
			Section: "netplay",
			Key:     key,
			Value:   value,
		},
	})
	log.Info().Str("component", "cli").Str("key", key).Str("value", raw).Msg("netplay setting updated")
	fmt.Fprintf(c.out, "Config updated: %s = %s (applies to the next match)\n", key, raw)
	return nil
}
