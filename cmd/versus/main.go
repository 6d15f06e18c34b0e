// Versus - two-player netplay for a deterministic fighting game.
//
// One process is the server (the authority that sends periodic world
// snapshots), the other is the client. Both simulate every tick locally,
// exchange input changes, and roll back and replay when a late input or a
// snapshot shows they diverged.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/versus-project/versus/internal/api"
	"github.com/versus-project/versus/internal/cli"
	"github.com/versus-project/versus/internal/config"
	"github.com/versus-project/versus/internal/db"
	"github.com/versus-project/versus/internal/events"
	"github.com/versus-project/versus/internal/input"
	"github.com/versus-project/versus/internal/monitor"
	"github.com/versus-project/versus/internal/netplay"
	"github.com/versus-project/versus/internal/network"
	"github.com/versus-project/versus/internal/sim"
	"github.com/versus-project/versus/internal/telemetry"
	"github.com/versus-project/versus/internal/util"
)

const (
	AppName    = "versus"
	AppVersion = "0.4.0"
	Banner     = `
 __   _____ _ __ ___ _   _ ___
 \ \ / / _ \ '__/ __| | | / __|
  \ V /  __/ |  \__ \ |_| \__ \
   \_/ \___|_|  |___/\__,_|___/  v%s
`
)

type flags struct {
	configDir string
	role      string
	host      string
	port      int
	transport string
	setup     bool
	botSeed   uint64
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configDir, "config", config.DefaultConfigDir, "configuration directory")
	flag.StringVar(&f.role, "role", "", "server or client (overrides config)")
	flag.StringVar(&f.host, "host", "", "server address to dial as client (overrides config)")
	flag.IntVar(&f.port, "port", 0, "netplay port (overrides config)")
	flag.StringVar(&f.transport, "transport", "", "tcp or websocket (overrides config)")
	flag.BoolVar(&f.setup, "setup", false, "run the interactive setup wizard and exit")
	flag.Uint64Var(&f.botSeed, "bot", 0, "drive the local player with a seeded bot (0 holds neutral)")
	flag.Parse()
	return f
}

// applyOverrides copies command-line values over the loaded netplay section.
func applyOverrides(cfg *config.Config, f flags) {
	n := cfg.GetNetplay()
	if f.role != "" {
		n.Role = f.role
	}
	if f.host != "" {
		n.Host = f.host
	}
	if f.port != 0 {
		n.Port = f.port
	}
	if f.transport != "" {
		n.Transport = f.transport
	}
	cfg.SetNetplay(n)
}

func main() {
	f := parseFlags()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	logCloser, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting versus")

	cfg, err := config.Load(f.configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if f.setup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
		return
	}

	// Re-initialize logger with config-based settings
	app := cfg.GetApplicationData()
	logCloser.Close()
	logCloser, err = util.InitLogger(util.LogConfig{
		Level:      app.Logging.Level,
		Directory:  app.Logging.Directory,
		MaxSizeMB:  app.Logging.MaxSizeMB,
		MaxBackups: app.Logging.MaxBackups,
		Console:    true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
		logCloser = io.NopCloser(nil)
	}

	applyOverrides(cfg, f)

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, fix the errors above or run with -setup")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Str("local_ip", sysInfo.LocalIP).
		Msg("system information")

	code := run(cfg, f)
	logCloser.Close()
	os.Exit(code)
}

// run wires the supporting services, plays one match and returns the exit code.
func run(cfg *config.Config, f flags) int {
	n := cfg.GetNetplay()
	app := cfg.GetApplicationData()
	role, _ := events.ParseRole(n.Role)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	latency := monitor.NewLatencyMonitor(eventBus, monitor.Thresholds{
		Warning:  time.Duration(app.Monitor.RTTWarningMS) * time.Millisecond,
		Critical: time.Duration(app.Monitor.RTTCriticalMS) * time.Millisecond,
	})

	var matchLog *db.MatchLog
	if app.Database.Enabled {
		ml, err := db.NewMatchLog(app.Database.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open match log, history disabled")
		} else {
			matchLog = ml
			defer matchLog.Close()
			if days := app.Database.RetentionDays; days > 0 {
				if _, err := matchLog.Prune(time.Now().AddDate(0, 0, -days)); err != nil {
					log.Warn().Err(err).Msg("failed to prune match history")
				}
			}
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if app.MQTT.Enabled {
		h, err := telemetry.NewMQTTHandler(app.MQTT, role, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			mqttHandler = h
		}
	}

	var apiServer *api.Server
	if app.API.Enabled {
		apiServer = api.NewServer(cfg, eventBus, AppVersion)
		apiServer.SetDependencies(latency, matchLog)
	}

	console := cli.NewCLI(cfg, eventBus, latency, matchLog, os.Stdout)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		latency.Start(ctx, time.Duration(app.Monitor.CheckIntervalSec)*time.Second)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", app.API.Port).Msg("starting status API")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("status API failed after retries (non-fatal)")
			}
		}()
	}

	// The console goroutine is not waited for: it may be blocked on stdin.
	go console.Start(ctx, os.Stdin)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	summary, err := playMatch(ctx, n, f.botSeed, eventBus, matchLog, func(s netplay.Session) {
		console.SetSession(s)
		if apiServer != nil {
			apiServer.SetSession(s)
		}
	})
	stats := latency.Stats()
	summary.Latency = &stats
	summary.Err = err
	cli.PrintMatchSummary(os.Stdout, summary)

	exit := 0
	if err != nil {
		log.Error().Err(err).Msg("match failed")
		exit = 1
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("versus stopped")
	return exit
}

// playMatch connects to the peer, records the match and runs it to the end.
func playMatch(ctx context.Context, n config.NetplayConfig, botSeed uint64, bus *events.EventBus, matchLog *db.MatchLog, onSession func(netplay.Session)) (cli.MatchSummary, error) {
	role, _ := events.ParseRole(n.Role)

	raw, err := connect(ctx, role, n)
	if err != nil {
		return cli.MatchSummary{}, err
	}
	conn := network.NewConnection(raw, network.Timeouts{Idle: n.IdleTimeout(), Write: n.WriteTimeout()})
	peer := raw.RemoteAddr().String()

	controller := input.Neutral()
	if botSeed != 0 {
		controller = input.Bot(botSeed, 6)
	}
	local := input.NewHumanInput(controller)
	remote := input.NewNetworkInput()

	// The server always plays the first fighter.
	var duel *sim.Duel
	if role == events.RoleServer {
		duel = sim.NewDuel(local, remote, n.RoundTime)
	} else {
		duel = sim.NewDuel(remote, local, n.RoundTime)
	}

	var summary cli.MatchSummary
	var detach func()
	if matchLog != nil {
		id, err := matchLog.BeginMatch(role, peer, n.Transport, time.Now())
		if err != nil {
			log.Warn().Err(err).Msg("failed to record match start")
		} else {
			summary.MatchID = id
			detach = matchLog.Attach(bus, id)
		}
	}

	result, matchErr := netplay.RunMatch(ctx, conn, netplay.MatchOptions{
		Role:             role,
		Sim:              duel,
		Local:            local,
		Remote:           remote,
		TickRate:         n.TickRate,
		MaxTicks:         uint32(n.MatchTicks),
		SnapshotInterval: uint32(n.SnapshotIntervalTicks),
		PingInterval:     n.PingInterval(),
		HandshakeTimeout: n.HandshakeTimeout(),
		Bus:              bus,
		OnSession:        onSession,
	})
	onSession(nil)
	summary.Result = result

	if detach != nil {
		detach()
		outcome := db.MatchOutcome{
			Ticks:         result.Ticks,
			Duration:      result.Duration,
			PacketsSent:   result.Stats.PacketsSent,
			PacketsRecv:   result.Stats.PacketsReceived,
			SnapshotsSent: result.Stats.SnapshotsSent,
			SnapshotsRecv: result.Stats.SnapshotsReceived,
		}
		if matchErr != nil {
			outcome.Error = matchErr.Error()
		}
		if err := matchLog.EndMatch(summary.MatchID, outcome, time.Now()); err != nil {
			log.Warn().Err(err).Int64("match_id", summary.MatchID).Msg("failed to record match end")
		}
	}

	return summary, matchErr
}

// connect opens the byte stream to the peer over the configured transport.
func connect(ctx context.Context, role events.Role, n config.NetplayConfig) (net.Conn, error) {
	opts := network.DialOptions{Attempts: n.ConnectAttempts, Backoff: n.ConnectBackoff()}

	switch {
	case role == events.RoleServer && n.Transport == config.TransportWebSocket:
		return network.AcceptWebSocket(ctx, n.Port)
	case role == events.RoleServer:
		return network.AcceptTCP(ctx, n.Port)
	case n.Transport == config.TransportWebSocket:
		return network.DialWebSocket(ctx, n.Host, n.Port, opts)
	default:
		return network.DialTCP(ctx, n.Host, n.Port, opts)
	}
}

// startWithRetry attempts to start a listener/server with retry on bind errors.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
