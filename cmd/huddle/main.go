// Command huddle joins a voice channel on a signaling relay and exchanges
// audio with the other members over peer-to-peer WebRTC connections.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/huddle/internal/config"
	"github.com/MrWong99/huddle/internal/health"
	"github.com/MrWong99/huddle/internal/observe"
	"github.com/MrWong99/huddle/internal/prefs"
	"github.com/MrWong99/huddle/internal/signaling"
	"github.com/MrWong99/huddle/internal/voice"
	"github.com/MrWong99/huddle/pkg/audio"
	"github.com/MrWong99/huddle/pkg/audio/pcmpipe"
	"github.com/MrWong99/huddle/pkg/audio/webrtc"
	"github.com/MrWong99/huddle/pkg/provider/vad"
	"github.com/MrWong99/huddle/pkg/provider/vad/threshold"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	flags := pflag.NewFlagSet("huddle", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "huddle.yaml", "path to the YAML configuration file")
	logLevel := flags.String("log-level", "", "override client.log_level (debug, info, warn, error)")
	adminAddr := flags.String("admin-addr", "", "override client.admin_addr")
	muted := flags.Bool("muted", false, "join with the microphone muted")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "huddle: %v\n", err)
		return 2
	}
	if *showVersion {
		fmt.Println("huddle", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "huddle: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "huddle: %v\n", err)
		}
		return 1
	}
	if *logLevel != "" {
		cfg.Client.LogLevel = config.LogLevel(*logLevel)
		if !cfg.Client.LogLevel.IsValid() {
			fmt.Fprintf(os.Stderr, "huddle: invalid --log-level %q\n", *logLevel)
			return 2
		}
	}
	if *adminAddr != "" {
		cfg.Client.AdminAddr = *adminAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Client.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	logger.Info("huddle starting",
		"version", version,
		"config", *configPath,
		"user_id", cfg.Client.UserID,
		"channel_id", cfg.Client.ChannelID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "huddle",
		ServiceVersion: version,
		InstanceID:     cfg.Client.UserID,
		Registry:       promReg,
	})
	if err != nil {
		logger.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Audio backend and speaking detection ──────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg, logger)

	backend, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		logger.Error("failed to create audio backend", "err", err)
		return 1
	}
	engine, err := reg.CreateVAD(cfg.Activity)
	if err != nil {
		logger.Error("failed to create speaking detection", "err", err)
		return 1
	}

	store, err := prefs.Open(cfg.Audio.PreferencesFile)
	if err != nil {
		logger.Error("failed to open preferences", "err", err)
		return 1
	}

	// ── Peer connections ──────────────────────────────────────────────────────
	factory, err := webrtc.NewFactory(cfg.ICE.Servers, webrtc.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create WebRTC factory", "err", err)
		return 1
	}

	// ── Signaling and voice client ────────────────────────────────────────────
	header := make(http.Header)
	if cfg.Signaling.Cookie != "" {
		header.Set("Cookie", cfg.Signaling.Cookie)
	}
	relay := signaling.NewClient(signaling.ClientConfig{
		URL:        cfg.Signaling.URL,
		Header:     header,
		MaxRetries: cfg.Signaling.Reconnect.MaxRetries,
		Backoff:    cfg.Signaling.Reconnect.Backoff,
		MaxBackoff: cfg.Signaling.Reconnect.MaxBackoff,
		Logger:     logger,
	})

	client, err := voice.New(voice.Config{
		UserID:    cfg.Client.UserID,
		Username:  cfg.Client.Username,
		ChannelID: cfg.Client.ChannelID,
		VAD:       cfg.Activity.VAD(),
		Interval:  cfg.Activity.Interval,
		Gain:      cfg.Audio.Gain,
	}, voice.Deps{
		Transport: relay,
		Devices:   backend.Devices,
		Peers:     factory,
		Tracks:    factory,
		Sinks:     backend.Sinks,
		Prefs:     store,
		VAD:       engine,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create voice client", "err", err)
		return 1
	}
	defer client.Close()

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("config watcher disabled", "err", err)
	}

	printStartupSummary(cfg, reg)

	// ── Run ───────────────────────────────────────────────────────────────────
	// The relay outlives ctx so the leave announcement can still be sent.
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	g, gctx := errgroup.WithContext(relayCtx)

	g.Go(func() error {
		return relay.Run(gctx)
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx, func(d config.ConfigDiff, _ *config.Config) {
				applyConfigChange(logger, &level, client.Media().SetGain, d)
			})
		})
	}

	if cfg.Client.AdminAddr != "" {
		srv := newAdminServer(cfg.Client.AdminAddr, relay, client, promReg, metrics, logger)
		g.Go(func() error {
			logger.Info("admin server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := client.Join(ctx); err != nil {
		logger.Error("failed to join channel", "err", err)
		stopRelay()
		_ = g.Wait()
		return 1
	}
	if *muted {
		client.SetMuted(ctx, true)
	}
	stopMuteToggle := handleMuteToggle(ctx, client, logger)
	defer stopMuteToggle()

	logger.Info("joined, press Ctrl+C to leave")

	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("leaving channel")
	leaveCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Leave(leaveCtx); err != nil {
		logger.Warn("leave error", "err", err)
	}
	stopRelay()

	if err := g.Wait(); err != nil {
		logger.Error("run error", "err", err)
		return 1
	}
	logger.Info("goodbye")
	return 0
}

// registerBuiltins wires the audio backends and speaking detection engines
// that ship with huddle.
func registerBuiltins(reg *config.Registry, logger *slog.Logger) {
	reg.RegisterAudio("pcmpipe", func(cfg config.AudioConfig) (config.AudioBackend, error) {
		inputs := make([]pcmpipe.Input, 0, len(cfg.Inputs))
		for _, in := range cfg.Inputs {
			inputs = append(inputs, pcmpipe.Input{
				ID:      in.ID,
				Path:    in.Path,
				Command: in.Command,
				Format:  audio.Format{SampleRate: in.SampleRate, Channels: in.Channels},
			})
		}
		devices, err := pcmpipe.NewProvider(inputs, pcmpipe.WithLogger(logger))
		if err != nil {
			return config.AudioBackend{}, err
		}
		return config.AudioBackend{
			Devices: devices,
			Sinks:   &pcmpipe.SinkFactory{Dir: cfg.OutputDir, Logger: logger},
		}, nil
	})

	reg.RegisterVAD("threshold", func(config.ActivityConfig) (vad.Engine, error) {
		return threshold.New(), nil
	})
}

// applyConfigChange applies the parts of a reloaded configuration that can
// change at runtime and reports the rest.
func applyConfigChange(logger *slog.Logger, level *slog.LevelVar, setGain func(float64), d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Slog())
		logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.GainChanged {
		setGain(d.NewGain)
		logger.Info("capture gain changed", "gain", d.NewGain)
	}
	if d.ActivityChanged {
		logger.Info("speaking detection settings changed, restart to apply them")
	}
	if len(d.RestartRequired) > 0 {
		logger.Warn("config changes need a restart", "fields", d.RestartRequired)
	}
}

// newAdminServer builds the health, metrics and status server.
func newAdminServer(addr string, relay *signaling.Client, client *voice.Client, reg *prometheus.Registry, metrics *observe.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	health.New(
		health.Flag("signaling", relay.Ready),
		health.Flag("voice", client.Joined),
	).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler(reg))
	mux.Handle("GET /status", client)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics, logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         huddle startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("User", cfg.Client.UserID)
	printRow("Channel", cfg.Client.ChannelID)
	printRow("Relay", cfg.Signaling.URL)
	printRow("Audio", cfg.Audio.Backend)
	printRow("Inputs", fmt.Sprint(len(cfg.Audio.Inputs)))
	printRow("VAD", cfg.Activity.Engine)
	printRow("ICE servers", fmt.Sprint(len(cfg.ICE.Servers)))
	if cfg.Client.AdminAddr != "" {
		printRow("Admin addr", cfg.Client.AdminAddr)
	} else {
		printRow("Admin addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
	slog.Debug("registered backends", "audio", reg.Names("audio"), "vad", reg.Names("vad"))
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
