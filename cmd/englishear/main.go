// Command englishear runs a spoken English-practice conversation against a
// realtime speech service, playing the AI's replies sentence by sentence and
// letting the learner interrupt at any time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/englishear/internal/app"
	"github.com/MrWong99/englishear/internal/config"
	"github.com/MrWong99/englishear/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	say := flag.String("say", "", "speak this text through the TTS chain and exit")
	voices := flag.Bool("voices", false, "list the voices of the TTS chain and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "englishear: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "englishear: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(observe.ParseLevel(string(cfg.Server.LogLevel)))
	logger := observe.NewLogger(os.Stderr, level)
	slog.SetDefault(logger)

	slog.Info("englishear starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "englishear",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// Devices are only needed for a conversation or for -say.
	withDevices := !*voices
	providers, closeDevices, err := buildProviders(cfg, reg, withDevices)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer closeDevices()

	application, err := app.New(cfg, providers, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	// ── One-shot modes ────────────────────────────────────────────────────────
	switch {
	case *voices:
		return listVoices(ctx, application)
	case *say != "":
		if err := application.Say(ctx, *say); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("say failed", "err", err)
			return 1
		}
		return 0
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)
	slog.Info("conversation ready, press Ctrl+C to stop")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func listVoices(ctx context.Context, a *app.App) int {
	voices, err := a.Voices(ctx)
	if err != nil {
		slog.Error("list voices failed", "err", err)
		return 1
	}
	for _, v := range voices {
		name := v.Name
		if name == "" {
			name = v.ID
		}
		fmt.Printf("%-12s %-24s %s\n", v.Provider, v.ID, name)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       englishear, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Realtime", summarize(cfg.Realtime.Provider, cfg.Realtime.Model))
	for _, b := range cfg.TTS.Backends {
		printRow("TTS "+b.Name, summarize(b.Provider, b.Model))
	}
	printRow("Sink", string(cfg.Audio.Sink))
	printRow("Capture", string(cfg.Audio.Capture))
	printRow("Interrupts", fmt.Sprint(cfg.Conversation.Interruptions()))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summarize(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func printRow(label, value string) {
	if len(label) > 15 {
		label = label[:15]
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}
