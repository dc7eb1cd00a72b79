// Command cryscope analyses infant cry recordings.
//
// Usage:
//
//	cryscope analyze [-config f] [-out f] [-start RFC3339] [-workers n] [-min-cry s] [-energy x] file
//	cryscope serve [-config f]
//
// analyze runs the pipeline over one WAV or MP3 file, writes the result as
// JSON to stdout (or -out) and prints a readable summary to stderr. serve
// starts the HTTP service and reloads analysis settings when the config file
// changes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/cryscope/internal/app"
	"github.com/MrWong99/cryscope/internal/config"
	"github.com/MrWong99/cryscope/internal/observe"
	"github.com/MrWong99/cryscope/internal/pipeline"
	"github.com/MrWong99/cryscope/pkg/audio"
	"github.com/MrWong99/cryscope/pkg/provider/estimator"
	"github.com/MrWong99/cryscope/pkg/provider/estimator/autocorr"
	"github.com/MrWong99/cryscope/pkg/types"
)

// version is overridden at build time with -ldflags "-X main.version=…".
var version = "dev"

const defaultConfigPath = "cryscope.yaml"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage(os.Stderr)
		return 2
	}
	switch args[0] {
	case "analyze":
		return runAnalyze(args[1:])
	case "serve":
		return runServe(args[1:])
	case "-h", "-help", "--help", "help":
		usage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "cryscope: unknown command %q\n\n", args[0])
		usage(os.Stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  cryscope analyze [-config f] [-out f] [-start RFC3339] [-workers n] [-min-cry s] [-energy x] file")
	fmt.Fprintln(w, "  cryscope serve [-config f]")
}

// ── analyze ───────────────────────────────────────────────────────────────────

func runAnalyze(args []string) int {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file (default: built-in settings)")
	outPath := fs.String("out", "", "write the JSON result to this file instead of stdout")
	startStr := fs.String("start", "", "recording start as RFC 3339 timestamp; prints wall-clock times")
	workers := fs.Int("workers", 0, "episodes analysed in parallel (0 = config value)")
	minCry := fs.Float64("min-cry", 0, "shortest cry episode kept, in seconds")
	energy := fs.Float64("energy", 0, "absolute RMS floor for cry frames")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "cryscope analyze: exactly one audio file is required")
		return 2
	}
	file := fs.Arg(0)

	var start *time.Time
	if *startStr != "" {
		t, err := time.Parse(time.RFC3339Nano, *startStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cryscope analyze: -start: %v\n", err)
			return 2
		}
		start = &t
	}

	var params pipeline.Parameters
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "min-cry":
			params.MinCryDuration = minCry
		case "energy":
			params.EnergyThreshold = energy
		}
	})
	if err := params.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "cryscope analyze: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cryscope: %v\n", err)
		return 1
	}
	if *workers > 0 {
		cfg.Analysis.Workers = *workers
	}
	slog.SetDefault(newLogger(cfg.Server.LogLevel, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinEstimators(reg)

	p, err := app.BuildPipeline(reg, cfg.Analysis, observe.DefaultMetrics())
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		return 1
	}
	if p, err = p.WithParameters(params); err != nil {
		slog.Error("invalid parameters", "err", err)
		return 1
	}

	wf, err := (&audio.FileSource{}).Load(ctx, file)
	if err != nil {
		slog.Error("failed to load recording", "file", file, "err", err)
		return 1
	}
	slog.Info("recording loaded", "file", file, "duration_s", wf.Duration(), "sample_rate", wf.SampleRate)

	res, err := p.Run(ctx, wf, func(percent int, message string) {
		slog.Info("progress", "percent", percent, "message", message)
	})
	if err != nil {
		slog.Error("analysis failed", "err", err)
		return 1
	}

	if err := writeResult(*outPath, res); err != nil {
		slog.Error("failed to write result", "err", err)
		return 1
	}
	printSummary(os.Stderr, res, start)
	return 0
}

func writeResult(path string, res *types.AnalysisResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// printSummary writes one line per episode. With a recording start the
// times are wall-clock, otherwise offsets into the recording.
func printSummary(w io.Writer, res *types.AnalysisResult, start *time.Time) {
	fmt.Fprintf(w, "%d cry episode(s)\n", len(res.CryEpisodes))
	for i, ep := range res.CryEpisodes {
		key := types.EpisodeKey(i)
		from, to := types.FormatClock(ep.StartTime), types.FormatClock(ep.EndTime)
		if start != nil {
			from = types.AbsoluteTime(*start, ep.StartTime).Format("15:04:05.000")
			to = types.AbsoluteTime(*start, ep.EndTime).Format("15:04:05.000")
		}
		line := fmt.Sprintf("  %-11s %s – %s  %5.2fs  conf %.2f", key, from, to, ep.Duration, ep.Confidence)
		if f0, ok := res.Statistics[key].Parameters[types.ParamF0]; ok {
			line += fmt.Sprintf("  f0 %.0f Hz", f0.Mean)
		}
		if u, ok := res.CryUnits[key]; ok {
			line += fmt.Sprintf("  units %d  cryCE %.2f", u.UnitCount, u.CryCE)
		}
		fmt.Fprintln(w, line)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cryscope: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cryscope: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(cfg.Server.LogLevel, level))

	slog.Info("cryscope starting",
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
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinEstimators(reg)

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		level.Set(slogLevel(next.Server.LogLevel))
		if err := application.Reload(next); err != nil {
			slog.Error("config reload failed", "err", err)
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	go watcher.Run(ctx)

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	watcher.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Estimator wiring ──────────────────────────────────────────────────────────

// registerBuiltinEstimators wires the estimators that ship with cryscope
// into reg.
func registerBuiltinEstimators(reg *config.Registry) {
	reg.RegisterEstimator("autocorr", func(ac config.AcousticConfig) (estimator.Estimator, error) {
		c := autocorr.DefaultConfig()
		c.PitchFloor = ac.PitchFloor
		c.PitchCeiling = ac.PitchCeiling
		c.VoicingThreshold = ac.VoicingThreshold
		c.MaxFormant = ac.MaxFormant
		return autocorr.New(c)
	})

	for _, name := range reg.Estimators() {
		slog.Debug("registered estimator", "name", name)
	}
}

// ── Config ────────────────────────────────────────────────────────────────────

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        cryscope: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	estimatorName := cfg.Analysis.Acoustic.Estimator
	if cfg.Analysis.Acoustic.Fallback != "" {
		estimatorName += " → " + cfg.Analysis.Acoustic.Fallback
	}
	printRow("Estimator", estimatorName)
	printRow("Storage", string(cfg.Storage.Backend))
	if cfg.Storage.FingerprintIndex {
		printRow("Fingerprints", "indexed")
	} else {
		printRow("Fingerprints", "(disabled)")
	}
	printRow("Concurrent", fmt.Sprint(cfg.Jobs.MaxConcurrent))
	printRow("Indicators", fmt.Sprint(cfg.Analysis.Indicators.Enabled))
	if cfg.Server.DataDir != "" {
		printRow("Data dir", cfg.Server.DataDir)
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr. When lv is non-nil the level is
// read from it so it can change at runtime.
func newLogger(level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	var leveler slog.Leveler = slogLevel(level)
	if lv != nil {
		lv.Set(slogLevel(level))
		leveler = lv
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: leveler}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
