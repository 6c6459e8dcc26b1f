// Command cerberus is the Cerberus host-level runtime security monitor. It
// loads the kernel probes, streams their events through the rule engine,
// and either renders events on the terminal (tui mode) or writes structured
// alerts to a log file (agent mode). It shuts down gracefully on SIGTERM or
// SIGINT, or when the configured run time elapses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CTFcrozone/Cerberus/internal/agent"
	"github.com/CTFcrozone/Cerberus/internal/config"
	"github.com/CTFcrozone/Cerberus/internal/container"
	"github.com/CTFcrozone/Cerberus/internal/ebpf"
	"github.com/CTFcrozone/Cerberus/internal/event"
	"github.com/CTFcrozone/Cerberus/internal/response"
	"github.com/CTFcrozone/Cerberus/internal/rules"
)

func main() {
	configPath := flag.String("config", "", "path to the Cerberus YAML configuration file")
	mode := flag.String("mode", "", "run mode: tui or agent")
	rulesDir := flag.String("rules", "", "directory of TOML rule files")
	runTime := flag.Duration("time", 0, "agent-mode run duration (e.g. 30m); required in agent mode")
	logFile := flag.String("log-file", "", "agent-mode alert log file")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *mode, *rulesDir, *runTime, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cerberus: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("mode", cfg.Mode),
		slog.String("rules_dir", cfg.RulesDir),
		slog.String("log_level", cfg.LogLevel),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("cerberus failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// loadConfig assembles the effective configuration: file values first, then
// flag overrides, then defaults and validation. A config file is defaulted
// and validated on its own by config.Load before any flag applies, so flags
// cannot complete a file that fails validation.
func loadConfig(path, mode, rulesDir string, runTime time.Duration, logFile string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if mode != "" {
		cfg.Mode = mode
	}
	if rulesDir != "" {
		cfg.RulesDir = rulesDir
	}
	if runTime > 0 {
		cfg.RunTime = config.Duration(runTime)
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run assembles the worker graph and supervises it to completion.
func run(cfg *config.Config, logger *slog.Logger) error {
	// Rule engine first: an unreadable rule directory is a startup fatal.
	engine, err := rules.NewEngine(cfg.RulesDir, rules.Config{}, logger)
	if err != nil {
		return err
	}

	// Kernel probes: missing programs are startup fatals.
	var objBytes []byte
	if cfg.BPFObject != "" {
		objBytes, err = os.ReadFile(cfg.BPFObject)
		if err != nil {
			return fmt.Errorf("read BPF object: %w", err)
		}
	}
	probes, err := ebpf.LoadProbes(objBytes, logger)
	if err != nil {
		return err
	}
	defer probes.Close()

	ring, err := probes.RingReader()
	if err != nil {
		return err
	}

	// Channel fabric. All buffers bounded; producers block on
	// backpressure.
	capacity := cfg.ChannelCapacity
	evtCh := make(chan event.CerberusEvent, capacity)
	engineCh := make(chan event.EngineEvent, capacity)
	respCh := make(chan event.ResponseRequest, capacity)

	ag := agent.New(cfg, logger)

	reader := ebpf.NewReader(ring, evtCh, logger)
	ag.Add("ring-reader", reader)

	// Optional container-resolver stage between reader and engine.
	engineIn := evtCh
	if cfg.Container.Enabled {
		var meta container.MetadataClient
		if cfg.Container.CRIEndpoint != "" {
			cri, err := container.DialCRI(cfg.Container.CRIEndpoint)
			if err != nil {
				logger.Warn("CRI unavailable, continuing without metadata",
					slog.String("endpoint", cfg.Container.CRIEndpoint),
					slog.Any("error", err),
				)
			} else {
				defer cri.Close()
				meta = cri
			}
		}
		resolvedCh := make(chan event.CerberusEvent, capacity)
		ag.Add("container-resolver", container.NewResolver(evtCh, resolvedCh, meta, logger))
		engineIn = resolvedCh
	}

	engineWorker := agent.NewEngineWorker(
		engine, engineIn, engineCh, respCh,
		cfg.RateLimit.EventsPerSec, cfg.RateLimit.Burst,
		logger,
	)
	ag.Add("rule-engine", engineWorker)

	watcher, err := rules.NewWatcher(engine, cfg.RulesDir, logger)
	if err != nil {
		return err
	}
	ag.Add("rule-watcher", watcher)

	executor := response.NewExecutor(respCh, logger)
	ag.Add("response-executor", executor)

	switch cfg.Mode {
	case config.ModeAgent:
		sink, err := agent.NewLogSink(engineCh, cfg.LogFile)
		if err != nil {
			return err
		}
		ag.Add("log-sink", sink)
	case config.ModeTUI:
		ag.Add("console-sink", agent.NewConsoleSink(engineCh))
	}

	if cfg.HealthAddr != "" {
		health := agent.NewHealthServer(cfg.HealthAddr, ag.Uptime, func() agent.Counters {
			st := engine.EngineStats()
			return agent.Counters{
				RuleCount:     st.RuleCount,
				Decoded:       reader.Decoded(),
				DecodeDropped: reader.Dropped(),
				RateDropped:   engineWorker.RateDropped(),
				Evaluations:   st.Evaluations,
				Matches:       st.Matches,
				Correlations:  st.Correlations,
				Reloads:       st.Reloads,
				Responses:     executor.Executed(),
				ResponseFails: executor.Failed(),
			}
		}, logger)
		ag.Add("health", health)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return ag.Run(ctx)
}

// newLogger builds the root slog logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
