// Command devcored is the runnable entry point wiring the device-event
// processing core to a live kernel uevent source. Rule compilation and
// the control socket are external collaborators (spec §1); this binary
// exists so the core can be exercised end to end, reading uevents through
// internal/uevent's pure-Go netlink reader.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/smazurov/devcore/internal/builtin"
	"github.com/smazurov/devcore/internal/config"
	"github.com/smazurov/devcore/internal/db"
	"github.com/smazurov/devcore/internal/device"
	"github.com/smazurov/devcore/internal/led"
	"github.com/smazurov/devcore/internal/logging"
	"github.com/smazurov/devcore/internal/metrics"
	"github.com/smazurov/devcore/internal/node"
	"github.com/smazurov/devcore/internal/orchestrator"
	"github.com/smazurov/devcore/internal/rules"
	"github.com/smazurov/devcore/internal/systemd"
	"github.com/smazurov/devcore/internal/uevent"
)

// Options are devcored's configuration fields, loaded via
// config.LoadConfig with CLI > env > TOML-file precedence.
type Options struct {
	Config      string `toml:"-" env:"CONFIG"`
	StateDir    string `toml:"state_dir" env:"STATE_DIR"`
	HelperDir   string `toml:"helper_dir" env:"HELPER_DIR"`
	RulesFile   string `toml:"rules_file" env:"RULES_FILE"`
	MetricsAddr string `toml:"metrics_addr" env:"METRICS_ADDR"`
	LogLevel    string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat   string `toml:"log_format" env:"LOG_FORMAT"`
	TimeoutWarn int    `toml:"timeout_warn_seconds" env:"TIMEOUT_WARN_SECONDS"`
	TimeoutKill int    `toml:"timeout_kill_seconds" env:"TIMEOUT_KILL_SECONDS"`
}

func defaultOptions() *Options {
	return &Options{
		StateDir:    "/var/lib/devcore",
		HelperDir:   "/usr/lib/devcore",
		MetricsAddr: ":9100",
		LogLevel:    "info",
		LogFormat:   "text",
		TimeoutWarn: 3,
		TimeoutKill: 30,
	}
}

func main() {
	opts := defaultOptions()

	root := &cobra.Command{
		Use:   "devcored",
		Short: "Device-event processing daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, opts)
		},
	}
	root.Flags().StringVar(&opts.Config, "config", opts.Config, "path to TOML config file")
	root.Flags().StringVar(&opts.StateDir, "state-dir", opts.StateDir, "db + tag index + link ledger root")
	root.Flags().StringVar(&opts.HelperDir, "helper-dir", opts.HelperDir, "directory prepended to non-absolute run-list commands")
	root.Flags().StringVar(&opts.RulesFile, "rules-file", opts.RulesFile, "compiled rule set to watch for hot-reload notifications")
	root.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr, "listen address for the Prometheus /metrics endpoint")
	root.Flags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "debug|info|warn|error")
	root.Flags().StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "text|json")
	root.Flags().IntVar(&opts.TimeoutWarn, "timeout-warn-seconds", opts.TimeoutWarn, "warn timer for spawned helpers")
	root.Flags().IntVar(&opts.TimeoutKill, "timeout-kill-seconds", opts.TimeoutKill, "kill timer for spawned helpers")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ruleSetMarker is all devcored needs to know about the compiled rule set
// it does not parse: when it last changed. The rules collaborator owns
// actually recompiling it.
type ruleSetMarker struct {
	ModTime time.Time
}

func statRuleSet(path string) (ruleSetMarker, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ruleSetMarker{}, err
	}
	return ruleSetMarker{ModTime: info.ModTime()}, nil
}

func run(ctx context.Context, cmd *cobra.Command, opts *Options) error {
	if err := config.LoadConfig(opts, cmd); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Initialize(logging.Config{Level: opts.LogLevel, Format: opts.LogFormat})
	logger := logging.GetLogger("devcored")

	store := db.NewStore(opts.StateDir)
	nodes := node.NewManager("", fmt.Sprintf("%s/links", opts.StateDir))

	ledCtl := led.New(logger)

	svc, err := systemd.NewManager(ctx)
	if err != nil {
		logger.Warn("systemd D-Bus connection unavailable, systemd_restart builtin disabled", "error", err)
		svc = nil
	} else {
		defer svc.Close()
	}

	promRegistry := prometheus.NewRegistry()
	metricsReg := metrics.New(promRegistry)

	orc := &orchestrator.Orchestrator{
		Rules:    rules.NoOp, // rule compilation is an external collaborator (spec §1)
		Nodes:    nodes,
		DB:       store,
		Builtins: builtin.NewRegistry(ledCtl, svc),
		Metrics:  metricsReg,
		Config: orchestrator.Config{
			HelperDir:   opts.HelperDir,
			TimeoutWarn: time.Duration(opts.TimeoutWarn) * time.Second,
			TimeoutKill: time.Duration(opts.TimeoutKill) * time.Second,
		},
	}

	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: opts.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			metricsSrv.Close()
		}()
	}

	if opts.RulesFile != "" {
		rulesWatcher := config.NewConfigWatcher(opts.RulesFile, statRuleSet, logger)
		rulesWatcher.OnReload(func(marker ruleSetMarker) {
			logger.Info("compiled rule set changed, asking rules collaborator to recompile", "path", opts.RulesFile, "mod_time", marker.ModTime)
		})
		if err := rulesWatcher.Start(); err != nil {
			logger.Warn("rules-file watcher disabled", "path", opts.RulesFile, "error", err)
		} else {
			defer rulesWatcher.Stop()
		}
	}

	reg := device.NewRegistry()
	src, err := uevent.NewSource(reg, "")
	if err != nil {
		return fmt.Errorf("open uevent source: %w", err)
	}
	defer src.Close()

	devices := make(chan *device.Device, 64)
	go func() {
		if err := src.Run(ctx, devices); err != nil && ctx.Err() == nil {
			logger.Error("uevent source stopped", "error", err)
		}
	}()

	logger.Info("devcored started", "state_dir", opts.StateDir, "helper_dir", opts.HelperDir)
	for dev := range devices {
		if err := orc.Handle(ctx, orchestrator.Input{Device: dev}); err != nil {
			logger.Error("event handling failed", "devpath", dev.Devpath, "error", err)
		}
	}
	return ctx.Err()
}
