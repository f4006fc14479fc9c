package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	osignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/bridge"
	"github.com/squadhq/squad/internal/config"
	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/gateway"
	"github.com/squadhq/squad/internal/logging"
	"github.com/squadhq/squad/internal/rules"
	"github.com/squadhq/squad/internal/sched"
	"github.com/squadhq/squad/internal/signal"
	"github.com/squadhq/squad/internal/style"
	"github.com/squadhq/squad/internal/supervisor"
	"github.com/squadhq/squad/internal/task"
	"github.com/squadhq/squad/internal/telemetry"
	"github.com/squadhq/squad/internal/term"
	"github.com/squadhq/squad/internal/version"
	"github.com/squadhq/squad/internal/workspace"
)

// serveLockName is the flock file that keeps serve single-instance
// per workspace.
const serveLockName = "serve.lock"

// shutdownGrace bounds how long in-flight HTTP requests get on SIGINT.
const shutdownGrace = 10 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: GroupWorkspace,
	Short:   "Run the orchestrator",
	Long: `Run the serve loop: the supervisor, the signal bus, the HTTP/stream
gateway, the review-rules watcher, and (when configured) the chat
bridge. Every other session command talks to this process.

Stop it with ctrl-c; sessions keep running in their terminals and are
re-adopted on the next start.

EXAMPLES:
  sq serve
  sq serve --addr 127.0.0.1:9000
  SQUAD_OTEL=1 sq serve    # collect and log metrics on shutdown`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	if err := workspace.EnsureLayout(stateDir); err != nil {
		return err
	}
	root := filepath.Dir(stateDir)

	cfg, err := config.Load(stateDir)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	logging.SetDefault(log)
	defer log.Sync()

	// One serve loop per workspace. The lock also tells rollback a
	// server is alive.
	fl := flock.New(filepath.Join(stateDir, serveLockName))
	locked, err := fl.TryLock()
	if err != nil {
		return fault.Wrap(fault.Unavailable, err, "taking the serve lock")
	}
	if !locked {
		return fault.New(fault.Conflict, "another 'sq serve' is already running for this workspace")
	}
	defer func() { _ = fl.Unlock() }()

	var provider *telemetry.Provider
	if os.Getenv("SQUAD_OTEL") == "1" {
		provider = telemetry.Init()
	}

	tasks, err := task.Open(filepath.Join(stateDir, task.DBFileName), cfg.Project)
	if err != nil {
		return err
	}
	defer tasks.Close()
	agents, err := openRegistry(stateDir)
	if err != nil {
		return err
	}
	defer agents.Close()
	ledger, err := openLedger(stateDir)
	if err != nil {
		return err
	}

	bus := signal.NewBus(signal.Options{})
	defer bus.Close()

	watcher, err := rules.Watch(filepath.Join(stateDir, rules.FileName), log)
	if err != nil {
		return err
	}
	defer watcher.Close()

	sc := sched.New(sched.Config{
		Tasks:       tasks,
		Ledger:      ledger,
		Rules:       watcher,
		Log:         log,
		DefaultAuto: cfg.Review.Default == config.AutoProceed,
	})

	ctx, stop := osignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(supervisor.Config{
		Driver:   term.NewTmux(),
		Tasks:    tasks,
		Agents:   agents,
		Ledger:   ledger,
		Sched:    sc,
		Bus:      bus,
		Conf:     cfg,
		Log:      log,
		StateDir: stateDir,
		WorkDir:  root,
	})
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.Close()

	if cfg.Bridge.Enabled {
		if cfg.Bridge.WebhookURL == "" || cfg.Bridge.PollURL == "" {
			return fault.New(fault.Validation, "bridge is enabled but webhook_url or poll_url is missing")
		}
		webhook := bridge.NewWebhook(cfg.Bridge.WebhookURL, cfg.Bridge.PollURL,
			bridge.WithChannels(cfg.Bridge.Channels...),
			bridge.WithTimeout(cfg.BridgeTimeout()))
		br := bridge.New(bridge.Config{
			Tasks:        tasks,
			Sessions:     sup,
			Bus:          bus,
			Channel:      webhook,
			Log:          log,
			PollInterval: cfg.PollInterval(),
		})
		go func() {
			if err := br.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("bridge stopped", zap.Error(err))
			}
		}()
		log.Info("bridge up", zap.Strings("channels", webhook.ListChannels()))
	}

	gw := gateway.New(gateway.Config{Tasks: tasks, Sup: sup, Bus: bus, Log: log})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: gw.Handler()}

	fmt.Printf("%s sq serve %s\n", style.ArrowPrefix, version.String())
	fmt.Printf("  workspace: %s\n", root)
	fmt.Printf("  listening: %s\n", style.Bold.Render("http://"+cfg.HTTP.Addr))
	log.Info("serve loop up",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("state_dir", stateDir),
		zap.String("version", version.String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fault.Wrap(fault.Unavailable, err, "listening on "+cfg.HTTP.Addr)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	if provider != nil {
		flushMetrics(shutCtx, provider, log)
	}
	return nil
}

// flushMetrics logs the final counter values, then stops the provider.
// With a manual reader there is no exporter; shutdown logs are where
// the numbers end up.
func flushMetrics(ctx context.Context, provider *telemetry.Provider, log *logging.Logger) {
	points, err := provider.Snapshot(ctx)
	if err != nil {
		log.Warn("collecting final metrics", zap.Error(err))
	}
	for _, p := range points {
		fields := []zap.Field{zap.Float64("value", p.Value)}
		if p.Count > 0 {
			fields = append(fields, zap.Uint64("count", p.Count))
		}
		for k, v := range p.Attrs {
			fields = append(fields, zap.String(k, v))
		}
		log.Info("metric "+p.Name, fields...)
	}
	if err := provider.Shutdown(ctx); err != nil {
		log.Warn("telemetry shutdown", zap.Error(err))
	}
}
