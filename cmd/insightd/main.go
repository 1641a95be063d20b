// Insightd clusters team reflections into scored, deduplicated insights.
//
// The daemon stores reflections and insights in SQLite, runs the cooldown
// sweeper, publishes lifecycle events in-process and optionally on NATS,
// and serves the REST API.
//
// Configuration is read from ~/.config/insightd/config.yaml (or the file
// given with -config) and INSIGHTD_* environment variables.
//
// Usage:
//
//	insightd
//	insightd -config /etc/insightd/config.yaml
//	INSIGHTD_SERVER_HTTP_PORT=9292 insightd
//	insightd version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/insightd/internal/config"
	"github.com/fyrsmithlabs/insightd/internal/events"
	insighthttp "github.com/fyrsmithlabs/insightd/internal/http"
	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/fyrsmithlabs/insightd/internal/logging"
	"github.com/fyrsmithlabs/insightd/internal/reflection"
	"github.com/fyrsmithlabs/insightd/internal/secrets"
	"github.com/fyrsmithlabs/insightd/internal/store"
	"github.com/fyrsmithlabs/insightd/internal/taskbridge"
	"github.com/fyrsmithlabs/insightd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/insightd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  insightd [-config path]   Start the insightd daemon\n")
			fmt.Fprintf(os.Stderr, "  insightd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("insightd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("insightd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until ctx is cancelled or the HTTP
// server fails. Shutdown order is the reverse of startup.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logOpts, err := logging.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	logger, err := logging.New(logOpts, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	if degraded, problems := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded, continuing without some exporters", zap.Error(problems))
	}

	logger.Info(ctx, "starting insightd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Path),
		zap.String("rules.version", cfg.Insights.Version))

	st, err := store.Open(ctx, store.Config{Path: cfg.Storage.Path, BusyTimeout: cfg.Storage.BusyTimeout}, zl.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	deps, err := initEvents(cfg, zl.Named("events"))
	if err != nil {
		return err
	}
	defer deps.Close()

	scrubber, err := initScrubber(cfg)
	if err != nil {
		return err
	}

	manager, err := insight.NewManager(st, st.Reflections(), insight.RulesFromConfig(cfg.Insights),
		insight.WithLogger(zl.Named("insight")),
		insight.WithPublisher(deps.publisher),
		insight.WithTraceStore(st),
		insight.WithScrubber(scrubber),
		insight.WithTracer(tel.Tracer("github.com/fyrsmithlabs/insightd/internal/insight")),
	)
	if err != nil {
		return fmt.Errorf("creating insight manager: %w", err)
	}

	reflections := reflection.NewService(st.Reflections(), zl.Named("reflection"))
	reflections.RegisterHook(manager.ReflectionHook())

	if cfg.Bridge.Enabled {
		detach := taskbridge.New(st, manager, zl.Named("taskbridge")).Attach(deps.bus)
		defer detach()
	}

	if cfg.Sweep.IsEnabled() {
		sweeper, err := insight.NewSweeper(manager, cfg.Sweep.Interval, zl.Named("sweeper"))
		if err != nil {
			return err
		}
		if err := sweeper.Start(); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	srv, err := insighthttp.NewServer(reflections, manager, st, zl.Named("http"), &insighthttp.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Version:     version,
		IntakeRate:  cfg.Intake.RateLimit,
		IntakeBurst: cfg.Intake.Burst,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info(ctx, "insightd ready",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.Bool("nats", deps.conn != nil),
		zap.Bool("task_bridge", cfg.Bridge.Enabled),
		zap.Bool("sweeper", cfg.Sweep.IsEnabled()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// eventDeps holds the event fan-out and the optional NATS connection.
type eventDeps struct {
	bus       *events.Bus
	conn      *nats.Conn
	publisher insight.Publisher
}

// Close drains NATS so queued events are flushed.
func (d *eventDeps) Close() {
	if d.conn != nil {
		_ = d.conn.Drain()
	}
}

func initEvents(cfg *config.Config, logger *zap.Logger) (*eventDeps, error) {
	deps := &eventDeps{bus: events.NewBus()}
	if !cfg.Events.NATSEnabled {
		deps.publisher = deps.bus
		return deps, nil
	}

	nc, err := events.Connect(events.ConnectOptions{
		URL:   cfg.Events.NATSURL,
		Token: cfg.Events.NATSToken.Value(),
		Name:  "insightd",
	}, logger)
	if err != nil {
		return nil, err
	}
	deps.conn = nc
	deps.publisher = events.Multi(deps.bus, events.NewNATSPublisher(nc, cfg.Events.SubjectPrefix))
	logger.Info("publishing insight events to NATS",
		zap.String("url", cfg.Events.NATSURL),
		zap.String("subject", events.Subject(cfg.Events.SubjectPrefix, "insight:*")))
	return deps, nil
}

func initScrubber(cfg *config.Config) (secrets.Scrubber, error) {
	if !cfg.Secrets.IsEnabled() {
		return secrets.Nop{}, nil
	}
	g, err := secrets.NewGitleaks()
	if err != nil {
		return nil, fmt.Errorf("initializing secret scrubber: %w", err)
	}
	return g, nil
}
