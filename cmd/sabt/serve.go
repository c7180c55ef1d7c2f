package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peyvand-edu/sabt-core/pkg/api"
	"github.com/peyvand-edu/sabt-core/pkg/auth"
	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/config"
	"github.com/peyvand-edu/sabt-core/pkg/delivery"
	"github.com/peyvand-edu/sabt-core/pkg/export"
	"github.com/peyvand-edu/sabt-core/pkg/jobs"
	"github.com/peyvand-edu/sabt-core/pkg/kvstore"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
	"github.com/peyvand-edu/sabt-core/pkg/observability"
	"github.com/peyvand-edu/sabt-core/pkg/obslog"
	"github.com/peyvand-edu/sabt-core/pkg/probes"
	"github.com/peyvand-edu/sabt-core/pkg/rowsource"
	"github.com/peyvand-edu/sabt-core/pkg/signing"
)

// runServeCmd implements `sabt serve`, the default command.
//
// Exit codes:
//
//	0 = clean shutdown
//	2 = configuration error
//	3 = runtime error
//
//nolint:gocognit,gocyclo
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var addr string
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides SABT_ADDR)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}
	if addr != "" {
		cfg.Addr = addr
	}

	loc, err := cfg.Location()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}
	level, err := obslog.ParseLevel(cfg.LogLevel)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}

	fmt.Fprintf(stdout, "%sSabt core starting...%s\n", ColorBold+ColorBlue, ColorReset)

	clk := clock.System(loc)
	logger := obslog.New(stderr, obslog.Options{Service: "sabt-core", Level: level})
	m := metrics.New(cfg.Namespace)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared state store. Without Redis, rate limits and idempotency
	// records live in-process and reset on restart.
	var store kvstore.Store
	if cfg.RedisURL != "" {
		rdb, err := kvstore.OpenURL(cfg.RedisURL)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
			return 2
		}
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx)
		cancel()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Runtime error: redis unreachable: %v\n", err)
			return 3
		}
		logger.Info("redis connected")
		store = rdb
	} else {
		fmt.Fprintf(stdout, "ℹ️  SABT_REDIS_URL not set. Using %sin-process%s rate limits and idempotency.\n", ColorBold+ColorCyan, ColorReset)
		store = kvstore.NewMemory(clk)
	}

	// Row source: Postgres, or SQLite when DATABASE_URL is unset.
	if cfg.LiteMode() {
		fmt.Fprintf(stdout, "ℹ️  DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite).\n", ColorBold+ColorCyan, ColorReset)
	}
	db, dialect, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Runtime error: %v\n", err)
		return 3
	}
	defer func() { _ = db.Close() }()

	src := rowsource.NewSQLSource(db, dialect)
	roster, err := rowsource.LoadRoster(ctx, db)
	if err != nil {
		logger.Warn("special-school roster unavailable, all rows export student_type=0", "error", err)
		roster = nil
	}

	if err := os.MkdirAll(cfg.ExportDir, 0o750); err != nil {
		_, _ = fmt.Fprintf(stderr, "Runtime error: cannot create export dir: %v\n", err)
		return 3
	}

	exp := export.New(src, roster, clk, clock.SystemSleeper{}, logger, m)
	runner := jobs.NewRunner(store, exp, clk, logger, m, cfg.ExportDir)

	mirror, err := delivery.FromEnv(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}
	if mirror != nil {
		runner.SetMirror(mirror)
		logger.Info("export mirroring enabled", "kind", cfg.Mirror)
	}

	keys, err := loadOrGenerateKeySet(cfg, stdout)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}
	keys.Instrument(m)
	signer := signing.NewURLSigner(keys, clk, m)
	fmt.Fprintf(stdout, "🔑 Signing key: %s%s%s\n", ColorBold+ColorGreen, keys.Active().KID, ColorReset)

	tokens, err := auth.ParseTokens(cfg.APITokens)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}
	if cfg.MetricsToken != "" {
		if err := tokens.Register(cfg.MetricsToken, auth.RoleMetrics, true); err != nil {
			_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
			return 2
		}
	}
	if tokens.Len() == 0 {
		fmt.Fprintf(stdout, "\n%s⚠️  SECURITY WARNING: no API tokens configured.%s\n", ColorBold+ColorYellow, ColorReset)
		fmt.Fprintf(stdout, "   Every authenticated route will answer 401.\n")
		fmt.Fprintf(stdout, "   Set SABT_API_TOKENS, e.g. admin:<secret>.\n\n")
	}

	tracing, err := observability.New(ctx, &observability.Config{
		ServiceName:    "sabt-core",
		ServiceVersion: version,
		Environment:    environmentName(cfg.Production),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       !cfg.Production,
	}, logger)
	if err != nil {
		// Tracing is optional; the service runs without it.
		logger.Warn("tracing unavailable", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.Shutdown(shutdownCtx)
		}()
	}

	srv := api.NewServer(api.Config{
		Namespace: cfg.Namespace,
		RateLimit: api.RateLimitConfig{
			Requests: cfg.RateRequests,
			Window:   cfg.RateWindow,
			Penalty:  cfg.RatePenalty,
		},
		IdempotencyTTL:    cfg.IdempotencyTTL,
		HealthTimeout:     cfg.HealthTimeout,
		ReadinessTimeout:  cfg.ReadinessTimeout,
		EnableDiagnostics: cfg.EnableDiagnostics,
	}, store, runner, signer, tokens, clk, logger, m, cfg.ExportDir,
		probes.StoreProbe{Store: store}, probes.DBProbe{DB: db})

	logger.Info("sabt core listening", "addr", cfg.Addr, "namespace", cfg.Namespace, "timezone", loc.String())
	fmt.Fprintf(stdout, "%sready:%s listening on %s (ctrl+c to stop)\n", ColorBold+ColorGreen, ColorReset, cfg.Addr)

	err = srv.Serve(ctx, cfg.Addr)

	// Let in-flight export jobs finish before the process exits.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if derr := runner.Drain(drainCtx); derr != nil {
		logger.Warn("export jobs still running at shutdown", "error", derr)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		_, _ = fmt.Fprintf(stderr, "Runtime error: %v\n", err)
		return 3
	}
	logger.Info("shutdown complete")
	return 0
}

func environmentName(production bool) string {
	if production {
		return "production"
	}
	return "development"
}
