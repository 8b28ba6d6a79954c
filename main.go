package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"olhovivo2speeds/pkg/config"
	"olhovivo2speeds/pkg/logging"
	"olhovivo2speeds/pkg/loki"
	"olhovivo2speeds/pkg/metrics"
	"olhovivo2speeds/pkg/olhovivo"
	"olhovivo2speeds/pkg/pipeline"
	"olhovivo2speeds/pkg/profiling"
	"olhovivo2speeds/pkg/publisher"
	"olhovivo2speeds/pkg/store"
	"olhovivo2speeds/pkg/tracing"
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	logging.InitLogging()

	if len(os.Args) < 2 {
		usage()
		return 2
	}

	var run func(ctx context.Context, args []string) error
	switch os.Args[1] {
	case "collect":
		run = runCollect
	case "process":
		run = runProcess
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		usage()
		return 2
	}

	// Initialize tracing
	shutdownTracing, err := tracing.InitTracing()
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer shutdownTracing()

	// Initialize metrics
	shutdownMetrics, err := metrics.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer shutdownMetrics()

	// Initialize profiling
	shutdownProfiling, err := profiling.InitProfiling()
	if err != nil {
		log.Fatalf("Failed to initialize profiling: %v", err)
	}
	defer shutdownProfiling()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[2:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Command failed", "command", os.Args[1], "error", err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Olho Vivo average speeds pipeline\n\n")
	fmt.Fprintf(os.Stderr, "Polls SPTrans Olho Vivo bus positions, stores raw snapshots in SQLite and\n")
	fmt.Fprintf(os.Stderr, "derives per-vehicle speeds, 30 minute aggregates and congestion evidence.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  collect   Poll the positions endpoint and store raw snapshots\n")
	fmt.Fprintf(os.Stderr, "  process   Compute speed tables for one collection period\n\n")
	fmt.Fprintf(os.Stderr, "Run '%s <command> -h' for command options.\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Environment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OLHOVIVO_TOKEN          - Olho Vivo API token (required for collect)\n")
	fmt.Fprintf(os.Stderr, "  OLHOVIVO_BASE_URL       - API base URL (default: %s)\n", olhovivo.DefaultBaseURL)
	fmt.Fprintf(os.Stderr, "  OLHOVIVO_DB_PATH        - SQLite database path (default: olhovivo.db)\n")
	fmt.Fprintf(os.Stderr, "  OLHOVIVO_INTERVAL       - Polling interval (default: 30s)\n")
	fmt.Fprintf(os.Stderr, "  OLHOVIVO_THRESHOLDS     - Thresholds YAML file\n")
	fmt.Fprintf(os.Stderr, "  OLHOVIVO_WORKERS        - Segment calculation workers (default: 4)\n")
	fmt.Fprintf(os.Stderr, "  OLHOVIVO_LOKI_URL       - Loki URL, enables the Loki sink\n")
	fmt.Fprintf(os.Stderr, "  OLHOVIVO_LOKI_USER      - Loki username (for Grafana Cloud)\n")
	fmt.Fprintf(os.Stderr, "  OLHOVIVO_LOKI_PASSWORD  - Loki password/token (for Grafana Cloud)\n")
	fmt.Fprintf(os.Stderr, "  OLHOVIVO_NATS_URL       - NATS URL, enables congestion events\n")
	fmt.Fprintf(os.Stderr, "  LOG_LEVEL               - debug, info, warn or error (default: info)\n")
	fmt.Fprintf(os.Stderr, "  LOG_FORMAT              - text or json (default: text)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s collect --token=YOUR_TOKEN --interval=30s\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s process --period=2024-05-01 --dry-run\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s process --loki-url=http://localhost:3100 --nats-url=nats://localhost:4222\n\n", os.Args[0])
}

func runCollect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("collect", flag.ExitOnError)
	var (
		dryRun   = fs.Bool("dry-run", false, "Print snapshot summaries instead of storing them")
		token    = fs.String("token", getEnv("OLHOVIVO_TOKEN", ""), "Olho Vivo API token (required)")
		baseURL  = fs.String("base-url", getEnv("OLHOVIVO_BASE_URL", olhovivo.DefaultBaseURL), "Olho Vivo API base URL")
		dbPath   = fs.String("db", getEnv("OLHOVIVO_DB_PATH", "olhovivo.db"), "SQLite database path")
		interval = fs.String("interval", getEnv("OLHOVIVO_INTERVAL", "30s"), "Polling interval")
	)
	fs.Parse(args)

	if *token == "" {
		fs.Usage()
		return errors.New("API token is required, use --token or set OLHOVIVO_TOKEN")
	}

	intervalDuration, err := time.ParseDuration(*interval)
	if err != nil {
		return fmt.Errorf("invalid interval format: %w", err)
	}

	var saver pipeline.SnapshotSaver
	if !*dryRun {
		st, err := store.Open(ctx, *dbPath)
		if err != nil {
			return err
		}
		defer st.Close()
		saver = st
	}

	collector, err := pipeline.NewCollector(pipeline.CollectorConfig{
		DryRun:   *dryRun,
		Interval: intervalDuration,
	}, olhovivo.NewClient(*token, *baseURL), saver)
	if err != nil {
		return fmt.Errorf("failed to create collector: %w", err)
	}

	if *dryRun {
		slog.Info("Starting collector in DRY RUN mode, snapshots are not stored")
	} else {
		slog.Info("Starting collector", "db", *dbPath)
	}

	err = collector.Run(ctx)
	slog.Info("Collector shutdown complete")
	return err
}

func runProcess(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	var (
		dryRun         = fs.Bool("dry-run", false, "Print results to stdout instead of writing them")
		dbPath         = fs.String("db", getEnv("OLHOVIVO_DB_PATH", "olhovivo.db"), "SQLite database path")
		period         = fs.String("period", getEnv("OLHOVIVO_PERIOD", ""), "Collection period (YYYY-MM-DD, default: yesterday UTC)")
		thresholdsPath = fs.String("thresholds", getEnv("OLHOVIVO_THRESHOLDS", ""), "Thresholds YAML file")
		workers        = fs.Int("workers", getEnvInt("OLHOVIVO_WORKERS", 4), "Segment calculation workers")
		writeSegments  = fs.Bool("write-segments", getEnvBool("OLHOVIVO_WRITE_SEGMENTS", false), "Also store every segment with its exclusion reason")
		slowFrom       = fs.String("slow-from", getEnv("OLHOVIVO_SLOW_FROM", pipeline.SlowFromSegments), "Derive slow segments from 'segments' or 'buckets'")
		byAccessible   = fs.Bool("group-by-accessible", getEnvBool("OLHOVIVO_GROUP_BY_ACCESSIBLE", false), "Add the accessibility flag to the bucket key")
		lokiURL        = fs.String("loki-url", getEnv("OLHOVIVO_LOKI_URL", ""), "Grafana Loki URL (empty disables the Loki sink)")
		lokiUser       = fs.String("loki-user", getEnv("OLHOVIVO_LOKI_USER", ""), "Loki username (for Grafana Cloud authentication)")
		lokiPassword   = fs.String("loki-password", getEnv("OLHOVIVO_LOKI_PASSWORD", ""), "Loki password/token (for Grafana Cloud authentication)")
		natsURL        = fs.String("nats-url", getEnv("OLHOVIVO_NATS_URL", ""), "NATS URL (empty disables congestion events)")
	)
	fs.Parse(args)

	if *period == "" {
		*period = store.PeriodOf(time.Now().AddDate(0, 0, -1))
	}
	if _, err := time.Parse(store.PeriodLayout, *period); err != nil {
		return fmt.Errorf("invalid period %q: %w", *period, err)
	}

	thresholds, err := config.LoadThresholds(*thresholdsPath)
	if err != nil {
		return err
	}
	if *byAccessible {
		thresholds.GroupByAccessible = true
	}

	st, err := store.Open(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var sinks pipeline.Sinks
	if !*dryRun && *lokiURL != "" {
		sinks.Loki = loki.NewClient(*lokiURL, *lokiUser, *lokiPassword)
	}
	if !*dryRun && *natsURL != "" {
		pub, err := publisher.NewNATSPublisher(*natsURL)
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks.NATS = pub
	}

	var writer pipeline.RunWriter
	if !*dryRun {
		writer = st
	}

	processor, err := pipeline.NewProcessor(pipeline.ProcessorConfig{
		DryRun:        *dryRun,
		Thresholds:    thresholds,
		Workers:       *workers,
		WriteSegments: *writeSegments,
		SlowFrom:      *slowFrom,
	}, st, writer, sinks)
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}

	slog.Info("Processing period",
		"period", *period,
		"dry_run", *dryRun,
		"loki", sinks.Loki != nil,
		"nats", sinks.NATS != nil,
	)

	_, err = processor.ProcessPeriod(ctx, *period)
	return err
}

// getEnv returns the value of an environment variable or a default value if not set
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}
