package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/malbeclabs/servicegraph/internal/clickhouse"
	"github.com/malbeclabs/servicegraph/internal/engine"
	"github.com/malbeclabs/servicegraph/internal/ingest"
	"github.com/malbeclabs/servicegraph/internal/metrics"
	"github.com/malbeclabs/servicegraph/internal/server"
	"github.com/malbeclabs/servicegraph/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultPort        = "8000"
	defaultMetricsAddr = ":8080"
	defaultClickhouse  = "localhost:9000"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	chClient, err := clickhouse.NewClient(ctx,
		clickhouse.WithLogger(log),
		clickhouse.WithAddr(cfg.ClickhouseAddr),
		clickhouse.WithDatabase(cfg.ClickhouseDatabase),
		clickhouse.WithUser(cfg.ClickhouseUser),
		clickhouse.WithPassword(cfg.ClickhousePass),
		clickhouse.WithSecure(cfg.ClickhouseSecure),
		clickhouse.WithPoolSize(cfg.ClickhouseMaxOpenConns, cfg.ClickhouseMaxIdleConns),
	)
	if err != nil {
		return fmt.Errorf("failed to create clickhouse client: %w", err)
	}
	defer chClient.Close()

	if cfg.RunMigrations {
		if err := migrate(ctx, log, chClient); err != nil {
			return err
		}
	}

	st, err := store.New(store.Config{Logger: log, Client: chClient})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	eng, err := engine.New(engine.Config{Logger: log, Store: st})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv, err := server.New(log, server.Config{
		Service:        eng,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	listener, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", cfg.Port, err)
	}
	serverErrCh := srv.Start(ctx, cancel, listener)

	ingestErrCh := make(chan error, 1)
	if len(cfg.KafkaBrokers) > 0 {
		ing, err := newIngester(ctx, log, cfg, eng)
		if err != nil {
			return err
		}
		go func() {
			defer close(ingestErrCh)
			if err := ing.Run(ctx); err != nil {
				ingestErrCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("context cancelled, shutting down")
	case err, ok := <-ingestErrCh:
		if ok && err != nil {
			cancel()
			<-serverErrCh
			return fmt.Errorf("kafka ingest stopped: %w", err)
		}
		log.Info("kafka ingest stopped, shutting down")
		cancel()
	case err, ok := <-serverErrCh:
		if ok {
			return err
		}
		return nil
	}

	// Wait for in-flight requests to drain before the clickhouse client is closed.
	if err, ok := <-serverErrCh; ok {
		return err
	}
	return nil
}

func migrate(ctx context.Context, log *slog.Logger, client clickhouse.Client) error {
	conn, err := client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()
	if err := clickhouse.RunMigrations(ctx, log, conn); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func newIngester(ctx context.Context, log *slog.Logger, cfg Config, submitter ingest.Submitter) (*ingest.Ingester, error) {
	authType, err := ingest.ParseAuthType(cfg.KafkaAuthType)
	if err != nil {
		return nil, err
	}
	m := ingest.NewMetrics(prometheus.DefaultRegisterer)
	consumer, err := ingest.NewConsumer(
		ingest.WithLogger(log),
		ingest.WithBrokers(cfg.KafkaBrokers),
		ingest.WithTopic(cfg.KafkaTopic),
		ingest.WithConsumerGroup(cfg.KafkaConsumerGroup),
		ingest.WithAuthType(authType),
		ingest.WithUser(cfg.KafkaUser),
		ingest.WithPassword(cfg.KafkaPass),
		ingest.WithTLSDisabled(cfg.KafkaTLSDisabled),
		ingest.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := consumer.EnsureTopic(ctx, int32(cfg.KafkaPartitions), int16(cfg.KafkaReplicationFactor)); err != nil {
		_ = consumer.Close()
		return nil, fmt.Errorf("failed to ensure topic exists: %w", err)
	}
	log.Info("consuming submissions from kafka", "topic", cfg.KafkaTopic, "group", cfg.KafkaConsumerGroup, "auth", authType.String())
	return ingest.New(ingest.Config{
		Logger:    log,
		Consumer:  consumer,
		Submitter: submitter,
		Metrics:   m,
	})
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	MetricsAddr string
	Port        string

	AllowedOrigins []string
	RunMigrations  bool

	ClickhouseAddr         string
	ClickhouseDatabase     string
	ClickhouseUser         string
	ClickhousePass         string
	ClickhouseSecure       bool
	ClickhouseMaxOpenConns int
	ClickhouseMaxIdleConns int

	KafkaBrokers           []string
	KafkaTopic             string
	KafkaConsumerGroup     string
	KafkaAuthType          string
	KafkaUser              string
	KafkaPass              string
	KafkaTLSDisabled       bool
	KafkaPartitions        int
	KafkaReplicationFactor int
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig() (Config, error) {
	var cfg Config
	var originsCSV, kafkaBrokersCSV string

	maxOpen, err := getenvInt("CLICKHOUSE_MAX_OPEN_CONNS", 10)
	if err != nil {
		return Config{}, err
	}
	maxIdle, err := getenvInt("CLICKHOUSE_MAX_IDLE_CONNS", 5)
	if err != nil {
		return Config{}, err
	}
	partitions, err := getenvInt("KAFKA_TOPIC_PARTITIONS", 1)
	if err != nil {
		return Config{}, err
	}
	replication, err := getenvInt("KAFKA_REPLICATION_FACTOR", 1)
	if err != nil {
		return Config{}, err
	}

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	flag.StringVar(&cfg.Port, "port", getenv("PORT", defaultPort), "http listen port (env: PORT)")
	flag.StringVar(&originsCSV, "cors-allowed-origins", getenv("CORS_ALLOWED_ORIGINS", "*"), "allowed CORS origins csv (env: CORS_ALLOWED_ORIGINS)")
	flag.BoolVar(&cfg.RunMigrations, "run-migrations", getenvBool("RUN_MIGRATIONS", false), "apply clickhouse migrations on startup (env: RUN_MIGRATIONS)")

	flag.StringVar(&cfg.ClickhouseAddr, "clickhouse-addr", getenv("CLICKHOUSE_ADDR", defaultClickhouse), "clickhouse native address (env: CLICKHOUSE_ADDR)")
	flag.StringVar(&cfg.ClickhouseDatabase, "clickhouse-database", getenv("CLICKHOUSE_DATABASE", "default"), "clickhouse database (env: CLICKHOUSE_DATABASE)")
	flag.StringVar(&cfg.ClickhouseUser, "clickhouse-user", getenv("CLICKHOUSE_USER", "default"), "clickhouse user (env: CLICKHOUSE_USER)")
	flag.StringVar(&cfg.ClickhousePass, "clickhouse-pass", getenv("CLICKHOUSE_PASS", ""), "clickhouse password (env: CLICKHOUSE_PASS)")
	flag.BoolVar(&cfg.ClickhouseSecure, "clickhouse-secure", getenvBool("CLICKHOUSE_SECURE", false), "use TLS for clickhouse (env: CLICKHOUSE_SECURE)")
	flag.IntVar(&cfg.ClickhouseMaxOpenConns, "clickhouse-max-open-conns", maxOpen, "clickhouse pool size (env: CLICKHOUSE_MAX_OPEN_CONNS)")
	flag.IntVar(&cfg.ClickhouseMaxIdleConns, "clickhouse-max-idle-conns", maxIdle, "clickhouse idle connections (env: CLICKHOUSE_MAX_IDLE_CONNS)")

	flag.StringVar(&kafkaBrokersCSV, "kafka-brokers", getenv("KAFKA_BROKERS", ""), "kafka brokers csv; ingestion is disabled when empty (env: KAFKA_BROKERS)")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", getenv("KAFKA_TOPIC", "servicegraph-submissions"), "kafka topic (env: KAFKA_TOPIC)")
	flag.StringVar(&cfg.KafkaConsumerGroup, "kafka-consumer-group", getenv("KAFKA_CONSUMER_GROUP", "servicegraph-api"), "kafka consumer group (env: KAFKA_CONSUMER_GROUP)")
	flag.StringVar(&cfg.KafkaAuthType, "kafka-auth-type", getenv("KAFKA_AUTH_TYPE", "none"), "kafka auth: none, scram or aws-msk (env: KAFKA_AUTH_TYPE)")
	flag.StringVar(&cfg.KafkaUser, "kafka-user", getenv("KAFKA_USER", ""), "kafka scram user (env: KAFKA_USER)")
	flag.StringVar(&cfg.KafkaPass, "kafka-pass", getenv("KAFKA_PASS", ""), "kafka scram password (env: KAFKA_PASS)")
	flag.BoolVar(&cfg.KafkaTLSDisabled, "kafka-tls-disabled", getenvBool("KAFKA_TLS_DISABLED", false), "disable TLS to kafka (env: KAFKA_TLS_DISABLED)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	cfg.AllowedOrigins = splitCSV(originsCSV)
	cfg.KafkaBrokers = splitCSV(kafkaBrokersCSV)
	cfg.KafkaPartitions = partitions
	cfg.KafkaReplicationFactor = replication

	if cfg.ClickhouseAddr == "" {
		return Config{}, errors.New("clickhouse address is empty (set CLICKHOUSE_ADDR or --clickhouse-addr)")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return Config{}, errors.New("kafka topic is empty (set KAFKA_TOPIC or --kafka-topic)")
	}

	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
