package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/gitstream/gitstream/pkg/clearnode"
	"github.com/gitstream/gitstream/pkg/metrics"
	"github.com/gitstream/gitstream/pkg/server"
	"github.com/gitstream/gitstream/pkg/store"
	"github.com/gitstream/gitstream/pkg/streaming"
	"github.com/gitstream/gitstream/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:8080"
	defaultAppName    = "gitstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", "text", "log format: text or json")

	listenFlag := flag.String("listen", defaultListenAddr, "HTTP listen address (or set GITSTREAM_LISTEN_ADDR env var)")
	originsFlag := flag.String("allowed-origins", "", "comma-separated CORS origins (or set GITSTREAM_ALLOWED_ORIGINS env var)")

	postgresDSNFlag := flag.String("postgres-dsn", "", "Postgres connection string (or set GITSTREAM_POSTGRES_DSN env var)")
	migrateFlag := flag.Bool("migrate", false, "run database migrations on startup")

	clearnodeURLFlag := flag.String("clearnode-url", clearnode.SandboxURL, "ClearNode websocket URL (or set GITSTREAM_CLEARNODE_URL env var)")
	appNameFlag := flag.String("app-name", defaultAppName, "application identifier sent during ClearNode auth")
	assetFlag := flag.String("asset", "usdc", "asset symbol for settlement sessions")
	requestTimeoutFlag := flag.Duration("clearnode-timeout", 30*time.Second, "ClearNode request timeout")

	flag.Parse()

	log := logger.New(*verboseFlag, *logFormatFlag)

	// Optional .env for local development; missing file is fine.
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded .env file")
	}

	// Override flags with environment variables if set
	if env := os.Getenv("GITSTREAM_LISTEN_ADDR"); env != "" {
		*listenFlag = env
	}
	if env := os.Getenv("GITSTREAM_ALLOWED_ORIGINS"); env != "" {
		*originsFlag = env
	}
	if env := os.Getenv("GITSTREAM_POSTGRES_DSN"); env != "" {
		*postgresDSNFlag = env
	}
	if env := os.Getenv("GITSTREAM_CLEARNODE_URL"); env != "" {
		*clearnodeURLFlag = env
	}

	// The operator key only comes from the environment, never a flag.
	operatorKey := os.Getenv("GITSTREAM_OPERATOR_KEY")
	if operatorKey == "" {
		return fmt.Errorf("GITSTREAM_OPERATOR_KEY is required")
	}
	if *postgresDSNFlag == "" {
		return fmt.Errorf("--postgres-dsn or GITSTREAM_POSTGRES_DSN is required")
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrateFlag {
		if err := store.Migrate(ctx, log, *postgresDSNFlag); err != nil {
			return err
		}
	}

	st, err := store.Connect(ctx, store.Config{Logger: log, DSN: *postgresDSNFlag})
	if err != nil {
		return err
	}
	defer st.Close()

	signer, err := clearnode.NewLocalSigner(operatorKey)
	if err != nil {
		return fmt.Errorf("failed to load operator key: %w", err)
	}
	log.Info("operator signer loaded", "address", signer.Address())

	registry, err := streaming.NewRegistry(streaming.RegistryConfig{
		Logger: log,
		Factory: func() (streaming.SessionClient, error) {
			return clearnode.New(clearnode.Config{
				Logger:         log,
				URL:            *clearnodeURLFlag,
				Signer:         signer,
				Application:    *appNameFlag,
				RequestTimeout: *requestTimeoutFlag,
			})
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Shutdown(); err != nil {
			log.Error("failed to shut down settlement client", "error", err)
		}
	}()

	svc, err := streaming.NewService(streaming.ServiceConfig{
		Logger:   log,
		Registry: registry,
		Asset:    *assetFlag,
	})
	if err != nil {
		return err
	}

	var origins []string
	if *originsFlag != "" {
		for _, origin := range strings.Split(*originsFlag, ",") {
			origins = append(origins, strings.TrimSpace(origin))
		}
	}

	srv, err := server.New(server.Config{
		Logger:         log,
		ListenAddr:     *listenFlag,
		Store:          st,
		Streaming:      svc,
		AllowedOrigins: origins,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	log.Info("gitstreamd started", "version", version, "listen", *listenFlag, "clearnode", *clearnodeURLFlag)
	return g.Wait()
}
