// Command offline-engine runs the offline-first sync and caching engine and
// inspects its local store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/offline-engine/config"
	"github.com/wolfeidau/offline-engine/credentials"
	"github.com/wolfeidau/offline-engine/engine"
	"github.com/wolfeidau/offline-engine/server"
	"github.com/wolfeidau/offline-engine/store"
	"github.com/wolfeidau/offline-engine/telemetry"
	"gopkg.in/natefinch/lumberjack.v2"
)

var version = "dev"

// CLI is the command line. Flags override values loaded from --config.
type CLI struct {
	Config    string `help:"Path to a TOML configuration file." type:"path" env:"OFFLINE_ENGINE_CONFIG"`
	Database  string `help:"Path to the local database file." env:"OFFLINE_ENGINE_DATABASE"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (text, json)."`
	LogFile   string `help:"Write logs to this file with size-based rotation." type:"path"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the engine and its control API."`
	Queue   QueueCmd   `cmd:"" help:"List pending sync items."`
	Failed  FailedCmd  `cmd:"" help:"List sync items that exhausted their retries."`
	Requeue RequeueCmd `cmd:"" help:"Move a failed item back into the sync queue."`
	Clear   ClearCmd   `cmd:"" help:"Remove all cached responses, queued items and local records."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// load reads the configuration file and applies flag overrides.
func (c *CLI) load() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return config.Config{}, err
	}
	if c.Database != "" {
		cfg.Database.Path = c.Database
	}
	if c.LogLevel != "" {
		cfg.Debug.LogLevel = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Debug.LogFormat = c.LogFormat
	}
	if c.LogFile != "" {
		cfg.Debug.LogFile = c.LogFile
	}
	return cfg, nil
}

func newLogger(cfg config.DebugConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		w, closer = rotating, rotating
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "text", "":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.LogFile != "",
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, nil, fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return slog.New(handler), closer, nil
}

// ServeCmd runs the engine until interrupted.
type ServeCmd struct {
	Address   string `help:"Control API listen address." env:"OFFLINE_ENGINE_ADDRESS"`
	Remote    string `help:"Base URL of the remote backend." env:"OFFLINE_ENGINE_REMOTE"`
	Token     string `help:"Bearer token for the remote backend." env:"OFFLINE_ENGINE_REMOTE_TOKEN"`
	AuthToken string `help:"Bearer token required by the control API." env:"OFFLINE_ENGINE_AUTH_TOKEN"`
	Secrets   string `help:"Secrets template supplying the remote and control API tokens." type:"path" env:"OFFLINE_ENGINE_SECRETS"`
	Offline   bool   `help:"Start in offline mode."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}
	if c.Remote != "" {
		cfg.Remote.BaseURL = c.Remote
	}
	if c.Token != "" {
		cfg.Remote.Token = c.Token
	}
	if c.AuthToken != "" {
		cfg.Server.AuthToken = c.AuthToken
	}
	if c.Secrets != "" {
		cfg.Remote.SecretsFile = c.Secrets
	}

	logger, closer, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Remote.SecretsFile != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(logger),
			credentials.WithOnePassword(),
		)
		secrets, err := resolver.Resolve(ctx, cfg.Remote.SecretsFile)
		if err != nil {
			return fmt.Errorf("resolving secrets: %w", err)
		}
		secrets.Apply(&cfg)
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "offline-engine",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	if c.Offline {
		eng.Network().SetOnline(false)
	}
	if err := eng.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer func() {
		if err := eng.Close(context.Background()); err != nil {
			logger.Error("engine shutdown failed", "error", err)
		}
	}()

	srv := server.New(server.Config{
		Address:   cfg.Server.Address,
		AuthToken: cfg.Server.AuthToken,
		Logger:    logger,
	}, eng)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("offline engine running",
		"version", version,
		"address", srv.Address(),
		"database", cfg.Database.Path,
		"remote", cfg.Remote.BaseURL)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openStore opens the local store for the maintenance commands. It fails
// while a server holds the database.
func openStore(cli *CLI) (*store.BoltStore, func(), error) {
	cfg, err := cli.load()
	if err != nil {
		return nil, nil, err
	}
	logger, closer, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, nil, err
	}

	st := store.New(store.WithLogger(logger))
	if err := st.Open(cfg.Database.Path); err != nil {
		_ = closer.Close()
		return nil, nil, fmt.Errorf("opening %s (is the engine running?): %w", cfg.Database.Path, err)
	}
	return st, func() {
		_ = st.Close()
		_ = closer.Close()
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// QueueCmd lists pending items in drain order.
type QueueCmd struct {
	Limit int `help:"Maximum number of items to list (0 for all)." default:"0"`
}

func (c *QueueCmd) Run(cli *CLI) error {
	st, done, err := openStore(cli)
	if err != nil {
		return err
	}
	defer done()

	items, err := st.DueItems(context.Background(), c.Limit)
	if err != nil {
		return err
	}
	if items == nil {
		items = []store.QueueItem{}
	}
	return printJSON(items)
}

// FailedCmd lists parked items.
type FailedCmd struct{}

func (c *FailedCmd) Run(cli *CLI) error {
	st, done, err := openStore(cli)
	if err != nil {
		return err
	}
	defer done()

	items, err := st.FailedItems(context.Background())
	if err != nil {
		return err
	}
	if items == nil {
		items = []store.FailedItem{}
	}
	return printJSON(items)
}

// RequeueCmd moves a failed item back into the queue.
type RequeueCmd struct {
	ID uint64 `arg:"" help:"Failed item id."`
}

func (c *RequeueCmd) Run(cli *CLI) error {
	st, done, err := openStore(cli)
	if err != nil {
		return err
	}
	defer done()

	if err := st.RequeueFailed(context.Background(), c.ID); err != nil {
		return err
	}
	fmt.Printf("requeued item %d\n", c.ID)
	return nil
}

// ClearCmd removes all offline data.
type ClearCmd struct {
	Yes bool `help:"Do not ask for confirmation." short:"y"`
}

func (c *ClearCmd) Run(cli *CLI) error {
	if !c.Yes {
		return errors.New("refusing to clear offline data without --yes")
	}
	st, done, err := openStore(cli)
	if err != nil {
		return err
	}
	defer done()

	if err := st.Clear(context.Background()); err != nil {
		return err
	}
	fmt.Println("offline data cleared")
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("offline-engine"),
		kong.Description("Offline-first sync and caching engine."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
