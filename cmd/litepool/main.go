// Package main is the litepool server: an HTTP entries API backed by a
// SQLite database with separate read and write connection pools.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kandev/litepool/internal/common/config"
	"github.com/kandev/litepool/internal/common/logger"
	"github.com/kandev/litepool/internal/common/tracing"
	"github.com/kandev/litepool/internal/csrf"
	"github.com/kandev/litepool/internal/db"
	"github.com/kandev/litepool/internal/db/migrate"
	"github.com/kandev/litepool/internal/events/bus"
	"github.com/kandev/litepool/internal/server"
)

const shutdownTimeout = 15 * time.Second

type options struct {
	configDir string
	dbPath    string
	to        int
	firstTo   int
	format    string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("litepool", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configDir, "config", "", "directory containing litepool.yaml")
	flagSet.StringVar(&opts.dbPath, "db", "", "database file (overrides database.path)")
	flagSet.IntVar(&opts.to, "to", 0, "migrate: target version, 0 reverts everything (default latest)")
	flagSet.IntVar(&opts.firstTo, "first-to", 0, "migrate: version to pass through before --to")
	flagSet.StringVar(&opts.format, "format", "text", "status: output format (text, yaml)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	command := "serve"
	if rest := flagSet.Args(); len(rest) > 0 {
		command = rest[0]
	}

	cfg, err := config.LoadWithPath(opts.configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.dbPath != "" {
		cfg.Database.Path = opts.dbPath
	}
	if flagSet.Changed("to") {
		cfg.Database.MigrateTo = &opts.to
	}
	if flagSet.Changed("first-to") {
		cfg.Database.MigrateFirstTo = &opts.firstTo
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)
	tracing.SetServiceName(cfg.Tracing.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "serve":
		return serve(ctx, cfg, log)
	case "migrate":
		return migrateOnly(ctx, cfg, log)
	case "status":
		return status(ctx, cfg, log, opts.format)
	default:
		printHelp(flagSet)
		return fmt.Errorf("unknown command %q", command)
	}
}

func openDatabase(ctx context.Context, cfg *config.Config, log *logger.Logger) (*db.Manager, func(), error) {
	m, err := db.Open(ctx, cfg.Database, db.WithLogger(log))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := m.Close(closeCtx); err != nil {
			log.Warn("error closing database", zap.Error(err))
		}
		if err := tracing.Shutdown(closeCtx); err != nil {
			log.Warn("error shutting down tracing", zap.Error(err))
		}
	}
	return m, closeFn, nil
}

// runMigrations applies the embedded schema. Drift is fatal to startup.
func runMigrations(ctx context.Context, cfg *config.Config, m *db.Manager, log *logger.Logger) (*migrate.Report, error) {
	migrations, err := server.Migrations()
	if err != nil {
		return nil, err
	}
	report, err := migrate.NewRunner(m, log).Run(ctx, migrations, migrate.Target{
		To:      cfg.Database.MigrateTo,
		FirstTo: cfg.Database.MigrateFirstTo,
	})
	if err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return report, nil
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting litepool...")

	m, closeDB, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	if cfg.Database.AutoMigrate {
		report, err := runMigrations(ctx, cfg, m, log)
		if err != nil {
			return err
		}
		if len(report.Applied)+len(report.Reverted) > 0 {
			_ = eventBus.Publish(ctx, bus.SubjectMigrationsApplied, bus.NewEvent("migrations.applied", "litepool", map[string]any{
				"from": report.From,
				"to":   report.To,
			}))
		}
	}

	srv := server.New(*cfg, m, eventBus, csrf.NewStore(), log)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("litepool stopped")
	return nil
}

func migrateOnly(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	m, closeDB, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	report, err := runMigrations(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	fmt.Printf("migrated from version %d to %d (applied %v, reverted %v)\n",
		report.From, report.To, report.Applied, report.Reverted)
	return nil
}

func status(ctx context.Context, cfg *config.Config, log *logger.Logger, format string) error {
	if format != "text" && format != "yaml" {
		return fmt.Errorf("unknown format %q", format)
	}

	m, closeDB, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	records, err := migrate.NewRunner(m, log).Applied(ctx)
	if err != nil {
		return err
	}
	if format == "yaml" {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return enc.Encode(map[string]any{"migrations": records})
	}
	if len(records) == 0 {
		fmt.Println("no migrations applied")
		return nil
	}
	for _, r := range records {
		fmt.Println(formatRecord(r))
	}
	return nil
}

// formatRecord renders one status line with the checksum shortened to 16
// hex digits.
func formatRecord(r migrate.Record) string {
	return fmt.Sprintf("%4d  %s  %s", r.Version, r.AppliedAt.Format(time.RFC3339), r.Checksum[:min(16, len(r.Checksum))])
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `litepool: entries API over a pooled SQLite database.

Usage:
  litepool [flags] [serve|migrate|status]

Commands:
  serve    run migrations (if database.autoMigrate) and start the HTTP server (default)
  migrate  apply migrations up to --to and exit
  status   list applied migrations

Flags:
`)
	flagSet.PrintDefaults()
}
