// Command migrate applies or reverts the order engine schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/tradecore/internal/infra/config"
	"github.com/coachpo/tradecore/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	dsn     string
	dir     string
	timeout time.Duration
	quiet   bool
	command string
	steps   int
}

func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := fs.String("database", os.Getenv(config.EnvVarDatabaseDSN), "PostgreSQL DSN (defaults to "+config.EnvVarDatabaseDSN+")")
	dir := fs.String("path", migrations.Embedded, "Directory containing SQL migrations, or \"embedded\"")
	timeout := fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
	quiet := fs.Bool("quiet", false, "Suppress informational logs")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{
		dsn:     strings.TrimSpace(*dsn),
		dir:     strings.TrimSpace(*dir),
		timeout: *timeout,
		quiet:   *quiet,
		steps:   1,
	}
	if opts.dsn == "" {
		return options{}, errors.New("-database flag is required")
	}
	if opts.dir == "" {
		return options{}, errors.New("-path flag is required")
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return options{}, errors.New("command required (up|down)")
	}
	opts.command = rest[0]
	switch opts.command {
	case "up":
	case "down":
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil {
				return options{}, fmt.Errorf("invalid down steps %q: %w", rest[1], err)
			}
			opts.steps = n
		}
	default:
		return options{}, fmt.Errorf("unknown command %q (expected up or down)", opts.command)
	}
	return opts, nil
}

func run(args []string) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if !opts.quiet {
		logger, err = zap.NewProduction()
		if err != nil {
			return fmt.Errorf("initialise logger: %w", err)
		}
		logger = logger.Named("tradecore-migrate")
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if opts.command == "down" {
		return migrations.Rollback(ctx, opts.dsn, opts.dir, opts.steps, logger)
	}
	return migrations.Apply(ctx, opts.dsn, opts.dir, logger)
}
