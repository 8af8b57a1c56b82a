// Команда migrate управляет схемой PostgreSQL: накатывает, откатывает
// и показывает состояние embedded-миграций сервиса.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mzaharenkov/esimoms/internal/storage/postgres"
)

const commandTimeout = 30 * time.Second

type options struct {
	direction string
	steps     int
	dsn       string
}

func readOptions(args []string) (options, error) {
	var opts options
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flags.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	flags.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	flags.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: ESIMOMS_POSTGRES_DSN)")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	if opts.dsn = strings.TrimSpace(opts.dsn); opts.dsn == "" {
		opts.dsn = strings.TrimSpace(os.Getenv("ESIMOMS_POSTGRES_DSN"))
	}
	if opts.dsn == "" {
		return options{}, errors.New("ESIMOMS_POSTGRES_DSN (or -dsn) is required")
	}
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction)
	}
	return opts, nil
}

func run(ctx context.Context, opts options) error {
	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch opts.direction {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		steps := opts.steps
		if steps <= 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	}

	version, applied, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	fmt.Printf("migrate %s ok: version=%d applied=%d\n", opts.direction, version, applied)
	return nil
}

func main() {
	opts, err := readOptions(os.Args[1:])
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fail("%v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
