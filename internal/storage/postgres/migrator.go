package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Версионированные миграции лежат в sql/migrations как пары
// NNNN_name.up.sql / NNNN_name.down.sql и применяются в порядке номеров.

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

const (
	migrationsDir = "sql/migrations"
	// Advisory lock сериализует миграции между репликами приложения.
	migrationLockKey = int64(58219640)

	ledgerDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var scriptNameRe = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// migrationScript — одна пара up/down.
type migrationScript struct {
	version int64
	name    string
	up      string
	down    string
}

// MigrateUp применяет up-миграции. steps=0 означает "все доступные".
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn, scripts []migrationScript) error {
		done, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}

		applied := 0
		for _, script := range scripts {
			if done[script.version] {
				continue
			}
			if steps > 0 && applied >= steps {
				break
			}
			err := inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, script.up); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx,
					`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
					script.version, script.name)
				return err
			})
			if err != nil {
				return fmt.Errorf("migration %d_%s up: %w", script.version, script.name, err)
			}
			applied++
		}
		return nil
	})
}

// MigrateDown откатывает миграции. steps<=0 трактуется как один шаг,
// чтобы случайный вызов не снёс всю схему.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}

	return s.withMigrationLock(ctx, func(conn *sql.Conn, scripts []migrationScript) error {
		byVersion := make(map[int64]migrationScript, len(scripts))
		for _, script := range scripts {
			byVersion[script.version] = script
		}

		rows, err := conn.QueryContext(ctx,
			`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT $1`, steps)
		if err != nil {
			return fmt.Errorf("list applied migrations: %w", err)
		}
		var targets []int64
		for rows.Next() {
			var version int64
			if err := rows.Scan(&version); err != nil {
				rows.Close()
				return fmt.Errorf("scan migration version: %w", err)
			}
			targets = append(targets, version)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list applied migrations: %w", err)
		}

		for _, version := range targets {
			script, ok := byVersion[version]
			if !ok {
				return fmt.Errorf("applied migration %d has no down script", version)
			}
			err := inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, script.down); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx,
					`DELETE FROM schema_migrations WHERE version = $1`, script.version)
				return err
			})
			if err != nil {
				return fmt.Errorf("migration %d_%s down: %w", script.version, script.name, err)
			}
		}
		return nil
	})
}

// MigrationStatus возвращает текущую версию схемы и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errors.New("postgres store is not initialized")
	}

	statusCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(statusCtx, ledgerDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	var (
		version int64
		count   int
	)
	row := s.db.QueryRowContext(statusCtx,
		`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_migrations`)
	if err := row.Scan(&version, &count); err != nil {
		return 0, 0, fmt.Errorf("read migration status: %w", err)
	}
	return version, count, nil
}

// withMigrationLock берёт advisory lock, готовит таблицу-журнал и отдаёт
// соединение вместе с загруженными скриптами.
func (s *Store) withMigrationLock(ctx context.Context, fn func(*sql.Conn, []migrationScript) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}

	scripts, err := loadScripts(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, ledgerDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	return fn(conn, scripts)
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		done[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	return done, nil
}

// loadScripts читает и спаривает up/down файлы из fsys.
func loadScripts(fsys fs.FS) ([]migrationScript, error) {
	files, err := fs.Glob(fsys, migrationsDir+"/*.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration scripts embedded")
	}

	pending := make(map[int64]*migrationScript)
	for _, file := range files {
		base := path.Base(file)
		parts := scriptNameRe.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("bad migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad migration version in %s: %w", base, err)
		}

		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", base, err)
		}
		text := strings.TrimSpace(string(body))
		if text == "" {
			return nil, fmt.Errorf("empty migration script: %s", base)
		}

		script := pending[version]
		if script == nil {
			script = &migrationScript{version: version, name: parts[2]}
			pending[version] = script
		} else if script.name != parts[2] {
			return nil, fmt.Errorf("version %d used by both %q and %q", version, script.name, parts[2])
		}

		if parts[3] == "up" {
			if script.up != "" {
				return nil, fmt.Errorf("duplicate up script for version %d", version)
			}
			script.up = text
		} else {
			if script.down != "" {
				return nil, fmt.Errorf("duplicate down script for version %d", version)
			}
			script.down = text
		}
	}

	scripts := make([]migrationScript, 0, len(pending))
	for _, script := range pending {
		if script.up == "" || script.down == "" {
			return nil, fmt.Errorf("migration %d_%s needs both up and down scripts", script.version, script.name)
		}
		scripts = append(scripts, *script)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].version < scripts[j].version })
	return scripts, nil
}
