// Package store persists personas, discussions, the project registry, and
// persona memories in a single-file sqlite database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schema_meta keys.
const (
	metaEnvKey       = "agent_persona_env_key"
	metaSeedSentinel = "agent_personas_seeded"
	MetaIntroLedger  = "slack_persona_intros_v4"
)

// Store is the container for all sqlite-backed stores.
type Store struct {
	db *sql.DB

	Personas    *PersonaStore
	Discussions *DiscussionStore
	Projects    *ProjectStore
	Memory      *MemoryStore
	Meta        *MetaStore
}

// Open opens (creating if needed) the database at path, applies pending
// migrations, ensures the env encryption key exists, and seeds the persona
// roster on first run.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// sqlite writes serialize; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	s.Meta = &MetaStore{db: db}

	codec, err := s.ensureEnvKey(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	s.Personas = &PersonaStore{db: db, codec: codec}
	s.Discussions = &DiscussionStore{db: db}
	s.Projects = &ProjectStore{db: db}
	s.Memory = &MemoryStore{db: db}

	if err := s.seedPersonas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func runMigrations(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("store: load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("store: create migrator: %w", err)
	}
	return m, nil
}

// ensureEnvKey loads the persona env encryption key from schema_meta,
// generating and persisting one on first run.
func (s *Store) ensureEnvKey(ctx context.Context) (envCodec, error) {
	raw, err := s.Meta.Get(ctx, metaEnvKey)
	if err != nil {
		return envCodec{}, err
	}
	if raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return envCodec{}, fmt.Errorf("store: decode env key: %w", err)
		}
		return newEnvCodec(key)
	}

	key, err := newEnvKey()
	if err != nil {
		return envCodec{}, err
	}
	if err := s.Meta.Set(ctx, metaEnvKey, base64.StdEncoding.EncodeToString(key)); err != nil {
		return envCodec{}, err
	}
	slog.Info("generated persona env encryption key")
	return newEnvCodec(key)
}

// MetaStore is arbitrary key/value storage in schema_meta.
type MetaStore struct {
	db *sql.DB
}

// Get returns the value for key, or "" when absent.
func (m *MetaStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := m.db.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: meta get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts a key/value pair.
func (m *MetaStore) Set(ctx context.Context, key, value string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO schema_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: meta set %s: %w", key, err)
	}
	return nil
}
