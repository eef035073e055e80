package sql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	"github.com/bcnelson/sandbox-control-plane/internal/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*/*.sql
var embedMigrations embed.FS

// Supported drivers. Each has its own migrations directory.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

var _ storage.Storage = (*Store)(nil)

// Migrate applies the embedded migrations for driver to db.
func Migrate(db *sql.DB, driver string) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations/"+driver); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// New creates a new SQL store and brings its schema up to date.
func New(driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// SQLite allows a single writer; serialising connections keeps
	// UpdateSandbox transactions from failing with SQLITE_BUSY.
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(db.DB, driver); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================
// API Keys
// ============================================

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt.UTC(), key.LastUsedAt)
	return wrapUniqueError(err)
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := s.db.GetContext(ctx, &key,
		`SELECT id, name, key_hash, key_prefix, created_at, last_used_at FROM api_keys WHERE key_hash = $1`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	keys := []*domain.APIKey{}
	err := s.db.SelectContext(ctx, &keys,
		`SELECT id, name, key_hash, key_prefix, created_at, last_used_at FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM api_keys`)
	return count, err
}

// ============================================
// Sandboxes
// ============================================

// helper to run queries on either the pool or a transaction
type dbInterface interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const sandboxColumns = `id, image_uri, image_auth, entrypoint, env, resource_limits, ports, metadata,
	state, state_reason, state_message, last_transition_at, created_at, expires_at`

// sandboxRow is the flattened column layout of the sandboxes table.
type sandboxRow struct {
	ID               string         `db:"id"`
	ImageURI         string         `db:"image_uri"`
	ImageAuth        sql.NullString `db:"image_auth"`
	Entrypoint       string         `db:"entrypoint"`
	Env              string         `db:"env"`
	ResourceLimits   string         `db:"resource_limits"`
	Ports            string         `db:"ports"`
	Metadata         string         `db:"metadata"`
	State            string         `db:"state"`
	StateReason      string         `db:"state_reason"`
	StateMessage     string         `db:"state_message"`
	LastTransitionAt time.Time      `db:"last_transition_at"`
	CreatedAt        time.Time      `db:"created_at"`
	ExpiresAt        time.Time      `db:"expires_at"`
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toRow(sb *domain.Sandbox) (*sandboxRow, error) {
	row := &sandboxRow{
		ID:               sb.ID,
		ImageURI:         sb.Image.URI,
		State:            string(sb.Status.State),
		StateReason:      sb.Status.Reason,
		StateMessage:     sb.Status.Message,
		LastTransitionAt: sb.Status.LastTransitionAt.UTC(),
		CreatedAt:        sb.CreatedAt.UTC(),
		ExpiresAt:        sb.ExpiresAt.UTC(),
	}
	if sb.Image.Auth != nil {
		auth, err := encodeJSON(sb.Image.Auth)
		if err != nil {
			return nil, err
		}
		row.ImageAuth = sql.NullString{String: auth, Valid: true}
	}

	var err error
	if row.Entrypoint, err = encodeJSON(nonNilSlice(sb.Entrypoint)); err != nil {
		return nil, err
	}
	if row.Env, err = encodeJSON(nonNilMap(sb.Env)); err != nil {
		return nil, err
	}
	if row.ResourceLimits, err = encodeJSON(nonNilMap(sb.ResourceLimits)); err != nil {
		return nil, err
	}
	if row.Ports, err = encodeJSON(nonNilSlice(sb.Ports)); err != nil {
		return nil, err
	}
	if row.Metadata, err = encodeJSON(nonNilMap(sb.Metadata)); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *sandboxRow) toDomain() (*domain.Sandbox, error) {
	sb := &domain.Sandbox{
		ID:    r.ID,
		Image: domain.ImageSpec{URI: r.ImageURI},
		Status: domain.Status{
			State:            domain.State(r.State),
			Reason:           r.StateReason,
			Message:          r.StateMessage,
			LastTransitionAt: r.LastTransitionAt.UTC(),
		},
		CreatedAt: r.CreatedAt.UTC(),
		ExpiresAt: r.ExpiresAt.UTC(),
	}
	if r.ImageAuth.Valid {
		sb.Image.Auth = &domain.ImageAuth{}
		if err := json.Unmarshal([]byte(r.ImageAuth.String), sb.Image.Auth); err != nil {
			return nil, fmt.Errorf("decoding image auth of sandbox %s: %w", r.ID, err)
		}
	}
	fields := []struct {
		name string
		raw  string
		dest any
	}{
		{"entrypoint", r.Entrypoint, &sb.Entrypoint},
		{"env", r.Env, &sb.Env},
		{"resource_limits", r.ResourceLimits, &sb.ResourceLimits},
		{"ports", r.Ports, &sb.Ports},
		{"metadata", r.Metadata, &sb.Metadata},
	}
	for _, f := range fields {
		if err := json.Unmarshal([]byte(f.raw), f.dest); err != nil {
			return nil, fmt.Errorf("decoding %s of sandbox %s: %w", f.name, r.ID, err)
		}
	}
	return sb, nil
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (s *Store) PutSandbox(ctx context.Context, sb *domain.Sandbox) error {
	row, err := toRow(sb)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO sandboxes (`+sandboxColumns+`)
		 VALUES (:id, :image_uri, :image_auth, :entrypoint, :env, :resource_limits, :ports, :metadata,
		         :state, :state_reason, :state_message, :last_transition_at, :created_at, :expires_at)`,
		row)
	return wrapUniqueError(err)
}

func getSandbox(ctx context.Context, db dbInterface, id, suffix string) (*domain.Sandbox, error) {
	var row sandboxRow
	err := db.GetContext(ctx, &row,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1`+suffix, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) GetSandbox(ctx context.Context, id string) (*domain.Sandbox, error) {
	return getSandbox(ctx, s.db, id, "")
}

// UpdateSandbox reads, mutates and writes one sandbox inside a transaction.
// On PostgreSQL the row is locked with FOR UPDATE; SQLite runs on a single
// connection so transactions are already serialised.
func (s *Store) UpdateSandbox(ctx context.Context, id string, fn storage.UpdateFunc) (*domain.Sandbox, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	lock := ""
	if s.driver == DriverPostgres {
		lock = " FOR UPDATE"
	}
	sb, err := getSandbox(ctx, tx, id, lock)
	if err != nil {
		return nil, err
	}
	if err := fn(sb); err != nil {
		return nil, err
	}
	sb.ID = id

	row, err := toRow(sb)
	if err != nil {
		return nil, err
	}
	_, err = tx.NamedExecContext(ctx,
		`UPDATE sandboxes SET
			metadata = :metadata,
			state = :state,
			state_reason = :state_reason,
			state_message = :state_message,
			last_transition_at = :last_transition_at,
			expires_at = :expires_at
		 WHERE id = :id`,
		row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sb, nil
}

func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListSandboxes(ctx context.Context) ([]*domain.Sandbox, error) {
	var rows []sandboxRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+sandboxColumns+` FROM sandboxes ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Sandbox, 0, len(rows))
	for i := range rows {
		sb, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, nil
}
