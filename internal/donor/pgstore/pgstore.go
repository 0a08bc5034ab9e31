// Package pgstore is the PostgreSQL donor repository.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/soapctl/internal/donor"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute

	uniqueViolation = "23505"

	recordColumns = "name, profile, last_transferred, uploader, note, COALESCE(lease_id, ''), COALESCE(leased_at, 0)"
)

var _ donor.Repository = (*Store)(nil)

// Store keeps donors in one PostgreSQL table.
type Store struct {
	db *sql.DB
}

// Open connects to dsn through the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("pgstore: database url required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("pgstore: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("pgstore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("pgstore: migration instance: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug().Msg("pgstore: schema up to date")
			return nil
		}
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("pgstore: migration failed: dirty database version %d", dirty.Version)
		}
		return fmt.Errorf("pgstore: migration failed: %w", err)
	}
	log.Info().Msg("pgstore: schema migrated")
	return nil
}

func (s *Store) List(ctx context.Context) ([]donor.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM donors ORDER BY seq ASC")
	if err != nil {
		return nil, donor.WrapRepositoryError("list", err)
	}
	defer rows.Close()
	var out []donor.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, donor.WrapRepositoryError("list", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, donor.WrapRepositoryError("list", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, name string) (donor.Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM donors WHERE name = $1", strings.TrimSpace(name))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return donor.Record{}, donor.ErrNotFound
	}
	if err != nil {
		return donor.Record{}, donor.WrapRepositoryError("get", err)
	}
	return rec, nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM donors WHERE name = $1)", strings.TrimSpace(name)).Scan(&exists)
	if err != nil {
		return false, donor.WrapRepositoryError("exists", err)
	}
	return exists, nil
}

func (s *Store) Insert(ctx context.Context, rec donor.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO donors (name, profile, last_transferred, uploader, note) VALUES ($1, $2, $3, $4, $5)`,
		rec.Name, string(rec.Profile), rec.LastTransferred, rec.Uploader, rec.Note,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return donor.ErrDuplicate
	}
	if err != nil {
		return donor.WrapRepositoryError("insert", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, rec donor.Record) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donors SET profile = $2, last_transferred = $3, uploader = $4, note = $5 WHERE name = $1`,
		rec.Name, string(rec.Profile), rec.LastTransferred, rec.Uploader, rec.Note,
	)
	return expectOneRow("update", res, err, donor.ErrNotFound)
}

// ReserveReady claims the first ready, unleased donor in one statement.
// SKIP LOCKED lets concurrent claimers move past a row another transaction is claiming.
func (s *Store) ReserveReady(ctx context.Context, now int64, leaseID string) (donor.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE donors SET lease_id = $1, leased_at = $2
		WHERE name = (
			SELECT name FROM donors
			WHERE lease_id IS NULL AND last_transferred <= $3
			ORDER BY seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+recordColumns,
		leaseID, now, now-donor.CooldownSeconds,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return donor.Record{}, donor.ErrPoolExhausted
	}
	if err != nil {
		return donor.Record{}, donor.WrapRepositoryError("reserve", err)
	}
	return rec, nil
}

func (s *Store) CommitLease(ctx context.Context, name, leaseID string, profile []byte, lastTransferred int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE donors SET profile = $3, last_transferred = $4, lease_id = NULL, leased_at = NULL
		WHERE name = $1 AND lease_id = $2`,
		name, leaseID, string(profile), lastTransferred,
	)
	return expectOneRow("commit", res, err, donor.ErrLeaseLost)
}

func (s *Store) ReleaseLease(ctx context.Context, name, leaseID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donors SET lease_id = NULL, leased_at = NULL WHERE name = $1 AND lease_id = $2`,
		name, leaseID,
	)
	return expectOneRow("release", res, err, donor.ErrLeaseLost)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (donor.Record, error) {
	var (
		rec     donor.Record
		profile string
	)
	if err := row.Scan(&rec.Name, &profile, &rec.LastTransferred, &rec.Uploader, &rec.Note, &rec.LeaseID, &rec.LeasedAt); err != nil {
		return donor.Record{}, err
	}
	rec.Profile = []byte(profile)
	return rec, nil
}

func expectOneRow(op string, res sql.Result, err error, missing error) error {
	if err != nil {
		return donor.WrapRepositoryError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return donor.WrapRepositoryError(op, err)
	}
	if n == 0 {
		return missing
	}
	return nil
}
