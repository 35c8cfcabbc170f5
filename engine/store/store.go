// Package store persists posts, tags and feature vectors in Postgres and
// answers the pgvector similarity queries. All SQL lives here; the other
// engine packages talk to it through small interfaces.
package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the sole owner of the database pool. The repositories share it
// and its transaction state.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	Posts   *PostRepository
	Vectors *FeatureVectorRepository
	Tags    *TagRepository
}

// Open connects to Postgres at uri and pings it. Every connection registers
// the pgvector types, so the database must already be migrated.
func Open(ctx context.Context, uri string, log *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("store: parse database uri: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := &Store{pool: pool, log: log}
	s.Posts = &PostRepository{s: s}
	s.Vectors = &FeatureVectorRepository{s: s}
	s.Tags = &TagRepository{s: s}
	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// Migrate applies the embedded goose migrations to the database at uri.
// It runs on a plain connection of its own because the pool from Open
// requires the vector extension the first migration creates.
func Migrate(ctx context.Context, uri string, log *slog.Logger) error {
	cfg, err := pgx.ParseConfig(uri)
	if err != nil {
		return fmt.Errorf("store: parse database uri: %w", err)
	}
	db := stdlib.OpenDB(*cfg)
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("store: read migration version: %w", err)
	}
	log.Info("database migrated", "version", version)
	return nil
}

// querier is the query surface shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type txKey struct{}

// q returns the transaction carried by ctx, or the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// InTx runs fn inside a transaction. If ctx already carries one, fn joins
// it. Otherwise a new transaction is opened, committed when fn returns nil
// and rolled back when fn returns an error or panics.
func (s *Store) InTx(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
