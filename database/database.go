// Package database is the PostgreSQL implementation of store.Store, built
// on a pgx connection pool.
package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"f0oster/viewsync/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

type Database struct {
	dsn           string
	managementDsn string
	pool          *pgxpool.Pool
	logger        zerolog.Logger
}

var _ store.Store = (*Database)(nil)

func NewDatabase(dsn string, managementDsn string, logger zerolog.Logger) *Database {
	return &Database{
		dsn:           dsn,
		managementDsn: managementDsn,
		logger:        logger.With().Str("component", "database").Logger(),
	}
}

// Connect opens the connection pool and verifies it with a ping.
func (db *Database) Connect(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, db.dsn)
	if err != nil {
		return fmt.Errorf("unable to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	db.pool = pool
	return nil
}

func (db *Database) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

func (db *Database) Pool() *pgxpool.Pool {
	return db.pool
}

// InTx runs fn inside a READ COMMITTED transaction. Row locks taken by the
// Lock* methods are held until fn returns.
func (db *Database) InTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	if db.pool == nil {
		return errors.New("database is not connected")
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer db.rollbackOrCommit(ctx, tx, &err)

	return fn(&pgTx{tx: tx})
}

func (db *Database) rollbackOrCommit(ctx context.Context, tx pgx.Tx, err *error) {
	if *err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			db.logger.Error().Err(rbErr).AnErr("cause", *err).Msg("transaction rollback failed")
		} else {
			db.logger.Debug().Err(*err).Msg("transaction rolled back")
		}
		return
	}
	if cmErr := tx.Commit(ctx); cmErr != nil {
		*err = mapError("commit", cmErr)
		db.logger.Error().Err(cmErr).Msg("transaction commit failed")
	}
}

// ApplySchema creates the engine's tables in the connected database.
func (db *Database) ApplySchema(ctx context.Context) error {
	if db.pool == nil {
		return errors.New("database is not connected")
	}
	if _, err := db.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	db.logger.Info().Msg("schema applied")
	return nil
}

// ResetDatabase drops and recreates the named database through the
// management connection, then applies the schema through dsn.
// For development and integration tests only.
func ResetDatabase(ctx context.Context, managementDsn, dsn, name string, logger zerolog.Logger) error {
	managementPool, err := pgxpool.New(ctx, managementDsn)
	if err != nil {
		return fmt.Errorf("unable to connect to management database: %w", err)
	}
	defer managementPool.Close()

	ident := pgx.Identifier{name}.Sanitize()
	if _, err := managementPool.Exec(ctx, "DROP DATABASE IF EXISTS "+ident+" WITH (FORCE)"); err != nil {
		return fmt.Errorf("drop database %s: %w", name, err)
	}
	logger.Info().Str("database", name).Msg("database dropped (if it existed)")

	if _, err := managementPool.Exec(ctx, "CREATE DATABASE "+ident); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	logger.Info().Str("database", name).Msg("database created")
	managementPool.Close()

	db := NewDatabase(dsn, managementDsn, logger)
	if err := db.Connect(ctx); err != nil {
		return err
	}
	defer db.Close()
	return db.ApplySchema(ctx)
}
