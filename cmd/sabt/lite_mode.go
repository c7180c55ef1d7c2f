package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/peyvand-edu/sabt-core/pkg/config"
	"github.com/peyvand-edu/sabt-core/pkg/rowsource"
	"github.com/peyvand-edu/sabt-core/pkg/signing"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// openDatabase connects the configured row-source backend: Postgres when
// DATABASE_URL is set, the SQLite fallback otherwise.
func openDatabase(ctx context.Context, cfg *config.Config, log *slog.Logger) (*sql.DB, rowsource.Dialect, error) {
	if cfg.LiteMode() {
		db, err := setupLiteMode(ctx, cfg.SQLitePath, log)
		return db, rowsource.DialectSQLite, err
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, 0, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, 0, fmt.Errorf("postgres unreachable: %w", err)
	}
	log.Info("postgres connected")
	return db, rowsource.DialectPostgres, nil
}

// setupLiteMode opens the SQLite fallback and bootstraps its schema.
func setupLiteMode(ctx context.Context, path string, log *slog.Logger) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	log.Info("lite mode: using sqlite", "path", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := rowsource.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// loadOrGenerateKeySet reads the signing key file, or creates one with a
// single active key when none exists. Production refuses to generate.
func loadOrGenerateKeySet(cfg *config.Config, stdout io.Writer) (*signing.KeySet, error) {
	path := cfg.SigningKeysPath
	if _, err := os.Stat(path); err == nil {
		return signing.LoadKeySet(path)
	}

	if cfg.Production {
		return nil, fmt.Errorf("production mode requires signing keys at %s", path)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	ks, err := signing.NewKeySet(signing.DefaultURLTTL, signing.Key{
		KID:    freshKID(),
		State:  signing.StateActive,
		Secret: hex.EncodeToString(secret),
	})
	if err != nil {
		return nil, err
	}
	if err := ks.Save(path); err != nil {
		return nil, err
	}

	fmt.Fprintf(stdout, "\n%s⚠️  SECURITY WARNING: Using auto-generated signing keys.%s\n", ColorBold+ColorYellow, ColorReset)
	fmt.Fprintf(stdout, "   Key set saved to: %s\n", path)
	fmt.Fprintf(stdout, "   In production, provision keys and set SABT_PRODUCTION=1.\n\n")

	return ks, nil
}

// freshKID mints a short random key id for generated keys.
func freshKID() string {
	return "k-" + uuid.NewString()[:8]
}
