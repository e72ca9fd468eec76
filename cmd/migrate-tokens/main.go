// Command migrate-tokens encrypts OAuth tokens stored in plaintext
// (encryption_version=0) to AES-256-GCM (version=1). Run it once after
// setting ENCRYPTION_KEY on a deployment that previously stored tokens
// unencrypted.
//
// Usage:
//
//	migrate-tokens [--dry-run]
//
// Environment:
//
//	DB_DSN          Database connection string (required)
//	ENCRYPTION_KEY  Base64-encoded 32-byte key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Brisppy/twitch-archiver/crypto"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "show what would be migrated without making changes")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN is required")
		os.Exit(1)
	}
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY is required")
		os.Exit(1)
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		slog.Error("invalid encryption key", slog.Any("err", err))
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to open database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("err", err))
		os.Exit(1)
	}

	if err := migrateTokens(ctx, database, enc, *dryRun); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func migrateTokens(ctx context.Context, database *sql.DB, enc crypto.Encryptor, dryRun bool) error {
	rows, err := database.QueryContext(ctx, `
        SELECT provider, COALESCE(access_token,''), COALESCE(refresh_token,'')
        FROM oauth_tokens WHERE encryption_version = 0`)
	if err != nil {
		return fmt.Errorf("query plaintext tokens: %w", err)
	}
	defer rows.Close()

	type row struct{ provider, access, refresh string }
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.provider, &r.access, &r.refresh); err != nil {
			return err
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(pending) == 0 {
		slog.Info("no plaintext tokens found, nothing to do")
		return nil
	}

	for _, r := range pending {
		if dryRun {
			slog.Info("would encrypt token", slog.String("provider", r.provider))
			continue
		}
		access, refresh := r.access, r.refresh
		if access != "" {
			if access, err = crypto.EncryptString(enc, access); err != nil {
				return fmt.Errorf("encrypt access token for %s: %w", r.provider, err)
			}
		}
		if refresh != "" {
			if refresh, err = crypto.EncryptString(enc, refresh); err != nil {
				return fmt.Errorf("encrypt refresh token for %s: %w", r.provider, err)
			}
		}
		if _, err := database.ExecContext(ctx, `
            UPDATE oauth_tokens
            SET access_token=$1, refresh_token=$2, encryption_version=1, encryption_key_id='default', updated_at=NOW()
            WHERE provider=$3 AND encryption_version=0`,
			access, refresh, r.provider); err != nil {
			return fmt.Errorf("update token for %s: %w", r.provider, err)
		}
		slog.Info("token encrypted", slog.String("provider", r.provider))
	}
	slog.Info("migration complete", slog.Int("migrated", len(pending)), slog.Bool("dry_run", dryRun))
	return nil
}
