// Package main provides a CLI tool to migrate stored Twitch token records from
// plaintext JSON to encrypted envelopes.
//
// Records already sealed are left untouched, so the tool is safe to re-run.
// It requires the ENCRYPTION_KEY environment variable to be set.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--key KEY]...
//
// Flags:
//
//	--dry-run: Show what would be migrated without making changes
//	--key:     Redis key of a token record (repeatable; default: TOKEN_KEY or "token")
//
// Environment Variables:
//
//	REDIS_URL: Redis connection URL (default redis://127.0.0.1:6379/0)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/onnwee/chat-relay/crypto"
	"github.com/onnwee/chat-relay/store"
)

type keyList []string

func (k *keyList) String() string     { return strings.Join(*k, ",") }
func (k *keyList) Set(v string) error { *k = append(*k, v); return nil }

func main() {
	var keys keyList
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Var(&keys, "key", "Redis key of a token record (repeatable)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if len(keys) == 0 {
		def := os.Getenv("TOKEN_KEY")
		if def == "" {
			def = "token"
		}
		keys = append(keys, def)
	}

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	encryptor, err := crypto.NewAESEncryptor(encryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://127.0.0.1:6379/0"
	}
	pool, err := store.NewPool(redisURL)
	if err != nil {
		slog.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	ctx := context.Background()
	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping redis", slog.Any("error", err))
		os.Exit(1)
	}

	if err := migrateTokens(ctx, pool, encryptor, keys, *dryRun); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := validateMigration(ctx, pool, encryptor, keys); err != nil {
		slog.Error("validation failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("migration completed successfully")
}

// migrateTokens seals every plaintext record among keys.
func migrateTokens(ctx context.Context, pool *store.Pool, encryptor crypto.Encryptor, keys []string, dryRun bool) error {
	migratedCount := 0
	errorCount := 0

	for i, key := range keys {
		logger := slog.With(
			slog.String("key", key),
			slog.Int("index", i+1),
			slog.Int("total", len(keys)))

		plain := store.NewTokenStore(pool, key, nil)
		sealed, err := plain.Sealed(ctx)
		switch {
		case errors.Is(err, store.ErrTokenNotFound):
			logger.Info("no token record, skipping")
			continue
		case err != nil:
			logger.Error("failed to inspect token", slog.Any("error", err))
			errorCount++
			continue
		case sealed:
			logger.Info("token already encrypted")
			continue
		}

		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migratedCount++
			continue
		}

		if err := migrateToken(ctx, pool, encryptor, key); err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			errorCount++
			continue
		}
		logger.Info("migrated token successfully")
		migratedCount++
	}

	slog.Info("migration summary",
		slog.Int("total", len(keys)),
		slog.Int("migrated", migratedCount),
		slog.Int("errors", errorCount),
		slog.Bool("dry_run", dryRun))

	if errorCount > 0 {
		return fmt.Errorf("migration completed with %d errors", errorCount)
	}
	return nil
}

// migrateToken rewrites one plaintext record as a sealed envelope.
func migrateToken(ctx context.Context, pool *store.Pool, encryptor crypto.Encryptor, key string) error {
	tok, err := store.NewTokenStore(pool, key, nil).Load(ctx)
	if err != nil {
		return fmt.Errorf("load plaintext token: %w", err)
	}
	if err := store.NewTokenStore(pool, key, encryptor).Save(ctx, tok); err != nil {
		return fmt.Errorf("save encrypted token: %w", err)
	}
	return nil
}

// validateMigration checks every present record is sealed and opens with the key.
func validateMigration(ctx context.Context, pool *store.Pool, encryptor crypto.Encryptor, keys []string) error {
	for _, key := range keys {
		ts := store.NewTokenStore(pool, key, encryptor)
		sealed, err := ts.Sealed(ctx)
		if errors.Is(err, store.ErrTokenNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !sealed {
			slog.Warn("token record is still plaintext", slog.String("key", key))
			continue
		}
		if _, err := ts.Load(ctx); err != nil {
			return fmt.Errorf("key %s: %w", key, err)
		}
		slog.Info("token record encrypted (AES-256-GCM)", slog.String("key", key))
	}
	return nil
}
