package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"preflight/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "preflight:schema:version"
	currentSchemaVersion = 2
)

// Migration represents a schema migration
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date", "version", currentVersion)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration",
				"version", migration.Version,
				"name", migration.Name,
			)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "drop legacy report list",
			Up: func(ctx context.Context, client *redis.Client) error {
				return client.Del(ctx, "preflight:reports").Err()
			},
		},
		{
			Version: 2,
			Name:    "index reports by finish time",
			Up:      backfillRecentIndex,
		},
	}
}

// backfillRecentIndex adds every stored report to the recency index.
func backfillRecentIndex(ctx context.Context, client *redis.Client) error {
	iter := client.Scan(ctx, 0, reportPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		var report domain.Report
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		member := strings.TrimPrefix(key, reportPrefix)
		if err := client.ZAdd(ctx, recentKey, redis.Z{
			Score:  float64(report.FinishedAt.UnixMilli()),
			Member: member,
		}).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
