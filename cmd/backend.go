package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	_ "github.com/lib/pq"

	goswcache "github.com/dgduncan/go-sw-cache"
	"github.com/dgduncan/go-sw-cache/caches/dynamodb"
	"github.com/dgduncan/go-sw-cache/caches/local"
	"github.com/dgduncan/go-sw-cache/caches/postgres"
	"github.com/dgduncan/go-sw-cache/caches/sqlite"
)

// openStorage opens the configured backend. The returned func releases it.
// Expired row cleanup runs until ctx is done.
func openStorage(ctx context.Context, s *settings, logger *slog.Logger) (goswcache.Storage, func(), error) {
	nop := func() {}

	switch s.Backend {
	case "memory":
		return local.NewStorage(), nop, nil

	case "sqlite":
		st, db, err := sqlite.OpenFile(ctx, s.SQLite.Path, &sqlite.Config{
			DeleteExpiredItems: true,
			ItemExpiration:     s.ItemExpiration,
			Logger:             logger,
		})
		if err != nil {
			return nil, nop, fmt.Errorf("open sqlite %s: %w", s.SQLite.Path, err)
		}
		return st, closer(db, logger), nil

	case "postgres":
		db, err := sql.Open("postgres", s.Postgres.DSN)
		if err != nil {
			return nil, nop, err
		}

		st, err := postgres.New(ctx, db, &postgres.Config{
			DeleteExpiredItems: true,
			ItemExpiration:     s.ItemExpiration,
			Logger:             logger,
		})
		if err != nil {
			db.Close()
			return nil, nop, fmt.Errorf("open postgres: %w", err)
		}
		return st, closer(db, logger), nil

	case "dynamodb":
		client, err := dynamoClient(ctx, s)
		if err != nil {
			return nil, nop, err
		}

		if s.DynamoDB.CreateTable {
			if err := dynamodb.CreateTable(ctx, client, s.DynamoDB.Table); err != nil {
				var inUse *types.ResourceInUseException
				if !errors.As(err, &inUse) {
					return nil, nop, fmt.Errorf("create table %s: %w", s.DynamoDB.Table, err)
				}
			}
		}

		st, err := dynamodb.New(ctx, client, &dynamodb.Config{
			DeleteExpiredItems: true,
			ItemExpiration:     s.ItemExpiration,
			Table:              s.DynamoDB.Table,
		})
		if err != nil {
			return nil, nop, fmt.Errorf("open dynamodb: %w", err)
		}
		return st, nop, nil

	default:
		return nil, nop, fmt.Errorf("unknown backend %q", s.Backend)
	}
}

func dynamoClient(ctx context.Context, s *settings) (*awsdynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.DynamoDB.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return awsdynamodb.NewFromConfig(cfg, func(o *awsdynamodb.Options) {
		if s.DynamoDB.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.DynamoDB.Endpoint)
		}
	}), nil
}

func closer(db *sql.DB, logger *slog.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Warn("error closing database", "error", err)
		}
	}
}
