// Package store is the MongoDB access layer: the pattern/configuration
// catalog reads and the idempotent alarm aggregation protocol.
package store

import (
	"context"
	"fmt"
	"log"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/apnprevent/alarmwatch/internal/config"
)

// collection is the slice of *mongo.Collection the store uses; tests swap
// in fakes built from mongo.NewSingleResultFromDocument and friends.
type collection interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Store bundles the three collections the ingester touches.
type Store struct {
	alarms   collection
	patterns collection
	configs  collection
	logger   *log.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger overrides the logger used for persistence diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New wires a Store onto a connected database using the configured
// collection names.
func New(db *mongo.Database, cfg config.MongoConfig, opts ...Option) *Store {
	s := &Store{
		alarms:   db.Collection(cfg.AlarmsCollection),
		patterns: db.Collection(cfg.PatternsCollection),
		configs:  db.Collection(cfg.ConfigCollection),
		logger:   log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials MongoDB and verifies the connection with a ping.
func Connect(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
