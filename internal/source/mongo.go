package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

// MongoConfig holds configuration for the MongoDB connection
type MongoConfig struct {
	URI string
	// Database overrides the database named in the URI
	Database string
}

// MongoSource reads collections from a MongoDB database
type MongoSource struct {
	mu       sync.RWMutex
	client   *mongo.Client
	database string
	logger   *slog.Logger
}

// NewMongoSource connects to MongoDB and selects the configured database
func NewMongoSource(ctx context.Context, cfg MongoConfig, logger *slog.Logger) (*MongoSource, error) {
	database := cfg.Database
	if database == "" {
		cs, err := connstring.ParseAndValidate(cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("invalid MongoDB URI: %w", err)
		}
		database = cs.Database
	}
	if database == "" {
		return nil, fmt.Errorf("MongoDB database name is required (set it in the URI path or explicitly)")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	logger.Info("MongoDB client initialized", "database", database)

	return &MongoSource{
		client:   client,
		database: database,
		logger:   logger,
	}, nil
}

// Ping implements DocumentSource.Ping
func (m *MongoSource) Ping(ctx context.Context) error {
	client, err := m.connected()
	if err != nil {
		return err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: ping MongoDB: %w", ErrSourceUnavailable, err)
	}
	return nil
}

// ScanCollection implements DocumentSource.ScanCollection. Documents are
// rendered as relaxed Extended JSON and streamed one at a time off the cursor.
func (m *MongoSource) ScanCollection(ctx context.Context, collection string, fn func(doc []byte) error) error {
	client, err := m.connected()
	if err != nil {
		return err
	}

	cursor, err := client.Database(m.database).Collection(collection).Find(ctx, bson.D{})
	if err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		doc, err := bson.MarshalExtJSON(cursor.Current, false, false)
		if err != nil {
			return fmt.Errorf("render document in %s: %w", collection, err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}

	if err := cursor.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", collection, err)
	}
	return nil
}

// Close implements DocumentSource.Close
func (m *MongoSource) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}
	err := m.client.Disconnect(ctx)
	m.client = nil
	return err
}

func (m *MongoSource) connected() (*mongo.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.client == nil {
		return nil, fmt.Errorf("%w: MongoDB client is closed", ErrSourceUnavailable)
	}
	return m.client, nil
}
