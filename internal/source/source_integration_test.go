package source

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoImage             = "mongo:7.0"
	redisImage             = "redis:7.2-alpine"
	skipIntegrationTestMsg = "Skipping integration test in short mode"
	testDatabase           = "app"
)

func setupMongo(ctx context.Context, t *testing.T) string {
	container, err := mongodb.Run(ctx, mongoImage)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate MongoDB container: %s", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	return uri
}

func TestMongoSourceIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip(skipIntegrationTestMsg)
	}

	ctx := context.Background()
	uri := setupMongo(ctx, t)

	// Seed data with a plain driver client
	seed, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer seed.Disconnect(ctx)

	_, err = seed.Database(testDatabase).Collection("customers").InsertMany(ctx, []any{
		bson.D{{Key: "name", Value: "Ada"}, {Key: "address", Value: bson.D{{Key: "city", Value: "London"}}}},
		bson.D{{Key: "name", Value: "Grace"}, {Key: "tags", Value: bson.A{"navy", "cobol"}}},
	})
	require.NoError(t, err)

	src, err := NewMongoSource(ctx, MongoConfig{URI: uri, Database: testDatabase}, discardLogger())
	require.NoError(t, err)
	defer src.Close(ctx)

	require.NoError(t, src.Ping(ctx))

	t.Run("ScanCollection", func(t *testing.T) {
		var names []string
		err := src.ScanCollection(ctx, "customers", func(doc []byte) error {
			var decoded map[string]any
			require.NoError(t, json.Unmarshal(doc, &decoded))
			assert.Contains(t, decoded, "_id")
			names = append(names, decoded["name"].(string))
			if decoded["name"] == "Ada" {
				address := decoded["address"].(map[string]any)
				assert.Equal(t, "London", address["city"])
			}
			return nil
		})
		require.NoError(t, err)
		sort.Strings(names)
		assert.Equal(t, []string{"Ada", "Grace"}, names)
	})

	t.Run("EmptyCollection", func(t *testing.T) {
		calls := 0
		err := src.ScanCollection(ctx, "does-not-exist", func([]byte) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Zero(t, calls)
	})

	t.Run("CallbackErrorIsReturned", func(t *testing.T) {
		stop := assert.AnError
		err := src.ScanCollection(ctx, "customers", func([]byte) error { return stop })
		assert.ErrorIs(t, err, stop)
	})

	t.Run("ClosedSourceIsUnavailable", func(t *testing.T) {
		closed, err := NewMongoSource(ctx, MongoConfig{URI: uri, Database: testDatabase}, discardLogger())
		require.NoError(t, err)
		require.NoError(t, closed.Close(ctx))
		assert.ErrorIs(t, closed.Ping(ctx), ErrSourceUnavailable)
	})
}

func TestRedisSourceIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip(skipIntegrationTestMsg)
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, redisImage)
	require.NoError(t, err)
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate Redis container: %s", err)
		}
	}()

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	require.NoError(t, client.HSet(ctx, "customers:1", "name", "Ada", "city", "London").Err())
	require.NoError(t, client.Set(ctx, "customers:2", "Grace", 0).Err())
	require.NoError(t, client.RPush(ctx, "customers:3", "a", "b").Err())
	require.NoError(t, client.ZAdd(ctx, "customers:4", redis.Z{Score: 1.5, Member: "m"}).Err())
	require.NoError(t, client.Set(ctx, "orders:1", "unrelated", 0).Err())

	src := NewRedisSourceFromClient(client, discardLogger())
	defer src.Close(ctx)

	require.NoError(t, src.Ping(ctx))

	docs := map[string]redisDocument{}
	err = src.ScanCollection(ctx, "customers", func(doc []byte) error {
		var d redisDocument
		if err := json.Unmarshal(doc, &d); err != nil {
			return err
		}
		docs[d.Key] = d
		return nil
	})
	require.NoError(t, err)

	require.Len(t, docs, 4)
	assert.Equal(t, "hash", docs["customers:1"].Type)
	assert.Equal(t, map[string]any{"name": "Ada", "city": "London"}, docs["customers:1"].Value)
	assert.Equal(t, "string", docs["customers:2"].Type)
	assert.Equal(t, "Grace", docs["customers:2"].Value)
	assert.Equal(t, []any{"a", "b"}, docs["customers:3"].Value)
	assert.Equal(t, "zset", docs["customers:4"].Type)
	assert.NotContains(t, docs, "orders:1")

	// glob characters in a collection name match literally
	require.NoError(t, client.Set(ctx, "cust*:1", "literal", 0).Err())
	var keys []string
	err = src.ScanCollection(ctx, "cust*", func(doc []byte) error {
		var d redisDocument
		if err := json.Unmarshal(doc, &d); err != nil {
			return err
		}
		keys = append(keys, d.Key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cust*:1"}, keys)
}
