// Package mongodb provides a MongoDB-backed L2 cache tier.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
)

// Config selects the deployment and collection.
type Config struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	Collection     string        `mapstructure:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type entryDoc struct {
	Fingerprint string    `bson:"_id"`
	Entry       []byte    `bson:"entry"`
	WrittenAt   time.Time `bson:"written_at"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

// EntryStore stores cache entries as documents keyed by fingerprint. A TTL
// index on expires_at lets the server delete expired entries.
type EntryStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewEntryStore connects, pings, and ensures indexes.
func NewEntryStore(ctx context.Context, cfg Config) (*EntryStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo.uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "scraper"
	}
	if cfg.Collection == "" {
		cfg.Collection = "cache_entries"
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	store := NewEntryStoreWithCollection(client.Database(cfg.Database).Collection(cfg.Collection))
	store.client = client
	if err := store.EnsureIndexes(cctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// NewEntryStoreWithCollection wraps an existing collection (primarily for testing).
func NewEntryStoreWithCollection(coll *mongo.Collection) *EntryStore {
	return &EntryStore{coll: coll}
}

// EnsureIndexes creates the TTL index on expires_at.
func (s *EntryStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("create ttl index: %w", err)
	}
	return nil
}

// Get loads an entry by fingerprint.
func (s *EntryStore) Get(ctx context.Context, fingerprint string) (cache.Entry, bool, error) {
	var doc entryDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": fingerprint}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("find cache entry: %w", err)
	}
	e, err := cache.Decode(doc.Entry)
	if err != nil {
		return cache.Entry{}, false, err
	}
	return e, true, nil
}

// Put upserts the entry when the stored document is not newer. When a
// newer document exists the filter misses, the upsert collides on _id, and
// the write is dropped as stale.
func (s *EntryStore) Put(ctx context.Context, entry cache.Entry) error {
	raw, err := cache.Encode(entry)
	if err != nil {
		return err
	}
	filter := bson.M{
		"_id":        entry.Fingerprint,
		"written_at": bson.M{"$lte": entry.WrittenAt.UTC()},
	}
	update := bson.M{"$set": bson.M{
		"entry":      raw,
		"written_at": entry.WrittenAt.UTC(),
		"expires_at": entry.ExpiresAt().UTC(),
	}}
	_, err = s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (s *EntryStore) Delete(ctx context.Context, fingerprint string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": fingerprint}); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Close disconnects the client when NewEntryStore created it.
func (s *EntryStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(context.Background())
}
