package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

func testEntry() cache.Entry {
	return cache.Entry{
		Fingerprint: "fp-1",
		Score:       90,
		Class:       scrape.ClassAccepted,
		WrittenAt:   time.Unix(1700000000, 0).UTC(),
		TTL:         time.Minute,
		Job:         scrape.Job{Target: "@jane", Freshness: time.Minute},
	}
}

func TestEntryStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("put upserts", func(mt *mtest.T) {
		store := NewEntryStoreWithCollection(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))
		require.NoError(mt, store.Put(context.Background(), testEntry()))
	})

	mt.Run("stale put is dropped", func(mt *mtest.T) {
		store := NewEntryStoreWithCollection(mt.Coll)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error",
		}))
		require.NoError(mt, store.Put(context.Background(), testEntry()))
	})

	mt.Run("get decodes entry", func(mt *mtest.T) {
		store := NewEntryStoreWithCollection(mt.Coll)
		e := testEntry()
		raw, err := cache.Encode(e)
		require.NoError(mt, err)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: e.Fingerprint},
			{Key: "entry", Value: raw},
			{Key: "written_at", Value: e.WrittenAt},
			{Key: "expires_at", Value: e.ExpiresAt()},
		}))
		got, ok, err := store.Get(context.Background(), "fp-1")
		require.NoError(mt, err)
		require.True(mt, ok)
		require.Equal(mt, "@jane", got.Job.Target)
		require.Equal(mt, 90.0, got.Score)
	})

	mt.Run("get miss", func(mt *mtest.T) {
		store := NewEntryStoreWithCollection(mt.Coll)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))
		_, ok, err := store.Get(context.Background(), "missing")
		require.NoError(mt, err)
		require.False(mt, ok)
	})

	mt.Run("delete", func(mt *mtest.T) {
		store := NewEntryStoreWithCollection(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		require.NoError(mt, store.Delete(context.Background(), "fp-1"))
		require.NoError(mt, store.Close())
	})
}
