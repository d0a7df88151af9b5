package database_test

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutelladb/btree"
	"nutelladb/collection"
	"nutelladb/database"
	"nutelladb/serialization"
)

// TestBenchmarkOperations times inserts, lookups and updates through an
// indexed collection and checks the results.
func TestBenchmarkOperations(t *testing.T) {
	ctx := context.Background()
	dbID := fmt.Sprintf("test_db_%d", time.Now().UnixNano())
	dbPath := filepath.Join(t.TempDir(), dbID)

	db, err := database.NewDatabase(dbPath, dbID, nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.CreateCollection("benchmark_collection", btree.Options{Order: 8}))
	require.NoError(t, db.CreateIndex(ctx, "benchmark_collection", "by_score", "Score"))

	coll, err := db.GetCollection("benchmark_collection")
	require.NoError(t, err)

	ids := benchmarkInsert(t, coll, 500)
	benchmarkFind(t, coll, ids)
	benchmarkUpdate(t, coll, ids)

	idx, err := coll.Index("by_score")
	require.NoError(t, err)
	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(ids)), n)
}

func benchmarkInsert(t *testing.T, coll *collection.Collection, count int) []uuid.UUID {
	t.Logf("Running Insert benchmark with %d operations", count)
	ctx := context.Background()

	ids := make([]uuid.UUID, count)
	start := time.Now()
	for i := 0; i < count; i++ {
		id, err := coll.Insert(ctx, serialization.Document{"Key": fmt.Sprintf("key_%d", i), "Score": rand.Intn(1000)})
		require.NoError(t, err)
		ids[i] = id
	}
	duration := time.Since(start)

	avgTime := float64(duration.Microseconds()) / float64(count)
	t.Logf("Insert benchmark completed: %d operations in %v (avg %.2f µs per operation)", count, duration, avgTime)
	return ids
}

func benchmarkFind(t *testing.T, coll *collection.Collection, ids []uuid.UUID) {
	ctx := context.Background()

	start := time.Now()
	for i, id := range ids {
		obj, err := coll.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("key_%d", i), obj.(serialization.Document)["Key"])
	}
	duration := time.Since(start)
	t.Logf("Find benchmark completed: %d operations in %v", len(ids), duration)
}

func benchmarkUpdate(t *testing.T, coll *collection.Collection, ids []uuid.UUID) {
	ctx := context.Background()

	start := time.Now()
	for i, id := range ids {
		require.NoError(t, coll.Update(ctx, id, serialization.Document{"Key": fmt.Sprintf("key_%d", i), "Score": i}))
	}
	duration := time.Since(start)
	t.Logf("Update benchmark completed: %d operations in %v", len(ids), duration)

	idx, err := coll.Index("by_score")
	require.NoError(t, err)
	r, err := idx.Rank(ctx, ids[42])
	require.NoError(t, err)
	assert.Equal(t, uint64(42), r)
}

func TestManifestRestoresCollectionsAndIndexes(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dbPath := filepath.Join(root, "db_1")

	db, err := database.NewDatabase(dbPath, "db_1", nil)
	require.NoError(t, err)
	require.NoError(t, db.CreateCollection("people", btree.Options{Order: 3, InlineSizeLimit: 64}))
	assert.ErrorIs(t, db.CreateCollection("people", btree.Options{}), database.ErrCollectionExists)
	require.NoError(t, db.CreateCollection("pets", btree.Options{}))
	require.NoError(t, db.CreateIndex(ctx, "people", "by_age", "Age"))

	people, err := db.GetCollection("people")
	require.NoError(t, err)
	_, err = people.Insert(ctx, serialization.Document{"Age": 7})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	dbs, err := database.ListDatabases(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"db_1"}, dbs)

	db, err = database.LoadDatabase(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, "db_1", db.ID())

	names, err := db.GetAllCollections()
	require.NoError(t, err)
	assert.Equal(t, []string{"people", "pets"}, names)

	people, err = db.GetCollection("people")
	require.NoError(t, err)
	assert.Equal(t, 64, people.TreeOptions().InlineSizeLimit)
	assert.Equal(t, []string{"by_age"}, people.Indexes())

	idx, err := people.Index("by_age")
	require.NoError(t, err)
	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	require.NoError(t, db.DropIndex("people", "by_age"))
	assert.Empty(t, people.Indexes())

	require.NoError(t, db.DropCollection("pets"))
	_, err = db.GetCollection("pets")
	assert.ErrorIs(t, err, database.ErrCollectionNotFound)
	assert.NoDirExists(t, filepath.Join(dbPath, "pets"))
}

func TestListDatabasesMissingRoot(t *testing.T) {
	dbs, err := database.ListDatabases(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, dbs)
}
