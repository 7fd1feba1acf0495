package query

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// mockStore serves a fixed result set. docs are kept newest first, the
// order produced by the default sort.
type mockStore struct {
	mu        sync.RWMutex
	docs      []bson.M
	findCalls int
	byIDCalls int
}

func (m *mockStore) FindByID(ctx context.Context, collection string, id primitive.ObjectID, populate *repository.Populate) (bson.M, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byIDCalls++
	for _, d := range m.docs {
		if d["_id"] == id {
			return d, nil
		}
	}
	return nil, repository.ErrDocumentNotFound
}

func (m *mockStore) Find(ctx context.Context, collection string, opts repository.FindOptions) ([]bson.M, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findCalls++
	start, end := opts.Skip, int64(len(m.docs))
	if start > end {
		start = end
	}
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return append([]bson.M(nil), m.docs[start:end]...), nil
}

func (m *mockStore) Count(ctx context.Context, collection string, filter bson.M) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.docs)), nil
}

func (m *mockStore) Insert(ctx context.Context, collection string, doc bson.M) (bson.M, error) {
	return doc, nil
}

func (m *mockStore) Update(ctx context.Context, collection string, id primitive.ObjectID, set bson.M) (bson.M, error) {
	return set, nil
}

func (m *mockStore) Delete(ctx context.Context, collection string, id primitive.ObjectID) error {
	return nil
}

func (m *mockStore) calls() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findCalls, m.byIDCalls
}

var products = Collection{
	Kind:         cache.KindProduct,
	Name:         "products",
	Cached:       true,
	SearchFields: []string{"title", "description"},
	Variant:      "reviews",
}

func setupReader(t *testing.T, store *mockStore) (*Reader, *miniredis.Miniredis) {
	reader, _, mr := setupReaderWithInvalidator(t, store)
	return reader, mr
}

func setupReaderWithInvalidator(t *testing.T, store *mockStore) (*Reader, *cache.Invalidator, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := cache.NewRedisCache(client, cache.DefaultOptions())
	inv := cache.NewInvalidator(c, cache.NewKeySpace(nil), nil, cache.InvalidatorOptions{})
	t.Cleanup(inv.Close)

	return NewReader(store, c, inv, slogDiscard()), inv, mr
}

func newestFirst(n int) []bson.M {
	docs := seedDocs(n)
	for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
		docs[i], docs[j] = docs[j], docs[i]
	}
	return docs
}

func TestReader_ListServedFromCacheMatchesStore(t *testing.T) {
	store := &mockStore{docs: newestFirst(25)}
	reader, mr := setupReader(t, store)
	ctx := context.Background()
	p := mustParse(t, "page=2&limit=10")
	key := cache.NewKeySpace(nil).ListKey(cache.KindProduct, Signature(p, nil))

	fromDB, err := reader.List(ctx, products, p, nil)
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, fromDB.Source)
	assert.Equal(t, 10, fromDB.Results)
	assert.Equal(t, 3, *fromDB.Pagination.NextPage)
	assert.Equal(t, 1, *fromDB.Pagination.PrevPage)

	require.Eventually(t, func() bool { return mr.Exists(key) }, time.Second, 10*time.Millisecond)

	fromCache, err := reader.List(ctx, products, p, nil)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, fromCache.Source)
	assert.Equal(t, fromDB.Pagination, fromCache.Pagination)
	require.Len(t, fromCache.Data, 10)
	for i := range fromDB.Data {
		assert.Equal(t, fromDB.Data[i]["_id"], fromCache.Data[i]["_id"])
	}
}

func TestReader_DocumentReadThrough(t *testing.T) {
	store := &mockStore{docs: seedDocs(3)}
	reader, mr := setupReader(t, store)
	ctx := context.Background()
	id := store.docs[1]["_id"].(primitive.ObjectID)
	key := cache.NewKeySpace(nil).DocKey(cache.KindProduct, id.Hex(), "reviews")

	first, err := reader.Document(ctx, products, id)
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, first.Source)

	require.Eventually(t, func() bool { return mr.Exists(key) }, time.Second, 10*time.Millisecond)

	second, err := reader.Document(ctx, products, id)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, id, second.Data["_id"])

	_, byID := store.calls()
	assert.Equal(t, 1, byID)
}

func TestReader_DocumentNotFound(t *testing.T) {
	reader, _ := setupReader(t, &mockStore{})

	_, err := reader.Document(context.Background(), products, primitive.NewObjectID())

	assert.ErrorIs(t, err, repository.ErrDocumentNotFound)
}

func TestReader_CacheDownFallsBackToStore(t *testing.T) {
	store := &mockStore{docs: seedDocs(3)}
	reader, mr := setupReader(t, store)
	mr.Close()

	result, err := reader.List(context.Background(), products, mustParse(t, ""), nil)

	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, result.Source)
	assert.Equal(t, 3, result.Results)
}

func TestReader_UncachedCollectionSkipsCache(t *testing.T) {
	store := &mockStore{docs: seedDocs(3)}
	reader, mr := setupReader(t, store)
	orders := Collection{Kind: cache.KindOrder, Name: "orders"}

	_, err := reader.List(context.Background(), orders, mustParse(t, ""), bson.M{"user_id": "u1"})
	require.NoError(t, err)
	_, err = reader.List(context.Background(), orders, mustParse(t, ""), bson.M{"user_id": "u1"})
	require.NoError(t, err)

	// no background fill: one Find per request, nothing stored
	find, _ := store.calls()
	assert.Equal(t, 2, find)
	assert.Empty(t, mr.Keys())
}

func TestReader_EmptyListIsNotAnError(t *testing.T) {
	reader, _ := setupReader(t, &mockStore{})

	result, err := reader.List(context.Background(), products, mustParse(t, ""), nil)

	require.NoError(t, err)
	assert.Equal(t, 0, result.Results)
	assert.NotNil(t, result.Data)
}

func TestReader_DocumentFillDiscardedAfterInvalidation(t *testing.T) {
	store := &mockStore{docs: seedDocs(3)}
	reader, inv, mr := setupReaderWithInvalidator(t, store)
	ctx := context.Background()
	id := store.docs[0]["_id"].(primitive.ObjectID)
	key := inv.Keys().DocKey(cache.KindProduct, id.Hex(), "reviews")

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		inv.Go("hold", func(context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		})
	}
	<-started
	<-started

	_, err := reader.Document(ctx, products, id)
	require.NoError(t, err)

	// a write lands while the fill is still queued
	require.NoError(t, inv.Document(ctx, cache.KindProduct, id.Hex()))

	close(release)
	inv.Close()
	assert.False(t, mr.Exists(key))

	result, err := reader.Document(ctx, products, id)
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, result.Source)
}
