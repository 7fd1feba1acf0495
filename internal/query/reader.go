package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/singleflight"
)

const (
	SourceCache    = "cache"
	SourceDatabase = "database"
)

// Collection is the static read configuration of one entity kind.
type Collection struct {
	Kind         cache.Kind
	Name         string
	Cached       bool
	SearchFields []string
	Populate     *repository.Populate
	// Variant names the populate shape in document cache keys.
	Variant string
}

type DocumentResult struct {
	Source string `json:"source"`
	Data   bson.M `json:"data"`
}

type ListResult struct {
	Source     string     `json:"source"`
	Results    int        `json:"result"`
	Pagination Pagination `json:"paginationResult"`
	Data       []bson.M   `json:"data"`
}

// Reader is the look-aside read path for documents and lists. Cache
// failures are logged and the store is used instead; cache fills run in the
// background after the result is returned.
type Reader struct {
	store  repository.DocumentStore
	cache  cache.Cache
	bg     *cache.Invalidator
	keys   *cache.KeySpace
	logger *slog.Logger
	group  singleflight.Group
}

func NewReader(store repository.DocumentStore, c cache.Cache, inv *cache.Invalidator, logger *slog.Logger) *Reader {
	return &Reader{
		store:  store,
		cache:  c,
		bg:     inv,
		keys:   inv.Keys(),
		logger: logger,
	}
}

func (r *Reader) Document(ctx context.Context, col Collection, id primitive.ObjectID) (*DocumentResult, error) {
	key := r.keys.DocKey(col.Kind, id.Hex(), col.Variant)

	if col.Cached {
		if doc, ok := r.cachedDocument(ctx, key); ok {
			return &DocumentResult{Source: SourceCache, Data: doc}, nil
		}
	}

	genKey := r.keys.DocGenKey(col.Kind, id.Hex())
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		// Callers sharing a flight share the generation read with its document.
		read := fetched{}
		if col.Cached {
			read.gen, read.genErr = r.cache.Generation(ctx, genKey)
		}
		doc, err := r.store.FindByID(ctx, col.Name, id, col.Populate)
		if err != nil {
			return nil, err
		}
		read.doc = doc
		return read, nil
	})
	if err != nil {
		return nil, err
	}
	read := v.(fetched)
	doc := read.doc

	if col.Cached && read.genErr == nil {
		r.bg.Go("fill "+key, func(ctx context.Context) error {
			data, err := bson.MarshalExtJSON(doc, true, false)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			return r.fill(ctx, key, genKey, read.gen, data)
		})
	}
	return &DocumentResult{Source: SourceDatabase, Data: doc}, nil
}

// List runs filter, count, paginate, sort and project against the store,
// or replays sort, paginate and project over a cached filtered set.
func (r *Reader) List(ctx context.Context, col Collection, p Params, parent bson.M) (*ListResult, error) {
	key := r.keys.ListKey(col.Kind, Signature(p, parent))

	if col.Cached {
		if docs, ok := r.cachedList(ctx, key); ok {
			page, pagination := Apply(docs, p)
			return &ListResult{Source: SourceCache, Results: len(page), Pagination: pagination, Data: page}, nil
		}
	}

	filter := BuildFilter(p, col.SearchFields, parent)

	genKey := r.keys.ListGenKey(col.Kind)
	var gen int64
	var genErr error
	if col.Cached {
		gen, genErr = r.cache.Generation(ctx, genKey)
	}

	total, err := r.store.Count(ctx, col.Name, filter)
	if err != nil {
		return nil, err
	}

	docs, err := r.store.Find(ctx, col.Name, repository.FindOptions{
		Filter:     filter,
		Sort:       p.SortSpec(),
		Skip:       p.Skip(),
		Limit:      int64(p.Limit),
		Projection: p.Projection(),
	})
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []bson.M{}
	}

	if col.Cached && genErr == nil {
		r.bg.Go("fill "+key, func(ctx context.Context) error {
			all, err := r.store.Find(ctx, col.Name, repository.FindOptions{Filter: filter})
			if err != nil {
				return err
			}
			data, err := encodeList(all)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			return r.fill(ctx, key, genKey, gen, data)
		})
	}

	return &ListResult{
		Source:     SourceDatabase,
		Results:    len(docs),
		Pagination: Paginate(p.Page, p.Limit, total),
		Data:       docs,
	}, nil
}

type fetched struct {
	doc    bson.M
	gen    int64
	genErr error
}

// fill stores data unless the entry was invalidated after gen was read.
func (r *Reader) fill(ctx context.Context, key, genKey string, gen int64, data []byte) error {
	stored, err := r.cache.SetIfGeneration(ctx, key, genKey, gen, data)
	if err == nil && !stored {
		r.logger.Debug("stale cache fill discarded", slog.String("key", key))
	}
	return err
}

func (r *Reader) cachedDocument(ctx context.Context, key string) (bson.M, bool) {
	data, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logCacheError("cache read failed", key, err)
		return nil, false
	}
	var doc bson.M
	if err := bson.UnmarshalExtJSON(data, true, &doc); err != nil {
		r.logger.Warn("cached document unreadable", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return doc, true
}

func (r *Reader) cachedList(ctx context.Context, key string) ([]bson.M, bool) {
	data, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logCacheError("cache read failed", key, err)
		return nil, false
	}
	docs, err := decodeList(data)
	if err != nil {
		r.logger.Warn("cached list unreadable", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return docs, true
}

func (r *Reader) logCacheError(msg, key string, err error) {
	if errors.Is(err, cache.ErrCacheMiss) {
		return
	}
	r.logger.Warn(msg, slog.String("key", key), slog.Any("error", err))
}

type cachedList struct {
	Docs []bson.M `bson:"docs"`
}

// Lists are stored as canonical extended JSON so numbers, dates and ids
// keep their BSON types and sort the same way after a round trip.
func encodeList(docs []bson.M) ([]byte, error) {
	if docs == nil {
		docs = []bson.M{}
	}
	return bson.MarshalExtJSON(cachedList{Docs: docs}, true, false)
}

func decodeList(data []byte) ([]bson.M, error) {
	var list cachedList
	if err := bson.UnmarshalExtJSON(data, true, &list); err != nil {
		return nil, err
	}
	if list.Docs == nil {
		list.Docs = []bson.M{}
	}
	return list.Docs, nil
}
