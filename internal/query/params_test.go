package query

import (
	"net/url"
	"testing"

	"github.com/fjod/go_shop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func mustParse(t *testing.T, raw string) Params {
	t.Helper()
	values, err := url.ParseQuery(raw)
	require.NoError(t, err)
	p, err := Parse(values)
	require.NoError(t, err)
	return p
}

func TestParse_Defaults(t *testing.T) {
	p := mustParse(t, "")

	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 50, p.Limit)
	assert.Equal(t, []SortField{{Field: "created_at", Desc: true}}, p.Sort)
	assert.Empty(t, p.Filter)
	assert.Nil(t, p.Projection())
}

func TestParse_PageAndLimitClamp(t *testing.T) {
	tests := []struct {
		query string
		page  int
		limit int
	}{
		{"page=0&limit=0", 1, 50},
		{"page=-3&limit=101", 1, 50},
		{"page=abc&limit=xyz", 1, 50},
		{"page=4&limit=100", 4, 100},
		{"page=2&limit=1", 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := mustParse(t, tt.query)
			assert.Equal(t, tt.page, p.Page)
			assert.Equal(t, tt.limit, p.Limit)
		})
	}
}

func TestParse_RangeAndEqualityFilters(t *testing.T) {
	id := primitive.NewObjectID()
	p := mustParse(t, "price[gte]=10&price[lt]=99.5&category="+id.Hex()+"&inStock=true&color=red")

	assert.Equal(t, bson.M{"$gte": int64(10), "$lt": 99.5}, p.Filter["price"])
	assert.Equal(t, id, p.Filter["category"])
	assert.Equal(t, true, p.Filter["inStock"])
	assert.Equal(t, "red", p.Filter["color"])
}

func TestParse_RejectsOperatorInjection(t *testing.T) {
	_, err := Parse(url.Values{"$where": {"1"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = Parse(url.Values{"sort": {"$natural"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestParse_Sort(t *testing.T) {
	p := mustParse(t, "sort=-price,title")

	assert.Equal(t, []SortField{{Field: "price", Desc: true}, {Field: "title"}}, p.Sort)
	assert.Equal(t, bson.D{{Key: "price", Value: -1}, {Key: "title", Value: 1}, {Key: "_id", Value: 1}}, p.SortSpec())
}

func TestParse_Fields(t *testing.T) {
	p := mustParse(t, "fields=title,price")
	assert.Equal(t, bson.M{"title": 1, "price": 1}, p.Projection())

	p = mustParse(t, "fields=title,-_id")
	assert.Equal(t, bson.M{"title": 1, "_id": 0}, p.Projection())

	p = mustParse(t, "fields=-description")
	assert.Equal(t, bson.M{"description": 0}, p.Projection())

	_, err := Parse(url.Values{"fields": {"title,-price"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
