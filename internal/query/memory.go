package query

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Apply sorts, pages and projects a cached, filtered result set. It yields
// the same page the store would return for the same Params.
func Apply(docs []bson.M, p Params) ([]bson.M, Pagination) {
	sorted := make([]bson.M, len(docs))
	copy(sorted, docs)
	spec := p.SortSpec()
	sort.SliceStable(sorted, func(i, j int) bool {
		return compareDocs(sorted[i], sorted[j], spec) < 0
	})

	pagination := Paginate(p.Page, p.Limit, int64(len(sorted)))

	start := p.Skip()
	if start > int64(len(sorted)) {
		start = int64(len(sorted))
	}
	end := start + int64(p.Limit)
	if end > int64(len(sorted)) {
		end = int64(len(sorted))
	}

	page := make([]bson.M, 0, end-start)
	for _, doc := range sorted[start:end] {
		page = append(page, project(doc, p))
	}
	return page, pagination
}

func project(doc bson.M, p Params) bson.M {
	if len(p.Fields) == 0 {
		return doc
	}
	out := bson.M{}
	if p.Exclude {
		for k, v := range doc {
			out[k] = v
		}
		for _, f := range p.Fields {
			delete(out, f)
		}
		return out
	}
	if id, ok := doc["_id"]; ok && !p.HideID {
		out["_id"] = id
	}
	for _, f := range p.Fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}

func compareDocs(a, b bson.M, spec bson.D) int {
	for _, e := range spec {
		c := compareValues(lookup(a, e.Key), lookup(b, e.Key))
		if dir, _ := e.Value.(int); dir < 0 {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func lookup(doc bson.M, path string) any {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(bson.M)
		if !ok {
			if d, isD := cur.(bson.D); isD {
				m = d.Map()
			} else {
				return nil
			}
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

// typeRank follows the BSON comparison order used by the store when sorting
// mixed types. Missing fields sort as null.
func typeRank(v any) int {
	switch v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return 1
	case int, int32, int64, float64, primitive.Decimal128:
		return 2
	case string, primitive.Symbol:
		return 3
	case bson.M, bson.D, map[string]any:
		return 4
	case bson.A, []any:
		return 5
	case primitive.Binary, []byte:
		return 6
	case primitive.ObjectID:
		return 7
	case bool:
		return 8
	case primitive.DateTime, time.Time:
		return 9
	case primitive.Timestamp:
		return 10
	case primitive.Regex:
		return 11
	default:
		return 12
	}
}

func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch x := a.(type) {
	case string:
		return strings.Compare(x, b.(string))
	case primitive.ObjectID:
		y := b.(primitive.ObjectID)
		return bytes.Compare(x[:], y[:])
	case bool:
		y := b.(bool)
		if x == y {
			return 0
		}
		if !x {
			return -1
		}
		return 1
	case primitive.DateTime, time.Time:
		return cmpInt64(millis(a), millis(b))
	case primitive.Timestamp:
		y := b.(primitive.Timestamp)
		return primitive.CompareTimestamp(x, y)
	}
	if ra == 2 {
		fa, fb := number(a), number(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
	}
	return 0
}

func number(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func millis(v any) int64 {
	switch t := v.(type) {
	case primitive.DateTime:
		return int64(t)
	case time.Time:
		return t.UnixMilli()
	}
	return 0
}

func cmpInt(a, b int) int {
	return cmpInt64(int64(a), int64(b))
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
