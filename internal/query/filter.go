package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BuildFilter combines the request filters, the keyword search over
// searchFields and the parent-resource constraint. Parent keys override
// anything the request supplied for the same field.
func BuildFilter(p Params, searchFields []string, parent bson.M) bson.M {
	filter := bson.M{}
	for k, v := range p.Filter {
		filter[k] = v
	}

	if p.Keyword != "" && len(searchFields) > 0 {
		pattern := regexp.QuoteMeta(p.Keyword)
		or := make(bson.A, 0, len(searchFields))
		for _, f := range searchFields {
			or = append(or, bson.M{f: primitive.Regex{Pattern: pattern, Options: "i"}})
		}
		filter["$or"] = or
	}

	for k, v := range parent {
		filter[k] = v
	}
	return filter
}

// Signature encodes everything that decides list membership. Two requests
// with the same signature match the same documents and differ only in
// page, limit, sort or fields.
func Signature(p Params, parent bson.M) string {
	keys := make([]string, 0, len(parent))
	for k := range parent {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	scope := make([]string, 0, len(keys))
	for _, k := range keys {
		scope = append(scope, fmt.Sprintf("%s=%v", k, parent[k]))
	}

	// json.Marshal orders map keys, so equal inputs give equal output.
	data, _ := json.Marshal(struct {
		Query map[string][]string `json:"q"`
		Scope []string            `json:"scope,omitempty"`
	}{
		Query: p.FilterValues(),
		Scope: scope,
	})
	return string(data)
}
