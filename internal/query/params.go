// Package query implements the listing pipeline: request parameters become a
// store filter, and cached result sets are re-sorted, projected and paginated
// in memory with the same semantics the store applies.
package query

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fjod/go_shop/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	DefaultPage  = 1
	DefaultLimit = 50
	MaxLimit     = 100

	defaultSortField = "created_at"
)

var (
	reserved = map[string]bool{"page": true, "limit": true, "sort": true, "fields": true, "keyword": true}

	// field[op]=value, op one of gte/gt/lte/lt
	rangeParam = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)\[(gte|gt|lte|lt)\]$`)
	fieldName  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)
	topLevel   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	objectID   = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
)

type SortField struct {
	Field string
	Desc  bool
}

// Params is a parsed listing request.
type Params struct {
	Page    int
	Limit   int
	Sort    []SortField
	Fields  []string
	Exclude bool
	HideID  bool
	Keyword string
	Filter  bson.M

	raw url.Values
}

// Parse reads page, limit, sort, fields, keyword and range/equality filters.
// Out-of-range page and limit fall back to their defaults rather than erroring.
func Parse(values url.Values) (Params, error) {
	p := Params{
		Page:    parsePage(values.Get("page")),
		Limit:   parseLimit(values.Get("limit")),
		Keyword: strings.TrimSpace(values.Get("keyword")),
		Filter:  bson.M{},
		raw:     values,
	}

	sortFields, err := parseSort(values.Get("sort"))
	if err != nil {
		return Params{}, err
	}
	p.Sort = sortFields

	p.Fields, p.Exclude, p.HideID, err = parseFields(values.Get("fields"))
	if err != nil {
		return Params{}, err
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		vals := values[key]
		if reserved[key] || len(vals) == 0 {
			continue
		}
		value := cast(vals[len(vals)-1])

		if m := rangeParam.FindStringSubmatch(key); m != nil {
			field, op := m[1], "$"+m[2]
			cond, ok := p.Filter[field].(bson.M)
			if !ok {
				cond = bson.M{}
			}
			cond[op] = value
			p.Filter[field] = cond
			continue
		}
		if !fieldName.MatchString(key) {
			return Params{}, domain.InvalidInput("unsupported query parameter %q", key)
		}
		p.Filter[key] = value
	}
	return p, nil
}

func parsePage(v string) int {
	page, err := strconv.Atoi(v)
	if err != nil || page < 1 {
		return DefaultPage
	}
	return page
}

func parseLimit(v string) int {
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 1 || limit > MaxLimit {
		return DefaultLimit
	}
	return limit
}

func parseSort(v string) ([]SortField, error) {
	if strings.TrimSpace(v) == "" {
		return []SortField{{Field: defaultSortField, Desc: true}}, nil
	}
	var out []SortField
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sf := SortField{Field: part}
		if strings.HasPrefix(part, "-") {
			sf = SortField{Field: part[1:], Desc: true}
		}
		if !fieldName.MatchString(sf.Field) {
			return nil, domain.InvalidInput("invalid sort field %q", sf.Field)
		}
		out = append(out, sf)
	}
	if len(out) == 0 {
		return []SortField{{Field: defaultSortField, Desc: true}}, nil
	}
	return out, nil
}

// parseFields accepts either an inclusion list or an exclusion list
// ("-field"), never both; _id may be excluded from an inclusion list.
func parseFields(v string) (fields []string, exclude bool, hideID bool, err error) {
	if strings.TrimSpace(v) == "" {
		return nil, false, false, nil
	}
	var include, excluded []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name := strings.TrimPrefix(part, "-")
		if !topLevel.MatchString(name) {
			return nil, false, false, domain.InvalidInput("invalid field %q", name)
		}
		if strings.HasPrefix(part, "-") {
			excluded = append(excluded, name)
		} else {
			include = append(include, name)
		}
	}

	switch {
	case len(include) > 0 && len(excluded) == 0:
		return include, false, false, nil
	case len(include) == 0:
		return excluded, true, false, nil
	case len(excluded) == 1 && excluded[0] == "_id":
		return include, false, true, nil
	default:
		return nil, false, false, domain.InvalidInput("fields cannot mix inclusion and exclusion")
	}
}

func cast(v string) any {
	if objectID.MatchString(v) {
		if id, err := primitive.ObjectIDFromHex(v); err == nil {
			return id
		}
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false") {
		return b
	}
	return v
}

// Projection returns the store projection for the selected fields.
func (p Params) Projection() bson.M {
	if len(p.Fields) == 0 {
		return nil
	}
	proj := bson.M{}
	value := 1
	if p.Exclude {
		value = 0
	}
	for _, f := range p.Fields {
		proj[f] = value
	}
	if p.HideID {
		proj["_id"] = 0
	}
	return proj
}

// SortSpec returns the store sort, with _id as the final tiebreaker so the
// order is total and matches the in-memory sort.
func (p Params) SortSpec() bson.D {
	spec := make(bson.D, 0, len(p.Sort)+1)
	hasID := false
	for _, s := range p.Sort {
		dir := 1
		if s.Desc {
			dir = -1
		}
		spec = append(spec, bson.E{Key: s.Field, Value: dir})
		hasID = hasID || s.Field == "_id"
	}
	if !hasID {
		spec = append(spec, bson.E{Key: "_id", Value: 1})
	}
	return spec
}

// FilterValues is the request minus page, limit, sort and fields: the part
// that decides which documents match.
func (p Params) FilterValues() map[string][]string {
	out := make(map[string][]string, len(p.raw))
	for k, v := range p.raw {
		if k == "page" || k == "limit" || k == "sort" || k == "fields" {
			continue
		}
		out[k] = v
	}
	return out
}
