package cache

import (
	"fmt"
	"strings"
	"sync"
)

// Kind names a cacheable entity family.
type Kind string

const (
	KindProduct     Kind = "products"
	KindCategory    Kind = "categories"
	KindSubCategory Kind = "subcategories"
	KindBrand       Kind = "brands"
	KindUser        Kind = "users"
	KindCoupon      Kind = "coupons"
	KindReview      Kind = "reviews"
	KindOrder       Kind = "orders"
)

// Key layout:
//
//	doc:{prefix}:{id}:{variant}   single document, one entry per populate variant
//	docs:{prefix}:{signature}     filtered list result, signature encodes filter+search
//	cart:{userID}                 a user's cart
//	gen:{key}                     invalidation generation guarding cache fills
const (
	keyDoc  = "doc:%s:%s:%s"
	keyDocs = "docs:%s:%s"
	keyCart = "cart:%s"
	keyGen  = "gen:%s"

	NoPopulate = "no-populate"
)

// KeySpace maps entity kinds to key prefixes. The mapping is static
// configuration, never derived from the store.
type KeySpace struct {
	prefixes map[Kind]string

	mu       sync.RWMutex
	variants map[Kind][]string
}

func DefaultPrefixes() map[Kind]string {
	return map[Kind]string{
		KindProduct:     "products",
		KindCategory:    "categories",
		KindSubCategory: "subcategories",
		KindBrand:       "brands",
		KindUser:        "users",
		KindCoupon:      "coupons",
		KindReview:      "reviews",
		KindOrder:       "orders",
	}
}

func NewKeySpace(prefixes map[Kind]string) *KeySpace {
	p := DefaultPrefixes()
	for kind, prefix := range prefixes {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			p[kind] = prefix
		}
	}
	return &KeySpace{prefixes: p, variants: map[Kind][]string{}}
}

// RegisterVariants records the populate variants cached for kind, so a
// document's entries can be deleted by exact key.
func (k *KeySpace) RegisterVariants(kind Kind, variants ...string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, v := range append([]string{NoPopulate}, variants...) {
		if v == "" {
			v = NoPopulate
		}
		known := false
		for _, have := range k.variants[kind] {
			if have == v {
				known = true
				break
			}
		}
		if !known {
			k.variants[kind] = append(k.variants[kind], v)
		}
	}
}

// DocKeys lists the cache key of every registered variant of one document.
// registered is false when nothing was registered for kind; the keys then
// cover only the unpopulated variant.
func (k *KeySpace) DocKeys(kind Kind, id string) (keys []string, registered bool) {
	k.mu.RLock()
	variants := k.variants[kind]
	k.mu.RUnlock()

	if len(variants) == 0 {
		return []string{k.DocKey(kind, id, NoPopulate)}, false
	}
	keys = make([]string, len(variants))
	for i, v := range variants {
		keys[i] = k.DocKey(kind, id, v)
	}
	return keys, true
}

func (k *KeySpace) Prefix(kind Kind) string {
	if p, ok := k.prefixes[kind]; ok {
		return p
	}
	return string(kind)
}

func (k *KeySpace) DocKey(kind Kind, id, variant string) string {
	if variant == "" {
		variant = NoPopulate
	}
	return fmt.Sprintf(keyDoc, k.Prefix(kind), id, variant)
}

// DocPattern matches every populate variant of one document.
func (k *KeySpace) DocPattern(kind Kind, id string) string {
	return fmt.Sprintf(keyDoc, k.Prefix(kind), id, "*")
}

func (k *KeySpace) ListKey(kind Kind, signature string) string {
	return fmt.Sprintf(keyDocs, k.Prefix(kind), signature)
}

func (k *KeySpace) ListPattern(kind Kind) string {
	return fmt.Sprintf(keyDocs, k.Prefix(kind), "*")
}

func CartKey(userID string) string {
	return fmt.Sprintf(keyCart, userID)
}

// DocGenKey guards fills of every variant of one document.
func (k *KeySpace) DocGenKey(kind Kind, id string) string {
	return fmt.Sprintf(keyGen, fmt.Sprintf("doc:%s:%s", k.Prefix(kind), id))
}

// ListGenKey guards fills of every list result of a kind.
func (k *KeySpace) ListGenKey(kind Kind) string {
	return fmt.Sprintf(keyGen, fmt.Sprintf("docs:%s", k.Prefix(kind)))
}

func CartGenKey(userID string) string {
	return fmt.Sprintf(keyGen, CartKey(userID))
}
