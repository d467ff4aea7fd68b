package permission

import (
	"encoding/json"
	"sort"
)

// MaxAgeUnlimited marks a result that never expires on its own.
const MaxAgeUnlimited = -1

type itemKey struct {
	scope      Scope
	identifier string
}

// Set is the read contract shared by Calculated and Refinable.
type Set interface {
	// Item returns the item stored under (scope, identifier), if any.
	Item(scope Scope, identifier string) (Item, bool)
	// Items returns all items in insertion order.
	Items() []Item
	// ItemsByScope returns the items of one scope in insertion order.
	ItemsByScope(scope Scope) []Item
	// CacheContexts returns the result's cache-context tokens, sorted.
	CacheContexts() []string
	// CacheTags returns the result's invalidation tags, sorted.
	CacheTags() []string
	// MaxAge returns the result's maximum age in seconds, MaxAgeUnlimited
	// when unbounded.
	MaxAge() int
}

// Calculated is a finalized, cacheable permission collection. It is built
// once from a Refinable and never mutated, so it is safe to share between
// cache tiers and concurrent readers.
type Calculated struct {
	items    map[itemKey]Item
	order    []itemKey
	contexts map[string]struct{}
	tags     map[string]struct{}
	maxAge   int
}

var _ Set = (*Calculated)(nil)

// Item returns the item stored under (scope, identifier), if any.
func (c *Calculated) Item(scope Scope, identifier string) (Item, bool) {
	item, ok := c.items[itemKey{scope: scope, identifier: identifier}]
	return item, ok
}

// Items returns all items in insertion order.
func (c *Calculated) Items() []Item {
	items := make([]Item, 0, len(c.order))
	for _, key := range c.order {
		items = append(items, c.items[key])
	}
	return items
}

// ItemsByScope returns the items of one scope in insertion order.
func (c *Calculated) ItemsByScope(scope Scope) []Item {
	var items []Item
	for _, key := range c.order {
		if key.scope == scope {
			items = append(items, c.items[key])
		}
	}
	return items
}

// CacheContexts returns the result's cache-context tokens, sorted.
func (c *Calculated) CacheContexts() []string { return sortedKeys(c.contexts) }

// CacheTags returns the result's invalidation tags, sorted.
func (c *Calculated) CacheTags() []string { return sortedKeys(c.tags) }

// MaxAge returns the result's maximum age in seconds.
func (c *Calculated) MaxAge() int { return c.maxAge }

type itemPayload struct {
	Scope       Scope    `json:"scope"`
	Identifier  string   `json:"identifier"`
	Permissions []string `json:"permissions"`
	IsAdmin     bool     `json:"is_admin"`
}

type calculatedPayload struct {
	Items    []itemPayload `json:"items"`
	Contexts []string      `json:"contexts,omitempty"`
	Tags     []string      `json:"tags,omitempty"`
	MaxAge   int           `json:"max_age"`
}

// MarshalJSON encodes the collection for the durable cache tier.
func (c *Calculated) MarshalJSON() ([]byte, error) {
	payload := calculatedPayload{
		Contexts: c.CacheContexts(),
		Tags:     c.CacheTags(),
		MaxAge:   c.maxAge,
	}
	for _, key := range c.order {
		item := c.items[key]
		payload.Items = append(payload.Items, itemPayload{
			Scope:       item.scope,
			Identifier:  item.identifier,
			Permissions: item.permissions,
			IsAdmin:     item.admin,
		})
	}
	return json.Marshal(payload)
}

// UnmarshalJSON rebuilds a collection stored by the durable cache tier.
func (c *Calculated) UnmarshalJSON(data []byte) error {
	var payload calculatedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	refined := NewRefinable()
	for _, item := range payload.Items {
		refined.AddItem(NewItem(item.Scope, item.Identifier, item.Permissions, item.IsAdmin), false)
	}
	refined.AddCacheContexts(payload.Contexts...)
	refined.AddCacheTags(payload.Tags...)
	refined.MergeMaxAge(payload.MaxAge)
	*c = *refined.Freeze()
	return nil
}

// Refinable accumulates items and cache metadata during one calculation pass.
// It is mutated by calculators and the merge step, then consumed exactly once
// via Freeze. Not safe for concurrent use.
type Refinable struct {
	items    map[itemKey]Item
	order    []itemKey
	contexts map[string]struct{}
	tags     map[string]struct{}
	maxAge   int
}

var _ Set = (*Refinable)(nil)

// NewRefinable returns an empty builder with an unbounded max age.
func NewRefinable() *Refinable {
	return &Refinable{
		items:    make(map[itemKey]Item),
		contexts: make(map[string]struct{}),
		tags:     make(map[string]struct{}),
		maxAge:   MaxAgeUnlimited,
	}
}

// AddItem stores an item. When an item already exists under the same key it
// is merged with the new one unless overwrite is set, in which case the new
// item replaces it outright.
func (r *Refinable) AddItem(item Item, overwrite bool) *Refinable {
	key := itemKey{scope: item.scope, identifier: item.identifier}
	existing, ok := r.items[key]
	if ok && !overwrite {
		merged, err := MergeItems(existing, item)
		if err != nil {
			// Unreachable: both items share key by construction.
			panic(err)
		}
		r.items[key] = merged
		return r
	}
	if !ok {
		r.order = append(r.order, key)
	}
	r.items[key] = item
	return r
}

// RemoveItem drops the item stored under (scope, identifier).
func (r *Refinable) RemoveItem(scope Scope, identifier string) *Refinable {
	key := itemKey{scope: scope, identifier: identifier}
	if _, ok := r.items[key]; !ok {
		return r
	}
	delete(r.items, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return r
}

// RemoveItemsByScope drops every item of one scope.
func (r *Refinable) RemoveItemsByScope(scope Scope) *Refinable {
	kept := r.order[:0]
	for _, key := range r.order {
		if key.scope == scope {
			delete(r.items, key)
			continue
		}
		kept = append(kept, key)
	}
	r.order = kept
	return r
}

// RemoveItems drops all items.
func (r *Refinable) RemoveItems() *Refinable {
	r.items = make(map[itemKey]Item)
	r.order = nil
	return r
}

// AddCacheContexts records cache-context tokens on the result.
func (r *Refinable) AddCacheContexts(contexts ...string) *Refinable {
	for _, c := range contexts {
		r.contexts[c] = struct{}{}
	}
	return r
}

// AddCacheTags records invalidation tags on the result.
func (r *Refinable) AddCacheTags(tags ...string) *Refinable {
	for _, t := range tags {
		r.tags[t] = struct{}{}
	}
	return r
}

// MergeMaxAge lowers the result's max age; the most restrictive value wins
// and MaxAgeUnlimited never wins over a bounded age.
func (r *Refinable) MergeMaxAge(maxAge int) *Refinable {
	r.maxAge = mergeMaxAges(r.maxAge, maxAge)
	return r
}

// Merge folds another result into this one: items merge per AddItem, contexts
// and tags union, and the lower max age wins.
func (r *Refinable) Merge(other Set) *Refinable {
	for _, item := range other.Items() {
		r.AddItem(item, false)
	}
	r.AddCacheContexts(other.CacheContexts()...)
	r.AddCacheTags(other.CacheTags()...)
	r.MergeMaxAge(other.MaxAge())
	return r
}

// Item returns the item stored under (scope, identifier), if any.
func (r *Refinable) Item(scope Scope, identifier string) (Item, bool) {
	item, ok := r.items[itemKey{scope: scope, identifier: identifier}]
	return item, ok
}

// Items returns all items in insertion order.
func (r *Refinable) Items() []Item {
	items := make([]Item, 0, len(r.order))
	for _, key := range r.order {
		items = append(items, r.items[key])
	}
	return items
}

// ItemsByScope returns the items of one scope in insertion order.
func (r *Refinable) ItemsByScope(scope Scope) []Item {
	var items []Item
	for _, key := range r.order {
		if key.scope == scope {
			items = append(items, r.items[key])
		}
	}
	return items
}

// CacheContexts returns the accumulated cache-context tokens, sorted.
func (r *Refinable) CacheContexts() []string { return sortedKeys(r.contexts) }

// CacheTags returns the accumulated invalidation tags, sorted.
func (r *Refinable) CacheTags() []string { return sortedKeys(r.tags) }

// MaxAge returns the accumulated maximum age in seconds.
func (r *Refinable) MaxAge() int { return r.maxAge }

// Freeze converts the builder into an immutable Calculated.
func (r *Refinable) Freeze() *Calculated {
	frozen := &Calculated{
		items:    make(map[itemKey]Item, len(r.items)),
		order:    append([]itemKey{}, r.order...),
		contexts: make(map[string]struct{}, len(r.contexts)),
		tags:     make(map[string]struct{}, len(r.tags)),
		maxAge:   r.maxAge,
	}
	for key, item := range r.items {
		frozen.items[key] = item
	}
	for c := range r.contexts {
		frozen.contexts[c] = struct{}{}
	}
	for t := range r.tags {
		frozen.tags[t] = struct{}{}
	}
	return frozen
}

func mergeMaxAges(a, b int) int {
	if a == MaxAgeUnlimited {
		return b
	}
	if b == MaxAgeUnlimited {
		return a
	}
	if b < a {
		return b
	}
	return a
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
