package permission

import "fmt"

// Scope identifies the bucket a calculated item belongs to.
type Scope string

const (
	// ScopeGroup items apply to one group instance; the identifier is the
	// group ID formatted base-10.
	ScopeGroup Scope = "group"
	// ScopeGroupType items apply to every group of one type; the identifier
	// is the group type ID.
	ScopeGroupType Scope = "group_type"
)

// Item holds one scope/identifier's resolved permission set. Admin items
// satisfy every permission check regardless of the explicit set.
type Item struct {
	scope       Scope
	identifier  string
	permissions []string
	admin       bool
}

// NewItem builds an item, deduplicating the permission list while keeping
// first-seen order stable.
func NewItem(scope Scope, identifier string, permissions []string, admin bool) Item {
	deduped := make([]string, 0, len(permissions))
	seen := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		deduped = append(deduped, p)
	}
	return Item{scope: scope, identifier: identifier, permissions: deduped, admin: admin}
}

// Scope returns the item's scope.
func (i Item) Scope() Scope { return i.scope }

// Identifier returns the scope-dependent identifier.
func (i Item) Identifier() string { return i.identifier }

// Permissions returns the deduplicated permission names. The slice is a
// copy: items live inside cached results shared across requests, so callers
// must not be able to reach the backing array.
func (i Item) Permissions() []string {
	return append(make([]string, 0, len(i.permissions)), i.permissions...)
}

// IsAdmin reports whether the item satisfies every permission check.
func (i Item) IsAdmin() bool { return i.admin }

// HasPermission reports whether the item grants the named permission.
func (i Item) HasPermission(name string) bool {
	if i.admin {
		return true
	}
	for _, p := range i.permissions {
		if p == name {
			return true
		}
	}
	return false
}

// MergeItems combines two items addressing the same scope and identifier.
// Permissions are unioned; the admin flag is OR-ed so admin status never
// regresses. Items with different keys cannot be merged.
func MergeItems(a, b Item) (Item, error) {
	if a.scope != b.scope || a.identifier != b.identifier {
		return Item{}, fmt.Errorf("%w: (%s, %s) vs (%s, %s)",
			ErrIncompatibleMerge, a.scope, a.identifier, b.scope, b.identifier)
	}
	return NewItem(a.scope, a.identifier, append(append([]string{}, a.permissions...), b.permissions...), a.admin || b.admin), nil
}
