package permission

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cohortd/cohortd/internal/group"
)

// DefaultCalculator derives permissions from stored group types, roles and
// memberships. Anonymous and outsider audiences receive the per-type role
// configured on each group type; members receive the union of their roles
// within each group they belong to.
type DefaultCalculator struct {
	BaseCalculator
	store group.Store
}

// NewDefaultCalculator constructs the calculator.
func NewDefaultCalculator(store group.Store) *DefaultCalculator {
	return &DefaultCalculator{store: store}
}

var _ Calculator = (*DefaultCalculator)(nil)

// CalculateAnonymousPermissions grants each group type's anonymous role.
func (c *DefaultCalculator) CalculateAnonymousPermissions(ctx context.Context) (*Refinable, error) {
	return c.calculateTypeRoles(ctx, func(t group.Type) string { return t.AnonymousRoleID })
}

// CalculateOutsiderPermissions grants each group type's outsider role.
func (c *DefaultCalculator) CalculateOutsiderPermissions(ctx context.Context, _ Account) (*Refinable, error) {
	return c.calculateTypeRoles(ctx, func(t group.Type) string { return t.OutsiderRoleID })
}

// CalculateMemberPermissions grants, per membership, the union of the roles
// the account holds in that group.
func (c *DefaultCalculator) CalculateMemberPermissions(ctx context.Context, account Account) (*Refinable, error) {
	result := NewRefinable()
	memberships, err := c.store.Memberships(ctx, account.AccountID())
	if err != nil {
		return nil, fmt.Errorf("permission: load memberships: %w", err)
	}
	for _, membership := range memberships {
		roles, err := c.store.Roles(ctx, membership.RoleIDs)
		if err != nil {
			return nil, fmt.Errorf("permission: load membership roles: %w", err)
		}
		var permissions []string
		admin := false
		for _, role := range roles {
			permissions = append(permissions, role.Permissions...)
			admin = admin || role.Admin
			result.AddCacheTags(role.CacheTag())
		}
		identifier := strconv.FormatInt(membership.GroupID, 10)
		result.AddItem(NewItem(ScopeGroup, identifier, permissions, admin), false)
		result.AddCacheTags(membership.CacheTag())
	}
	return result, nil
}

// MemberContexts declares that member results vary per account identity.
// Membership data has no context of its own, so the coarse identity context
// stands in for it.
func (c *DefaultCalculator) MemberContexts() []string {
	return []string{ContextUser}
}

func (c *DefaultCalculator) calculateTypeRoles(ctx context.Context, roleID func(group.Type) string) (*Refinable, error) {
	result := NewRefinable()
	types, err := c.store.Types(ctx)
	if err != nil {
		return nil, fmt.Errorf("permission: load group types: %w", err)
	}
	// Several types may be configured with the same role, so roles are
	// fetched once and items are emitted per type, not per role.
	seen := make(map[string]struct{}, len(types))
	var ids []string
	for _, t := range types {
		id := roleID(t)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	roles, err := c.store.Roles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("permission: load type roles: %w", err)
	}
	byID := make(map[string]group.Role, len(roles))
	for _, role := range roles {
		byID[role.ID] = role
	}
	for _, t := range types {
		role, ok := byID[roleID(t)]
		if !ok {
			continue
		}
		result.AddItem(NewItem(ScopeGroupType, t.ID, role.Permissions, role.Admin), false)
		result.AddCacheTags(role.CacheTag(), "group_type:"+t.ID)
	}
	return result, nil
}
