package permission

import (
	"context"
	"fmt"

	"github.com/cohortd/cohortd/internal/group"
)

// SynchronizedCalculator maps an account's global roles onto the group roles
// that mirror them. It only contributes to the outsider audience: members get
// their permissions through memberships, and anonymous visitors hold no
// global roles to synchronize.
type SynchronizedCalculator struct {
	BaseCalculator
	store group.Store
}

// NewSynchronizedCalculator constructs the calculator.
func NewSynchronizedCalculator(store group.Store) *SynchronizedCalculator {
	return &SynchronizedCalculator{store: store}
}

var _ Calculator = (*SynchronizedCalculator)(nil)

// CalculateOutsiderPermissions grants the group roles synced to the account's
// global roles, bucketed per group type.
func (c *SynchronizedCalculator) CalculateOutsiderPermissions(ctx context.Context, account Account) (*Refinable, error) {
	result := NewRefinable()
	roles, err := c.store.RolesSyncedTo(ctx, account.GlobalRoles())
	if err != nil {
		return nil, fmt.Errorf("permission: load synced roles: %w", err)
	}
	for _, role := range roles {
		result.AddItem(NewItem(ScopeGroupType, role.GroupTypeID, role.Permissions, role.Admin), false)
		result.AddCacheTags(role.CacheTag(), "group_type:"+role.GroupTypeID)
	}
	return result, nil
}

// OutsiderContexts declares that outsider results vary per global role set.
func (c *SynchronizedCalculator) OutsiderContexts() []string {
	return []string{ContextUserRoles}
}
