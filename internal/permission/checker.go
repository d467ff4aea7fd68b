package permission

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cohortd/cohortd/internal/group"
)

// BypassFunc reports whether the account may skip permission checks entirely,
// e.g. because it holds a site-wide administrative capability.
type BypassFunc func(ctx context.Context, account Account) (bool, error)

// RoleBypass builds a BypassFunc granting bypass to accounts holding the
// given global role.
func RoleBypass(role string) BypassFunc {
	return func(_ context.Context, account Account) (bool, error) {
		for _, r := range account.GlobalRoles() {
			if r == role {
				return true, nil
			}
		}
		return false, nil
	}
}

// Checker answers yes/no permission questions using the chain's output.
type Checker struct {
	chain  *Chain
	bypass BypassFunc
}

// NewChecker constructs a checker. The bypass predicate may be nil.
func NewChecker(chain *Chain, bypass BypassFunc) *Checker {
	return &Checker{chain: chain, bypass: bypass}
}

// HasPermission reports whether the account holds the named permission in the
// group. The group-scoped item wins when present; otherwise the group-type
// item applies. An account without an item in either scope violates the
// engine's audience invariant and fails loudly instead of silently denying.
func (c *Checker) HasPermission(ctx context.Context, name string, account Account, grp group.Group) (bool, error) {
	if c.bypass != nil {
		ok, err := c.bypass(ctx, account)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	calculated, err := c.chain.CalculatePermissions(ctx, account)
	if err != nil {
		return false, err
	}
	item, ok := calculated.Item(ScopeGroup, strconv.FormatInt(grp.ID, 10))
	if !ok {
		item, ok = calculated.Item(ScopeGroupType, grp.TypeID)
	}
	if !ok {
		return false, fmt.Errorf("%w: account %d, group %d (type %s)",
			ErrMissingScopeEntry, account.AccountID(), grp.ID, grp.TypeID)
	}
	return item.HasPermission(name), nil
}
