package group

import (
	"context"
	"errors"
	"strconv"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("group: not found")

// Store exposes read-only snapshots of group, role and membership data. The
// permission engine only consumes these; persistence belongs elsewhere.
type Store interface {
	// Group fetches one group by ID.
	Group(ctx context.Context, id int64) (Group, error)
	// Types returns all group types.
	Types(ctx context.Context) ([]Type, error)
	// Roles fetches roles with their permissions, in the order of ids.
	// Unknown IDs are skipped.
	Roles(ctx context.Context, ids []string) ([]Role, error)
	// RolesSyncedTo returns group roles mirroring any of the given global roles.
	RolesSyncedTo(ctx context.Context, globalRoles []string) ([]Role, error)
	// Memberships returns the account's memberships across all groups.
	Memberships(ctx context.Context, accountID int64) ([]Membership, error)
	// Account fetches an account snapshot with its global roles.
	Account(ctx context.Context, id int64) (Account, error)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
