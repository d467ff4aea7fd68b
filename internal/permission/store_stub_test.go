package permission

import (
	"context"
	"sort"

	"github.com/cohortd/cohortd/internal/group"
)

// stubStore is an in-memory group.Store for engine tests.
type stubStore struct {
	types       []group.Type
	roles       map[string]group.Role
	memberships map[int64][]group.Membership
	groups      map[int64]group.Group
	accounts    map[int64]group.Account

	typesCalls       int
	membershipsCalls int
}

var _ group.Store = (*stubStore)(nil)

func newStubStore() *stubStore {
	return &stubStore{
		roles:       make(map[string]group.Role),
		memberships: make(map[int64][]group.Membership),
		groups:      make(map[int64]group.Group),
		accounts:    make(map[int64]group.Account),
	}
}

func (s *stubStore) Group(_ context.Context, id int64) (group.Group, error) {
	g, ok := s.groups[id]
	if !ok {
		return group.Group{}, group.ErrNotFound
	}
	return g, nil
}

func (s *stubStore) Types(context.Context) ([]group.Type, error) {
	s.typesCalls++
	return s.types, nil
}

func (s *stubStore) Roles(_ context.Context, ids []string) ([]group.Role, error) {
	var roles []group.Role
	for _, id := range ids {
		if r, ok := s.roles[id]; ok {
			roles = append(roles, r)
		}
	}
	return roles, nil
}

func (s *stubStore) RolesSyncedTo(_ context.Context, globalRoles []string) ([]group.Role, error) {
	wanted := make(map[string]struct{}, len(globalRoles))
	for _, r := range globalRoles {
		wanted[r] = struct{}{}
	}
	var ids []string
	for id, role := range s.roles {
		if _, ok := wanted[role.SyncedRole]; ok && role.SyncedRole != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var roles []group.Role
	for _, id := range ids {
		roles = append(roles, s.roles[id])
	}
	return roles, nil
}

func (s *stubStore) Memberships(_ context.Context, accountID int64) ([]group.Membership, error) {
	s.membershipsCalls++
	return s.memberships[accountID], nil
}

func (s *stubStore) Account(_ context.Context, id int64) (group.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return group.Account{}, group.ErrNotFound
	}
	return a, nil
}
