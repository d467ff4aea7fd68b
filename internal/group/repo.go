package group

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var _ Store = (*PGStore)(nil)

// Group fetches one group by ID.
func (s *PGStore) Group(ctx context.Context, id int64) (Group, error) {
	const query = `SELECT id, group_type_id, name FROM groups WHERE id = $1`
	var g Group
	if err := s.pool.QueryRow(ctx, query, id).Scan(&g.ID, &g.TypeID, &g.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, ErrNotFound
		}
		return Group{}, fmt.Errorf("group: fetch group %d: %w", id, err)
	}
	return g, nil
}

// Types returns all group types ordered by ID.
func (s *PGStore) Types(ctx context.Context) ([]Type, error) {
	const query = `
		SELECT id, name, COALESCE(anonymous_role_id, ''), COALESCE(outsider_role_id, '')
		FROM group_types
		ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("group: list types: %w", err)
	}
	defer rows.Close()

	var types []Type
	for rows.Next() {
		var t Type
		if err := rows.Scan(&t.ID, &t.Name, &t.AnonymousRoleID, &t.OutsiderRoleID); err != nil {
			return nil, fmt.Errorf("group: scan type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// Roles fetches roles with their permissions, preserving the order of ids.
func (s *PGStore) Roles(ctx context.Context, ids []string) ([]Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `
		SELECT id, group_type_id, admin, COALESCE(synced_role, '')
		FROM group_roles
		WHERE id = ANY($1)`
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("group: fetch roles: %w", err)
	}
	roles, err := s.collectRoles(ctx, rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Role, len(roles))
	for _, r := range roles {
		byID[r.ID] = r
	}
	ordered := make([]Role, 0, len(roles))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			ordered = append(ordered, r)
		}
	}
	return ordered, nil
}

// RolesSyncedTo returns group roles mirroring any of the given global roles.
func (s *PGStore) RolesSyncedTo(ctx context.Context, globalRoles []string) ([]Role, error) {
	if len(globalRoles) == 0 {
		return nil, nil
	}
	const query = `
		SELECT id, group_type_id, admin, COALESCE(synced_role, '')
		FROM group_roles
		WHERE synced_role = ANY($1)
		ORDER BY id`
	rows, err := s.pool.Query(ctx, query, globalRoles)
	if err != nil {
		return nil, fmt.Errorf("group: fetch synced roles: %w", err)
	}
	return s.collectRoles(ctx, rows)
}

// Memberships returns the account's memberships ordered by group ID.
func (s *PGStore) Memberships(ctx context.Context, accountID int64) ([]Membership, error) {
	const query = `
		SELECT m.group_id, g.group_type_id, m.account_id, COALESCE(array_agg(mr.role_id) FILTER (WHERE mr.role_id IS NOT NULL), '{}')
		FROM group_memberships m
		JOIN groups g ON g.id = m.group_id
		LEFT JOIN group_membership_roles mr ON mr.group_id = m.group_id AND mr.account_id = m.account_id
		WHERE m.account_id = $1
		GROUP BY m.group_id, g.group_type_id, m.account_id
		ORDER BY m.group_id`
	rows, err := s.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("group: fetch memberships for %d: %w", accountID, err)
	}
	defer rows.Close()

	var memberships []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.GroupID, &m.GroupTypeID, &m.AccountID, &m.RoleIDs); err != nil {
			return nil, fmt.Errorf("group: scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// Account fetches an account snapshot with its global roles.
func (s *PGStore) Account(ctx context.Context, id int64) (Account, error) {
	const query = `
		SELECT a.id, COALESCE(array_agg(ar.role) FILTER (WHERE ar.role IS NOT NULL), '{}')
		FROM accounts a
		LEFT JOIN account_roles ar ON ar.account_id = a.id
		WHERE a.id = $1
		GROUP BY a.id`
	var accountID int64
	var roles []string
	if err := s.pool.QueryRow(ctx, query, id).Scan(&accountID, &roles); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("group: fetch account %d: %w", id, err)
	}
	return NewAccount(accountID, roles), nil
}

func (s *PGStore) collectRoles(ctx context.Context, rows pgx.Rows) ([]Role, error) {
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.GroupTypeID, &r.Admin, &r.SyncedRole); err != nil {
			return nil, fmt.Errorf("group: scan role: %w", err)
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, nil
	}

	ids := make([]string, len(roles))
	index := make(map[string]int, len(roles))
	for i, r := range roles {
		ids[i] = r.ID
		index[r.ID] = i
	}
	const permQuery = `
		SELECT role_id, permission
		FROM group_role_permissions
		WHERE role_id = ANY($1)
		ORDER BY role_id, permission`
	permRows, err := s.pool.Query(ctx, permQuery, ids)
	if err != nil {
		return nil, fmt.Errorf("group: fetch role permissions: %w", err)
	}
	defer permRows.Close()
	for permRows.Next() {
		var roleID, permission string
		if err := permRows.Scan(&roleID, &permission); err != nil {
			return nil, fmt.Errorf("group: scan role permission: %w", err)
		}
		if i, ok := index[roleID]; ok {
			roles[i].Permissions = append(roles[i].Permissions, permission)
		}
	}
	return roles, permRows.Err()
}
