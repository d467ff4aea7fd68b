package group

// Type describes a category of groups and the roles its non-members receive.
type Type struct {
	ID              string
	Name            string
	AnonymousRoleID string
	OutsiderRoleID  string
}

// Group is one group instance.
type Group struct {
	ID     int64
	TypeID string
	Name   string
}

// Role bundles permissions granted within groups of one type. Admin roles
// satisfy every permission check without listing permissions explicitly.
// SyncedRole, when set, names the global account role this group role mirrors.
type Role struct {
	ID          string
	GroupTypeID string
	Admin       bool
	SyncedRole  string
	Permissions []string
}

// CacheTag returns the invalidation tag that covers this role's data.
func (r Role) CacheTag() string {
	return "group_role:" + r.ID
}

// Membership records an account's roles inside one group.
type Membership struct {
	GroupID     int64
	GroupTypeID string
	AccountID   int64
	RoleIDs     []string
}

// CacheTag returns the invalidation tag that covers this membership's data.
func (m Membership) CacheTag() string {
	return "group_membership:" + formatID(m.GroupID) + ":" + formatID(m.AccountID)
}

// Account is the subject permissions are calculated for. The zero account ID
// denotes the anonymous visitor.
type Account struct {
	id    int64
	roles []string
}

// NewAccount builds an account snapshot with its global roles.
func NewAccount(id int64, roles []string) Account {
	return Account{id: id, roles: roles}
}

// AnonymousAccount returns the account used for unauthenticated calculations.
func AnonymousAccount() Account {
	return Account{}
}

// AccountID returns the account's identifier.
func (a Account) AccountID() int64 { return a.id }

// IsAnonymous reports whether the account is unauthenticated.
func (a Account) IsAnonymous() bool { return a.id == 0 }

// GlobalRoles returns the account's site-wide role IDs.
func (a Account) GlobalRoles() []string { return a.roles }
