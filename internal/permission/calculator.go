package permission

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Audience is the category an account falls into for a calculation.
type Audience string

const (
	AudienceAnonymous Audience = "anonymous"
	AudienceOutsider  Audience = "outsider"
	AudienceMember    Audience = "member"
)

// Persistent cache-context tokens calculators may declare. They partition
// cache entries and are resolved against the account a calculation targets.
const (
	// ContextUser varies the cache entry per account identity.
	ContextUser = "user"
	// ContextUserRoles varies the cache entry per set of global roles.
	ContextUserRoles = "user.roles"
)

// Account is the subject permissions are calculated for.
type Account interface {
	AccountID() int64
	IsAnonymous() bool
	GlobalRoles() []string
}

// Calculator produces a partial permission set for one audience. A calculator
// with nothing to contribute returns an empty Refinable; that is normal, not
// an error. The three context lists declare cache-context tokens that must
// always partition that audience's cache entry, whether or not the calculator
// ended up touching identity-dependent data.
type Calculator interface {
	CalculateAnonymousPermissions(ctx context.Context) (*Refinable, error)
	CalculateOutsiderPermissions(ctx context.Context, account Account) (*Refinable, error)
	CalculateMemberPermissions(ctx context.Context, account Account) (*Refinable, error)

	AnonymousContexts() []string
	OutsiderContexts() []string
	MemberContexts() []string
}

// BaseCalculator provides empty defaults so concrete calculators only
// implement the audiences they care about.
type BaseCalculator struct{}

func (BaseCalculator) CalculateAnonymousPermissions(context.Context) (*Refinable, error) {
	return NewRefinable(), nil
}

func (BaseCalculator) CalculateOutsiderPermissions(context.Context, Account) (*Refinable, error) {
	return NewRefinable(), nil
}

func (BaseCalculator) CalculateMemberPermissions(context.Context, Account) (*Refinable, error) {
	return NewRefinable(), nil
}

func (BaseCalculator) AnonymousContexts() []string { return nil }
func (BaseCalculator) OutsiderContexts() []string  { return nil }
func (BaseCalculator) MemberContexts() []string    { return nil }

// ContextResolver turns a persistent context token into a cache-key fragment
// for the account a calculation targets. Resolving against the target account
// rather than any ambient actor keeps concurrent calculations for different
// accounts from corrupting each other's keys.
type ContextResolver interface {
	// Known reports whether the token can be resolved. Checked at wiring time.
	Known(token string) bool
	// Resolve returns the token's value for the given account.
	Resolve(token string, account Account) (string, error)
}

// AccountContextResolver resolves the built-in identity contexts.
type AccountContextResolver struct{}

var _ ContextResolver = AccountContextResolver{}

// Known reports whether the token can be resolved.
func (AccountContextResolver) Known(token string) bool {
	return token == ContextUser || token == ContextUserRoles
}

// Resolve returns the token's value for the given account.
func (AccountContextResolver) Resolve(token string, account Account) (string, error) {
	switch token {
	case ContextUser:
		return strconv.FormatInt(account.AccountID(), 10), nil
	case ContextUserRoles:
		// Role IDs are escaped before joining so the separator cannot
		// occur inside an ID and merge two distinct role sets.
		roles := make([]string, 0, len(account.GlobalRoles()))
		for _, role := range account.GlobalRoles() {
			roles = append(roles, url.QueryEscape(role))
		}
		sort.Strings(roles)
		return strings.Join(roles, ","), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownContext, token)
	}
}
