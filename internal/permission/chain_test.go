package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortd/cohortd/internal/group"
	"github.com/cohortd/cohortd/internal/platform/cache"
)

func newTestChain(t *testing.T, store *stubStore, addr string) *Chain {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	persistent := cache.NewTaggedStore(client, "test:permissions", time.Minute)
	chain, err := NewChain(
		AccountContextResolver{},
		[]Calculator{NewDefaultCalculator(store), NewSynchronizedCalculator(store)},
		WithPersistentCache(persistent),
	)
	require.NoError(t, err)
	return chain
}

func TestCalculatePermissionsIsIdempotentAndCached(t *testing.T) {
	mr := miniredis.RunT(t)
	store := fixtureStore()
	chain := newTestChain(t, store, mr.Addr())
	ctx := context.Background()
	account := group.NewAccount(7, []string{"editor"})

	first, err := chain.CalculatePermissions(ctx, account)
	require.NoError(t, err)
	membershipsAfterFirst := store.membershipsCalls

	second, err := chain.CalculatePermissions(ctx, account)
	require.NoError(t, err)

	assert.Equal(t, membershipsAfterFirst, store.membershipsCalls, "second call must be served from cache")
	assert.Equal(t, first.Items(), second.Items())
	assert.Equal(t, first.CacheTags(), second.CacheTags())
	assert.Equal(t, first.MaxAge(), second.MaxAge())
}

func TestPersistentTierSurvivesProcessRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	account := group.NewAccount(7, []string{"editor"})

	warmStore := fixtureStore()
	warmChain := newTestChain(t, warmStore, mr.Addr())
	warm, err := warmChain.CalculatePermissions(ctx, account)
	require.NoError(t, err)

	// A fresh chain has an empty static tier but shares the durable one.
	coldStore := fixtureStore()
	coldChain := newTestChain(t, coldStore, mr.Addr())
	cold, err := coldChain.CalculatePermissions(ctx, account)
	require.NoError(t, err)

	assert.Zero(t, coldStore.membershipsCalls, "durable hit must not recompute")
	assert.Zero(t, coldStore.typesCalls)
	assert.Equal(t, warm.Items(), cold.Items())
}

func TestTagInvalidationForcesRecomputation(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	account := group.NewAccount(7, []string{"editor"})

	store := fixtureStore()
	chain := newTestChain(t, store, mr.Addr())
	_, err := chain.CalculatePermissions(ctx, account)
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	persistent := cache.NewTaggedStore(client, "test:permissions", time.Minute)
	require.NoError(t, persistent.InvalidateTags(ctx, CacheTag))

	coldStore := fixtureStore()
	coldChain := newTestChain(t, coldStore, mr.Addr())
	_, err = coldChain.CalculatePermissions(ctx, account)
	require.NoError(t, err)
	assert.Positive(t, coldStore.membershipsCalls, "invalidated entry must be recomputed")
}

func TestInvalidationReachesWarmStaticTier(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	store := fixtureStore()
	chain := newTestChain(t, store, mr.Addr())
	account := group.NewAccount(7, nil)

	first, err := chain.CalculateMemberPermissions(ctx, account)
	require.NoError(t, err)
	item, ok := first.Item(ScopeGroup, "1")
	require.True(t, ok)
	require.True(t, item.HasPermission("post in group"))

	// Revoke the permission and invalidate without restarting anything:
	// the same chain, with its static tier still warm, must recompute.
	role := store.roles["foo-member"]
	role.Permissions = []string{"view group"}
	store.roles["foo-member"] = role

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	persistent := cache.NewTaggedStore(client, "test:permissions", time.Minute)
	require.NoError(t, persistent.InvalidateTags(ctx, CacheTag))

	second, err := chain.CalculateMemberPermissions(ctx, account)
	require.NoError(t, err)
	item, ok = second.Item(ScopeGroup, "1")
	require.True(t, ok)
	assert.False(t, item.HasPermission("post in group"),
		"a revoked permission must disappear without waiting for eviction or restart")
}

func TestCacheKeysEscapeContextValues(t *testing.T) {
	chain, err := NewChain(AccountContextResolver{}, []Calculator{
		&stubCalculator{outsiderContexts: []string{ContextUserRoles}},
	})
	require.NoError(t, err)

	joined, err := chain.cacheKey(AudienceOutsider, group.NewAccount(1, []string{"a,b"}))
	require.NoError(t, err)
	split, err := chain.cacheKey(AudienceOutsider, group.NewAccount(2, []string{"a", "b"}))
	require.NoError(t, err)
	assert.NotEqual(t, joined, split, "a separator inside a role ID must not merge two role sets")

	tricky, err := chain.cacheKey(AudienceOutsider, group.NewAccount(3, []string{"x=1:y"}))
	require.NoError(t, err)
	assert.NotContains(t, tricky, "x=1:y", "key separators must never appear raw inside a value")
}

func TestAnonymousMemberOutsiderAreSeparateEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	store := fixtureStore()
	chain := newTestChain(t, store, mr.Addr())
	ctx := context.Background()
	account := group.NewAccount(7, []string{"editor"})

	anonymous, err := chain.CalculateAnonymousPermissions(ctx)
	require.NoError(t, err)
	outsider, err := chain.CalculateOutsiderPermissions(ctx, account)
	require.NoError(t, err)
	member, err := chain.CalculateMemberPermissions(ctx, account)
	require.NoError(t, err)

	_, ok := anonymous.Item(ScopeGroupType, "bar")
	assert.False(t, ok, "anonymous must not see outsider grants")
	_, ok = outsider.Item(ScopeGroup, "1")
	assert.False(t, ok, "outsider must not see member grants")
	_, ok = member.Item(ScopeGroup, "1")
	assert.True(t, ok)
}

func TestCacheKeysDoNotCollideAcrossAccounts(t *testing.T) {
	mr := miniredis.RunT(t)
	store := fixtureStore()
	store.memberships[8] = []group.Membership{
		{GroupID: 1, GroupTypeID: "foo", AccountID: 8, RoleIDs: []string{"foo-admin"}},
	}
	store.accounts[8] = group.NewAccount(8, nil)
	chain := newTestChain(t, store, mr.Addr())
	ctx := context.Background()

	seven, err := chain.CalculateMemberPermissions(ctx, group.NewAccount(7, []string{"editor"}))
	require.NoError(t, err)
	eight, err := chain.CalculateMemberPermissions(ctx, group.NewAccount(8, nil))
	require.NoError(t, err)

	sevenFirst, ok := seven.Item(ScopeGroup, "1")
	require.True(t, ok)
	eightFirst, ok := eight.Item(ScopeGroup, "1")
	require.True(t, ok)
	assert.False(t, sevenFirst.IsAdmin())
	assert.True(t, eightFirst.IsAdmin(), "account 8 must not be served account 7's entry")
}

func TestAuthenticatedIsOutsiderUnionMember(t *testing.T) {
	mr := miniredis.RunT(t)
	store := fixtureStore()
	chain := newTestChain(t, store, mr.Addr())
	ctx := context.Background()
	account := group.NewAccount(7, []string{"editor"})

	authenticated, err := chain.CalculateAuthenticatedPermissions(ctx, account)
	require.NoError(t, err)

	// Outsider grants.
	foo, ok := authenticated.Item(ScopeGroupType, "foo")
	require.True(t, ok)
	assert.True(t, foo.HasPermission("join group"))
	// Synchronized grants.
	bar, ok := authenticated.Item(ScopeGroupType, "bar")
	require.True(t, ok)
	assert.True(t, bar.HasPermission("edit group"))
	// Member grants.
	first, ok := authenticated.Item(ScopeGroup, "1")
	require.True(t, ok)
	assert.True(t, first.HasPermission("post in group"))
}

func TestFixedTagAttachedAndContextsKeptOutOfMetadata(t *testing.T) {
	mr := miniredis.RunT(t)
	store := fixtureStore()
	chain := newTestChain(t, store, mr.Addr())
	ctx := context.Background()

	member, err := chain.CalculateMemberPermissions(ctx, group.NewAccount(7, nil))
	require.NoError(t, err)

	assert.Contains(t, member.CacheTags(), CacheTag)
	assert.NotContains(t, member.CacheContexts(), ContextUser,
		"persistent contexts partition the cache key, they are not result metadata")
}

type stubCalculator struct {
	BaseCalculator
	outsiderErr      error
	outsiderContexts []string
}

func (c *stubCalculator) CalculateOutsiderPermissions(context.Context, Account) (*Refinable, error) {
	if c.outsiderErr != nil {
		return nil, c.outsiderErr
	}
	return NewRefinable(), nil
}

func (c *stubCalculator) OutsiderContexts() []string { return c.outsiderContexts }

func TestUnknownContextFailsWiring(t *testing.T) {
	_, err := NewChain(AccountContextResolver{}, []Calculator{
		&stubCalculator{outsiderContexts: []string{"session.id"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownContext))
}

func TestCalculatorErrorAbortsWithoutCaching(t *testing.T) {
	mr := miniredis.RunT(t)
	boom := errors.New("store unavailable")
	failing := &stubCalculator{outsiderErr: boom}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	persistent := cache.NewTaggedStore(client, "test:permissions", time.Minute)
	chain, err := NewChain(AccountContextResolver{}, []Calculator{failing}, WithPersistentCache(persistent))
	require.NoError(t, err)

	_, err = chain.CalculateOutsiderPermissions(context.Background(), group.NewAccount(7, nil))
	require.ErrorIs(t, err, boom)

	// Nothing partial may have been cached.
	failing.outsiderErr = nil
	result, err := chain.CalculateOutsiderPermissions(context.Background(), group.NewAccount(7, nil))
	require.NoError(t, err)
	assert.Contains(t, result.CacheTags(), CacheTag)
}
