package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cohortd/cohortd/internal/observability"
	"github.com/cohortd/cohortd/internal/platform/cache"
)

// CacheTag is the invalidation tag attached to every calculated result, so
// all cached permission data can be dropped in one sweep.
const CacheTag = "group_permissions"

const (
	cacheKeyBase           = "group_permissions"
	defaultStaticCacheSize = 4096
)

// Chain runs an ordered list of calculators, merges their partial results and
// caches the frozen outcome in a process-local tier and, when configured, a
// durable Redis-backed tier.
//
// Cache keys are derived from the persistent contexts the calculators
// declare, resolved against the account the calculation targets. There is no
// ambient actor to substitute and restore: the target account travels as an
// explicit parameter, so concurrent calculations for different accounts
// cannot collide on key derivation.
//
// The static tier lives for the whole process, so its hits are revalidated
// against the durable tier's tag version counters; a tag invalidation reaches
// warm processes instead of waiting for LRU eviction or a restart.
type Chain struct {
	calculators []Calculator
	resolver    ContextResolver
	static      *lru.Cache[string, staticEntry]
	persistent  *cache.TaggedStore
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// staticEntry pairs a cached result with the checksum of its tags' versions
// at the time it entered the static tier.
type staticEntry struct {
	result   *Calculated
	checksum int64
}

// ChainOption customises a Chain.
type ChainOption func(*chainConfig)

type chainConfig struct {
	staticSize int
	persistent *cache.TaggedStore
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// WithPersistentCache enables the durable cache tier.
func WithPersistentCache(store *cache.TaggedStore) ChainOption {
	return func(cfg *chainConfig) { cfg.persistent = store }
}

// WithStaticCacheSize bounds the process-local tier.
func WithStaticCacheSize(size int) ChainOption {
	return func(cfg *chainConfig) { cfg.staticSize = size }
}

// WithLogger attaches a logger for calculation events.
func WithLogger(logger *slog.Logger) ChainOption {
	return func(cfg *chainConfig) { cfg.logger = logger }
}

// WithMetrics attaches cache and calculation metrics.
func WithMetrics(metrics *observability.Metrics) ChainOption {
	return func(cfg *chainConfig) { cfg.metrics = metrics }
}

// NewChain wires the calculators in the given order. Registration order is a
// deployment-time decision; it only affects which calculator contributes an
// item first on merge collisions, never the merged permission set. Every
// persistent context the calculators declare must be resolvable, otherwise
// wiring fails.
func NewChain(resolver ContextResolver, calculators []Calculator, opts ...ChainOption) (*Chain, error) {
	cfg := chainConfig{staticSize: defaultStaticCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	for i, calculator := range calculators {
		declared := append(append(append([]string{},
			calculator.AnonymousContexts()...),
			calculator.OutsiderContexts()...),
			calculator.MemberContexts()...)
		for _, token := range declared {
			if !resolver.Known(token) {
				return nil, fmt.Errorf("%w: %q declared by calculator %d", ErrUnknownContext, token, i)
			}
		}
	}
	static, err := lru.New[string, staticEntry](cfg.staticSize)
	if err != nil {
		return nil, fmt.Errorf("permission: static cache: %w", err)
	}
	return &Chain{
		calculators: calculators,
		resolver:    resolver,
		static:      static,
		persistent:  cfg.persistent,
		logger:      cfg.logger,
		metrics:     cfg.metrics,
	}, nil
}

type anonymousAccount struct{}

func (anonymousAccount) AccountID() int64      { return 0 }
func (anonymousAccount) IsAnonymous() bool     { return true }
func (anonymousAccount) GlobalRoles() []string { return nil }

// CalculatePermissions resolves the full permission set for the account,
// dispatching on its anonymity.
func (c *Chain) CalculatePermissions(ctx context.Context, account Account) (*Calculated, error) {
	if account.IsAnonymous() {
		return c.CalculateAnonymousPermissions(ctx)
	}
	return c.CalculateAuthenticatedPermissions(ctx, account)
}

// CalculateAnonymousPermissions resolves the anonymous audience.
func (c *Chain) CalculateAnonymousPermissions(ctx context.Context) (*Calculated, error) {
	return c.calculate(ctx, AudienceAnonymous, anonymousAccount{})
}

// CalculateOutsiderPermissions resolves the outsider audience for the account.
func (c *Chain) CalculateOutsiderPermissions(ctx context.Context, account Account) (*Calculated, error) {
	return c.calculate(ctx, AudienceOutsider, account)
}

// CalculateMemberPermissions resolves the member audience for the account.
func (c *Chain) CalculateMemberPermissions(ctx context.Context, account Account) (*Calculated, error) {
	return c.calculate(ctx, AudienceMember, account)
}

// CalculateAuthenticatedPermissions merges the independently cached outsider
// and member results into everything the account can do across all scopes.
func (c *Chain) CalculateAuthenticatedPermissions(ctx context.Context, account Account) (*Calculated, error) {
	outsider, err := c.CalculateOutsiderPermissions(ctx, account)
	if err != nil {
		return nil, err
	}
	member, err := c.CalculateMemberPermissions(ctx, account)
	if err != nil {
		return nil, err
	}
	return NewRefinable().Merge(outsider).Merge(member).Freeze(), nil
}

func (c *Chain) calculate(ctx context.Context, audience Audience, account Account) (*Calculated, error) {
	key, err := c.cacheKey(audience, account)
	if err != nil {
		return nil, err
	}

	if entry, ok := c.static.Get(key); ok {
		fresh, err := c.staticFresh(ctx, entry)
		if err != nil {
			return nil, err
		}
		if fresh {
			c.metrics.ObserveCacheHit(observability.TierStatic)
			return entry.result, nil
		}
		c.static.Remove(key)
	}
	if c.persistent != nil {
		payload, found, err := c.persistent.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			var calculated Calculated
			if err := json.Unmarshal(payload, &calculated); err != nil {
				return nil, fmt.Errorf("permission: decode cached result: %w", err)
			}
			checksum, err := c.persistent.TagChecksum(ctx, calculated.CacheTags())
			if err != nil {
				return nil, err
			}
			c.static.Add(key, staticEntry{result: &calculated, checksum: checksum})
			c.metrics.ObserveCacheHit(observability.TierPersistent)
			return &calculated, nil
		}
	}
	c.metrics.ObserveCacheMiss()

	accumulator := NewRefinable()
	for _, calculator := range c.calculators {
		var partial *Refinable
		switch audience {
		case AudienceAnonymous:
			partial, err = calculator.CalculateAnonymousPermissions(ctx)
		case AudienceOutsider:
			partial, err = calculator.CalculateOutsiderPermissions(ctx, account)
		case AudienceMember:
			partial, err = calculator.CalculateMemberPermissions(ctx, account)
		default:
			return nil, fmt.Errorf("permission: unknown audience %q", audience)
		}
		if err != nil {
			return nil, err
		}
		accumulator.Merge(partial)
	}
	accumulator.AddCacheTags(CacheTag)
	result := accumulator.Freeze()
	c.metrics.ObserveCalculation(string(audience))
	if c.logger != nil {
		c.logger.Debug("calculated group permissions",
			slog.String("audience", string(audience)),
			slog.Int64("account_id", account.AccountID()),
			slog.Int("items", len(result.Items())))
	}

	entry := staticEntry{result: result}
	if c.persistent != nil {
		checksum, err := c.persistent.TagChecksum(ctx, result.CacheTags())
		if err != nil {
			return nil, err
		}
		entry.checksum = checksum
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("permission: encode result: %w", err)
		}
		if err := c.persistent.Set(ctx, key, payload, result.CacheTags(), result.MaxAge()); err != nil {
			return nil, err
		}
	}
	c.static.Add(key, entry)
	return result, nil
}

// staticFresh reports whether a static entry's tag versions still match the
// durable tier. Without a durable tier there are no version counters and no
// invalidation surface, so entries stay valid until eviction.
func (c *Chain) staticFresh(ctx context.Context, entry staticEntry) (bool, error) {
	if c.persistent == nil {
		return true, nil
	}
	checksum, err := c.persistent.TagChecksum(ctx, entry.result.CacheTags())
	if err != nil {
		return false, err
	}
	return checksum == entry.checksum, nil
}

// cacheKey joins the base key, the audience and the resolved persistent
// contexts of every registered calculator. The resolved values partition the
// cache; they are deliberately not copied into the result's own metadata.
// Values are escaped so the key separators cannot occur inside them.
func (c *Chain) cacheKey(audience Audience, account Account) (string, error) {
	tokens := make(map[string]struct{})
	for _, calculator := range c.calculators {
		var declared []string
		switch audience {
		case AudienceAnonymous:
			declared = calculator.AnonymousContexts()
		case AudienceOutsider:
			declared = calculator.OutsiderContexts()
		case AudienceMember:
			declared = calculator.MemberContexts()
		}
		for _, token := range declared {
			tokens[token] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(tokens))
	for token := range tokens {
		sorted = append(sorted, token)
	}
	sort.Strings(sorted)

	parts := []string{cacheKeyBase, string(audience)}
	for _, token := range sorted {
		value, err := c.resolver.Resolve(token, account)
		if err != nil {
			return "", err
		}
		parts = append(parts, token+"="+url.QueryEscape(value))
	}
	return strings.Join(parts, ":"), nil
}
