package permission

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// adminSentinel replaces the permission list of admin items in the canonical
// hash structure.
const adminSentinel = "is-admin"

// CacheMetadata exposes when a calculated result (and therefore its hash)
// would change, without exposing the permissions themselves.
type CacheMetadata struct {
	Contexts []string `json:"contexts"`
	Tags     []string `json:"tags"`
	MaxAge   int      `json:"max_age"`
}

// HashGenerator reduces an account's calculated permissions to a stable hash.
// Two accounts with identical effective permissions produce identical hashes,
// so the hash can partition unrelated response caches. The digest is keyed
// with a server-held secret and a site-wide salt so permission sets cannot be
// guessed offline from the hash alone.
type HashGenerator struct {
	chain  *Chain
	secret []byte
	salt   []byte

	mu     sync.RWMutex
	memo   map[int64]string
	flight singleflight.Group
}

// NewHashGenerator constructs a generator. Secret and salt are required;
// missing values are a wiring error.
func NewHashGenerator(chain *Chain, secret, salt string) (*HashGenerator, error) {
	if secret == "" {
		return nil, errors.New("permission: hash secret required")
	}
	if salt == "" {
		return nil, errors.New("permission: hash salt required")
	}
	return &HashGenerator{
		chain:  chain,
		secret: []byte(secret),
		salt:   []byte(salt),
		memo:   make(map[int64]string),
	}, nil
}

// GenerateHash computes (or returns a per-process memo of) the account's
// permission hash.
func (g *HashGenerator) GenerateHash(ctx context.Context, account Account) (string, error) {
	id := account.AccountID()
	g.mu.RLock()
	hash, ok := g.memo[id]
	g.mu.RUnlock()
	if ok {
		return hash, nil
	}

	value, err, _ := g.flight.Do(strconv.FormatInt(id, 10), func() (interface{}, error) {
		calculated, err := g.chain.CalculatePermissions(ctx, account)
		if err != nil {
			return "", err
		}
		hash, err := g.hash(calculated)
		if err != nil {
			return "", err
		}
		g.mu.Lock()
		g.memo[id] = hash
		g.mu.Unlock()
		return hash, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// CacheableMetadata returns the cache contexts, tags and max age of the
// account's calculation without forcing computation of the hash itself.
func (g *HashGenerator) CacheableMetadata(ctx context.Context, account Account) (CacheMetadata, error) {
	calculated, err := g.chain.CalculatePermissions(ctx, account)
	if err != nil {
		return CacheMetadata{}, err
	}
	return CacheMetadata{
		Contexts: calculated.CacheContexts(),
		Tags:     calculated.CacheTags(),
		MaxAge:   calculated.MaxAge(),
	}, nil
}

// Reset drops the per-process memo, e.g. after bulk invalidation.
func (g *HashGenerator) Reset() {
	g.mu.Lock()
	g.memo = make(map[int64]string)
	g.mu.Unlock()
}

// hash builds the canonical structure and digests it: identifiers map to
// either the admin sentinel or their lexicographically sorted permission
// list, and the outer mapping is serialized sorted by key.
func (g *HashGenerator) hash(calculated *Calculated) (string, error) {
	canonical := make(map[string]interface{})
	for _, item := range calculated.Items() {
		if item.IsAdmin() {
			canonical[item.Identifier()] = adminSentinel
			continue
		}
		permissions := item.Permissions()
		sort.Strings(permissions)
		canonical[item.Identifier()] = permissions
	}
	// encoding/json serializes map keys in sorted order, which makes the
	// payload deterministic regardless of item insertion order.
	payload, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("permission: canonicalize: %w", err)
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(g.salt)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
