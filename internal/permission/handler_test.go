package permission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortd/cohortd/internal/group"
	"github.com/cohortd/cohortd/internal/platform/cache"
)

func newTestHandler(t *testing.T, store *stubStore) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	chain := newTestChain(t, store, mr.Addr())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	persistent := cache.NewTaggedStore(client, "test:permissions", time.Minute)
	checker := NewChecker(chain, RoleBypass("admin"))
	hasher, err := NewHashGenerator(chain, "test-secret", "test-salt")
	require.NoError(t, err)
	handler := NewHandler(nil, store, chain, checker, hasher, persistent)
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func TestHandlerGetPermissions(t *testing.T) {
	router := newTestHandler(t, fixtureStore())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/7/permissions", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []struct {
			Scope      string   `json:"scope"`
			Identifier string   `json:"identifier"`
			Permission []string `json:"permissions"`
		} `json:"items"`
		Tags []string `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Items)
	assert.Contains(t, body.Tags, CacheTag)
}

func TestHandlerGetPermissionsUnknownAccount(t *testing.T) {
	router := newTestHandler(t, fixtureStore())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/999/permissions", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/nope/permissions", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerGetHash(t *testing.T) {
	router := newTestHandler(t, fixtureStore())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/7/permissions/hash", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Hash     string        `json:"hash"`
		Metadata CacheMetadata `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Hash)
	assert.Contains(t, body.Metadata.Tags, CacheTag)
}

func TestHandlerCheck(t *testing.T) {
	router := newTestHandler(t, fixtureStore())

	check := func(t *testing.T, payload string) *httptest.ResponseRecorder {
		t.Helper()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/check", bytes.NewBufferString(payload))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := check(t, `{"account_id":7,"group_id":1,"permission":"post in group"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["allowed"])

	rec = check(t, `{"account_id":7,"group_id":1,"permission":"administer members"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body["allowed"])

	rec = check(t, `{"account_id":7,"group_id":404,"permission":"view group"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = check(t, `{"account_id":7,"group_id":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = check(t, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerInvalidateRefreshesHashAndCaches(t *testing.T) {
	store := fixtureStore()
	router := newTestHandler(t, store)

	hashOf := func(t *testing.T) string {
		t.Helper()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/7/permissions/hash", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Hash string `json:"hash"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.Hash
	}

	before := hashOf(t)

	role := store.roles["foo-member"]
	role.Permissions = []string{"view group"}
	store.roles["foo-member"] = role

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invalidate", bytes.NewBufferString(`{}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	after := hashOf(t)
	assert.NotEqual(t, before, after, "invalidation must reach the warm caches and the hash memo")
}

func TestHandlerCheckMissingScopesIsServerError(t *testing.T) {
	store := newStubStore()
	store.groups[1] = group.Group{ID: 1, TypeID: "foo"}
	store.accounts[7] = group.NewAccount(7, nil)
	router := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/check",
		bytes.NewBufferString(`{"account_id":7,"group_id":1,"permission":"view group"}`))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
