package permission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cohortd/cohortd/internal/group"
	"github.com/cohortd/cohortd/internal/platform/httpx"
)

// TagInvalidator evicts cached calculations by invalidation tag.
type TagInvalidator interface {
	InvalidateTags(ctx context.Context, tags ...string) error
}

// Handler exposes the engine over HTTP. It is a thin collaborator surface;
// the contract lives in Chain, Checker and HashGenerator.
type Handler struct {
	logger      *slog.Logger
	store       group.Store
	chain       *Chain
	checker     *Checker
	hasher      *HashGenerator
	invalidator TagInvalidator
}

// NewHandler builds a Handler instance. The invalidator may be nil when no
// durable cache tier is configured; the invalidation route is then omitted.
func NewHandler(logger *slog.Logger, store group.Store, chain *Chain, checker *Checker, hasher *HashGenerator, invalidator TagInvalidator) *Handler {
	return &Handler{logger: logger, store: store, chain: chain, checker: checker, hasher: hasher, invalidator: invalidator}
}

// MountRoutes registers the permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/accounts/{accountID}/permissions", h.getPermissions)
	r.Get("/accounts/{accountID}/permissions/hash", h.getHash)
	r.Post("/check", h.postCheck)
	if h.invalidator != nil {
		r.Post("/invalidate", h.postInvalidate)
	}
}

func (h *Handler) getPermissions(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	calculated, err := h.chain.CalculatePermissions(r.Context(), account)
	if err != nil {
		h.fail(w, "calculate permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, calculated)
}

func (h *Handler) getHash(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	hash, err := h.hasher.GenerateHash(r.Context(), account)
	if err != nil {
		h.fail(w, "generate hash", err)
		return
	}
	metadata, err := h.hasher.CacheableMetadata(r.Context(), account)
	if err != nil {
		h.fail(w, "cacheable metadata", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]interface{}{
		"hash":     hash,
		"metadata": metadata,
	})
}

type checkRequest struct {
	AccountID  int64  `json:"account_id"`
	GroupID    int64  `json:"group_id"`
	Permission string `json:"permission"`
}

func (h *Handler) postCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.BadRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Permission) == "" {
		httpx.BadRequest(w, "permission required")
		return
	}
	account, err := h.store.Account(r.Context(), req.AccountID)
	if err != nil {
		if errors.Is(err, group.ErrNotFound) {
			httpx.NotFound(w, "account not found")
			return
		}
		h.fail(w, "load account", err)
		return
	}
	grp, err := h.store.Group(r.Context(), req.GroupID)
	if err != nil {
		if errors.Is(err, group.ErrNotFound) {
			httpx.NotFound(w, "group not found")
			return
		}
		h.fail(w, "load group", err)
		return
	}
	allowed, err := h.checker.HasPermission(r.Context(), req.Permission, account, grp)
	if err != nil {
		// ErrMissingScopeEntry included: an invariant violation is a server
		// fault, not a denial.
		h.fail(w, "check permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

type invalidateRequest struct {
	Tags []string `json:"tags"`
}

// postInvalidate bumps the version of the given tags (all cached permission
// data when none are named) and drops the memoized hashes, so revocations
// take effect on the next calculation.
func (h *Handler) postInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.BadRequest(w, "invalid request body")
		return
	}
	tags := req.Tags
	if len(tags) == 0 {
		tags = []string{CacheTag}
	}
	if err := h.invalidator.InvalidateTags(r.Context(), tags...); err != nil {
		h.fail(w, "invalidate tags", err)
		return
	}
	h.hasher.Reset()
	httpx.JSON(w, http.StatusOK, map[string]interface{}{"tags": tags})
}

func (h *Handler) loadAccount(w http.ResponseWriter, r *http.Request) (Account, bool) {
	raw := chi.URLParam(r, "accountID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		httpx.BadRequest(w, "invalid account id")
		return nil, false
	}
	account, err := h.store.Account(r.Context(), id)
	if err != nil {
		if errors.Is(err, group.ErrNotFound) {
			httpx.NotFound(w, "account not found")
			return nil, false
		}
		h.fail(w, "load account", err)
		return nil, false
	}
	return account, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.Internal(w)
}
