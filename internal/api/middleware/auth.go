package middleware

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kiranshivaraju/feedlens/internal/api/response"
	"github.com/kiranshivaraju/feedlens/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

const (
	verifiedKeyCapacity = 1024
	// A key deleted from the store keeps authenticating for at most this long.
	verifiedKeyTTL = time.Minute
)

// KeyStore is the subset of store.Store the auth middleware reads.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	store KeyStore
	// verified maps sha256(raw key) to the key that passed bcrypt.
	verified *expirable.LRU[[sha256.Size]byte, *models.APIKey]
}

// NewAuth creates a new Auth middleware.
func NewAuth(s KeyStore) *Auth {
	return &Auth{
		store:    s,
		verified: expirable.NewLRU[[sha256.Size]byte, *models.APIKey](verifiedKeyCapacity, nil, verifiedKeyTTL),
	}
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// tenant_id, caller_id, and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]

		key, err := a.lookup(r.Context(), rawKey)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}
		if key == nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		ctx := r.Context()
		ctx = SetTenantID(ctx, key.TenantID)
		ctx = SetCallerID(ctx, prefix)
		ctx = setScopes(ctx, key.Scopes)
		r = r.WithContext(ctx)
		annotateAccessLog(r, key.TenantID.String(), prefix)

		go a.touch(key.ID)

		next.ServeHTTP(w, r)
	})
}

// lookup returns the key matching rawKey, or nil when none does.
func (a *Auth) lookup(ctx context.Context, rawKey string) (*models.APIKey, error) {
	digest := sha256.Sum256([]byte(rawKey))
	if key, ok := a.verified.Get(digest); ok {
		return key, nil
	}

	keys, err := a.store.GetAPIKeyByPrefix(ctx, rawKey[:keyPrefixLen])
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
			a.verified.Add(digest, key)
			return key, nil
		}
	}
	return nil, nil
}

func (a *Auth) touch(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.UpdateAPIKeyLastUsed(ctx, id); err != nil {
		slog.Warn("updating api key last used failed", "key_id", id, "error", err)
	}
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(getScopes(r), scope) {
				next.ServeHTTP(w, r)
				return
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
