package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/identity"
	"github.com/orchd/orchd/internal/store"
)

// identityKey is the gin context key holding the resolved caller identity.
const identityKey = "orchd.identity"

// keyCacheTTL bounds how long a verified API key skips the bcrypt scan.
const keyCacheTTL = 5 * time.Minute

// SessionValidator resolves a human session token to its user. The session
// service lives outside this process; main wires the real one.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*store.User, error)
}

// Authenticator resolves caller identities from request headers.
type Authenticator struct {
	store    *store.Store
	sessions SessionValidator
	cfg      config.AuthConfig
	logger   *logger.Logger

	mu    sync.Mutex
	cache map[string]cachedKey
}

type cachedKey struct {
	ident   identity.Identity
	expires time.Time
}

// NewAuthenticator creates the auth middleware state. sessions may be nil
// when the deployment has no human session service.
func NewAuthenticator(st *store.Store, sessions SessionValidator, cfg config.AuthConfig, log *logger.Logger) *Authenticator {
	return &Authenticator{
		store:    st,
		sessions: sessions,
		cfg:      cfg,
		logger:   log,
		cache:    make(map[string]cachedKey),
	}
}

// Middleware authenticates every request. API keys (user, agent, or system
// scope) come first; a session token authenticates a human when no key is
// presented.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader(a.cfg.APIKeyHeader); key != "" {
			ident, ok := a.resolveKey(c.Request.Context(), key)
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
				return
			}
			c.Set(identityKey, ident)
			c.Next()
			return
		}

		if token := c.GetHeader(a.cfg.SessionHeader); token != "" && a.sessions != nil {
			user, err := a.sessions.ValidateSession(c.Request.Context(), token)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
				return
			}
			c.Set(identityKey, identity.User(user.ID, user.IsAdmin))
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
}

// resolveKey verifies a presented key against the stored hashes. bcrypt is
// deliberately slow, so verified keys are cached for a few minutes.
func (a *Authenticator) resolveKey(ctx context.Context, presented string) (identity.Identity, bool) {
	a.mu.Lock()
	if hit, ok := a.cache[presented]; ok && time.Now().Before(hit.expires) {
		a.mu.Unlock()
		return hit.ident, true
	}
	a.mu.Unlock()

	keys, err := a.store.ListAPIKeys(ctx)
	if err != nil {
		a.logger.Error("Failed to list api keys", zap.Error(err))
		return identity.Identity{}, false
	}
	for _, key := range keys {
		if !identity.VerifyAPIKey(key.KeyHash, presented) {
			continue
		}
		ident, ok := a.identityForKey(ctx, key)
		if !ok {
			return identity.Identity{}, false
		}
		a.mu.Lock()
		a.cache[presented] = cachedKey{ident: ident, expires: time.Now().Add(keyCacheTTL)}
		a.mu.Unlock()
		return ident, true
	}
	return identity.Identity{}, false
}

func (a *Authenticator) identityForKey(ctx context.Context, key *store.APIKey) (identity.Identity, bool) {
	switch key.Scope {
	case "system":
		return identity.System(), true
	case "agent":
		if key.AgentName == nil {
			return identity.Identity{}, false
		}
		return identity.Agent(*key.AgentName), true
	case "user":
		if key.UserID == nil {
			return identity.Identity{}, false
		}
		user, err := a.store.GetUser(ctx, *key.UserID)
		if err != nil {
			a.logger.Error("Failed to load user for api key", zap.Error(err))
			return identity.Identity{}, false
		}
		return identity.User(user.ID, user.IsAdmin), true
	default:
		return identity.Identity{}, false
	}
}

// callerIdentity reads the identity the middleware resolved.
func callerIdentity(c *gin.Context) identity.Identity {
	if v, ok := c.Get(identityKey); ok {
		if ident, ok := v.(identity.Identity); ok {
			return ident
		}
	}
	return identity.Identity{}
}

// requireUser rejects non-human callers for management endpoints.
func requireUser(c *gin.Context) (identity.Identity, bool) {
	ident := callerIdentity(c)
	if ident.Scope != identity.ScopeUser && ident.Scope != identity.ScopeSystem {
		c.JSON(http.StatusForbidden, gin.H{"error": "user credentials required"})
		return ident, false
	}
	return ident, true
}
