package middleware

import (
	"net/http"
	"strings"

	"agro-market-api-server/internal/apperr"
	"agro-market-api-server/internal/identity"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/session"
	"agro-market-api-server/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionKey = "session"
	userKey    = "user"
)

// Authenticate resolves a session for the bearer token and puts it and its user into the context.
func Authenticate(provider identity.Provider, profiles store.ProfileStore, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token format"})
			return
		}

		sess := session.NewStore(provider, profiles, logger)
		if err := sess.Resolve(c.Request.Context(), tokenString); err != nil {
			status := apperr.Status(err)
			if status == http.StatusNotFound {
				status = http.StatusUnauthorized
			}
			c.AbortWithStatusJSON(status, gin.H{"error": "Invalid or expired token"})
			return
		}
		user := sess.User()
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(sessionKey, sess)
		c.Set(userKey, *user)
		c.Next()
	}
}

// Authorize lets the request through only for the given roles.
func Authorize(allowedRoles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			// Authenticate must run first.
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "User not found in context"})
			return
		}

		for _, role := range allowedRoles {
			if role == user.Role {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "You do not have permission to access this resource"})
	}
}

// CurrentSession returns the session resolved by Authenticate.
func CurrentSession(c *gin.Context) (*session.Store, bool) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*session.Store)
	return sess, ok
}

// CurrentUser returns the user resolved by Authenticate.
func CurrentUser(c *gin.Context) (models.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return models.User{}, false
	}
	user, ok := v.(models.User)
	return user, ok
}
