package security

import (
	"context"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/pensieve-mcp/pensieve/internal/model"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "userID"
	// ContextKeyUser is the gin context key for the authenticated *model.User.
	ContextKeyUser = "user"
)

// UnauthorizedMessage is the single body returned for every rejected credential.
const UnauthorizedMessage = "Could not validate credentials"

// Authenticator resolves a bearer token to its user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.User, error)
}

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetUser returns the authenticated user from the gin context.
func GetUser(c *gin.Context) *model.User {
	v, _ := c.Get(ContextKeyUser)
	u, _ := v.(*model.User)
	return u
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ErrorHandler writes the response for an error returned by an Authenticator.
type ErrorHandler func(c *gin.Context, err error)

// AuthMiddleware rejects requests without a valid bearer token. A missing or
// malformed header always produces the 401 body. Authenticate errors go to
// onError, which tells rejected credentials apart from backend failures; a nil
// onError treats every error as a rejection.
func AuthMiddleware(auth Authenticator, onError ErrorHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			log.Info("Auth rejected: missing or malformed bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			abortUnauthorized(c)
			return
		}
		user, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			if onError == nil {
				log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
				abortUnauthorized(c)
				return
			}
			log.Debug("Authenticate failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			onError(c, err)
			c.Abort()
			return
		}
		c.Set(ContextKeyUserID, user.ID)
		c.Set(ContextKeyUser, user)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": UnauthorizedMessage})
}
