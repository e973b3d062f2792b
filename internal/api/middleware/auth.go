package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/archivejobs/internal/config"
	"github.com/timmy/archivejobs/internal/logger"
)

const (
	// HeaderUserID is set by a trusted upstream gateway.
	HeaderUserID = "X-User-ID"

	userIDKey = "user_id"
)

// Auth returns a middleware that resolves the requesting user.
// A bearer token from tokens is accepted; with trustUserHeader set, an
// X-User-ID header is accepted when no bearer token is sent.
// Requests that resolve to no user are rejected with 401.
func Auth(tokens []config.TokenConfig, trustUserHeader bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := authenticate(c, tokens, trustUserHeader)
		if !ok {
			c.Header("WWW-Authenticate", `Bearer realm="archivejobs"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		c.Set(userIDKey, userID)
		c.Request = c.Request.WithContext(logger.SetUserID(c.Request.Context(), userID))
		c.Next()
	}
}

func authenticate(c *gin.Context, tokens []config.TokenConfig, trustUserHeader bool) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", false
		}
		return lookupToken(strings.TrimSpace(token), tokens)
	}

	if trustUserHeader {
		if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" {
			return uid, true
		}
	}
	return "", false
}

// lookupToken compares against every configured token so that the time
// taken does not depend on which one matched.
func lookupToken(token string, tokens []config.TokenConfig) (string, bool) {
	if token == "" {
		return "", false
	}
	var userID string
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t.Token)) == 1 {
			userID = t.UserID
		}
	}
	return userID, userID != ""
}

// UserID returns the user resolved by Auth, or "" outside authenticated routes.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
