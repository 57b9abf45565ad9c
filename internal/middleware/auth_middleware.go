package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/passage-dev/passage/internal/config"
)

// ContextKeyUsername is the gin context key holding the authenticated
// management user.
const ContextKeyUsername = "username"

// AuthMiddleware guards the management API with the bearer tokens issued by
// the login endpoint.
type AuthMiddleware struct {
	cfg *config.Config
}

func NewAuthMiddleware(cfg *config.Config) *AuthMiddleware {
	return &AuthMiddleware{cfg: cfg}
}

func (m *AuthMiddleware) Add() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "authentication required"})
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(m.cfg.SecretKey), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid or expired token"})
			return
		}

		c.Set(ContextKeyUsername, claims.Subject)
		c.Next()
	}
}

// extractToken pulls the session token from the Authorization header or the
// cookie set by the login endpoint.
func extractToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
	}
	if cookie, err := c.Cookie("passage_token"); err == nil {
		return cookie
	}
	return ""
}

// RequireUsername returns the authenticated user, aborting with 401 if the
// middleware did not run.
func RequireUsername(c *gin.Context) (string, bool) {
	val, ok := c.Get(ContextKeyUsername)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "authentication required"})
		return "", false
	}
	username, _ := val.(string)
	return username, true
}
