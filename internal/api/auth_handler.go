package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/middleware"
)

// sessionDuration bounds how long an issued management token stays valid.
const sessionDuration = 24 * time.Hour

// sessionCookie carries the token for browser clients; API clients may use
// the Authorization header instead.
const sessionCookie = "passage_token"

// AuthHandler issues and inspects management session tokens. There is a
// single admin account configured via ADMIN_USERNAME / ADMIN_PASSWORD.
type AuthHandler struct {
	cfg *config.Config
}

func NewAuthHandler(group *gin.RouterGroup, authMiddleware *middleware.AuthMiddleware, cfg *config.Config) {
	handler := &AuthHandler{cfg: cfg}

	apiGroup := group.Group("/auth")
	{
		apiGroup.POST("/login", handler.Login)
		apiGroup.POST("/logout", handler.Logout)
	}

	protected := apiGroup.Group("")
	protected.Use(authMiddleware.Add())
	{
		protected.GET("/me", handler.Me)
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "username and password are required"})
		return
	}

	if h.cfg.AdminPassword == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "admin password is not configured"})
		return
	}

	if !h.credentialsValid(req.Username, req.Password) {
		slog.WarnContext(c.Request.Context(), "Rejected login attempt", "username", req.Username, "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid username or password"})
		return
	}

	now := time.Now()
	expiresAt := now.Add(sessionDuration)
	claims := jwt.RegisteredClaims{
		Subject:   req.Username,
		Issuer:    "passage",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.cfg.SecretKey))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to issue token"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, token, int(sessionDuration.Seconds()), "/", "", h.cfg.ExternalScheme == "https", true)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"token":     token,
		"expiresAt": expiresAt.UTC(),
	}})
}

// credentialsValid checks the configured admin credentials. ADMIN_PASSWORD
// may hold either a bcrypt hash or, for small setups, the plain password.
func (h *AuthHandler) credentialsValid(username, password string) bool {
	if subtle.ConstantTimeCompare([]byte(username), []byte(h.cfg.AdminUsername)) != 1 {
		return false
	}
	stored := h.cfg.AdminPassword
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(stored)) == 1
}

func (h *AuthHandler) Logout(c *gin.Context) {
	c.SetCookie(sessionCookie, "", -1, "/", "", h.cfg.ExternalScheme == "https", true)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "logged out"})
}

func (h *AuthHandler) Me(c *gin.Context) {
	username, ok := middleware.RequireUsername(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"username": username}})
}
