package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pricewatch/pricewatch/internal/logging"
)

// Gin context keys set by Middleware.
const (
	ContextKeyAPIKey    = "apiKey"
	ContextKeyTenantID  = "authTenantID"
	ContextKeyUserID    = "authUserID"
	ContextKeySuperuser = "authSuperuser"
)

const (
	headerAPIKey      = "X-API-Key"
	headerAdminSecret = "X-Admin-Secret"
)

// Middleware authenticates the request when it carries a key in
// Authorization or X-API-Key. Missing or bad keys are not rejected here;
// RequireAuth does that for routes that need a caller.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cred := credential(c.Request); cred != "" {
			key, err := m.ValidateKey(c.Request.Context(), cred)
			if err == nil {
				bind(c, key)
			}
		}
		c.Next()
	}
}

func credential(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		return v
	}
	return r.Header.Get(headerAPIKey)
}

func bind(c *gin.Context, key *APIKey) {
	c.Set(ContextKeyAPIKey, key)
	c.Set(ContextKeyTenantID, key.TenantID)
	c.Set(ContextKeyUserID, key.UserID)
	c.Set(ContextKeySuperuser, key.IsSuperuser)
	c.Request = c.Request.WithContext(logging.WithTenantID(c.Request.Context(), key.TenantID))
}

// RequireAuth aborts with 401 unless Middleware authenticated the caller.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if TenantID(c) == "" {
			c.Header("WWW-Authenticate", `Bearer realm="pricewatch"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Send 'Authorization: Bearer pw_...'.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operator routes with a shared secret. An empty
// secret closes them entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(headerAdminSecret))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin access required",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the key that authenticated the request, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

func TenantID(c *gin.Context) string { return c.GetString(ContextKeyTenantID) }

func UserID(c *gin.Context) string { return c.GetString(ContextKeyUserID) }

func IsSuperuser(c *gin.Context) bool { return c.GetBool(ContextKeySuperuser) }
