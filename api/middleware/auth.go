package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/harvest/models"
)

// keyring matches presented credentials against the configured API
// keys in constant time.
type keyring [][]byte

func newKeyring(apiKeys []string) keyring {
	var kr keyring
	for _, k := range apiKeys {
		if k != "" {
			kr = append(kr, []byte(k))
		}
	}
	return kr
}

func (kr keyring) match(candidate string) bool {
	c := []byte(candidate)
	for _, k := range kr {
		if subtle.ConstantTimeCompare(k, c) == 1 {
			return true
		}
	}
	return false
}

// Auth authenticates requests by API key, accepting either an
// X-API-Key header or an Authorization: Bearer token. An empty key
// list disables authentication entirely.
func Auth(apiKeys []string) gin.HandlerFunc {
	kr := newKeyring(apiKeys)
	if len(kr) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		key := presentedKey(c)
		switch {
		case key == "":
			rejectUnauthorized(c, "missing API key: provide X-API-Key header or Authorization: Bearer <key>")
		case !kr.match(key):
			rejectUnauthorized(c, "invalid API key")
		default:
			c.Set("api_key", key)
			c.Next()
		}
	}
}

func presentedKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func rejectUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.FetchResponse{
		Success: false,
		Error: &models.ErrorDetail{
			Code:    models.ErrCodeUnauthorized,
			Message: msg,
		},
	})
}
