package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/store"
)

const ctxAPIKeyID = "api_key_id"

// CORSMiddleware handles cross-origin requests.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Authorization, x-api-key, anthropic-api-key, anthropic-version, anthropic-beta, x-goog-api-key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// extractAPIKey pulls the caller's key from the accepted locations, in order
// of preference.
func extractAPIKey(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	if key := c.GetHeader("anthropic-api-key"); key != "" {
		return key
	}
	if key := c.GetHeader("x-goog-api-key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("key")
}

// AuthMiddleware validates the caller's API key against the static allow-list
// and the api_keys table. With neither configured the gateway is open.
func AuthMiddleware(cfg *config.Config, st store.Store) gin.HandlerFunc {
	static := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			static[k] = true
		}
	}

	return func(c *gin.Context) {
		key := extractAPIKey(c)

		if key != "" && static[key] {
			c.Next()
			return
		}

		if key != "" {
			keyID, ok, err := st.ValidateAPIKey(c.Request.Context(), key)
			if err != nil {
				log.Warnf("[Auth] Key lookup failed: %v", err)
			}
			if ok {
				if keyID != nil {
					c.Set(ctxAPIKeyID, *keyID)
				}
				c.Next()
				return
			}
		}

		// With no keys configured anywhere the gateway runs open.
		if len(static) == 0 {
			if n, err := st.CountAPIKeys(c.Request.Context()); err == nil && n == 0 {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"message": "Invalid API key", "type": "authentication_error"},
		})
	}
}

// apiKeyID returns the key row id for request logging, nil for static keys.
func apiKeyID(c *gin.Context) *int64 {
	if v, ok := c.Get(ctxAPIKeyID); ok {
		if id, ok := v.(int64); ok {
			return &id
		}
	}
	return nil
}
