package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/upstream"
)

const modelCacheKey = "models"

// fetchModels returns the advertised model list, preferring the vendor's live
// list and falling back to the static alias table when no account can serve
// the lookup.
func (s *Server) fetchModels(c *gin.Context) []upstream.ModelInfo {
	if cached, ok := s.modelCache.Get(modelCacheKey); ok {
		return cached.([]upstream.ModelInfo)
	}

	ctx := c.Request.Context()
	accounts, err := s.st.ListSchedulable(ctx)
	if err == nil && len(accounts) > 0 {
		models, listErr := s.client.ListModels(ctx, accounts[0])
		if listErr == nil && len(models) > 0 {
			s.modelCache.Set(modelCacheKey, models, 0)
			return models
		}
		if listErr != nil {
			log.Warnf("[Models] Upstream model list failed: %v", listErr)
		}
	}

	var fallback []upstream.ModelInfo
	for _, id := range config.KnownModels() {
		fallback = append(fallback, upstream.ModelInfo{ID: id})
	}
	return fallback
}

// handleOpenAIModels serves GET /v1/models.
func (s *Server) handleOpenAIModels(c *gin.Context) {
	models := s.fetchModels(c)
	created := time.Now().Unix()

	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":       m.ID,
			"object":   "model",
			"created":  created,
			"owned_by": "gravity-gateway",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// handleOpenAIModel serves GET /v1/models/:model.
func (s *Server) handleOpenAIModel(c *gin.Context) {
	id := c.Param("model")
	for _, m := range s.fetchModels(c) {
		if m.ID == id {
			c.JSON(http.StatusOK, gin.H{
				"id":       m.ID,
				"object":   "model",
				"created":  time.Now().Unix(),
				"owned_by": "gravity-gateway",
			})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
		"message": "Model not found: " + id, "type": "invalid_request_error", "code": "model_not_found",
	}})
}

func geminiModelObject(m upstream.ModelInfo) gin.H {
	display := m.DisplayName
	if display == "" {
		display = m.ID
	}
	return gin.H{
		"name":        "models/" + m.ID,
		"displayName": display,
		"description": m.Description,
		"supportedGenerationMethods": []string{
			"generateContent", "streamGenerateContent", "countTokens",
		},
	}
}

// handleGeminiModels serves GET /v1beta/models.
func (s *Server) handleGeminiModels(c *gin.Context) {
	models := s.fetchModels(c)
	out := make([]gin.H, 0, len(models))
	for _, m := range models {
		out = append(out, geminiModelObject(m))
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

// handleGeminiModelDetail serves GET /v1beta/models/<model>.
func (s *Server) handleGeminiModelDetail(c *gin.Context) {
	id := strings.TrimPrefix(c.Param("action"), "/")
	if id == "" || strings.Contains(id, ":") {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"code": http.StatusNotFound, "message": "Model not found", "status": "NOT_FOUND",
		}})
		return
	}
	for _, m := range s.fetchModels(c) {
		if m.ID == id {
			c.JSON(http.StatusOK, geminiModelObject(m))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
		"code": http.StatusNotFound, "message": "Model not found: " + id, "status": "NOT_FOUND",
	}})
}
