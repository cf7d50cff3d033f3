// Package server wires the protocol endpoints over the pool, translator,
// retry engine and upstream client.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/gwerr"
	"github.com/openfold/gravity-gateway/internal/limiter"
	"github.com/openfold/gravity-gateway/internal/logging"
	"github.com/openfold/gravity-gateway/internal/oauth"
	"github.com/openfold/gravity-gateway/internal/pool"
	"github.com/openfold/gravity-gateway/internal/retry"
	"github.com/openfold/gravity-gateway/internal/sigcache"
	"github.com/openfold/gravity-gateway/internal/store"
	"github.com/openfold/gravity-gateway/internal/upstream"
	"github.com/openfold/gravity-gateway/internal/websearch"
)

// Server owns the HTTP surface and the request-plane collaborators.
type Server struct {
	cfg      *config.Config
	st       store.Store
	pool     *pool.Pool
	tokens   *oauth.Manager
	caches   *sigcache.Caches
	limits   *limiter.Limiter
	client   *upstream.Client
	engine   *retry.Engine
	searcher *websearch.Searcher

	// modelCache memoizes the upstream model list for the public listing
	// endpoints.
	modelCache *gocache.Cache
}

// New assembles the server.
func New(cfg *config.Config, st store.Store, p *pool.Pool, tokens *oauth.Manager, caches *sigcache.Caches, client *upstream.Client) *Server {
	return &Server{
		cfg:        cfg,
		st:         st,
		pool:       p,
		tokens:     tokens,
		caches:     caches,
		limits:     limiter.New(cfg.ModelMaxConcurrency),
		client:     client,
		engine:     retry.New(p, tokens, st, cfg),
		searcher:   websearch.New(client),
		modelCache: gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// Router builds the gin engine with every public route.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORSMiddleware())

	// Claude Code pings these without credentials; answer quietly.
	r.POST("/", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })
	r.POST("/api/event_logging/batch", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })

	r.GET("/health", s.handleHealth)

	auth := r.Group("/", AuthMiddleware(s.cfg, s.st))
	{
		auth.POST("/v1/chat/completions", s.handleOpenAIChat)

		auth.POST("/v1/messages", s.handleAnthropicMessages)
		auth.POST("/messages", s.handleAnthropicMessages)
		auth.POST("/v1/messages/count_tokens", s.handleCountTokens)
		auth.POST("/messages/count_tokens", s.handleCountTokens)

		auth.GET("/v1/models", s.handleOpenAIModels)
		auth.GET("/v1/models/:model", s.handleOpenAIModel)

		auth.GET("/v1beta/models", s.handleGeminiModels)
		// Gemini actions arrive as "model:generateContent" in one segment.
		auth.POST("/v1beta/models/*action", s.handleGeminiAction)
		auth.GET("/v1beta/models/*action", s.handleGeminiModelDetail)
	}

	return r
}

// Run starts the listener.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	log.Infof("[Server] Listening on %s", addr)
	return s.Router().Run(addr)
}

// acquireModelSlot takes a concurrency slot, answering 429 when the model is
// saturated. The returned release is a no-op on failure.
func (s *Server) acquireModelSlot(c *gin.Context, surface, model string) (func(), bool) {
	if s.limits.TryAcquire(model) {
		return func() { s.limits.Release(model) }, true
	}
	err := gwerr.New(gwerr.CodeModelLimit, "Too many concurrent requests for "+model)
	s.writeError(c, surface, err)
	return func() {}, false
}

// logRequest writes the request log row and the structured model-call line.
func (s *Server) logRequest(c *gin.Context, acct *store.Account, model string, usagePrompt, usageCompletion, usageThinking int, start time.Time, reqErr error) {
	status := "success"
	errMsg := ""
	if reqErr != nil {
		status = "error"
		errMsg = reqErr.Error()
	}

	entry := &store.RequestLog{
		APIKeyID:         apiKeyID(c),
		Model:            model,
		PromptTokens:     usagePrompt,
		CompletionTokens: usageCompletion,
		TotalTokens:      usagePrompt + usageCompletion,
		ThinkingTokens:   usageThinking,
		Status:           status,
		LatencyMs:        time.Since(start).Milliseconds(),
		Error:            errMsg,
		CreatedAt:        time.Now().UnixMilli(),
	}
	email := ""
	if acct != nil {
		id := acct.ID
		entry.AccountID = &id
		email = acct.Email
	}
	if err := s.st.InsertRequestLog(c.Request.Context(), entry); err != nil {
		log.Warnf("[Server] Failed to write request log: %v", err)
	}

	fields := map[string]interface{}{
		"model":             model,
		"status":            status,
		"latency_ms":        entry.LatencyMs,
		"prompt_tokens":     usagePrompt,
		"completion_tokens": usageCompletion,
		"account":           email,
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	logging.ModelCall(fields)
}

// writeError maps a terminal error to the protocol-specific envelope. The
// account an error was raised against stays in the logs.
func (s *Server) writeError(c *gin.Context, surface string, err error) {
	status, code, message := classifyHTTP(err)

	switch surface {
	case "anthropic":
		errType := "api_error"
		switch status {
		case http.StatusTooManyRequests:
			errType = "rate_limit_error"
		case http.StatusBadRequest:
			errType = "invalid_request_error"
		case http.StatusGatewayTimeout:
			errType = "timeout_error"
		}
		c.JSON(status, gin.H{"type": "error", "error": gin.H{"type": errType, "message": message}})
	case "gemini":
		c.JSON(status, gin.H{"error": gin.H{"code": status, "message": message, "status": geminiStatus(status)}})
	default:
		errType := "api_error"
		if status == http.StatusTooManyRequests {
			errType = "rate_limit_error"
		} else if status == http.StatusBadRequest {
			errType = "invalid_request_error"
		}
		c.JSON(status, gin.H{"error": gin.H{"message": message, "type": errType, "code": code}})
	}
}

func geminiStatus(status int) string {
	switch status {
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	default:
		return "UNAVAILABLE"
	}
}

func classifyHTTP(err error) (status int, code, message string) {
	e, ok := gwerr.As(err)
	if !ok {
		return http.StatusInternalServerError, gwerr.CodeUpstream, gwerr.ScrubEmails(err.Error())
	}
	message = gwerr.ScrubEmails(e.Message)
	code = e.Code
	switch e.Code {
	case gwerr.CodeCapacity, gwerr.CodeNoAccounts, gwerr.CodeModelLimit:
		return http.StatusTooManyRequests, code, message
	case gwerr.CodeBlocked:
		return http.StatusBadRequest, code, message
	case gwerr.CodeDeadline:
		return http.StatusGatewayTimeout, code, message
	case gwerr.CodeAuth, gwerr.CodeAuthPermanent:
		return http.StatusBadGateway, code, "Upstream authentication failed"
	case gwerr.CodeEmptyResponse, gwerr.CodeIncompleteStream:
		return http.StatusBadGateway, code, message
	default:
		if e.UpstreamStatus >= 400 && e.UpstreamStatus < 500 {
			return e.UpstreamStatus, code, message
		}
		return http.StatusBadGateway, code, message
	}
}
