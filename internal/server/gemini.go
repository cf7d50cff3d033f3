package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfold/gravity-gateway/internal/gwerr"
	"github.com/openfold/gravity-gateway/internal/server/sse"
	"github.com/openfold/gravity-gateway/internal/store"
	"github.com/openfold/gravity-gateway/internal/translate"
)

// handleGeminiAction dispatches POST /v1beta/models/<model>:<action>.
func (s *Server) handleGeminiAction(c *gin.Context) {
	raw := strings.TrimPrefix(c.Param("action"), "/")
	colon := strings.LastIndex(raw, ":")
	if colon <= 0 {
		s.writeError(c, "gemini", gwerr.New(gwerr.CodeUpstream, "Unknown action"))
		return
	}
	model, action := raw[:colon], raw[colon+1:]

	var body translate.VendorBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code": http.StatusBadRequest, "message": "Invalid request body: " + err.Error(), "status": "INVALID_ARGUMENT",
		}})
		return
	}

	switch action {
	case "generateContent":
		s.geminiGenerate(c, model, &body, false)
	case "streamGenerateContent":
		s.geminiGenerate(c, model, &body, true)
	case "countTokens":
		s.geminiCountTokens(c, model, &body)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"code": http.StatusNotFound, "message": "Unknown action: " + action, "status": "NOT_FOUND",
		}})
	}
}

func (s *Server) geminiGenerate(c *gin.Context, model string, body *translate.VendorBody, stream bool) {
	start := time.Now()

	release, ok := s.acquireModelSlot(c, "gemini", model)
	if !ok {
		return
	}
	defer release()

	env := translate.NewEnvelope(model, body)
	if stream {
		s.streamGemini(c, model, env, start)
		return
	}

	ctx := c.Request.Context()
	var result *translate.GenerateContentResponse
	var acct *store.Account
	runErr := s.engine.Run(ctx, model,
		func() bool { return true },
		func(a *store.Account) { acct = a },
		func(ctx context.Context, a *store.Account) error {
			r := env.Clone()
			r.Project = projectFor(a)
			resp, err := s.client.Call(ctx, a, r)
			if err != nil {
				return err
			}
			result = resp
			return nil
		})

	prompt, completion, thinking := usageFromVendor(result)
	s.logRequest(c, acct, model, prompt, completion, thinking, start, runErr)
	if runErr != nil {
		s.writeError(c, "gemini", runErr)
		return
	}
	c.JSON(http.StatusOK, result)
}

// streamGemini forwards chunks as SSE when alt=sse is requested, and as a
// JSON array otherwise, matching the native API's dual framing.
func (s *Server) streamGemini(c *gin.Context, model string, env *translate.VendorRequest, start time.Time) {
	ctx := c.Request.Context()
	useSSE := c.Query("alt") == "sse" || strings.Contains(c.GetHeader("Accept"), "text/event-stream")

	var writer *sse.Writer
	var collected []*translate.GenerateContentResponse
	headersSet := false
	sawContent := false

	onChunk := func(chunk *translate.GenerateContentResponse) error {
		if len(translate.FirstCandidateParts(chunk)) > 0 {
			sawContent = true
		}
		if !useSSE {
			collected = append(collected, chunk)
			return nil
		}
		if writer == nil {
			w, err := sse.NewWriter(c.Writer)
			if err != nil {
				return err
			}
			writer = w
		}
		if !headersSet {
			writer.SetHeaders()
			headersSet = true
		}
		return writer.WriteData(chunk)
	}

	canRetry := func() bool { return writer == nil || !writer.Wrote() }

	var acct *store.Account
	runErr := s.engine.Run(ctx, model,
		canRetry,
		func(a *store.Account) { acct = a },
		func(ctx context.Context, a *store.Account) error {
			if canRetry() {
				collected = collected[:0]
				sawContent = false
			}
			r := env.Clone()
			r.Project = projectFor(a)
			return s.client.Stream(ctx, a, r, onChunk)
		})

	// An HTTP 200 stream with no candidate content is an upstream failure,
	// not an empty success body.
	if runErr == nil && !sawContent {
		runErr = gwerr.New(gwerr.CodeEmptyResponse, "Upstream returned empty response (no candidates)")
	}

	var last *translate.GenerateContentResponse
	if n := len(collected); n > 0 {
		last = collected[n-1]
	}
	prompt, completion, thinking := usageFromVendor(last)
	s.logRequest(c, acct, model, prompt, completion, thinking, start, runErr)

	if runErr != nil {
		if writer == nil || !writer.Wrote() {
			s.writeError(c, "gemini", runErr)
			return
		}
		_, _, message := classifyHTTP(runErr)
		writer.WriteData(gin.H{"error": gin.H{"message": message, "status": "UNAVAILABLE"}})
		return
	}

	if !useSSE {
		c.JSON(http.StatusOK, collected)
	}
}

func (s *Server) geminiCountTokens(c *gin.Context, model string, body *translate.VendorBody) {
	ctx := c.Request.Context()

	var total int
	runErr := s.engine.Run(ctx, model,
		func() bool { return true },
		nil,
		func(ctx context.Context, a *store.Account) error {
			n, err := s.client.CountTokens(ctx, a, model, body)
			if err != nil {
				return err
			}
			total = n
			return nil
		})
	if runErr != nil {
		s.writeError(c, "gemini", runErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"totalTokens": total})
}
