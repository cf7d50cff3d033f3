package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/gwerr"
	"github.com/openfold/gravity-gateway/internal/store"
)

func authRouter(cfg *config.Config, st store.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/probe", AuthMiddleware(cfg, st), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func probe(r *gin.Engine, header, value string) int {
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestAuthAcceptsStaticKeyInAnyLocation(t *testing.T) {
	cfg := &config.Config{APIKeys: []string{"sk-static"}}
	r := authRouter(cfg, store.NewMemory())

	assert.Equal(t, http.StatusOK, probe(r, "x-api-key", "sk-static"))
	assert.Equal(t, http.StatusOK, probe(r, "anthropic-api-key", "sk-static"))
	assert.Equal(t, http.StatusOK, probe(r, "x-goog-api-key", "sk-static"))
	assert.Equal(t, http.StatusOK, probe(r, "Authorization", "Bearer sk-static"))
}

func TestAuthRejectsUnknownKey(t *testing.T) {
	cfg := &config.Config{APIKeys: []string{"sk-static"}}
	r := authRouter(cfg, store.NewMemory())

	assert.Equal(t, http.StatusUnauthorized, probe(r, "x-api-key", "sk-wrong"))
	assert.Equal(t, http.StatusUnauthorized, probe(r, "", ""))
}

func TestAuthAcceptsStoredKey(t *testing.T) {
	st := store.NewMemory()
	st.AddAPIKey("sk-db")
	r := authRouter(&config.Config{}, st)

	assert.Equal(t, http.StatusOK, probe(r, "x-api-key", "sk-db"))
	assert.Equal(t, http.StatusUnauthorized, probe(r, "x-api-key", "sk-other"))
}

func TestAuthOpenGatewayWithNoKeysConfigured(t *testing.T) {
	r := authRouter(&config.Config{}, store.NewMemory())
	assert.Equal(t, http.StatusOK, probe(r, "", ""))
}

func TestClassifyHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{gwerr.Capacity("exhausted", 1000), http.StatusTooManyRequests},
		{gwerr.NoAccounts(5000), http.StatusTooManyRequests},
		{gwerr.New(gwerr.CodeModelLimit, "busy"), http.StatusTooManyRequests},
		{gwerr.New(gwerr.CodeBlocked, "blocked"), http.StatusBadRequest},
		{gwerr.New(gwerr.CodeDeadline, "late"), http.StatusGatewayTimeout},
		{gwerr.New(gwerr.CodeAuth, "denied"), http.StatusBadGateway},
		{gwerr.New(gwerr.CodeEmptyResponse, "empty"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		status, _, _ := classifyHTTP(tc.err)
		assert.Equal(t, tc.status, status, "for %v", tc.err)
	}
}

func TestClassifyHTTPHidesAuthDetailAndEmails(t *testing.T) {
	e := gwerr.New(gwerr.CodeAuth, "token for someone@gmail.com was rejected")
	_, _, message := classifyHTTP(e)
	assert.Equal(t, "Upstream authentication failed", message)

	u := gwerr.New(gwerr.CodeUpstream, "quota for someone@gmail.com exceeded")
	u.UpstreamStatus = 503
	_, _, message = classifyHTTP(u)
	assert.NotContains(t, message, "someone@gmail.com")
}

func TestClassifyHTTPForwardsClient4xx(t *testing.T) {
	e := gwerr.New(gwerr.CodeUpstream, "unsupported field")
	e.UpstreamStatus = 422
	status, _, _ := classifyHTTP(e)
	assert.Equal(t, 422, status)
}

func TestGeminiStatusNames(t *testing.T) {
	assert.Equal(t, "RESOURCE_EXHAUSTED", geminiStatus(http.StatusTooManyRequests))
	assert.Equal(t, "INVALID_ARGUMENT", geminiStatus(http.StatusBadRequest))
	assert.Equal(t, "DEADLINE_EXCEEDED", geminiStatus(http.StatusGatewayTimeout))
	assert.Equal(t, "UNAVAILABLE", geminiStatus(http.StatusBadGateway))
}
