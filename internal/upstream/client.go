// Package upstream talks to the vendor's internal generate-content API:
// streaming SSE transport, unary calls, the pseudo-non-stream shim, token
// counting and model listing.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/gwerr"
	"github.com/openfold/gravity-gateway/internal/store"
	"github.com/openfold/gravity-gateway/internal/translate"
)

// Client is the vendor API client. Streaming requests carry no client-side
// deadline; the caller's context is the cancellation mechanism.
type Client struct {
	cfg    *config.Config
	stream *http.Client
	unary  *http.Client
}

// New creates the upstream client.
func New(cfg *config.Config) *Client {
	return &Client{
		cfg:    cfg,
		stream: &http.Client{},
		unary:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) buildRequest(ctx context.Context, endpoint, path string, acct *store.Account, body []byte, sse bool, model string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+acct.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.UpstreamHeaders() {
		req.Header.Set(k, v)
	}
	if sse {
		req.Header.Set("Accept", "text/event-stream")
	}
	if config.GetModelFamily(model) == config.ModelFamilyClaude && config.IsThinkingModel(model) {
		req.Header.Set("anthropic-beta", "interleaved-thinking-2025-05-14")
	}
	return req, nil
}

// shouldFallthrough reports whether the next endpoint should be tried.
func shouldFallthrough(status int) bool {
	return status == http.StatusNotFound || status >= 500
}

func (c *Client) dumpRequest(body []byte) {
	if c.cfg.DebugRequestDump == "" {
		return
	}
	f, err := os.OpenFile(c.cfg.DebugRequestDump, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(body)
	f.Write([]byte("\n"))
}

func (c *Client) dumpSSE(payload []byte) {
	if c.cfg.DebugSSEDump == "" {
		return
	}
	f, err := os.OpenFile(c.cfg.DebugSSEDump, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(payload)
	f.Write([]byte("\n"))
}

// inspectPayload rejects payloads that carry an embedded error or a prompt
// block even when the HTTP status was 200.
func inspectPayload(payload []byte, email string) error {
	parsed := gjson.ParseBytes(payload)
	if msg := parsed.Get("error.message"); msg.Exists() {
		status := int(parsed.Get("error.code").Int())
		return gwerr.FromUpstream(status, msg.String(), json.RawMessage(payload)).WithAccount(email)
	}
	block := parsed.Get("response.promptFeedback.blockReason")
	if !block.Exists() {
		block = parsed.Get("promptFeedback.blockReason")
	}
	if block.Exists() && block.String() != "" {
		e := gwerr.New(gwerr.CodeBlocked, "Prompt blocked by upstream: "+block.String())
		e.UpstreamJSON = json.RawMessage(payload)
		return e.WithAccount(email)
	}
	return nil
}

// Stream opens the SSE endpoint and delivers each decoded payload to onData.
// onData returning an error tears the stream down.
func (c *Client) Stream(ctx context.Context, acct *store.Account, req *translate.VendorRequest, onData func(*translate.GenerateContentResponse) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode upstream request: %w", err)
	}
	c.dumpRequest(body)

	var lastErr error
	for _, endpoint := range config.UpstreamEndpoints {
		httpReq, err := c.buildRequest(ctx, endpoint, "/v1internal:streamGenerateContent?alt=sse", acct, body, true, req.Model)
		if err != nil {
			return err
		}
		resp, err := c.stream.Do(httpReq)
		if err != nil {
			e := gwerr.New(gwerr.CodeUpstream, "Upstream request failed: "+err.Error())
			e.Retryable = true
			lastErr = e.WithAccount(acct.Email)
			log.Warnf("[Upstream] %s unreachable: %v", endpoint, err)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			lastErr = gwerr.FromUpstream(resp.StatusCode, string(respBody), rawJSON(respBody)).WithAccount(acct.Email)
			if shouldFallthrough(resp.StatusCode) {
				log.Warnf("[Upstream] %s returned %d, trying next endpoint", endpoint, resp.StatusCode)
				continue
			}
			return lastErr
		}

		defer resp.Body.Close()
		return ParseSSE(resp.Body, func(payload []byte) error {
			c.dumpSSE(payload)
			if err := inspectPayload(payload, acct.Email); err != nil {
				return err
			}
			decoded, err := translate.ParseVendorResponse(payload)
			if err != nil {
				log.Debugf("[Upstream] Skipping undecodable SSE payload: %v", err)
				return nil
			}
			return onData(decoded)
		})
	}
	if lastErr == nil {
		lastErr = gwerr.New(gwerr.CodeUpstream, "No upstream endpoint reachable")
	}
	return lastErr
}

// Call performs a unary request. Models whose non-stream endpoint is closed
// are transparently served by consuming the stream and re-aggregating.
func (c *Client) Call(ctx context.Context, acct *store.Account, req *translate.VendorRequest) (*translate.GenerateContentResponse, error) {
	if config.ForcedStreamModel(req.Model) {
		agg := NewAggregator()
		if err := c.Stream(ctx, acct, req, func(chunk *translate.GenerateContentResponse) error {
			agg.Add(chunk)
			return nil
		}); err != nil {
			return nil, err
		}
		result := agg.Result()
		if len(translate.FirstCandidateParts(result)) == 0 {
			return nil, gwerr.New(gwerr.CodeEmptyResponse, "Upstream returned empty response (no candidates)").WithAccount(acct.Email)
		}
		return result, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}
	c.dumpRequest(body)

	var lastErr error
	for _, endpoint := range config.UpstreamEndpoints {
		httpReq, err := c.buildRequest(ctx, endpoint, "/v1internal:generateContent", acct, body, false, req.Model)
		if err != nil {
			return nil, err
		}
		resp, err := c.unary.Do(httpReq)
		if err != nil {
			e := gwerr.New(gwerr.CodeUpstream, "Upstream request failed: "+err.Error())
			e.Retryable = true
			lastErr = e.WithAccount(acct.Email)
			continue
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = gwerr.New(gwerr.CodeUpstream, "Failed to read upstream response: "+readErr.Error()).WithAccount(acct.Email)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			lastErr = gwerr.FromUpstream(resp.StatusCode, string(respBody), rawJSON(respBody)).WithAccount(acct.Email)
			if shouldFallthrough(resp.StatusCode) {
				continue
			}
			return nil, lastErr
		}

		if err := inspectPayload(respBody, acct.Email); err != nil {
			return nil, err
		}
		decoded, err := translate.ParseVendorResponse(respBody)
		if err != nil {
			return nil, fmt.Errorf("failed to decode upstream response: %w", err)
		}
		if len(decoded.Candidates) == 0 {
			return nil, gwerr.New(gwerr.CodeEmptyResponse, "Upstream returned empty response (no candidates)").WithAccount(acct.Email)
		}
		return decoded, nil
	}
	if lastErr == nil {
		lastErr = gwerr.New(gwerr.CodeUpstream, "No upstream endpoint reachable")
	}
	if e, ok := gwerr.As(lastErr); ok {
		return nil, e
	}
	return nil, lastErr
}

// CountTokens asks the vendor for the prompt token count of a request body.
func (c *Client) CountTokens(ctx context.Context, acct *store.Account, model string, vb *translate.VendorBody) (int, error) {
	payload := map[string]interface{}{
		"request": map[string]interface{}{
			"contents": vb.Contents,
			"model":    "models/" + config.EffectiveModel(model),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for _, endpoint := range config.UpstreamEndpoints {
		httpReq, err := c.buildRequest(ctx, endpoint, "/v1internal:countTokens", acct, body, false, model)
		if err != nil {
			return 0, err
		}
		resp, err := c.unary.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			lastErr = gwerr.FromUpstream(resp.StatusCode, string(respBody), rawJSON(respBody)).WithAccount(acct.Email)
			if shouldFallthrough(resp.StatusCode) {
				continue
			}
			return 0, lastErr
		}
		total := gjson.GetBytes(respBody, "totalTokens")
		if !total.Exists() {
			total = gjson.GetBytes(respBody, "response.totalTokens")
		}
		return int(total.Int()), nil
	}
	return 0, lastErr
}

// ModelInfo is one vendor model as served on the public model-list surfaces.
type ModelInfo struct {
	ID          string
	DisplayName string
	Description string
}

// ListModels fetches the vendor's model list for an account.
func (c *Client) ListModels(ctx context.Context, acct *store.Account) ([]ModelInfo, error) {
	project := acct.ProjectID
	if project == "" {
		project = config.DefaultProjectID
	}
	body, _ := json.Marshal(map[string]string{"project": project})

	var lastErr error
	for _, endpoint := range config.UpstreamEndpoints {
		httpReq, err := c.buildRequest(ctx, endpoint, "/v1internal:fetchAvailableModels", acct, body, false, "")
		if err != nil {
			return nil, err
		}
		resp, err := c.unary.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			lastErr = gwerr.FromUpstream(resp.StatusCode, string(respBody), rawJSON(respBody)).WithAccount(acct.Email)
			if shouldFallthrough(resp.StatusCode) {
				continue
			}
			return nil, lastErr
		}

		var models []ModelInfo
		gjson.GetBytes(respBody, "models").ForEach(func(_, m gjson.Result) bool {
			id := m.Get("modelId").String()
			if id == "" {
				id = m.Get("name").String()
			}
			if id == "" {
				return true
			}
			models = append(models, ModelInfo{
				ID:          id,
				DisplayName: m.Get("displayName").String(),
				Description: m.Get("description").String(),
			})
			return true
		})
		return models, nil
	}
	return nil, lastErr
}

func rawJSON(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return nil
}
