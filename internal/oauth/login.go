package oauth

// Interactive login flow for account harvesting: PKCE authorization, local
// callback server with port fallback, code exchange, userinfo lookup.

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openfold/gravity-gateway/internal/config"
)

// PKCE holds the code verifier and challenge pair.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE generates a PKCE verifier/challenge pair.
func GeneratePKCE() (*PKCE, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return &PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// GenerateState generates a random state parameter for CSRF protection.
func GenerateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(stateBytes), nil
}

// AuthorizationURL contains the authorization URL and the PKCE/state values
// needed to complete the exchange.
type AuthorizationURL struct {
	URL      string
	Verifier string
	State    string
	Port     int
}

// BuildAuthorizationURL generates the hosted OAuth authorization URL. The
// redirect URI targets the local callback server on the given port; offline
// access is requested so the token endpoint returns a refresh token.
func BuildAuthorizationURL(port int) (*AuthorizationURL, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"client_id":             {config.OAuthConfig.ClientID},
		"redirect_uri":          {config.OAuthRedirectURI(port)},
		"response_type":         {"code"},
		"scope":                 {strings.Join(config.OAuthConfig.Scopes, " ")},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return &AuthorizationURL{
		URL:      fmt.Sprintf("%s?%s", config.OAuthConfig.AuthURL, params.Encode()),
		Verifier: pkce.Verifier,
		State:    state,
		Port:     port,
	}, nil
}

// CallbackServer waits for the OAuth redirect on localhost.
type CallbackServer struct {
	server   *http.Server
	port     int
	codeChan chan string
	errChan  chan error
}

// NewCallbackServer creates the callback server for the expected state value.
func NewCallbackServer(expectedState string) *CallbackServer {
	cs := &CallbackServer{
		codeChan: make(chan string, 1),
		errChan:  make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if errParam := query.Get("error"); errParam != "" {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication failed: "+errParam)
			cs.errChan <- fmt.Errorf("OAuth error: %s", errParam)
			return
		}
		if query.Get("state") != expectedState {
			writeCallbackPage(w, http.StatusBadRequest, "State mismatch - possible CSRF attack.")
			cs.errChan <- fmt.Errorf("state mismatch")
			return
		}
		code := query.Get("code")
		if code == "" {
			writeCallbackPage(w, http.StatusBadRequest, "No authorization code received.")
			cs.errChan <- fmt.Errorf("no authorization code")
			return
		}

		writeCallbackPage(w, http.StatusOK, "Authentication successful. You can close this window.")
		cs.codeChan <- code
	})

	cs.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return cs
}

func writeCallbackPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<html><body style="font-family: system-ui; padding: 40px; text-align: center;"><p>%s</p></body></html>`, message)
}

// Start binds the callback port (with fallbacks) and blocks until a code
// arrives, an error occurs, or ctx is cancelled.
func (cs *CallbackServer) Start(ctx context.Context) (string, error) {
	ports := append([]int{config.OAuthConfig.CallbackPort}, config.OAuthConfig.CallbackFallbackPorts...)

	var lastErr error
	for _, port := range ports {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			log.Warnf("[OAuth] Failed to bind port %d: %v", port, err)
			continue
		}
		cs.port = port

		go func() {
			if err := cs.server.Serve(listener); err != nil && err != http.ErrServerClosed {
				cs.errChan <- err
			}
		}()

		select {
		case code := <-cs.codeChan:
			cs.server.Shutdown(context.Background())
			return code, nil
		case err := <-cs.errChan:
			cs.server.Shutdown(context.Background())
			return "", err
		case <-ctx.Done():
			cs.server.Shutdown(context.Background())
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("failed to start OAuth callback server: %v", lastErr)
}

// Port returns the port the server actually bound.
func (cs *CallbackServer) Port() int {
	return cs.port
}

// Tokens is the token endpoint's response to the code exchange.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode exchanges an authorization code for tokens. The caller must
// have authorized offline access; a missing refresh token is an error.
func ExchangeCode(ctx context.Context, code, verifier string, port int) (*Tokens, error) {
	data := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"code":          {code},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {config.OAuthRedirectURI(port)},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", config.OAuthConfig.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed: %s", string(body))
	}

	var tokens Tokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("no access token received")
	}
	if tokens.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token received; offline access was not granted")
	}
	return &tokens, nil
}

// FetchUserEmail resolves the account email for an access token.
func FetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", config.OAuthConfig.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get user info: %d", resp.StatusCode)
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return "", fmt.Errorf("failed to parse user info: %w", err)
	}
	return userInfo.Email, nil
}

// ExtractCodeFromInput accepts either the full callback URL or a raw code
// pasted by the user, for environments where the local server is unreachable.
func ExtractCodeFromInput(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", fmt.Errorf("no input provided")
	}

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("invalid URL format")
		}
		if errParam := parsed.Query().Get("error"); errParam != "" {
			return "", fmt.Errorf("OAuth error: %s", errParam)
		}
		code := parsed.Query().Get("code")
		if code == "" {
			return "", fmt.Errorf("no authorization code found in URL")
		}
		return code, nil
	}

	if len(trimmed) < 10 {
		return "", fmt.Errorf("input is too short to be a valid authorization code")
	}
	return trimmed, nil
}
