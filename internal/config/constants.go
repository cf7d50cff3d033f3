package config

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
)

// Version information
const Version = "1.2.0"

// Cloud Code API endpoints (in fallback order)
const (
	UpstreamEndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	UpstreamEndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// UpstreamEndpoints is the endpoint fallback order (daily first).
var UpstreamEndpoints = []string{
	UpstreamEndpointDaily,
	UpstreamEndpointProd,
}

// LoadCodeAssistEndpoints is the endpoint order for loadCodeAssist (prod first).
// loadCodeAssist works better on prod for fresh/unprovisioned accounts.
var LoadCodeAssistEndpoints = []string{
	UpstreamEndpointProd,
	UpstreamEndpointDaily,
}

// DefaultProjectID is used when project discovery returns nothing.
const DefaultProjectID = "rising-fact-p41fc"

// DefaultTier is the tier assumed before discovery.
const DefaultTier = "free-tier"

// MinSignatureLength is the shortest vendor signature we treat as valid.
const MinSignatureLength = 50

// DefaultUserKey scopes the last-thinking-signature cache when the caller
// supplied no user id.
const DefaultUserKey = "default"

// UserAgent is the client identity the upstream expects.
func UserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// UpstreamHeaders are the required headers for upstream requests.
func UpstreamHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        UserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   clientMetadata(),
	}
}

// IDE type enum (numeric values as expected by the Cloud Code API).
const (
	ideTypeAntigravity = 6
	pluginTypeGemini   = 2
)

const (
	platformUnspecified = 0
	platformWindows     = 1
	platformLinux       = 2
	platformMacOS       = 3
)

func platformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return platformMacOS
	case "windows":
		return platformWindows
	case "linux":
		return platformLinux
	default:
		return platformUnspecified
	}
}

func clientMetadata() string {
	metadata := map[string]int{
		"ideType":    ideTypeAntigravity,
		"platform":   platformEnum(),
		"pluginType": pluginTypeGemini,
	}
	data, _ := json.Marshal(metadata)
	return string(data)
}

// OAuthConfigType holds the hosted OAuth endpoint configuration.
type OAuthConfigType struct {
	ClientID              string
	ClientSecret          string
	AuthURL               string
	TokenURL              string
	UserInfoURL           string
	CallbackPort          int
	CallbackFallbackPorts []int
	Scopes                []string
}

// OAuthConfig is the Google OAuth configuration used for account harvesting.
var OAuthConfig = OAuthConfigType{
	ClientID:              "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret:          "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",
	AuthURL:               "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:              "https://oauth2.googleapis.com/token",
	UserInfoURL:           "https://www.googleapis.com/oauth2/v1/userinfo",
	CallbackPort:          51121,
	CallbackFallbackPorts: []int{51122, 51123, 51124, 51125, 51126},
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/cclog",
		"https://www.googleapis.com/auth/experimentsandconfigs",
	},
}

// OAuthRedirectURI returns the redirect URI for the given callback port.
func OAuthRedirectURI(port int) string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", port)
}

// TokenExpirySkewSeconds: refresh the access token when it is within this
// many seconds of expiry.
const TokenExpirySkewSeconds = 5 * 60

// ModelFamily represents the upstream model family.
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily returns the model family from the model name.
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

// IsThinkingModel checks if a model emits thought parts.
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return strings.Contains(lower, "thinking")
	}
	// All gemini-3+ models think.
	return strings.Contains(lower, "gemini-3") || strings.Contains(lower, "thinking")
}

// ForcedStreamModel reports whether the upstream refuses non-stream calls for
// this model, forcing the stream-collect path.
func ForcedStreamModel(modelName string) bool {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return true
	}
	return strings.HasPrefix(lower, "gemini-3-pro")
}

// Generation defaults.
const (
	DefaultTemperature     = 1.0
	DefaultMaxOutputTokens = 8192
	DefaultThinkingBudget  = 4096
)
