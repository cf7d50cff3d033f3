package config

import "sort"

// modelAliases collapses client-visible model ids onto the upstream ids the
// scheduler, cooldowns and upstream client see. The original id is what the
// request log and the client-visible response carry.
//
// The table is configuration: SetModelAlias lets deployments override entries
// (e.g. whether gemini-3-flash-thinking stays distinct).
var modelAliases = map[string]string{
	"claude-opus-4-5":            "claude-opus-4-5-thinking",
	"claude-opus-4-6":            "claude-opus-4-6-thinking",
	"claude-3-5-sonnet-20241022": "claude-sonnet-4-5",
	"claude-3-5-haiku-20241022":  "claude-sonnet-4-5",
	"gemini-2.5-pro":             "gemini-3-pro-low",
	"gemini-exp-1206":            "gemini-3-pro-low",
}

// knownModels is the id set advertised on the model-list surfaces.
var knownModels = []string{
	"claude-opus-4-5-thinking",
	"claude-opus-4-6-thinking",
	"claude-sonnet-4-5",
	"claude-sonnet-4-5-thinking",
	"gemini-3-flash",
	"gemini-3-flash-thinking",
	"gemini-3-pro-high",
	"gemini-3-pro-low",
}

// EffectiveModel normalizes a client-visible model id through the alias table.
func EffectiveModel(model string) string {
	if mapped, ok := modelAliases[model]; ok {
		return mapped
	}
	return model
}

// SetModelAlias overrides or adds one alias entry.
func SetModelAlias(from, to string) {
	if to == "" {
		delete(modelAliases, from)
		return
	}
	modelAliases[from] = to
}

// KnownModels returns the advertised model ids, sorted.
func KnownModels() []string {
	out := make([]string, len(knownModels))
	copy(out, knownModels)
	sort.Strings(out)
	return out
}
