// Package model defines the capability tiers the bridge can serve and the
// request shape consumed by the relay.
package model

// Tier identifies a capability tier of the upstream chat product.
type Tier string

const (
	TierGPT35    Tier = "gpt-3.5"
	TierGPT4     Tier = "gpt-4"
	TierGPT4Mini Tier = "gpt-4-mini"
)

// contextLimits maps each supported tier to its context-size limit in tokens.
// Lookups for unknown tiers fail closed with zero.
var contextLimits = map[Tier]int{
	TierGPT35:    4096,
	TierGPT4:     8192,
	TierGPT4Mini: 16384,
}

// navigationTargets maps each supported tier to the entry point a session
// must be navigated to before serving requests for that tier.
var navigationTargets = map[Tier]string{
	TierGPT35:    "/",
	TierGPT4:     "/?model=gpt-4",
	TierGPT4Mini: "/?model=gpt-4-mini",
}

// ContextLimit returns the context-size limit for a tier, or zero when the
// tier is not supported.
func ContextLimit(tier Tier) int {
	return contextLimits[tier]
}

// NavigationTarget returns the session entry point for a tier and whether the
// tier is supported.
func NavigationTarget(tier Tier) (string, bool) {
	target, ok := navigationTargets[tier]
	return target, ok
}

// Support reports the advertised capacity for a tier. Unsupported tiers
// report zero, which callers must treat as "cannot serve".
func Support(tier Tier) int {
	return ContextLimit(tier)
}

// Supported returns all tiers with a non-zero context limit.
func Supported() []Tier {
	tiers := make([]Tier, 0, len(contextLimits))
	for _, t := range []Tier{TierGPT35, TierGPT4, TierGPT4Mini} {
		if contextLimits[t] > 0 {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// AskRequest is a single chat request entering the relay.
type AskRequest struct {
	Model  Tier   `json:"model"`
	Prompt string `json:"prompt"`
}

// Valid reports whether the request names a supported tier and a non-empty
// prompt.
func (r AskRequest) Valid() bool {
	return r.Prompt != "" && Support(r.Model) > 0
}
