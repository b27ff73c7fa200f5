package job

// Tier is one of the independently configured worker pools.
type Tier string

const (
	TierStrategy Tier = "strategy"
	TierBuild    Tier = "build"
	TierQuality  Tier = "quality"
)

// Tiers lists every tier in a stable order.
var Tiers = []Tier{TierStrategy, TierBuild, TierQuality}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierStrategy, TierBuild, TierQuality:
		return true
	default:
		return false
	}
}

// Assignment maps agent identities to tiers.
type Assignment map[string]Tier

// Resolve returns the tier for agentID. Unmapped or invalid entries fall
// back to the build tier.
func (a Assignment) Resolve(agentID string) Tier {
	if t, ok := a[agentID]; ok && t.Valid() {
		return t
	}
	return TierBuild
}
