package ratelimit

// Tier is a subscription level.
type Tier string

// Known tiers.
const (
	Free       Tier = "free"
	Pro        Tier = "pro"
	Enterprise Tier = "enterprise"
)

// Tiers maps a tier to its limit multiplier.
type Tiers map[Tier]float64

// DefaultTiers returns free 1x, pro 5x and enterprise 20x.
func DefaultTiers() Tiers {
	return Tiers{Free: 1, Pro: 5, Enterprise: 20}
}

// Multiplier returns the multiplier of t, or 1 for unknown tiers.
func (t Tiers) Multiplier(tier Tier) float64 {
	if m, ok := t[tier]; ok && m > 0 {
		return m
	}
	return 1
}
