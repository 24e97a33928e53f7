package domain

// AccessPass is the client's view of an on-chain subscription record.
// Expiry is measured in block height, not wall-clock time. ExpiresAt == 0
// marks a non-expiring pass (legacy/seed data).
type AccessPass struct {
	Creator   string `json:"creator"`
	Tier      uint8  `json:"tier"`
	PassID    string `json:"pass_id"`
	ExpiresAt uint32 `json:"expires_at"`
}

// ClaimedPass is the caller-supplied shape accepted by the unlock endpoint.
// The server does not re-validate ExpiresAt against a live block height;
// expiry checking is a client responsibility (see the unlock service notes).
type ClaimedPass struct {
	Creator   string `json:"creator"`
	Tier      uint8  `json:"tier"`
	ExpiresAt uint32 `json:"expires_at"`
}

const (
	MinTierValue = 1
	MaxTierValue = 3
)

// PassDurationBlocks is the validity span stamped on a renewed pass, roughly
// thirty days at the chain's block cadence.
const PassDurationBlocks uint32 = 518_400

// ValidTier reports whether t is a legal pass tier.
func ValidTier(t uint8) bool {
	return t >= MinTierValue && t <= MaxTierValue
}

// Active reports whether the pass grants access at the given block height.
func (p AccessPass) Active(height uint32) bool {
	return p.ExpiresAt == 0 || p.ExpiresAt > height
}

// Expired is the complement of Active for a non-zero expiry.
func (p AccessPass) Expired(height uint32) bool {
	return !p.Active(height)
}

// HighestActiveTier returns the best tier among passes for the given creator
// that are active at height, or 0 when none apply.
func HighestActiveTier(passes []AccessPass, creator string, height uint32) uint8 {
	var best uint8
	for _, p := range passes {
		if p.Creator != creator || !p.Active(height) {
			continue
		}
		if p.Tier > best {
			best = p.Tier
		}
	}
	return best
}

// Renewed returns the pass a renew produces at the given height: same
// creator, requested tier, a caller-minted pass id and a fresh expiry. The
// old pass id is never reused, and renew always stamps a real height even on
// a non-expiring pass.
func (p AccessPass) Renewed(newPassID string, tier uint8, height uint32) AccessPass {
	return AccessPass{
		Creator:   p.Creator,
		Tier:      tier,
		PassID:    newPassID,
		ExpiresAt: height + PassDurationBlocks,
	}
}

// Covers implements the gate's access rule: the claimed pass must name the
// post's creator and meet its minimum tier. Expiry is deliberately not
// consulted here.
func (c ClaimedPass) Covers(creator string, minTier uint8) bool {
	return c.Creator == creator && c.Tier >= minTier
}
