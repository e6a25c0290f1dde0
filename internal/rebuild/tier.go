package rebuild

// Tier selects which Blocks volumes the block pass downloads. Tiers are tried in
// order and each one only runs when the previous left blocks unresolved.
type Tier int

// Block pass tiers.
const (
	// TierRequired downloads volumes the index says hold missing blocklists.
	TierRequired Tier = iota
	// TierCandidate downloads volumes no Index volume describes.
	TierCandidate
	// TierExhaustive downloads every remaining Blocks volume.
	TierExhaustive
)

func (t Tier) String() string {
	switch t {
	case TierRequired:
		return "required"
	case TierCandidate:
		return "candidate"
	case TierExhaustive:
		return "exhaustive"
	default:
		return "unknown"
	}
}

// next returns the tier after t and whether there is one.
func (t Tier) next() (Tier, bool) {
	if t >= TierExhaustive {
		return t, false
	}
	return t + 1, true
}
