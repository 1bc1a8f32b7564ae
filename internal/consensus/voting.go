package consensus

const (
	VoteStatusPending  = "pending"
	VoteStatusApproved = "approved"
)

type VoteDecision struct {
	Status string
	Yes    int
	Needed int
}

// MajorityThreshold is ceil(poolSize/2): one vote ratifies in a chat of one or two.
func MajorityThreshold(poolSize int) int {
	return (poolSize + 1) / 2
}

// EvaluateMajority applies the ratification rule:
// - one vote per member (set semantics)
// - votes from members outside the pool do not count
// - approved: yes >= ceil(poolSize/2)
// - an empty pool never approves
func EvaluateMajority(voters map[string]struct{}, pool []string) VoteDecision {
	needed := MajorityThreshold(len(pool))
	yes := 0
	for _, id := range pool {
		if _, ok := voters[id]; ok {
			yes++
		}
	}
	if len(pool) > 0 && yes >= needed {
		return VoteDecision{Status: VoteStatusApproved, Yes: yes, Needed: needed}
	}
	return VoteDecision{Status: VoteStatusPending, Yes: yes, Needed: needed}
}
