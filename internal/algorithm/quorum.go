package algorithm

// QuorumCalculator calculates quorum requirements
type QuorumCalculator struct {
	minimum int
}

// NewQuorumCalculator creates a quorum calculator that requires a majority of
// the configured replicas, or minimum replicas when that is larger. A minimum
// at or below the majority has no effect.
func NewQuorumCalculator(minimum int) *QuorumCalculator {
	if minimum < 0 {
		minimum = 0
	}
	return &QuorumCalculator{minimum: minimum}
}

// CalculateQuorum returns the number of replicas required for quorum. It is
// never below a majority and never above totalReplicas.
func (q *QuorumCalculator) CalculateQuorum(totalReplicas int) int {
	required := (totalReplicas / 2) + 1
	if q.minimum > required {
		required = q.minimum
	}
	if required > totalReplicas {
		return totalReplicas
	}
	return required
}

// IsQuorumReached checks if enough replicas are available out of the
// configured total
func (q *QuorumCalculator) IsQuorumReached(availableReplicas, totalReplicas int) bool {
	if totalReplicas <= 0 {
		return false
	}
	return availableReplicas >= q.CalculateQuorum(totalReplicas)
}
