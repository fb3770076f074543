package sampler

import (
	. "github.com/gomlx/exceptions"
)

// GenerateWalkPairs runs numWalks uniform random walks of walkLength steps
// from every node with degree >= 1 and returns the flattened (start node,
// visited node) co-occurrence pairs, the training examples of the
// skip-gram objective.
//
// A walk starting at node v visits walkLength nodes after v; every visited
// node u != start contributes the pair (v, u). Walks never leave through
// the padding node: steps follow real CSR edges only, so a walk reaching a
// degree-0 node stops early.
//
// The result is flattened as source, target, source, target, ...
func GenerateWalkPairs(s *Sampler, numWalks, walkLength int, rng RandIntN) []int32 {
	if numWalks <= 0 || walkLength <= 0 {
		Panicf("GenerateWalkPairs(numWalks=%d, walkLength=%d): both must be > 0",
			numWalks, walkLength)
	}
	if len(s.Starts) == 0 {
		Panicf("GenerateWalkPairs called before Sampler.AddEdges")
	}

	pairs := make([]int32, 0, int(s.NumNodes)*numWalks*(walkLength-1)*2)
	for node := int32(0); node < s.NumNodes; node++ {
		if s.Degree(node) == 0 {
			continue
		}
		for range numWalks {
			current := node
			for range walkLength {
				targets := s.EdgeTargetsForSourceIdx(current)
				if len(targets) == 0 {
					break
				}
				next := targets[rng.IntN(len(targets))]
				if current != node {
					pairs = append(pairs, node, current)
				}
				current = next
			}
		}
	}
	return pairs
}
