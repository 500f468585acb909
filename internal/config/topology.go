package config

import "fmt"

// NodeTopology partitions the world communicator into user ranks and helper
// ranks per physical node, the prerequisite spec.md §4.1/§4.2 assume before
// any window can be allocated: HelpersPerNode trailing world ranks on each
// node are helpers, the rest are user ranks, matching
// original_source/src/mpi/rma/win_allocate.c's gather_base_offsets split
// between user and helper local ranks.
type NodeTopology struct {
	NodeID         int
	UserRanks      []int // world ranks, this node only
	HelperRanks    []int // world ranks, this node only
	WorldUserRanks []int // world ranks, all nodes
	WorldHelperRanks []int
}

// BuildTopology derives a NodeTopology for worldRank, given the world-rank
// to node-id assignment (nodeOf) and how many trailing local ranks per node
// are helpers.
func BuildTopology(worldRank int, nodeOf []int, helpersPerNode int) (NodeTopology, error) {
	if worldRank < 0 || worldRank >= len(nodeOf) {
		return NodeTopology{}, fmt.Errorf("config: world rank %d out of range [0,%d)", worldRank, len(nodeOf))
	}
	if helpersPerNode < 1 {
		return NodeTopology{}, fmt.Errorf("config: helpersPerNode must be >= 1, got %d", helpersPerNode)
	}

	myNode := nodeOf[worldRank]

	// Local ranks on myNode, in world-rank order.
	var localOnMyNode []int
	for r, n := range nodeOf {
		if n == myNode {
			localOnMyNode = append(localOnMyNode, r)
		}
	}
	if helpersPerNode >= len(localOnMyNode) {
		return NodeTopology{}, fmt.Errorf("config: node %d has %d local ranks, cannot reserve %d as helpers", myNode, len(localOnMyNode), helpersPerNode)
	}
	split := len(localOnMyNode) - helpersPerNode
	top := NodeTopology{
		NodeID:      myNode,
		UserRanks:   append([]int(nil), localOnMyNode[:split]...),
		HelperRanks: append([]int(nil), localOnMyNode[split:]...),
	}

	// World-wide split follows the same trailing-helpersPerNode rule,
	// applied independently per node.
	byNode := map[int][]int{}
	var nodeOrder []int
	for r, n := range nodeOf {
		if _, seen := byNode[n]; !seen {
			nodeOrder = append(nodeOrder, n)
		}
		byNode[n] = append(byNode[n], r)
	}
	for _, n := range nodeOrder {
		ranks := byNode[n]
		if helpersPerNode >= len(ranks) {
			return NodeTopology{}, fmt.Errorf("config: node %d has %d local ranks, cannot reserve %d as helpers", n, len(ranks), helpersPerNode)
		}
		s := len(ranks) - helpersPerNode
		top.WorldUserRanks = append(top.WorldUserRanks, ranks[:s]...)
		top.WorldHelperRanks = append(top.WorldHelperRanks, ranks[s:]...)
	}

	return top, nil
}

// IsHelper reports whether worldRank is a helper rank under top.
func (t NodeTopology) IsHelper(worldRank int) bool {
	for _, r := range t.WorldHelperRanks {
		if r == worldRank {
			return true
		}
	}
	return false
}
