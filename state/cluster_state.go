package state

// NodeState is the state recorded for a single member inside a cluster state
// snapshot. The start timestamp is the member's incarnation marker: a non-zero
// value tells receivers which process lifetime of that member the snapshot
// refers to.
type NodeState struct {
    Health Health `json:"health"`
    StartTimestamp uint64 `json:"startTimestamp,omitempty"`
}

// ClusterState is one versioned snapshot of the membership state of the whole
// cluster. Instances are treated as values: mutating helpers operate on a
// receiver copy's own maps only after Clone().
type ClusterState struct {
    Version int `json:"version"`
    Nodes map[Node]NodeState `json:"nodes"`
}

func NewClusterState(version int) ClusterState {
    return ClusterState{
        Version: version,
        Nodes: make(map[Node]NodeState),
    }
}

// NodeState returns the recorded state for a node. A node that does not appear
// in the snapshot is reported as down.
func (clusterState ClusterState) NodeState(node Node) NodeState {
    if nodeState, ok := clusterState.Nodes[node]; ok {
        return nodeState
    }

    return NodeState{ Health: HealthDown }
}

func (clusterState *ClusterState) SetNodeState(node Node, nodeState NodeState) {
    if clusterState.Nodes == nil {
        clusterState.Nodes = make(map[Node]NodeState)
    }

    clusterState.Nodes[node] = nodeState
}

func (clusterState ClusterState) Clone() ClusterState {
    clone := ClusterState{
        Version: clusterState.Version,
        Nodes: make(map[Node]NodeState, len(clusterState.Nodes)),
    }

    for node, nodeState := range clusterState.Nodes {
        clone.Nodes[node] = nodeState
    }

    return clone
}
