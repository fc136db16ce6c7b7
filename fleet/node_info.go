package fleet

import (
    "sort"

    "github.com/openfleet/fleetd/state"
)

// NodeInfo is the per-member dissemination bookkeeping record: which bundle
// version was last sent to the node, which it last acknowledged, and the same
// pair for the activation phase. It also carries the reachability inputs the
// engine derives from (reported health, RPC address freshness) and the
// incarnation markers used to decide whether the node needs a state variant
// with stamped start timestamps.
//
// The acknowledged versions only ever move forward. A recorded ack below the
// current bundle version means the node has not converged yet, never that it
// rolled back. The sent markers do roll back when the outstanding request
// fails, which is what makes the node eligible for a resend on a later pass.
type NodeInfo struct {
    node state.Node
    rpcAddress string
    rpcAddressOutdated bool
    reportedHealth state.Health
    startTimestamp uint64
    wentDownWithStartTime uint64
    versionBundleSent int
    versionBundleAcked int
    versionActivationSent int
    versionActivationAcked int
}

func NewNodeInfo(node state.Node) *NodeInfo {
    return &NodeInfo{
        node: node,
        reportedHealth: state.HealthDown,
    }
}

func (nodeInfo *NodeInfo) Node() state.Node {
    return nodeInfo.node
}

func (nodeInfo *NodeInfo) IsDistributor() bool {
    return nodeInfo.node.IsDistributor()
}

func (nodeInfo *NodeInfo) RPCAddress() string {
    return nodeInfo.rpcAddress
}

func (nodeInfo *NodeInfo) SetRPCAddress(address string) {
    nodeInfo.rpcAddress = address
    nodeInfo.rpcAddressOutdated = false
}

func (nodeInfo *NodeInfo) RPCAddressIsOutdated() bool {
    return nodeInfo.rpcAddressOutdated
}

func (nodeInfo *NodeInfo) MarkRPCAddressOutdated() {
    nodeInfo.rpcAddressOutdated = true
}

func (nodeInfo *NodeInfo) ReportedHealth() state.Health {
    return nodeInfo.reportedHealth
}

func (nodeInfo *NodeInfo) SetReportedHealth(health state.Health) {
    nodeInfo.reportedHealth = health
}

func (nodeInfo *NodeInfo) StartTimestamp() uint64 {
    return nodeInfo.startTimestamp
}

func (nodeInfo *NodeInfo) SetStartTimestamp(timestamp uint64) {
    nodeInfo.startTimestamp = timestamp
}

func (nodeInfo *NodeInfo) WentDownWithStartTime() uint64 {
    return nodeInfo.wentDownWithStartTime
}

func (nodeInfo *NodeInfo) SetWentDownWithStartTime(timestamp uint64) {
    nodeInfo.wentDownWithStartTime = timestamp
}

func (nodeInfo *NodeInfo) ClearWentDownWithStartTime() {
    nodeInfo.wentDownWithStartTime = 0
}

func (nodeInfo *NodeInfo) ClusterStateVersionBundleSent() int {
    return nodeInfo.versionBundleSent
}

func (nodeInfo *NodeInfo) MarkClusterStateBundleSent(version int) {
    nodeInfo.versionBundleSent = version
}

func (nodeInfo *NodeInfo) ClusterStateVersionBundleAcknowledged() int {
    return nodeInfo.versionBundleAcked
}

// SetClusterStateBundleAcknowledged records a bundle reply outcome. Successful
// acks for versions at or below the recorded one are ignored so duplicated or
// reordered replies can never move the marker backwards. A failed reply for
// the version currently outstanding rolls the sent marker back so the node
// re-enters the send set.
func (nodeInfo *NodeInfo) SetClusterStateBundleAcknowledged(version int, success bool) {
    if success {
        if version > nodeInfo.versionBundleAcked {
            nodeInfo.versionBundleAcked = version
        }

        return
    }

    if nodeInfo.versionBundleSent == version {
        nodeInfo.versionBundleSent = version - 1
    }
}

func (nodeInfo *NodeInfo) ClusterStateVersionActivationSent() int {
    return nodeInfo.versionActivationSent
}

func (nodeInfo *NodeInfo) MarkClusterStateActivationSent(version int) {
    nodeInfo.versionActivationSent = version
}

func (nodeInfo *NodeInfo) ClusterStateVersionActivationAcked() int {
    return nodeInfo.versionActivationAcked
}

func (nodeInfo *NodeInfo) SetClusterStateActivationAcked(version int, success bool) {
    if success {
        if version > nodeInfo.versionActivationAcked {
            nodeInfo.versionActivationAcked = version
        }

        return
    }

    if nodeInfo.versionActivationSent == version {
        nodeInfo.versionActivationSent = version - 1
    }
}

// Cluster is the membership roster: one NodeInfo per live member, keyed by
// stable node identity. The dissemination engine and reply processor reach all
// per-node bookkeeping through this table so mutation stays confined to the
// fleet package.
type Cluster struct {
    nodes map[state.Node]*NodeInfo
}

func NewCluster() *Cluster {
    return &Cluster{
        nodes: make(map[state.Node]*NodeInfo),
    }
}

// AddNode creates a bookkeeping record for a member joining the roster. If the
// member is already present its existing record is returned untouched.
func (cluster *Cluster) AddNode(node state.Node) *NodeInfo {
    if nodeInfo, ok := cluster.nodes[node]; ok {
        return nodeInfo
    }

    nodeInfo := NewNodeInfo(node)
    cluster.nodes[node] = nodeInfo

    return nodeInfo
}

func (cluster *Cluster) RemoveNode(node state.Node) {
    delete(cluster.nodes, node)
}

func (cluster *Cluster) NodeInfo(node state.Node) *NodeInfo {
    return cluster.nodes[node]
}

// Nodes returns the live members in a stable order so per-tick send sets are
// deterministic.
func (cluster *Cluster) Nodes() []*NodeInfo {
    nodes := make([]*NodeInfo, 0, len(cluster.nodes))

    for _, nodeInfo := range cluster.nodes {
        nodes = append(nodes, nodeInfo)
    }

    sort.Slice(nodes, func(i, j int) bool {
        if nodes[i].node.Type != nodes[j].node.Type {
            return nodes[i].node.Type < nodes[j].node.Type
        }

        return nodes[i].node.Index < nodes[j].node.Index
    })

    return nodes
}

func (cluster *Cluster) Size() int {
    return len(cluster.nodes)
}
