package fleet

import (
    "sync"

    . "github.com/openfleet/fleetd/logging"
    "github.com/openfleet/fleetd/monitor"
    "github.com/openfleet/fleetd/state"
)

const minTimeBetweenNodeErrorLoggingMillis int64 = 10 * 60 * 1000

// StateBroadcaster drives adoption of the current cluster state bundle by
// every reachable member: it resolves, per tick, the set of nodes that still
// need the bundle or its activation, issues the outbound requests, applies
// queued replies to the roster bookkeeping, and detects when all distributors
// have converged on the current version.
//
// Reply callbacks run on transport threads and only append to the reply
// queues under the broadcaster lock. The owning controller's maintenance
// thread drains and applies them at the start of each tick under the same
// lock, then performs dissemination outside any lock. The roster table is
// only ever touched from the maintenance thread or inside drain-and-apply,
// so no transport thread can race a tick and no tick ever blocks on a
// network round trip.
type StateBroadcaster struct {
    clock Clock
    mu sync.Mutex
    clusterStateBundle *state.Bundle
    stateBundleReplies []StateBundleReply
    activationReplies []ActivationReply
    lastErrorReported map[state.Node]int64
    lastStateVersionBundleAcked int
    lastClusterStateVersionConverged int
    lastClusterStateBundleConverged *state.Bundle
}

func NewStateBroadcaster(clock Clock) *StateBroadcaster {
    return &StateBroadcaster{
        clock: clock,
        stateBundleReplies: make([]StateBundleReply, 0),
        activationReplies: make([]ActivationReply, 0),
        lastErrorReported: make(map[state.Node]int64),
    }
}

// HandleNewClusterStateBundle makes the supplied bundle the current one. Any
// in-flight acknowledgment bookkeeping for an older version stops mattering
// immediately: late replies for superseded versions are still drained and
// recorded but can never satisfy convergence for the new version.
func (broadcaster *StateBroadcaster) HandleNewClusterStateBundle(bundle *state.Bundle) {
    broadcaster.clusterStateBundle = bundle
}

func (broadcaster *StateBroadcaster) HasBroadcastedClusterStateBundle() bool {
    return broadcaster.clusterStateBundle != nil
}

func (broadcaster *StateBroadcaster) ResetBroadcastedClusterStateBundle() {
    broadcaster.clusterStateBundle = nil
}

func (broadcaster *StateBroadcaster) ClusterStateBundle() *state.Bundle {
    return broadcaster.clusterStateBundle
}

func (broadcaster *StateBroadcaster) LastClusterStateBundleConverged() *state.Bundle {
    return broadcaster.lastClusterStateBundleConverged
}

func (broadcaster *StateBroadcaster) LastClusterStateVersionConverged() int {
    return broadcaster.lastClusterStateVersionConverged
}

// StateBundleReplyWaiter returns the completion callback handed to the
// communicator for bundle sends. Safe to invoke from any thread.
func (broadcaster *StateBroadcaster) StateBundleReplyWaiter() func(StateBundleReply) {
    return func(reply StateBundleReply) {
        broadcaster.mu.Lock()
        defer broadcaster.mu.Unlock()

        broadcaster.stateBundleReplies = append(broadcaster.stateBundleReplies, reply)
    }
}

// ActivationReplyWaiter returns the completion callback handed to the
// communicator for activation sends. Safe to invoke from any thread.
func (broadcaster *StateBroadcaster) ActivationReplyWaiter() func(ActivationReply) {
    return func(reply ActivationReply) {
        broadcaster.mu.Lock()
        defer broadcaster.mu.Unlock()

        broadcaster.activationReplies = append(broadcaster.activationReplies, reply)
    }
}

// ProcessReplies drains both reply queues and applies them to the roster
// bookkeeping. Returns whether any replies were found.
func (broadcaster *StateBroadcaster) ProcessReplies(cluster *Cluster) bool {
    broadcaster.mu.Lock()
    defer broadcaster.mu.Unlock()

    anyRepliesFound := len(broadcaster.stateBundleReplies) != 0 || len(broadcaster.activationReplies) != 0

    broadcaster.processStateBundleReplies(cluster)
    broadcaster.processActivationReplies(cluster)

    return anyRepliesFound
}

func (broadcaster *StateBroadcaster) processStateBundleReplies(cluster *Cluster) {
    for _, reply := range broadcaster.stateBundleReplies {
        nodeInfo := cluster.NodeInfo(reply.Node)

        if nodeInfo == nil {
            // The node left the roster while the request was in flight
            continue
        }

        if reply.IsError() {
            // Report before the rollback below consumes the sent marker
            if reply.Code != ReplyTransientError && nodeInfo.ClusterStateVersionBundleSent() == reply.Version {
                nodeOk := nodeInfo.ReportedHealth().OneOf(state.HealthUp, state.HealthInitializing, state.HealthRetired)
                broadcaster.reportNodeError(nodeOk, reply.Node, reply.Version, reply.Message)
            }

            nodeInfo.SetClusterStateBundleAcknowledged(reply.Version, false)
        } else {
            nodeInfo.SetClusterStateBundleAcknowledged(reply.Version, true)
            Log.Debugf("Node %v ACKed cluster state version %d", reply.Node, reply.Version)
            delete(broadcaster.lastErrorReported, reply.Node)
        }
    }

    broadcaster.stateBundleReplies = broadcaster.stateBundleReplies[:0]
}

func (broadcaster *StateBroadcaster) processActivationReplies(cluster *Cluster) {
    for _, reply := range broadcaster.activationReplies {
        nodeInfo := cluster.NodeInfo(reply.Node)

        if nodeInfo == nil {
            continue
        }

        success := true

        if reply.IsError() {
            // A node that predates the activation RPC has already started
            // using the state version the moment it received the bundle.
            // Treat it as if it had ACKed the activation so it cannot stall
            // convergence forever.
            if reply.Code != ReplyNoSuchMethod {
                Log.Infof("Activation NACK for node %v with version %d, message %s", reply.Node, reply.Version, reply.Message)
                success = false
            } else {
                Log.Infof("Node %v did not understand state activation RPC. Implicitly treating version %d as activated on node", reply.Node, reply.Version)
            }
        }

        nodeInfo.SetClusterStateActivationAcked(reply.Version, success)
    }

    broadcaster.activationReplies = broadcaster.activationReplies[:0]
}

// At most one diagnostic per node per rate limiting window. A node that was
// believed healthy failing a state request is surprising and logged as a
// warning. A node already known to be bad is logged at debug only.
func (broadcaster *StateBroadcaster) reportNodeError(nodeOk bool, node state.Node, version int, message string) {
    now := broadcaster.clock.CurrentTimeMillis()
    lastReported, ok := broadcaster.lastErrorReported[node]
    alreadySeen := ok && now - lastReported < minTimeBetweenNodeErrorLoggingMillis

    if nodeOk && !alreadySeen {
        Log.Warningf("Got error response from node %v for cluster state version %d: %s", node, version, message)
    } else {
        Log.Debugf("Got error response from node %v for cluster state version %d: %s", node, version, message)
    }

    if !alreadySeen {
        broadcaster.lastErrorReported[node] = now
    }

    monitor.RecordNodeError()
}

func nodeIsReachable(nodeInfo *NodeInfo) bool {
    if nodeInfo.RPCAddress() == "" || nodeInfo.RPCAddressIsOutdated() {
        // Can't set state on nodes we don't know where are
        return false
    }

    if nodeInfo.ReportedHealth().OneOf(state.HealthMaintenance, state.HealthDown, state.HealthStopping) {
        return false
    }

    return true
}

func (broadcaster *StateBroadcaster) nodeNeedsClusterStateBundle(nodeInfo *NodeInfo) bool {
    if nodeInfo.ClusterStateVersionBundleAcknowledged() == broadcaster.clusterStateBundle.Version() {
        return false
    }

    return nodeIsReachable(nodeInfo)
}

func (broadcaster *StateBroadcaster) nodeNeedsClusterStateActivation(nodeInfo *NodeInfo) bool {
    if nodeInfo.ClusterStateVersionActivationAcked() == broadcaster.clusterStateBundle.Version() {
        return false
    }

    return nodeIsReachable(nodeInfo)
}

func (broadcaster *StateBroadcaster) newestStateBundleAlreadySentToNode(nodeInfo *NodeInfo) bool {
    return nodeInfo.ClusterStateVersionBundleSent() == broadcaster.clusterStateBundle.Version()
}

func (broadcaster *StateBroadcaster) newestStateActivationAlreadySentToNode(nodeInfo *NodeInfo) bool {
    return nodeInfo.ClusterStateVersionActivationSent() == broadcaster.clusterStateBundle.Version()
}

func (broadcaster *StateBroadcaster) resolveStateVersionSendSet(cluster *Cluster) []*NodeInfo {
    recipients := make([]*NodeInfo, 0)

    for _, nodeInfo := range cluster.Nodes() {
        if broadcaster.nodeNeedsClusterStateBundle(nodeInfo) && !broadcaster.newestStateBundleAlreadySentToNode(nodeInfo) {
            recipients = append(recipients, nodeInfo)
        }
    }

    return recipients
}

// Precondition: no distributor in the cluster still needs the current cluster
// state bundle.
func (broadcaster *StateBroadcaster) resolveStateActivationSendSet(cluster *Cluster) []*NodeInfo {
    recipients := make([]*NodeInfo, 0)

    for _, nodeInfo := range cluster.Nodes() {
        if broadcaster.nodeNeedsClusterStateActivation(nodeInfo) && !broadcaster.newestStateActivationAlreadySentToNode(nodeInfo) {
            recipients = append(recipients, nodeInfo)
        }
    }

    return recipients
}

// BroadcastNewStateBundleIfRequired sends the current bundle to every
// reachable node that has neither acknowledged it nor has a request for it
// outstanding. The first time a bundle is selected for broadcast here it is
// replaced by its official copy. Returns whether any requests were dispatched.
func (broadcaster *StateBroadcaster) BroadcastNewStateBundleIfRequired(cluster *Cluster, communicator Communicator) bool {
    if broadcaster.clusterStateBundle == nil {
        return false
    }

    if !broadcaster.clusterStateBundle.Official {
        Log.Infof("Publishing cluster state version %d", broadcaster.clusterStateBundle.Version())
        broadcaster.clusterStateBundle = broadcaster.clusterStateBundle.AsOfficial()
    }

    bundle := broadcaster.clusterStateBundle
    recipients := broadcaster.resolveStateVersionSendSet(cluster)

    // The stamped variant is the same for every recipient that needs one, so
    // derive it at most once per tick
    var stampedBundle *state.Bundle

    for _, nodeInfo := range recipients {
        payload := bundle

        if nodeNeedsToObserveStartupTimestamps(nodeInfo) {
            if stampedBundle == nil {
                stampedBundle = bundle.CloneWithMapper(func(clusterState state.ClusterState) state.ClusterState {
                    return buildModifiedClusterState(clusterState, cluster)
                })
            }

            payload = stampedBundle
            Log.Infof("Sending modified cluster state version %d to node %v", bundle.Version(), nodeInfo.Node())
        } else {
            Log.Debugf("Sending cluster state version %d to node %v (went down time %d, node start time %d)",
                bundle.Version(), nodeInfo.Node(), nodeInfo.WentDownWithStartTime(), nodeInfo.StartTimestamp())
        }

        nodeInfo.MarkClusterStateBundleSent(bundle.Version())
        communicator.SendClusterStateBundle(payload, nodeInfo.Node(), nodeInfo.RPCAddress(), broadcaster.StateBundleReplyWaiter())
        monitor.RecordClusterStateBundleSent()
    }

    return len(recipients) != 0
}

// BroadcastStateActivationsIfRequired sends activation requests once the
// current bundle is official, requires two-phase activation, the deployment
// supports it, and every distributor has acknowledged the bundle itself.
// Returns whether any requests were dispatched.
func (broadcaster *StateBroadcaster) BroadcastStateActivationsIfRequired(cluster *Cluster, communicator Communicator, twoPhaseActivationEnabled bool) bool {
    bundle := broadcaster.clusterStateBundle

    if bundle == nil || !bundle.Official {
        return false
    }

    if broadcaster.lastStateVersionBundleAcked != bundle.Version() || !bundle.DeferredActivation || !twoPhaseActivationEnabled {
        // Not yet received bundle ACK from all distributors. Wait.
        return false
    }

    recipients := broadcaster.resolveStateActivationSendSet(cluster)

    for _, nodeInfo := range recipients {
        Log.Debugf("Sending cluster state activation to node %v for version %d", nodeInfo.Node(), bundle.Version())

        nodeInfo.MarkClusterStateActivationSent(bundle.Version())
        communicator.SendClusterStateActivation(bundle.Version(), nodeInfo.Node(), nodeInfo.RPCAddress(), broadcaster.ActivationReplyWaiter())
        monitor.RecordClusterStateActivationSent()
    }

    return len(recipients) != 0
}

// CheckIfClusterStateIsAckedByAllDistributors checks whether every distributor
// has acknowledged (and, for two-phase bundles, activated) the current cluster
// state version. The first time that holds for a version the onConverged
// callback fires. Re-evaluating an already converged version is a no-op, so
// the callback fires at most once per version.
func (broadcaster *StateBroadcaster) CheckIfClusterStateIsAckedByAllDistributors(cluster *Cluster, twoPhaseActivationEnabled bool, onConverged func(*state.Bundle)) {
    bundle := broadcaster.clusterStateBundle

    if bundle == nil || broadcaster.currentClusterStateIsConverged() {
        return
    }

    // A deferred-activation bundle only goes through the activation phase
    // when the deployment supports it: otherwise bundle ACKs alone converge,
    // mirroring the activation suppression in
    // BroadcastStateActivationsIfRequired.
    deferredActivation := bundle.DeferredActivation && twoPhaseActivationEnabled

    currentStateVersion := bundle.Version()
    anyDistributorsNeedStateBundle := false

    for _, nodeInfo := range cluster.Nodes() {
        if nodeInfo.IsDistributor() && broadcaster.nodeNeedsClusterStateBundle(nodeInfo) {
            anyDistributorsNeedStateBundle = true

            break
        }
    }

    if !anyDistributorsNeedStateBundle && currentStateVersion > broadcaster.lastStateVersionBundleAcked {
        broadcaster.lastStateVersionBundleAcked = currentStateVersion

        if deferredActivation {
            Log.Infof("All distributors have ACKed cluster state version %d, sending activation", currentStateVersion)
        } else {
            broadcaster.markCurrentClusterStateAsConverged(onConverged)
        }

        // Either converged (no two-phase) or activations must be sent before
        // we can continue
        return
    }

    if anyDistributorsNeedStateBundle || !deferredActivation {
        return
    }

    anyDistributorsNeedActivation := false

    for _, nodeInfo := range cluster.Nodes() {
        if nodeInfo.IsDistributor() && broadcaster.nodeNeedsClusterStateActivation(nodeInfo) {
            anyDistributorsNeedActivation = true

            break
        }
    }

    if !anyDistributorsNeedActivation && currentStateVersion > broadcaster.lastClusterStateVersionConverged {
        broadcaster.markCurrentClusterStateAsConverged(onConverged)
    } else {
        Log.Debugf("Distributors still need activation in state %d (last converged: %d)", currentStateVersion, broadcaster.lastClusterStateVersionConverged)
    }
}

func (broadcaster *StateBroadcaster) markCurrentClusterStateAsConverged(onConverged func(*state.Bundle)) {
    Log.Infof("All distributors have newest cluster state, version %d", broadcaster.clusterStateBundle.Version())

    broadcaster.lastClusterStateVersionConverged = broadcaster.clusterStateBundle.Version()
    broadcaster.lastClusterStateBundleConverged = broadcaster.clusterStateBundle
    monitor.RecordClusterConvergence(broadcaster.clusterStateBundle.Version())

    if onConverged != nil {
        onConverged(broadcaster.clusterStateBundle)
    }
}

func (broadcaster *StateBroadcaster) currentClusterStateIsConverged() bool {
    return broadcaster.lastClusterStateVersionConverged == broadcaster.clusterStateBundle.Version()
}

// A node needs the stamped state variant when it has a known start timestamp
// and the cluster last saw it go down within that same incarnation: it has not
// yet observed its own restart reflected in any state it received.
func nodeNeedsToObserveStartupTimestamps(nodeInfo *NodeInfo) bool {
    return nodeInfo.StartTimestamp() != 0 && nodeInfo.WentDownWithStartTime() == nodeInfo.StartTimestamp()
}

// buildModifiedClusterState fills start timestamps for every non-distributor
// member whose timestamp is missing from the state copy, taking them from the
// roster. The result exists only as an outbound payload and is never kept as
// the current bundle.
func buildModifiedClusterState(sourceState state.ClusterState, cluster *Cluster) state.ClusterState {
    newState := sourceState.Clone()

    for _, nodeInfo := range cluster.Nodes() {
        nodeState := newState.NodeState(nodeInfo.Node())

        if !nodeInfo.IsDistributor() && nodeState.StartTimestamp == 0 {
            nodeState.StartTimestamp = nodeInfo.StartTimestamp()
            newState.SetNodeState(nodeInfo.Node(), nodeState)
        }
    }

    return newState
}
