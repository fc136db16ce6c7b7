package fleet

import (
    "errors"
    "sync"
    "time"

    "github.com/openfleet/fleetd/database"
    . "github.com/openfleet/fleetd/logging"
    "github.com/openfleet/fleetd/monitor"
    "github.com/openfleet/fleetd/state"
)

var EControllerStarted = errors.New("The fleet controller is already started")
var ENoClusterState = errors.New("The submitted cluster state is empty")

type ControllerOptions struct {
    // How often the maintenance loop runs when there is no outstanding work.
    // Ticks run back to back while requests are still being dispatched or
    // replies are still arriving.
    TickInterval time.Duration
    // Whether the surrounding deployment supports the two-phase
    // broadcast-then-activate protocol. When false, bundles constructed with
    // deferred activation still converge on bundle ACKs alone.
    EnableTwoPhaseClusterStateActivation bool
}

// FleetController owns the authoritative view of cluster membership and runs
// the maintenance loop that pushes every new cluster state bundle out to the
// fleet until all distributors have adopted it. It is the only component that
// assigns state versions, and the only one that mutates the roster
// bookkeeping, via the broadcaster.
type FleetController struct {
    options ControllerOptions
    cluster *Cluster
    communicator Communicator
    broadcaster *StateBroadcaster
    stateStore database.StateStore
    clock Clock
    mu sync.Mutex
    onConvergedCB func(*state.Bundle)
    onPublishedCB func(*state.Bundle)
    nextStateVersion int
    stop chan int
    running bool
}

func NewFleetController(options ControllerOptions, cluster *Cluster, communicator Communicator, stateStore database.StateStore) (*FleetController, error) {
    if options.TickInterval == 0 {
        options.TickInterval = time.Second
    }

    latestVersion, err := stateStore.LatestStateVersion()

    if err != nil {
        return nil, err
    }

    clock := WallClock{}

    return &FleetController{
        options: options,
        cluster: cluster,
        communicator: communicator,
        broadcaster: NewStateBroadcaster(clock),
        stateStore: stateStore,
        clock: clock,
        nextStateVersion: latestVersion + 1,
    }, nil
}

func (controller *FleetController) Cluster() *Cluster {
    return controller.cluster
}

func (controller *FleetController) Broadcaster() *StateBroadcaster {
    return controller.broadcaster
}

// OnAllDistributorsInSync registers the callback fired exactly once per
// version when all distributors have adopted a bundle. It runs on the
// maintenance thread.
func (controller *FleetController) OnAllDistributorsInSync(cb func(*state.Bundle)) {
    controller.onConvergedCB = cb
}

// OnClusterStatePublished registers a callback fired once per version when a
// bundle is first handed to the broadcaster.
func (controller *FleetController) OnClusterStatePublished(cb func(*state.Bundle)) {
    controller.onPublishedCB = cb
}

// SubmitClusterState assigns the next state version to the supplied baseline
// state, wraps it into a bundle and hands it to the broadcaster, superseding
// whatever bundle was current. The assigned version is persisted before the
// bundle becomes current so versions stay strictly increasing across
// controller restarts.
func (controller *FleetController) SubmitClusterState(baseline state.ClusterState, deferredActivation bool) (*state.Bundle, error) {
    controller.mu.Lock()
    defer controller.mu.Unlock()

    if baseline.Nodes == nil {
        return nil, ENoClusterState
    }

    version := controller.nextStateVersion

    if err := controller.stateStore.SetLatestStateVersion(version); err != nil {
        Log.Errorf("Unable to persist cluster state version %d: %v", version, err.Error())

        return nil, err
    }

    controller.nextStateVersion++

    baseline = baseline.Clone()
    baseline.Version = version

    bundle := state.NewBundle(baseline, deferredActivation)
    controller.broadcaster.HandleNewClusterStateBundle(bundle)
    monitor.SetCurrentClusterStateVersion(version)

    if controller.onPublishedCB != nil {
        controller.onPublishedCB(bundle)
    }

    return bundle, nil
}

// SubmitClusterStateBundle hands off a fully formed bundle, for callers that
// build per-group override states themselves. The version must have been
// obtained through NextStateVersion.
func (controller *FleetController) SubmitClusterStateBundle(bundle *state.Bundle) {
    controller.mu.Lock()
    defer controller.mu.Unlock()

    controller.broadcaster.HandleNewClusterStateBundle(bundle)
    monitor.SetCurrentClusterStateVersion(bundle.Version())

    if controller.onPublishedCB != nil {
        controller.onPublishedCB(bundle)
    }
}

// NextStateVersion persists and returns the next unused state version.
func (controller *FleetController) NextStateVersion() (int, error) {
    controller.mu.Lock()
    defer controller.mu.Unlock()

    version := controller.nextStateVersion

    if err := controller.stateStore.SetLatestStateVersion(version); err != nil {
        return 0, err
    }

    controller.nextStateVersion++

    return version, nil
}

func (controller *FleetController) HasBroadcastedClusterStateBundle() bool {
    controller.mu.Lock()
    defer controller.mu.Unlock()

    return controller.broadcaster.HasBroadcastedClusterStateBundle()
}

func (controller *FleetController) ClusterStateBundle() *state.Bundle {
    controller.mu.Lock()
    defer controller.mu.Unlock()

    return controller.broadcaster.ClusterStateBundle()
}

func (controller *FleetController) LastClusterStateVersionConverged() int {
    controller.mu.Lock()
    defer controller.mu.Unlock()

    return controller.broadcaster.LastClusterStateVersionConverged()
}

// Tick runs one maintenance pass: drain and apply queued replies, fan out
// bundle requests, fan out activation requests, then re-evaluate convergence.
// Returns whether any work was found, so the caller can keep polling
// aggressively while the fleet is still catching up.
func (controller *FleetController) Tick() bool {
    controller.mu.Lock()
    defer controller.mu.Unlock()

    workDone := controller.broadcaster.ProcessReplies(controller.cluster)
    workDone = controller.broadcaster.BroadcastNewStateBundleIfRequired(controller.cluster, controller.communicator) || workDone
    workDone = controller.broadcaster.BroadcastStateActivationsIfRequired(controller.cluster, controller.communicator, controller.options.EnableTwoPhaseClusterStateActivation) || workDone

    controller.broadcaster.CheckIfClusterStateIsAckedByAllDistributors(controller.cluster, controller.options.EnableTwoPhaseClusterStateActivation, controller.handleAllDistributorsInSync)

    return workDone
}

// The convergence side effects: remember the converged version in the
// coordination store, persist the start timestamps the fleet has now
// observed, and clear each node's went-down marker so subsequent broadcasts
// no longer need the stamped state variant.
func (controller *FleetController) handleAllDistributorsInSync(bundle *state.Bundle) {
    if err := controller.stateStore.SetLastConvergedVersion(bundle.Version()); err != nil {
        Log.Errorf("Unable to persist converged cluster state version %d: %v", bundle.Version(), err.Error())
    }

    for _, nodeInfo := range controller.cluster.Nodes() {
        if nodeInfo.StartTimestamp() == 0 {
            continue
        }

        if err := controller.stateStore.SetStartTimestamp(nodeInfo.Node(), nodeInfo.StartTimestamp()); err != nil {
            Log.Errorf("Unable to persist start timestamp for node %v: %v", nodeInfo.Node(), err.Error())
        }

        nodeInfo.ClearWentDownWithStartTime()
    }

    if controller.onConvergedCB != nil {
        controller.onConvergedCB(bundle)
    }
}

// Start runs the maintenance loop until Stop is called. Ticks that dispatched
// requests or drained replies are followed immediately by another tick;
// otherwise the loop sleeps for the configured interval.
func (controller *FleetController) Start() error {
    controller.mu.Lock()

    if controller.running {
        controller.mu.Unlock()

        return EControllerStarted
    }

    controller.running = true
    controller.stop = make(chan int)
    stop := controller.stop
    controller.mu.Unlock()

    go func() {
        for {
            workDone := controller.Tick()

            if workDone {
                select {
                case <-stop:
                    return
                default:
                    continue
                }
            }

            select {
            case <-stop:
                return
            case <-time.After(controller.options.TickInterval):
            }
        }
    }()

    return nil
}

func (controller *FleetController) Stop() {
    controller.mu.Lock()
    defer controller.mu.Unlock()

    if !controller.running {
        return
    }

    controller.running = false
    close(controller.stop)
}

// NodeStatus is one row of the controller's status surface.
type NodeStatus struct {
    Node state.Node `json:"node"`
    ReportedHealth state.Health `json:"reportedHealth"`
    RPCAddress string `json:"rpcAddress"`
    Reachable bool `json:"reachable"`
    VersionBundleSent int `json:"versionBundleSent"`
    VersionBundleAcked int `json:"versionBundleAcked"`
    VersionActivationSent int `json:"versionActivationSent"`
    VersionActivationAcked int `json:"versionActivationAcked"`
}

// Status snapshots the per-node dissemination bookkeeping along with the
// current and last converged versions.
func (controller *FleetController) Status() ([]NodeStatus, int, int) {
    controller.mu.Lock()
    defer controller.mu.Unlock()

    currentVersion := 0

    if controller.broadcaster.HasBroadcastedClusterStateBundle() {
        currentVersion = controller.broadcaster.ClusterStateBundle().Version()
    }

    nodes := controller.cluster.Nodes()
    statuses := make([]NodeStatus, 0, len(nodes))

    for _, nodeInfo := range nodes {
        statuses = append(statuses, NodeStatus{
            Node: nodeInfo.Node(),
            ReportedHealth: nodeInfo.ReportedHealth(),
            RPCAddress: nodeInfo.RPCAddress(),
            Reachable: nodeIsReachable(nodeInfo),
            VersionBundleSent: nodeInfo.ClusterStateVersionBundleSent(),
            VersionBundleAcked: nodeInfo.ClusterStateVersionBundleAcknowledged(),
            VersionActivationSent: nodeInfo.ClusterStateVersionActivationSent(),
            VersionActivationAcked: nodeInfo.ClusterStateVersionActivationAcked(),
        })
    }

    return statuses, currentVersion, controller.broadcaster.LastClusterStateVersionConverged()
}
