package state

// Bundle is a versioned snapshot of cluster membership state as handed to the
// dissemination engine: a baseline state plus optional per-group overrides.
// A bundle is never modified after construction. The official flag is flipped
// by building a copy with AsOfficial() the first time the bundle is selected
// for broadcast, so a bundle reference can be shared across threads freely.
type Bundle struct {
    Baseline ClusterState `json:"baseline"`
    GroupStates map[string]ClusterState `json:"groupStates,omitempty"`
    Official bool `json:"official"`
    DeferredActivation bool `json:"deferredActivation"`
}

func NewBundle(baseline ClusterState, deferredActivation bool) *Bundle {
    return &Bundle{
        Baseline: baseline,
        DeferredActivation: deferredActivation,
    }
}

func NewBundleWithGroupStates(baseline ClusterState, groupStates map[string]ClusterState, deferredActivation bool) *Bundle {
    return &Bundle{
        Baseline: baseline,
        GroupStates: groupStates,
        DeferredActivation: deferredActivation,
    }
}

// Version of a bundle is the version of its baseline state. All group state
// overrides carry the same version.
func (bundle *Bundle) Version() int {
    return bundle.Baseline.Version
}

// AsOfficial returns a copy of this bundle with the official flag set. The
// receiver is left untouched.
func (bundle *Bundle) AsOfficial() *Bundle {
    official := bundle.clone()
    official.Official = true

    return official
}

// CloneWithMapper returns a copy of this bundle where the baseline state and
// every group state override have been passed through the supplied mapper.
// Used to derive per-recipient payload variants without touching the bundle
// itself.
func (bundle *Bundle) CloneWithMapper(mapper func(ClusterState) ClusterState) *Bundle {
    clone := &Bundle{
        Baseline: mapper(bundle.Baseline.Clone()),
        Official: bundle.Official,
        DeferredActivation: bundle.DeferredActivation,
    }

    if bundle.GroupStates != nil {
        clone.GroupStates = make(map[string]ClusterState, len(bundle.GroupStates))

        for group, groupState := range bundle.GroupStates {
            clone.GroupStates[group] = mapper(groupState.Clone())
        }
    }

    return clone
}

func (bundle *Bundle) clone() *Bundle {
    return bundle.CloneWithMapper(func(clusterState ClusterState) ClusterState {
        return clusterState
    })
}
