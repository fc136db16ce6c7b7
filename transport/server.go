package transport

import (
    "encoding/json"
    "io"
    "io/ioutil"
    "net/http"

    "github.com/gorilla/mux"

    . "github.com/openfleet/fleetd/logging"
    "github.com/openfleet/fleetd/state"
)

// StateApplier is the node-side hook the state endpoints delegate to: the
// receiving node's own logic for adopting a cluster state bundle and, for
// two-phase deployments, activating a version it already holds.
type StateApplier interface {
    ApplyClusterStateBundle(bundle *state.Bundle) error
    ActivateClusterStateVersion(version int) error
}

// NodeStateServer exposes the two inbound RPC endpoints a cluster member
// serves for the fleet controller.
type NodeStateServer struct {
    applier StateApplier
}

func NewNodeStateServer(applier StateApplier) *NodeStateServer {
    return &NodeStateServer{
        applier: applier,
    }
}

func (server *NodeStateServer) Attach(router *mux.Router) {
    router.HandleFunc(EndpointClusterState, func(w http.ResponseWriter, r *http.Request) {
        body, err := ioutil.ReadAll(r.Body)

        if err != nil {
            Log.Warningf("POST %s: Unable to read request body", EndpointClusterState)

            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusInternalServerError)
            io.WriteString(w, "\n")

            return
        }

        var bundle state.Bundle

        if err := json.Unmarshal(body, &bundle); err != nil {
            Log.Warningf("POST %s: Unable to parse request body: %v", EndpointClusterState, err.Error())

            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusBadRequest)
            io.WriteString(w, "\n")

            return
        }

        if err := server.applier.ApplyClusterStateBundle(&bundle); err != nil {
            Log.Warningf("POST %s: Unable to apply cluster state version %d: %v", EndpointClusterState, bundle.Version(), err.Error())

            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusServiceUnavailable)
            io.WriteString(w, "\n")

            return
        }

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, "\n")
    }).Methods("POST")

    router.HandleFunc(EndpointClusterStateActivation, func(w http.ResponseWriter, r *http.Request) {
        var activationRequest ActivationRequest
        decoder := json.NewDecoder(r.Body)

        if err := decoder.Decode(&activationRequest); err != nil {
            Log.Warningf("POST %s: Unable to parse request body: %v", EndpointClusterStateActivation, err.Error())

            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusBadRequest)
            io.WriteString(w, "\n")

            return
        }

        if err := server.applier.ActivateClusterStateVersion(activationRequest.Version); err != nil {
            Log.Warningf("POST %s: Unable to activate cluster state version %d: %v", EndpointClusterStateActivation, activationRequest.Version, err.Error())

            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusServiceUnavailable)
            io.WriteString(w, "\n")

            return
        }

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, "\n")
    }).Methods("POST")
}
