package transport

import (
    "encoding/json"
    "io"
    "net/http"

    "github.com/gorilla/mux"

    "github.com/openfleet/fleetd/fleet"
    . "github.com/openfleet/fleetd/logging"
)

// FleetStatus is the controller's status page payload.
type FleetStatus struct {
    CurrentVersion int `json:"currentVersion"`
    LastConvergedVersion int `json:"lastConvergedVersion"`
    Nodes []fleet.NodeStatus `json:"nodes"`
}

// StatusServer exposes the controller's per-node dissemination bookkeeping
// for operators and tooling.
type StatusServer struct {
    controller *fleet.FleetController
}

func NewStatusServer(controller *fleet.FleetController) *StatusServer {
    return &StatusServer{
        controller: controller,
    }
}

func (server *StatusServer) Attach(router *mux.Router) {
    router.HandleFunc("/fleet/status", func(w http.ResponseWriter, r *http.Request) {
        nodes, currentVersion, lastConvergedVersion := server.controller.Status()

        status := FleetStatus{
            CurrentVersion: currentVersion,
            LastConvergedVersion: lastConvergedVersion,
            Nodes: nodes,
        }

        encodedStatus, err := json.Marshal(status)

        if err != nil {
            Log.Warningf("GET /fleet/status: Unable to encode status: %v", err.Error())

            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusInternalServerError)
            io.WriteString(w, "\n")

            return
        }

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        w.Write(encodedStatus)
    }).Methods("GET")
}
