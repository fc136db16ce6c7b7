package monitor

import (
    "github.com/gorilla/mux"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    clusterStateBundlesSent = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "fleetd",
        Name: "cluster_state_bundles_sent_total",
        Help: "Total number of cluster state bundle requests dispatched to nodes",
    })

    clusterStateActivationsSent = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "fleetd",
        Name: "cluster_state_activations_sent_total",
        Help: "Total number of cluster state activation requests dispatched to nodes",
    })

    nodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "fleetd",
        Name: "node_errors_total",
        Help: "Total number of non-transient error replies received from nodes",
    })

    clusterConvergences = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "fleetd",
        Name: "cluster_convergences_total",
        Help: "Total number of cluster state versions all distributors converged on",
    })

    currentClusterStateVersion = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "fleetd",
        Name: "current_cluster_state_version",
        Help: "Version of the cluster state bundle currently being disseminated",
    })

    lastConvergedClusterStateVersion = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "fleetd",
        Name: "last_converged_cluster_state_version",
        Help: "Last cluster state version all distributors converged on",
    })
)

func init() {
    prometheus.MustRegister(clusterStateBundlesSent)
    prometheus.MustRegister(clusterStateActivationsSent)
    prometheus.MustRegister(nodeErrors)
    prometheus.MustRegister(clusterConvergences)
    prometheus.MustRegister(currentClusterStateVersion)
    prometheus.MustRegister(lastConvergedClusterStateVersion)
}

func RecordClusterStateBundleSent() {
    clusterStateBundlesSent.Inc()
}

func RecordClusterStateActivationSent() {
    clusterStateActivationsSent.Inc()
}

func RecordNodeError() {
    nodeErrors.Inc()
}

func RecordClusterConvergence(version int) {
    clusterConvergences.Inc()
    lastConvergedClusterStateVersion.Set(float64(version))
}

func SetCurrentClusterStateVersion(version int) {
    currentClusterStateVersion.Set(float64(version))
}

// AttachMetrics mounts the prometheus scrape endpoint on the controller's
// router.
func AttachMetrics(router *mux.Router) {
    router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}
