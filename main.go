package main

import (
    "encoding/json"
    "flag"
    "fmt"
    "io/ioutil"
    "net/http"
    "os"
    "strconv"
    "time"

    "github.com/gorilla/mux"
    "github.com/olekukonko/tablewriter"

    "github.com/openfleet/fleetd/config"
    "github.com/openfleet/fleetd/database"
    "github.com/openfleet/fleetd/fleet"
    . "github.com/openfleet/fleetd/logging"
    "github.com/openfleet/fleetd/monitor"
    "github.com/openfleet/fleetd/state"
    "github.com/openfleet/fleetd/transport"
)

var templateConfig string =
`# The host and port fields specify where the fleet controller's status,
# metrics and event endpoints are served
host: localhost
port: 9090

# How often, in milliseconds, the controller re-evaluates which nodes still
# need the current cluster state or its activation
tickIntervalMillis: 1000

# Whether nodes in this deployment support the two-phase
# broadcast-then-activate protocol
enableTwoPhaseClusterStateActivation: true

# The directory where the controller persists state versions between restarts.
# If omitted, versions are kept in memory only.
stateStoreFile: /tmp/fleetd

# Whether to serve prometheus metrics at /metrics
enableMetrics: true

# Log level: critical, error, warning, notice, info or debug
logLevel: info

# The cluster members the controller disseminates state to
nodes:
    - type: distributor
      index: 0
      host: localhost
      port: 9100
    - type: storage
      index: 0
      host: localhost
      port: 9200
`

var usage string =
`Usage: fleetd <command> <arguments>

Commands:
    start   Start the fleet controller
    conf    Generate a template config file
    status  Show the per-node cluster state dissemination status

Use fleetd <command> -h for more usage information about a command.
`

func main() {
    startCommand := flag.NewFlagSet("start", flag.ExitOnError)
    confCommand := flag.NewFlagSet("conf", flag.ExitOnError)
    statusCommand := flag.NewFlagSet("status", flag.ExitOnError)

    startConfFile := startCommand.String("conf", "", "The config file for the fleet controller")
    confFile := confCommand.String("file", "fleetd.yaml", "The file to write the template config to")
    statusAddress := statusCommand.String("address", "localhost:9090", "The host:port the fleet controller status endpoint is served at")

    if len(os.Args) < 2 {
        fmt.Fprintf(os.Stderr, "%s", usage)
        os.Exit(1)
    }

    switch os.Args[1] {
    case "start":
        startCommand.Parse(os.Args[2:])
        start(*startConfFile)
    case "conf":
        confCommand.Parse(os.Args[2:])

        if err := ioutil.WriteFile(*confFile, []byte(templateConfig), 0644); err != nil {
            fmt.Fprintf(os.Stderr, "Error: Unable to write config template to %s: %v\n", *confFile, err)
            os.Exit(1)
        }
    case "status":
        statusCommand.Parse(os.Args[2:])
        status(*statusAddress)
    case "help":
        fmt.Fprintf(os.Stderr, "%s", usage)
    default:
        fmt.Fprintf(os.Stderr, "Error: \"%s\" is not a recognized command\n\n%s", os.Args[1], usage)
        os.Exit(1)
    }
}

func start(confFile string) {
    if confFile == "" {
        fmt.Fprintf(os.Stderr, "Error: No config file specified\n")
        os.Exit(1)
    }

    var controllerConfig config.Config

    if err := controllerConfig.LoadFromFile(confFile); err != nil {
        fmt.Fprintf(os.Stderr, "Error: Unable to load config file %s: %v\n", confFile, err)
        os.Exit(1)
    }

    SetLoggingLevel(controllerConfig.LogLevel)

    var stateStore database.StateStore

    if controllerConfig.StateStoreFile == "" {
        stateStore = database.NewMemoryStateStore()
    } else {
        levelDBStateStore := database.NewLevelDBStateStore(controllerConfig.StateStoreFile)

        if err := levelDBStateStore.Open(); err != nil {
            Log.Criticalf("Unable to open state store at %s: %v", controllerConfig.StateStoreFile, err.Error())
            os.Exit(1)
        }

        stateStore = levelDBStateStore
    }

    cluster := fleet.NewCluster()
    baseline := state.NewClusterState(0)

    for _, nodeConfig := range controllerConfig.Nodes {
        nodeInfo := cluster.AddNode(nodeConfig.Node())
        nodeInfo.SetRPCAddress(nodeConfig.Address())
        nodeInfo.SetReportedHealth(state.HealthUp)
        baseline.SetNodeState(nodeConfig.Node(), state.NodeState{ Health: state.HealthUp })
    }

    controller, err := fleet.NewFleetController(fleet.ControllerOptions{
        TickInterval: time.Duration(controllerConfig.TickIntervalMillis) * time.Millisecond,
        EnableTwoPhaseClusterStateActivation: controllerConfig.EnableTwoPhaseClusterStateActivation,
    }, cluster, transport.NewHTTPCommunicator(), stateStore)

    if err != nil {
        Log.Criticalf("Unable to initialize fleet controller: %v", err.Error())
        os.Exit(1)
    }

    hub := monitor.NewHub()

    controller.OnClusterStatePublished(func(bundle *state.Bundle) {
        hub.Publish(monitor.ClusterEvent{
            Type: monitor.EventClusterStatePublished,
            Version: bundle.Version(),
            Timestamp: time.Now().UnixMilli(),
        })
    })

    controller.OnAllDistributorsInSync(func(bundle *state.Bundle) {
        Log.Infof("Cluster converged on state version %d", bundle.Version())

        hub.Publish(monitor.ClusterEvent{
            Type: monitor.EventClusterStateConverged,
            Version: bundle.Version(),
            Timestamp: time.Now().UnixMilli(),
        })
    })

    router := mux.NewRouter()
    transport.NewStatusServer(controller).Attach(router)
    hub.Attach(router)

    if controllerConfig.EnableMetrics {
        monitor.AttachMetrics(router)
    }

    if _, err := controller.SubmitClusterState(baseline, controllerConfig.EnableTwoPhaseClusterStateActivation); err != nil {
        Log.Criticalf("Unable to submit initial cluster state: %v", err.Error())
        os.Exit(1)
    }

    if err := controller.Start(); err != nil {
        Log.Criticalf("Unable to start fleet controller: %v", err.Error())
        os.Exit(1)
    }

    Log.Infof("Fleet controller listening on %s:%d", controllerConfig.Host, controllerConfig.Port)

    if err := http.ListenAndServe(fmt.Sprintf("%s:%d", controllerConfig.Host, controllerConfig.Port), router); err != nil {
        Log.Criticalf("Unable to serve status endpoints: %v", err.Error())
        os.Exit(1)
    }
}

func status(address string) {
    resp, err := http.Get(fmt.Sprintf("http://%s/fleet/status", address))

    if err != nil {
        fmt.Fprintf(os.Stderr, "Error: Unable to query fleet controller at %s: %v\n", address, err)
        os.Exit(1)
    }

    defer resp.Body.Close()

    body, err := ioutil.ReadAll(resp.Body)

    if err != nil {
        fmt.Fprintf(os.Stderr, "Error: Unable to read status response: %v\n", err)
        os.Exit(1)
    }

    var fleetStatus transport.FleetStatus

    if err := json.Unmarshal(body, &fleetStatus); err != nil {
        fmt.Fprintf(os.Stderr, "Error: Unable to parse status response: %v\n", err)
        os.Exit(1)
    }

    fmt.Printf("Current state version: %d\n", fleetStatus.CurrentVersion)
    fmt.Printf("Last converged version: %d\n\n", fleetStatus.LastConvergedVersion)

    table := tablewriter.NewWriter(os.Stdout)
    table.SetHeader([]string{ "Node", "Health", "Address", "Reachable", "Sent", "Acked", "Activation Sent", "Activation Acked" })

    for _, nodeStatus := range fleetStatus.Nodes {
        table.Append([]string{
            nodeStatus.Node.String(),
            string(nodeStatus.ReportedHealth),
            nodeStatus.RPCAddress,
            strconv.FormatBool(nodeStatus.Reachable),
            strconv.Itoa(nodeStatus.VersionBundleSent),
            strconv.Itoa(nodeStatus.VersionBundleAcked),
            strconv.Itoa(nodeStatus.VersionActivationSent),
            strconv.Itoa(nodeStatus.VersionActivationAcked),
        })
    }

    table.Render()
}
