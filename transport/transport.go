package transport

import (
    "bytes"
    "encoding/json"
    "fmt"
    "io/ioutil"
    "net/http"
    "time"

    "github.com/google/uuid"

    "github.com/openfleet/fleetd/fleet"
    "github.com/openfleet/fleetd/state"
)

const (
    RequestTimeoutSeconds = 10

    EndpointClusterState = "/clusterstate/v2"
    EndpointClusterStateActivation = "/clusterstate/activate"
)

// ActivationRequest is the body of an activation RPC. It carries only the
// version number.
type ActivationRequest struct {
    Version int `json:"version"`
}

// HTTPCommunicator implements the controller's outbound RPC contract over
// plain HTTP. Every send runs in its own goroutine and always invokes the
// done callback with a classified reply: connection and timeout failures and
// 429/503 responses are transient, 404/501 mean the node does not implement
// the method, anything else non-2xx is permanent.
type HTTPCommunicator struct {
    httpClient *http.Client
}

func NewHTTPCommunicator() *HTTPCommunicator {
    return &HTTPCommunicator{
        httpClient: &http.Client{
            Timeout: time.Second * RequestTimeoutSeconds,
        },
    }
}

func (communicator *HTTPCommunicator) SendClusterStateBundle(bundle *state.Bundle, node state.Node, address string, done func(fleet.StateBundleReply)) {
    version := bundle.Version()
    encodedBundle, err := json.Marshal(bundle)

    if err != nil {
        done(fleet.StateBundleReply{ Node: node, Version: version, Code: fleet.ReplyPermanentError, Message: err.Error() })

        return
    }

    go func() {
        code, message := communicator.post(address, EndpointClusterState, encodedBundle)
        done(fleet.StateBundleReply{ Node: node, Version: version, Code: code, Message: message })
    }()
}

func (communicator *HTTPCommunicator) SendClusterStateActivation(version int, node state.Node, address string, done func(fleet.ActivationReply)) {
    encodedRequest, err := json.Marshal(ActivationRequest{ Version: version })

    if err != nil {
        done(fleet.ActivationReply{ Node: node, Version: version, Code: fleet.ReplyPermanentError, Message: err.Error() })

        return
    }

    go func() {
        code, message := communicator.post(address, EndpointClusterStateActivation, encodedRequest)
        done(fleet.ActivationReply{ Node: node, Version: version, Code: code, Message: message })
    }()
}

func (communicator *HTTPCommunicator) post(address string, endpoint string, body []byte) (fleet.ReplyCode, string) {
    request, err := http.NewRequest("POST", fmt.Sprintf("http://%s%s", address, endpoint), bytes.NewReader(body))

    if err != nil {
        return fleet.ReplyPermanentError, err.Error()
    }

    request.Header.Set("Content-Type", "application/json; charset=utf8")
    request.Header.Set("X-Request-ID", uuid.New().String())

    resp, err := communicator.httpClient.Do(request)

    if err != nil {
        // Includes dials to a node that is down and client timeouts. The node
        // may come back, so let the next tick retry.
        return fleet.ReplyTransientError, err.Error()
    }

    defer resp.Body.Close()

    responseBody, err := ioutil.ReadAll(resp.Body)

    if err != nil {
        return fleet.ReplyTransientError, err.Error()
    }

    return classifyStatusCode(resp.StatusCode, string(responseBody))
}

func classifyStatusCode(statusCode int, message string) (fleet.ReplyCode, string) {
    switch {
    case statusCode >= 200 && statusCode < 300:
        return fleet.ReplyOK, ""
    case statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable:
        return fleet.ReplyTransientError, fmt.Sprintf("(%d) %s", statusCode, message)
    case statusCode == http.StatusNotFound || statusCode == http.StatusNotImplemented:
        return fleet.ReplyNoSuchMethod, fmt.Sprintf("(%d) %s", statusCode, message)
    default:
        return fleet.ReplyPermanentError, fmt.Sprintf("(%d) %s", statusCode, message)
    }
}

var _ fleet.Communicator = (*HTTPCommunicator)(nil)
