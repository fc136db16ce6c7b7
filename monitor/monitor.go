package monitor

import (
    "net/http"
    "sync"

    "github.com/gorilla/mux"
    "github.com/gorilla/websocket"

    . "github.com/openfleet/fleetd/logging"
)

const (
    EventClusterStatePublished = "published"
    EventClusterStateConverged = "converged"
)

// ClusterEvent is one entry in the controller's event stream: a cluster state
// version was published to the fleet, or the fleet converged on it.
type ClusterEvent struct {
    Type string `json:"type"`
    Version int `json:"version"`
    Timestamp int64 `json:"timestamp"`
}

// Hub fans cluster events out to websocket observers. Slow or dead observers
// are dropped rather than allowed to block event publication.
type Hub struct {
    upgrader websocket.Upgrader
    mu sync.Mutex
    watchers map[*websocket.Conn]chan ClusterEvent
}

func NewHub() *Hub {
    return &Hub{
        upgrader: websocket.Upgrader{
            ReadBufferSize: 1024,
            WriteBufferSize: 1024,
        },
        watchers: make(map[*websocket.Conn]chan ClusterEvent),
    }
}

func (hub *Hub) Attach(router *mux.Router) {
    router.HandleFunc("/fleet/events/ws", func(w http.ResponseWriter, r *http.Request) {
        conn, err := hub.upgrader.Upgrade(w, r, nil)

        if err != nil {
            Log.Warningf("GET /fleet/events/ws: Unable to upgrade connection: %v", err.Error())

            return
        }

        events := make(chan ClusterEvent, 16)

        hub.mu.Lock()
        hub.watchers[conn] = events
        hub.mu.Unlock()

        go func() {
            for event := range events {
                if err := conn.WriteJSON(event); err != nil {
                    Log.Debugf("Dropping event watcher: %v", err.Error())
                    hub.removeWatcher(conn)

                    return
                }
            }
        }()

        go func() {
            // Consume and discard any inbound frames so closure is noticed
            for {
                if _, _, err := conn.ReadMessage(); err != nil {
                    hub.removeWatcher(conn)

                    return
                }
            }
        }()
    }).Methods("GET")
}

func (hub *Hub) removeWatcher(conn *websocket.Conn) {
    hub.mu.Lock()
    defer hub.mu.Unlock()

    if events, ok := hub.watchers[conn]; ok {
        delete(hub.watchers, conn)
        close(events)
        conn.Close()
    }
}

// Publish delivers an event to every connected watcher without blocking the
// caller. A watcher whose buffer is full misses the event.
func (hub *Hub) Publish(event ClusterEvent) {
    hub.mu.Lock()
    defer hub.mu.Unlock()

    for _, events := range hub.watchers {
        select {
        case events <- event:
        default:
        }
    }
}

func (hub *Hub) WatcherCount() int {
    hub.mu.Lock()
    defer hub.mu.Unlock()

    return len(hub.watchers)
}
