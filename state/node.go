package state

import (
    "errors"
    "fmt"
    "strconv"
    "strings"
)

var EInvalidNode = errors.New("The node specifier could not be parsed")

type NodeType string

const (
    NodeTypeDistributor NodeType = "distributor"
    NodeTypeStorage NodeType = "storage"
)

func (nodeType NodeType) IsValid() bool {
    return nodeType == NodeTypeDistributor || nodeType == NodeTypeStorage
}

// Node identifies a cluster member by class and index. It is stable for the
// lifetime of the member and usable as a map key.
type Node struct {
    Type NodeType
    Index uint16
}

func (node Node) IsDistributor() bool {
    return node.Type == NodeTypeDistributor
}

func (node Node) String() string {
    return fmt.Sprintf("%s.%d", node.Type, node.Index)
}

func (node Node) MarshalText() ([]byte, error) {
    return []byte(node.String()), nil
}

func (node *Node) UnmarshalText(text []byte) error {
    parts := strings.Split(string(text), ".")

    if len(parts) != 2 {
        return EInvalidNode
    }

    nodeType := NodeType(parts[0])

    if !nodeType.IsValid() {
        return EInvalidNode
    }

    index, err := strconv.ParseUint(parts[1], 10, 16)

    if err != nil {
        return EInvalidNode
    }

    node.Type = nodeType
    node.Index = uint16(index)

    return nil
}

type Health string

const (
    HealthUp Health = "up"
    HealthDown Health = "down"
    HealthInitializing Health = "initializing"
    HealthMaintenance Health = "maintenance"
    HealthStopping Health = "stopping"
    HealthRetired Health = "retired"
)

func (health Health) OneOf(healths ...Health) bool {
    for _, h := range healths {
        if health == h {
            return true
        }
    }

    return false
}
