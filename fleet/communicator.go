package fleet

import (
    "github.com/openfleet/fleetd/state"
)

type ReplyCode int

const (
    ReplyOK ReplyCode = iota
    // The node could not take the request right now. Retried silently on a
    // later tick.
    ReplyTransientError
    // The node rejected the request or the transport gave up on it.
    ReplyPermanentError
    // The node does not implement the requested RPC. Only meaningful for
    // activation requests, where it identifies a node running older software.
    ReplyNoSuchMethod
)

// StateBundleReply is the asynchronous completion of one SendClusterStateBundle
// call, classified by the transport collaborator.
type StateBundleReply struct {
    Node state.Node
    Version int
    Code ReplyCode
    Message string
}

func (reply StateBundleReply) IsError() bool {
    return reply.Code != ReplyOK
}

// ActivationReply is the asynchronous completion of one
// SendClusterStateActivation call.
type ActivationReply struct {
    Node state.Node
    Version int
    Code ReplyCode
    Message string
}

func (reply ActivationReply) IsError() bool {
    return reply.Code != ReplyOK
}

// Communicator is the outbound RPC collaborator. Both sends are asynchronous
// and fire-and-forget from the caller's perspective: each attempts delivery at
// most once and always eventually invokes its done callback, possibly from a
// transport thread. The callback must not block.
//
// Nodes are addressed by value so transport threads never hold references into
// the roster table.
type Communicator interface {
    SendClusterStateBundle(bundle *state.Bundle, node state.Node, address string, done func(StateBundleReply))
    SendClusterStateActivation(version int, node state.Node, address string, done func(ActivationReply))
}
