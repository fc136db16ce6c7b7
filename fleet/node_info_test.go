package fleet_test

import (
    . "github.com/openfleet/fleetd/fleet"
    "github.com/openfleet/fleetd/state"

    . "github.com/onsi/ginkgo"
    . "github.com/onsi/gomega"
)

var _ = Describe("NodeInfo", func() {
    var nodeInfo *NodeInfo

    BeforeEach(func() {
        nodeInfo = NewNodeInfo(distributor(3))
    })

    It("should start out down with no known address", func() {
        Expect(nodeInfo.ReportedHealth()).Should(Equal(state.HealthDown))
        Expect(nodeInfo.RPCAddress()).Should(Equal(""))
    })

    It("should clear the outdated flag when a fresh address is learned", func() {
        nodeInfo.SetRPCAddress("d3.example.com:9100")
        nodeInfo.MarkRPCAddressOutdated()
        Expect(nodeInfo.RPCAddressIsOutdated()).Should(BeTrue())

        nodeInfo.SetRPCAddress("d3.example.com:9101")
        Expect(nodeInfo.RPCAddressIsOutdated()).Should(BeFalse())
    })

    Describe("acknowledgment bookkeeping", func() {
        It("should only move the bundle ack forward", func() {
            nodeInfo.SetClusterStateBundleAcknowledged(5, true)
            Expect(nodeInfo.ClusterStateVersionBundleAcknowledged()).Should(Equal(5))

            nodeInfo.SetClusterStateBundleAcknowledged(3, true)
            Expect(nodeInfo.ClusterStateVersionBundleAcknowledged()).Should(Equal(5))

            nodeInfo.SetClusterStateBundleAcknowledged(5, true)
            Expect(nodeInfo.ClusterStateVersionBundleAcknowledged()).Should(Equal(5))

            nodeInfo.SetClusterStateBundleAcknowledged(6, true)
            Expect(nodeInfo.ClusterStateVersionBundleAcknowledged()).Should(Equal(6))
        })

        It("should never move the bundle ack on a failed reply", func() {
            nodeInfo.SetClusterStateBundleAcknowledged(5, false)
            Expect(nodeInfo.ClusterStateVersionBundleAcknowledged()).Should(Equal(0))

            nodeInfo.SetClusterStateBundleAcknowledged(5, true)
            nodeInfo.SetClusterStateBundleAcknowledged(6, false)
            Expect(nodeInfo.ClusterStateVersionBundleAcknowledged()).Should(Equal(5))
        })

        It("should roll the bundle sent marker back when the outstanding request fails", func() {
            nodeInfo.MarkClusterStateBundleSent(5)
            nodeInfo.SetClusterStateBundleAcknowledged(5, false)

            Expect(nodeInfo.ClusterStateVersionBundleSent()).Should(Equal(4))
            Expect(nodeInfo.ClusterStateVersionBundleAcknowledged()).Should(Equal(0))
        })

        It("should leave the bundle sent marker alone when a stale request fails", func() {
            nodeInfo.MarkClusterStateBundleSent(5)
            nodeInfo.SetClusterStateBundleAcknowledged(4, false)

            Expect(nodeInfo.ClusterStateVersionBundleSent()).Should(Equal(5))
        })

        It("should only move the activation ack forward", func() {
            nodeInfo.SetClusterStateActivationAcked(5, true)
            nodeInfo.SetClusterStateActivationAcked(4, true)

            Expect(nodeInfo.ClusterStateVersionActivationAcked()).Should(Equal(5))
        })

        It("should roll the activation sent marker back when the outstanding request fails", func() {
            nodeInfo.MarkClusterStateActivationSent(5)
            nodeInfo.SetClusterStateActivationAcked(5, false)

            Expect(nodeInfo.ClusterStateVersionActivationSent()).Should(Equal(4))
            Expect(nodeInfo.ClusterStateVersionActivationAcked()).Should(Equal(0))
        })
    })
})

var _ = Describe("Cluster", func() {
    It("should return existing bookkeeping when a member is added twice", func() {
        cluster := NewCluster()

        first := cluster.AddNode(storage(0))
        first.SetReportedHealth(state.HealthUp)

        second := cluster.AddNode(storage(0))

        Expect(second).Should(BeIdenticalTo(first))
        Expect(cluster.Size()).Should(Equal(1))
    })

    It("should list members in a stable order", func() {
        cluster := makeCluster(storage(1), distributor(2), storage(0), distributor(0))

        nodes := make([]state.Node, 0)

        for _, nodeInfo := range cluster.Nodes() {
            nodes = append(nodes, nodeInfo.Node())
        }

        Expect(nodes).Should(Equal([]state.Node{ distributor(0), distributor(2), storage(0), storage(1) }))
    })

    It("should forget removed members", func() {
        cluster := makeCluster(storage(0))
        cluster.RemoveNode(storage(0))

        Expect(cluster.NodeInfo(storage(0))).Should(BeNil())
        Expect(cluster.Size()).Should(Equal(0))
    })
})
