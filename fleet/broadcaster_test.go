package fleet_test

import (
    . "github.com/openfleet/fleetd/fleet"
    "github.com/openfleet/fleetd/state"

    . "github.com/onsi/ginkgo"
    . "github.com/onsi/gomega"
)

// Runs the maintenance phases in the same order the controller does: drain
// replies, fan out bundles, fan out activations, re-evaluate convergence.
func runTick(broadcaster *StateBroadcaster, cluster *Cluster, communicator Communicator, twoPhase bool, onConverged func(*state.Bundle)) bool {
    workDone := broadcaster.ProcessReplies(cluster)
    workDone = broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator) || workDone
    workDone = broadcaster.BroadcastStateActivationsIfRequired(cluster, communicator, twoPhase) || workDone

    broadcaster.CheckIfClusterStateIsAckedByAllDistributors(cluster, twoPhase, onConverged)

    return workDone
}

var _ = Describe("Broadcaster", func() {
    var broadcaster *StateBroadcaster
    var cluster *Cluster
    var communicator *recordingCommunicator
    var clock *fakeClock
    var allNodes []state.Node

    BeforeEach(func() {
        clock = &fakeClock{ now: 1000 }
        broadcaster = NewStateBroadcaster(clock)
        communicator = newRecordingCommunicator()
        allNodes = []state.Node{ distributor(0), distributor(1), distributor(2), storage(0), storage(1) }
        cluster = makeCluster(allNodes...)
    })

    Describe("#BroadcastNewStateBundleIfRequired", func() {
        It("should do nothing before any bundle has been handed off", func() {
            Expect(broadcaster.HasBroadcastedClusterStateBundle()).Should(BeFalse())
            Expect(broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)).Should(BeFalse())
            Expect(communicator.stateBundleSends).Should(HaveLen(0))
        })

        It("should send the bundle to every reachable node that has not acknowledged it", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))

            Expect(broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)).Should(BeTrue())
            Expect(communicator.stateBundleRecipients()).Should(ConsistOf(allNodes))

            for _, node := range allNodes {
                Expect(cluster.NodeInfo(node).ClusterStateVersionBundleSent()).Should(Equal(5))
            }
        })

        It("should not re-issue the bundle to a node with an outstanding request for the same version", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
            broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)
            communicator.reset()

            Expect(broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)).Should(BeFalse())
            Expect(communicator.stateBundleSends).Should(HaveLen(0))
        })

        It("should retry a node whose request failed on a later tick", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
            broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)

            // Everyone ACKs except distributor 1, which fails transiently
            for _, send := range communicator.stateBundleSends {
                code := ReplyOK

                if send.node == distributor(1) {
                    code = ReplyTransientError
                }

                send.done(StateBundleReply{ Node: send.node, Version: 5, Code: code })
            }

            communicator.reset()
            broadcaster.ProcessReplies(cluster)

            Expect(broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)).Should(BeTrue())
            Expect(communicator.stateBundleRecipients()).Should(ConsistOf([]state.Node{ distributor(1) }))
            Expect(cluster.NodeInfo(distributor(1)).ClusterStateVersionBundleAcknowledged()).Should(Equal(0))
        })

        It("should keep retrying a node across repeated failures", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))

            for i := 0; i < 10; i++ {
                Expect(broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)).Should(BeTrue())
                Expect(communicator.stateBundleRecipients()).Should(ConsistOf(allNodes))

                for _, send := range communicator.stateBundleSends {
                    send.done(StateBundleReply{ Node: send.node, Version: 5, Code: ReplyTransientError })
                }

                communicator.reset()
                broadcaster.ProcessReplies(cluster)
            }

            Expect(cluster.NodeInfo(distributor(0)).ClusterStateVersionBundleAcknowledged()).Should(Equal(0))
        })

        It("should skip nodes that are not reachable", func() {
            cluster.NodeInfo(distributor(1)).SetReportedHealth(state.HealthDown)
            cluster.NodeInfo(storage(0)).MarkRPCAddressOutdated()

            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
            broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)

            Expect(communicator.stateBundleRecipients()).Should(ConsistOf([]state.Node{ distributor(0), distributor(2), storage(1) }))
        })

        It("should skip nodes in maintenance or stopping states", func() {
            cluster.NodeInfo(storage(0)).SetReportedHealth(state.HealthMaintenance)
            cluster.NodeInfo(storage(1)).SetReportedHealth(state.HealthStopping)

            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
            broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)

            Expect(communicator.stateBundleRecipients()).Should(ConsistOf([]state.Node{ distributor(0), distributor(1), distributor(2) }))
        })

        It("should replace the bundle with an official copy the first time it is selected for broadcast", func() {
            bundle := makeBundle(5, allNodes, false)
            broadcaster.HandleNewClusterStateBundle(bundle)
            broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)

            Expect(bundle.Official).Should(BeFalse())
            Expect(broadcaster.ClusterStateBundle()).ShouldNot(BeIdenticalTo(bundle))
            Expect(broadcaster.ClusterStateBundle().Official).Should(BeTrue())
            Expect(broadcaster.ClusterStateBundle().Version()).Should(Equal(5))
        })

        Context("when a node needs to observe startup timestamps", func() {
            BeforeEach(func() {
                // storage 0 restarted and the cluster saw it go down within
                // the same incarnation
                cluster.NodeInfo(storage(0)).SetStartTimestamp(700)
                cluster.NodeInfo(storage(0)).SetWentDownWithStartTime(700)
                cluster.NodeInfo(storage(1)).SetStartTimestamp(900)
            })

            It("should send that node a state variant with missing storage node start timestamps filled in", func() {
                broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
                broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)

                var stampedPayload *state.Bundle
                var plainPayload *state.Bundle

                for _, send := range communicator.stateBundleSends {
                    if send.node == storage(0) {
                        stampedPayload = send.bundle
                    }

                    if send.node == distributor(0) {
                        plainPayload = send.bundle
                    }
                }

                Expect(stampedPayload).ShouldNot(BeNil())
                Expect(stampedPayload.Baseline.NodeState(storage(0)).StartTimestamp).Should(Equal(uint64(700)))
                Expect(stampedPayload.Baseline.NodeState(storage(1)).StartTimestamp).Should(Equal(uint64(900)))
                Expect(stampedPayload.Baseline.NodeState(distributor(0)).StartTimestamp).Should(Equal(uint64(0)))

                Expect(plainPayload).ShouldNot(BeNil())
                Expect(plainPayload.Baseline.NodeState(storage(0)).StartTimestamp).Should(Equal(uint64(0)))
                Expect(plainPayload.Baseline.NodeState(storage(1)).StartTimestamp).Should(Equal(uint64(0)))
            })

            It("should never keep the stamped variant as the current bundle", func() {
                broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
                broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)

                Expect(broadcaster.ClusterStateBundle().Baseline.NodeState(storage(1)).StartTimestamp).Should(Equal(uint64(0)))
            })
        })
    })

    Describe("#ProcessReplies", func() {
        BeforeEach(func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
            broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)
        })

        It("should record successful bundle acknowledgments", func() {
            communicator.ackAllStateBundles()

            Expect(broadcaster.ProcessReplies(cluster)).Should(BeTrue())

            for _, node := range allNodes {
                Expect(cluster.NodeInfo(node).ClusterStateVersionBundleAcknowledged()).Should(Equal(5))
            }
        })

        It("should return false when no replies are queued", func() {
            Expect(broadcaster.ProcessReplies(cluster)).Should(BeFalse())
        })

        It("should leave the acknowledged version unchanged on error replies", func() {
            for _, send := range communicator.stateBundleSends {
                send.done(StateBundleReply{ Node: send.node, Version: 5, Code: ReplyPermanentError, Message: "connection reset" })
            }

            broadcaster.ProcessReplies(cluster)

            for _, node := range allNodes {
                Expect(cluster.NodeInfo(node).ClusterStateVersionBundleAcknowledged()).Should(Equal(0))
            }
        })

        It("should never move acknowledged versions backwards on duplicated or reordered replies", func() {
            waiter := broadcaster.StateBundleReplyWaiter()

            waiter(StateBundleReply{ Node: distributor(0), Version: 5, Code: ReplyOK })
            waiter(StateBundleReply{ Node: distributor(0), Version: 3, Code: ReplyOK })
            waiter(StateBundleReply{ Node: distributor(0), Version: 5, Code: ReplyOK })
            waiter(StateBundleReply{ Node: distributor(0), Version: 4, Code: ReplyPermanentError })

            broadcaster.ProcessReplies(cluster)

            Expect(cluster.NodeInfo(distributor(0)).ClusterStateVersionBundleAcknowledged()).Should(Equal(5))
        })

        It("should ignore replies from nodes that have left the roster", func() {
            waiter := broadcaster.StateBundleReplyWaiter()
            cluster.RemoveNode(storage(1))

            waiter(StateBundleReply{ Node: storage(1), Version: 5, Code: ReplyOK })

            Expect(func() { broadcaster.ProcessReplies(cluster) }).ShouldNot(Panic())
        })

        It("should treat a method-not-supported activation reply as an implicit activation acknowledgment", func() {
            activationWaiter := broadcaster.ActivationReplyWaiter()
            activationWaiter(ActivationReply{ Node: distributor(0), Version: 5, Code: ReplyNoSuchMethod, Message: "no such method" })

            broadcaster.ProcessReplies(cluster)

            Expect(cluster.NodeInfo(distributor(0)).ClusterStateVersionActivationAcked()).Should(Equal(5))
        })

        It("should leave activation state unacknowledged on other activation errors", func() {
            activationWaiter := broadcaster.ActivationReplyWaiter()
            activationWaiter(ActivationReply{ Node: distributor(0), Version: 5, Code: ReplyPermanentError, Message: "activation failed" })

            broadcaster.ProcessReplies(cluster)

            Expect(cluster.NodeInfo(distributor(0)).ClusterStateVersionActivationAcked()).Should(Equal(0))
        })
    })

    Describe("#CheckIfClusterStateIsAckedByAllDistributors", func() {
        var convergedBundles []*state.Bundle
        var onConverged func(*state.Bundle)

        BeforeEach(func() {
            convergedBundles = nil
            onConverged = func(bundle *state.Bundle) {
                convergedBundles = append(convergedBundles, bundle)
            }
        })

        It("should converge once every distributor has acknowledged a single-phase bundle", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
            broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)

            broadcaster.CheckIfClusterStateIsAckedByAllDistributors(cluster, false, onConverged)
            Expect(convergedBundles).Should(HaveLen(0))

            communicator.ackAllStateBundles()
            broadcaster.ProcessReplies(cluster)
            broadcaster.CheckIfClusterStateIsAckedByAllDistributors(cluster, false, onConverged)

            Expect(convergedBundles).Should(HaveLen(1))
            Expect(convergedBundles[0].Version()).Should(Equal(5))
            Expect(broadcaster.LastClusterStateVersionConverged()).Should(Equal(5))
            Expect(broadcaster.LastClusterStateBundleConverged().Version()).Should(Equal(5))
        })

        It("should not let storage nodes gate convergence", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
            broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)

            // Only the distributors ACK
            for _, send := range communicator.stateBundleSends {
                if send.node.IsDistributor() {
                    send.done(StateBundleReply{ Node: send.node, Version: 5, Code: ReplyOK })
                }
            }

            broadcaster.ProcessReplies(cluster)
            broadcaster.CheckIfClusterStateIsAckedByAllDistributors(cluster, false, onConverged)

            Expect(convergedBundles).Should(HaveLen(1))
        })

        It("should fire the convergence callback at most once per version", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
            broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)
            communicator.ackAllStateBundles()
            broadcaster.ProcessReplies(cluster)

            for i := 0; i < 10; i++ {
                broadcaster.CheckIfClusterStateIsAckedByAllDistributors(cluster, false, onConverged)
            }

            Expect(convergedBundles).Should(HaveLen(1))
        })

        It("should not block convergence on a distributor that left the roster mid-convergence", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
            broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)

            for _, send := range communicator.stateBundleSends {
                if send.node != distributor(2) {
                    send.done(StateBundleReply{ Node: send.node, Version: 5, Code: ReplyOK })
                }
            }

            broadcaster.ProcessReplies(cluster)
            broadcaster.CheckIfClusterStateIsAckedByAllDistributors(cluster, false, onConverged)
            Expect(convergedBundles).Should(HaveLen(0))

            cluster.RemoveNode(distributor(2))
            broadcaster.CheckIfClusterStateIsAckedByAllDistributors(cluster, false, onConverged)
            Expect(convergedBundles).Should(HaveLen(1))
        })
    })

    Describe("two-phase activation", func() {
        var convergedBundles []*state.Bundle
        var onConverged func(*state.Bundle)

        BeforeEach(func() {
            convergedBundles = nil
            onConverged = func(bundle *state.Bundle) {
                convergedBundles = append(convergedBundles, bundle)
            }
        })

        It("should never send an activation before every distributor has acknowledged the bundle", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, true))

            // Ticks 1 and 2: A and B ACK right away, C lags
            runTick(broadcaster, cluster, communicator, true, onConverged)

            for _, send := range communicator.stateBundleSends {
                if send.node == distributor(0) || send.node == distributor(1) {
                    send.done(StateBundleReply{ Node: send.node, Version: 5, Code: ReplyOK })
                }
            }

            lagging := communicator.stateBundleSends
            communicator.reset()

            runTick(broadcaster, cluster, communicator, true, onConverged)
            Expect(communicator.activationSends).Should(HaveLen(0))

            runTick(broadcaster, cluster, communicator, true, onConverged)
            Expect(communicator.activationSends).Should(HaveLen(0))

            // C (and the storage nodes) finally ACK
            for _, send := range lagging {
                if send.node != distributor(0) && send.node != distributor(1) {
                    send.done(StateBundleReply{ Node: send.node, Version: 5, Code: ReplyOK })
                }
            }

            // This tick drains C's ACK. Convergence is evaluated after
            // dissemination, so activations start on the next tick.
            runTick(broadcaster, cluster, communicator, true, onConverged)
            Expect(communicator.activationSends).Should(HaveLen(0))

            runTick(broadcaster, cluster, communicator, true, onConverged)
            Expect(communicator.activationRecipients()).Should(ConsistOf(allNodes))
            Expect(convergedBundles).Should(HaveLen(0))

            // All activations ACKed: converged on the tick that drains them
            communicator.ackAllActivations()
            runTick(broadcaster, cluster, communicator, true, onConverged)

            Expect(convergedBundles).Should(HaveLen(1))
            Expect(convergedBundles[0].Version()).Should(Equal(5))
        })

        It("should converge a deferred bundle on bundle ACKs alone when the deployment does not support two-phase activation", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, true))

            runTick(broadcaster, cluster, communicator, false, onConverged)
            communicator.ackAllStateBundles()
            runTick(broadcaster, cluster, communicator, false, onConverged)
            runTick(broadcaster, cluster, communicator, false, onConverged)

            Expect(communicator.activationSends).Should(HaveLen(0))
            Expect(convergedBundles).Should(HaveLen(1))
            Expect(convergedBundles[0].Version()).Should(Equal(5))
            Expect(broadcaster.LastClusterStateVersionConverged()).Should(Equal(5))
        })

        It("should not send duplicate activations for a version with a request outstanding", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, true))

            runTick(broadcaster, cluster, communicator, true, onConverged)
            communicator.ackAllStateBundles()
            runTick(broadcaster, cluster, communicator, true, onConverged)
            runTick(broadcaster, cluster, communicator, true, onConverged)

            Expect(communicator.activationRecipients()).Should(ConsistOf(allNodes))
            communicator.reset()

            runTick(broadcaster, cluster, communicator, true, onConverged)
            Expect(communicator.activationSends).Should(HaveLen(0))
        })

        It("should retry an activation that a node rejected on a later tick", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, true))

            runTick(broadcaster, cluster, communicator, true, onConverged)
            communicator.ackAllStateBundles()
            runTick(broadcaster, cluster, communicator, true, onConverged)
            runTick(broadcaster, cluster, communicator, true, onConverged)

            Expect(communicator.activationRecipients()).Should(ConsistOf(allNodes))

            for _, send := range communicator.activationSends {
                code := ReplyOK

                if send.node == distributor(2) {
                    code = ReplyPermanentError
                }

                send.done(ActivationReply{ Node: send.node, Version: send.version, Code: code })
            }

            communicator.reset()

            // Draining the NACK rolls the send marker back, so the same tick
            // re-issues the activation to the failed node only
            runTick(broadcaster, cluster, communicator, true, onConverged)
            Expect(communicator.activationRecipients()).Should(ConsistOf([]state.Node{ distributor(2) }))
            Expect(convergedBundles).Should(HaveLen(0))

            communicator.ackAllActivations()
            runTick(broadcaster, cluster, communicator, true, onConverged)

            Expect(convergedBundles).Should(HaveLen(1))
            Expect(convergedBundles[0].Version()).Should(Equal(5))
        })

        It("should count a method-not-supported activation reply as converged for that node", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, true))

            runTick(broadcaster, cluster, communicator, true, onConverged)
            communicator.ackAllStateBundles()
            runTick(broadcaster, cluster, communicator, true, onConverged)
            runTick(broadcaster, cluster, communicator, true, onConverged)

            for _, send := range communicator.activationSends {
                code := ReplyOK

                if send.node == distributor(2) {
                    // Distributor 2 runs older software without the
                    // activation RPC
                    code = ReplyNoSuchMethod
                }

                send.done(ActivationReply{ Node: send.node, Version: send.version, Code: code })
            }

            communicator.reset()
            runTick(broadcaster, cluster, communicator, true, onConverged)

            Expect(convergedBundles).Should(HaveLen(1))
            Expect(cluster.NodeInfo(distributor(2)).ClusterStateVersionActivationAcked()).Should(Equal(5))
        })
    })

    Describe("supersession", func() {
        var convergedBundles []*state.Bundle
        var onConverged func(*state.Bundle)

        BeforeEach(func() {
            convergedBundles = nil
            onConverged = func(bundle *state.Bundle) {
                convergedBundles = append(convergedBundles, bundle)
            }
        })

        It("should recompute recipients against the new version and never report the old one converged", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
            runTick(broadcaster, cluster, communicator, false, onConverged)

            outstanding := communicator.stateBundleSends
            communicator.reset()

            // Version 6 supersedes version 5 before any node ACKed it
            broadcaster.HandleNewClusterStateBundle(makeBundle(6, allNodes, false))
            runTick(broadcaster, cluster, communicator, false, onConverged)

            Expect(communicator.stateBundleRecipients()).Should(ConsistOf(allNodes))

            for _, send := range communicator.stateBundleSends {
                Expect(send.bundle.Version()).Should(Equal(6))
            }

            // The version 5 replies arrive late
            for _, send := range outstanding {
                send.done(StateBundleReply{ Node: send.node, Version: 5, Code: ReplyOK })
            }

            runTick(broadcaster, cluster, communicator, false, onConverged)

            Expect(convergedBundles).Should(HaveLen(0))
            Expect(broadcaster.LastClusterStateVersionConverged()).Should(Equal(0))

            communicator.ackAllStateBundles()
            runTick(broadcaster, cluster, communicator, false, onConverged)

            Expect(convergedBundles).Should(HaveLen(1))
            Expect(convergedBundles[0].Version()).Should(Equal(6))
        })
    })

    Describe("#ResetBroadcastedClusterStateBundle", func() {
        It("should make subsequent ticks no-ops until a new bundle is handed off", func() {
            broadcaster.HandleNewClusterStateBundle(makeBundle(5, allNodes, false))
            broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)
            communicator.reset()

            broadcaster.ResetBroadcastedClusterStateBundle()

            Expect(broadcaster.HasBroadcastedClusterStateBundle()).Should(BeFalse())
            Expect(broadcaster.BroadcastNewStateBundleIfRequired(cluster, communicator)).Should(BeFalse())
            Expect(broadcaster.BroadcastStateActivationsIfRequired(cluster, communicator, true)).Should(BeFalse())
            Expect(func() { broadcaster.CheckIfClusterStateIsAckedByAllDistributors(cluster, true, nil) }).ShouldNot(Panic())
        })
    })
})
