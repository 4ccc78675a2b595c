// Package status provides the hierarchical progress structure that plan phases
// publish while they run.
//
// A Tree owns a root Node and the id counter for every node allocated beneath
// it. Phases obtain their own subtree with Child, overwrite its message with
// Update as work progresses, attach compact key/value annotations with Prop,
// and call Done when a long-lived handle has finished. Inactive nodes and nodes
// whose message was never set are pruned from Dump output, so a finished
// handle disappears from the display without being detached from its parent.
//
// Snapshots produced by Dump are plain values that marshal to JSON and can be
// rendered for a terminal with PrettyPrint:
//
//	tree := status.NewTree()
//	n := tree.Root().Child()
//	n.Update("copying %d/%d", 3, 10)
//	n.Prop("server", "7c3a")
//	fmt.Print(status.PrettyPrint(tree.Root().Dump(), status.Options{Width: 80}))
//
// All node methods are safe for concurrent use; a single mutex per tree
// serializes mutation and snapshotting.
package status
