// Package nodes is the content store's node and transaction tables.
//
// Every business write (BeginTxn, CreateNode, UpdateNode, DeleteNode) runs in
// one metadata transaction scoped to the store root. Deleting a node keeps its
// record and properties and adds an entry to the deleted-node index keyed by
// the deleting transaction's commit time. The purge operations
// (DeleteNodesInRange, DeleteUnusedTransactionsInRange) remove those
// leftovers one commit-time window at a time.
//
// A transaction is unused once no node references it. Node references move
// with every update, so the transactions that created or last touched a
// since-purged node become unused and are purged in turn.
package nodes
