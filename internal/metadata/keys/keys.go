// Package keys provides key encoding/decoding for the content store keyspace.
// Keys use zero-padded numeric encoding for lexicographic ordering, so a
// range scan between two encoded commit times visits exactly the records
// committed in that half-open interval.
//
// Layout, relative to /loam/v1/stores/<storeId>:
//
//	/txns/<commitTimeZ>-<txnIdZ>        transaction record
//	/txn-ids/<txnIdZ>                   commit time of a transaction
//	/nodes/<nodeIdZ>                    node record
//	/props/<nodeIdZ>/<escaped qname>    node property
//	/txn-refs/<txnIdZ>/<nodeIdZ>        node -> owning transaction reference
//	/deleted/<commitTimeZ>-<nodeIdZ>    deleted-node index
//	/seq/<name>                         id allocator
//
// Range-scanned tables keep one path segment per record so the commit time
// bound and the record key have the same depth under hierarchical key sorting.
package keys

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// pairSeparator joins the two numeric components of a composite key segment.
const pairSeparator = "-"

// NumberWidth is the number of digits for zero-padded numeric key components.
// Width 20 covers the full int64 range.
const NumberWidth = 20

// Key prefixes.
const (
	// Prefix is the root prefix for all keys.
	Prefix = "/loam/v1"

	// StoresPrefix is the prefix under which each content store keeps its tables.
	StoresPrefix = Prefix + "/stores"

	// JobLocksPrefix is the prefix for cluster-wide job locks (ephemeral).
	// Format: /loam/v1/jobs/locks/<jobName>
	JobLocksPrefix = Prefix + "/jobs/locks"
)

// Table names under a store root.
const (
	tableTxns     = "txns"
	tableTxnIDs   = "txn-ids"
	tableNodes    = "nodes"
	tableProps    = "props"
	tableTxnRefs  = "txn-refs"
	tableDeleted  = "deleted"
	tableSequence = "seq"
)

// Common errors.
var (
	// ErrInvalidKey is returned when a key cannot be parsed.
	ErrInvalidKey = errors.New("keys: invalid key format")

	// ErrNegative is returned when a numeric component is negative.
	ErrNegative = errors.New("keys: value must be non-negative")
)

// EncodeInt64 encodes a non-negative int64 as a zero-padded decimal string.
func EncodeInt64(v int64) (string, error) {
	if v < 0 {
		return "", ErrNegative
	}
	return fmt.Sprintf("%0*d", NumberWidth, v), nil
}

// mustEncode is for ids and times that were validated by the caller.
func mustEncode(v int64) string {
	if v < 0 {
		v = 0
	}
	return fmt.Sprintf("%0*d", NumberWidth, v)
}

// DecodeInt64 decodes a zero-padded decimal string back to int64.
func DecodeInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// StoreRoot returns the root of a store's keyspace. It is also the
// transaction scope for every write to that store.
func StoreRoot(storeID string) string {
	return StoresPrefix + "/" + storeID
}

func table(storeID, name string) string {
	return StoreRoot(storeID) + "/" + name + "/"
}

// TxnsPrefix returns the prefix of all transaction records of a store.
func TxnsPrefix(storeID string) string {
	return table(storeID, tableTxns)
}

// TxnKeyPath returns the key of a transaction record.
func TxnKeyPath(storeID string, commitTimeMs, txnID int64) string {
	return TxnsPrefix(storeID) + mustEncode(commitTimeMs) + pairSeparator + mustEncode(txnID)
}

// TxnCommitBound returns the first key at or after commitTimeMs in the
// transaction table. Use a pair of bounds as [start, end) for List.
func TxnCommitBound(storeID string, commitTimeMs int64) string {
	return TxnsPrefix(storeID) + mustEncode(commitTimeMs)
}

// ParseTxnKey returns the commit time and id encoded in a transaction key.
func ParseTxnKey(storeID, key string) (commitTimeMs, txnID int64, err error) {
	return parsePair(TxnsPrefix(storeID), key)
}

// TxnIDKeyPath returns the reverse-lookup key from transaction id to commit time.
func TxnIDKeyPath(storeID string, txnID int64) string {
	return table(storeID, tableTxnIDs) + mustEncode(txnID)
}

// NodeKeyPath returns the key of a node record.
func NodeKeyPath(storeID string, nodeID int64) string {
	return table(storeID, tableNodes) + mustEncode(nodeID)
}

// NodesPrefix returns the prefix of all node records of a store.
func NodesPrefix(storeID string) string {
	return table(storeID, tableNodes)
}

// PropsPrefix returns the prefix of all properties of one node.
func PropsPrefix(storeID string, nodeID int64) string {
	return table(storeID, tableProps) + mustEncode(nodeID) + "/"
}

// PropKeyPath returns the key of a single node property. The qname is
// path-escaped into one segment: qualified names such as
// "{http://example.org/model/1.0}name" carry slashes, and Oxia only lists
// the direct children of a prefix.
func PropKeyPath(storeID string, nodeID int64, qname string) string {
	return PropsPrefix(storeID, nodeID) + url.PathEscape(qname)
}

// ParsePropKey returns the qname of a property key of nodeID.
func ParsePropKey(storeID string, nodeID int64, key string) (string, error) {
	prefix := PropsPrefix(storeID, nodeID)
	if !strings.HasPrefix(key, prefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	segment := strings.TrimPrefix(key, prefix)
	if segment == "" || strings.Contains(segment, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	qname, err := url.PathUnescape(segment)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return qname, nil
}

// TxnRefsPrefix returns the prefix of all node references to one transaction.
func TxnRefsPrefix(storeID string, txnID int64) string {
	return table(storeID, tableTxnRefs) + mustEncode(txnID) + "/"
}

// TxnRefKeyPath returns the key recording that nodeID is owned by txnID.
func TxnRefKeyPath(storeID string, txnID, nodeID int64) string {
	return TxnRefsPrefix(storeID, txnID) + mustEncode(nodeID)
}

// DeletedPrefix returns the prefix of the deleted-node index of a store.
func DeletedPrefix(storeID string) string {
	return table(storeID, tableDeleted)
}

// DeletedKeyPath returns the deleted-node index key for a node.
func DeletedKeyPath(storeID string, commitTimeMs, nodeID int64) string {
	return DeletedPrefix(storeID) + mustEncode(commitTimeMs) + pairSeparator + mustEncode(nodeID)
}

// DeletedCommitBound returns the first deleted-index key at or after commitTimeMs.
func DeletedCommitBound(storeID string, commitTimeMs int64) string {
	return DeletedPrefix(storeID) + mustEncode(commitTimeMs)
}

// ParseDeletedKey returns the commit time and node id encoded in a deleted-index key.
func ParseDeletedKey(storeID, key string) (commitTimeMs, nodeID int64, err error) {
	return parsePair(DeletedPrefix(storeID), key)
}

// SequenceKeyPath returns the key of a named id allocator.
func SequenceKeyPath(storeID, name string) string {
	return table(storeID, tableSequence) + name
}

// JobLockKeyPath returns the key of the lock for a named job.
func JobLockKeyPath(jobName string) string {
	return JobLocksPrefix + "/" + jobName
}

// parsePair parses "<prefix><aZ>-<bZ>".
func parsePair(prefix, key string) (int64, int64, error) {
	if !strings.HasPrefix(key, prefix) {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	parts := strings.Split(strings.TrimPrefix(key, prefix), pairSeparator)
	if len(parts) != 2 || len(parts[0]) != NumberWidth || len(parts[1]) != NumberWidth {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	a, err := DecodeInt64(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	b, err := DecodeInt64(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return a, b, nil
}
