package nodes

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TxnRecord is a committed transaction.
type TxnRecord struct {
	ID           int64 `json:"id"`
	CommitTimeMs int64 `json:"commitTimeMs"`
}

// NodeRecord is the persisted state of a node.
type NodeRecord struct {
	ID           int64  `json:"id"`
	UUID         string `json:"uuid"`
	TxnID        int64  `json:"txnId"`
	CommitTimeMs int64  `json:"commitTimeMs"`
	Deleted      bool   `json:"deleted"`
}

// DeletedEntry is the value of a deleted-node index key.
type DeletedEntry struct {
	NodeID int64 `json:"nodeId"`
	TxnID  int64 `json:"txnId"`
}

// Stats summarises the store's tables.
type Stats struct {
	Nodes        int64 `json:"nodes"`
	DeletedNodes int64 `json:"deletedNodes"`
	Txns         int64 `json:"txns"`
	UnusedTxns   int64 `json:"unusedTxns"`
}

func decode[T any](what string, data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("nodes: unmarshal %s: %w", what, err)
	}
	return v, nil
}

func encode(what string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("nodes: marshal %s: %w", what, err)
	}
	return data, nil
}

func formatInt(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

func parseInt(what string, data []byte) (int64, error) {
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("nodes: parse %s: %w", what, err)
	}
	return v, nil
}
