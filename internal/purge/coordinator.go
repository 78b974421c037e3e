package purge

import (
	"context"
	"fmt"
)

// Coordinator performs one purge run: deleted nodes first, then the
// transactions they leave unused.
type Coordinator struct {
	store    NodeStore
	cfg      Config
	nodes    *NodeWindowPurger
	txns     *TransactionWindowPurger
	settings settings
}

// NewCoordinator wires both purgers to store and lock.
func NewCoordinator(store NodeStore, lock LockRefresher, cfg Config, opts ...Option) (*Coordinator, error) {
	nodes, err := NewNodeWindowPurger(store, lock, cfg, opts...)
	if err != nil {
		return nil, err
	}
	txns, err := NewTransactionWindowPurger(store, lock, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		store:    store,
		cfg:      cfg,
		nodes:    nodes,
		txns:     txns,
		settings: newSettings(opts),
	}, nil
}

// Run purges and returns the result messages in order. An error means the
// run was stopped by a lost lock or a cancelled context; the messages
// gathered until then are still returned.
func (c *Coordinator) Run(ctx context.Context) ([]string, error) {
	log := c.settings.log(ctx)
	minAge := c.cfg.MinPurgeAge

	if minAge < 0 {
		msg := "Purging is disabled (negative minimum purge age)"
		log.Info(msg)
		return []string{msg}, nil
	}

	start := c.cfg.FromCustomCommitTime
	if start <= 0 {
		derived, err := c.store.MinCommitTimeOfDeletedNodes(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			msg := fmt.Sprintf("Could not determine where to start purging: %v", err)
			log.Warn(msg)
			return []string{msg}, nil
		}
		start = derived
	}
	log.Infof("purge run starting", map[string]any{"start": start, "minAge": minAge.String()})

	var messages []string
	nodeMsgs, err := c.nodes.Purge(ctx, minAge, start)
	messages = append(messages, nodeMsgs...)
	if err != nil {
		return messages, err
	}

	txnMsgs, err := c.txns.Purge(ctx, minAge, c.txnStart(ctx, start))
	messages = append(messages, txnMsgs...)
	if err != nil {
		return messages, err
	}
	return messages, nil
}

// txnStart moves the transaction pass back to the oldest unused transaction
// when that precedes start. Transactions emptied by node updates can be
// older than every deleted node. A custom start is kept as given.
func (c *Coordinator) txnStart(ctx context.Context, start int64) int64 {
	if c.cfg.FromCustomCommitTime > 0 || start == 0 {
		return start
	}
	oldest, err := c.store.MinUnusedTxnCommitTime(ctx)
	if err != nil {
		c.settings.log(ctx).Warnf("could not find oldest unused transaction", map[string]any{"start": start, "error": err.Error()})
		return start
	}
	if oldest > 0 && oldest < start {
		return oldest
	}
	return start
}
