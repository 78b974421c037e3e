package purge

import (
	"context"
	"fmt"
	"time"
)

// NodeWindowPurger removes deleted nodes in adaptive commit-time windows.
type NodeWindowPurger struct {
	walker windowWalker
}

// NewNodeWindowPurger creates a node purger. lock is refreshed before
// every window.
func NewNodeWindowPurger(store NodeStore, lock LockRefresher, cfg Config, opts ...Option) (*NodeWindowPurger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &NodeWindowPurger{
		walker: windowWalker{
			name:      "nodes",
			subject:   "deleted nodes",
			purgeSize: cfg.PurgeWindowMs,
			timeout:   cfg.Timeout,
			policy:    cfg.Retry,
			lock:      lock,
			batch:     store.DeleteNodesInRange,
			settings:  newSettings(opts),
		},
	}, nil
}

// Purge deletes nodes deleted in [fromCommitTime, now - minAge).
// fromCommitTime 0 means there is nothing to purge.
func (p *NodeWindowPurger) Purge(ctx context.Context, minAge time.Duration, fromCommitTime int64) ([]string, error) {
	log := p.walker.settings.log(ctx)
	if minAge < 0 {
		msg := "Purging of deleted nodes is disabled"
		log.Info(msg)
		return []string{msg}, nil
	}
	if fromCommitTime == 0 {
		msg := "Deleted nodes: nothing to purge"
		log.Info(msg)
		return []string{msg}, nil
	}

	maxCommitTime := p.walker.settings.now().Add(-minAge).UnixMilli()
	log.Infof("purging deleted nodes", map[string]any{
		"from":     fromCommitTime,
		"to":       maxCommitTime,
		"windowMs": p.walker.purgeSize,
		"timeout":  p.walker.timeout.String(),
		"retries":  p.walker.policy.MaxRetries(),
		"minAge":   minAge.String(),
	})
	msgs, err := p.walker.walk(ctx, fromCommitTime, maxCommitTime)
	if err != nil {
		return msgs, fmt.Errorf("purge: deleted nodes: %w", err)
	}
	return msgs, nil
}

