package purge

import (
	"context"
	"fmt"
	"time"
)

// TransactionWindowPurger removes transactions no node references, walking
// commit time the same way NodeWindowPurger does.
type TransactionWindowPurger struct {
	store  NodeStore
	walker windowWalker
}

// NewTransactionWindowPurger creates a transaction purger.
func NewTransactionWindowPurger(store NodeStore, lock LockRefresher, cfg Config, opts ...Option) (*TransactionWindowPurger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TransactionWindowPurger{
		store: store,
		walker: windowWalker{
			name:      "txns",
			subject:   "unused transactions",
			purgeSize: cfg.PurgeWindowMs,
			timeout:   cfg.Timeout,
			policy:    cfg.Retry,
			lock:      lock,
			batch:     store.DeleteUnusedTransactionsInRange,
			settings:  newSettings(opts),
		},
	}, nil
}

// Purge deletes unused transactions committed in [fromCommitTime, now - minAge).
// A negative minAge returns no messages. A zero fromCommitTime is replaced
// by the oldest unused transaction's commit time.
func (p *TransactionWindowPurger) Purge(ctx context.Context, minAge time.Duration, fromCommitTime int64) ([]string, error) {
	if minAge < 0 {
		return nil, nil
	}
	log := p.walker.settings.log(ctx)

	if fromCommitTime == 0 {
		derived, err := p.store.MinUnusedTxnCommitTime(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			msg := fmt.Sprintf("Unused transactions: failed to find the oldest one: %v", err)
			log.Warn(msg)
			return []string{msg}, nil
		}
		fromCommitTime = derived
	}
	if fromCommitTime == 0 {
		msg := "Unused transactions: nothing to purge"
		log.Info(msg)
		return []string{msg}, nil
	}

	maxCommitTime := p.walker.settings.now().Add(-minAge).UnixMilli()
	log.Infof("purging unused transactions", map[string]any{
		"from":     fromCommitTime,
		"to":       maxCommitTime,
		"windowMs": p.walker.purgeSize,
	})
	msgs, err := p.walker.walk(ctx, fromCommitTime, maxCommitTime)
	if err != nil {
		return msgs, fmt.Errorf("purge: unused transactions: %w", err)
	}
	return msgs, nil
}
