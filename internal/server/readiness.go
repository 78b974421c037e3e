package server

import (
	"context"
	"errors"

	"github.com/loam-io/loam/internal/metadata"
)

// probeKey is read, never written, for stores without a native probe.
const probeKey = "/loam/v1/health-check"

// CheckFunc adapts a function to ReadinessChecker.
type CheckFunc struct {
	name string
	fn   func(context.Context) error
}

// Check returns a ReadinessChecker named name that calls fn. A nil fn is
// always ready.
func Check(name string, fn func(context.Context) error) CheckFunc {
	return CheckFunc{name: name, fn: fn}
}

// Name implements ReadinessChecker.
func (c CheckFunc) Name() string { return c.name }

// CheckReady implements ReadinessChecker.
func (c CheckFunc) CheckReady(ctx context.Context) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx)
}

// SchedulerCheck is ready while running reports true.
func SchedulerCheck(running func() bool) CheckFunc {
	return Check("scheduler", func(context.Context) error {
		if running != nil && !running() {
			return errors.New("scheduler is not running")
		}
		return nil
	})
}

// MetadataStoreCheck checks the metadata store. Stores that implement
// ReadinessChecker themselves (Oxia, bbolt) are asked directly and named
// after their backend; any other store must answer a point read.
func MetadataStoreCheck(store metadata.MetadataStore) CheckFunc {
	if rc, ok := store.(ReadinessChecker); ok {
		return Check("metadata_store/"+rc.Name(), rc.CheckReady)
	}
	return Check("metadata_store", func(ctx context.Context) error {
		if store == nil {
			return errors.New("metadata store not configured")
		}
		if _, err := store.Get(ctx, probeKey); err != nil && !errors.Is(err, metadata.ErrKeyNotFound) {
			return err
		}
		return nil
	})
}
