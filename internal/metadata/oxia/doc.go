// Package oxia implements the MetadataStore interface using Oxia.
//
// Usage:
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "loam/prod",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// Transactions:
//
// Txn uses Oxia's shard-scoped write batch API. The scope key is used as the
// partition key for every put, so all records of one content store live on
// the same shard and a purge window commits as a single batch. A batch that
// loses a version race is rolled back and reported as ErrTxnConflict, which
// the purge retry executor treats as transient.
//
// Reads that must see records written inside a scope go through Txn as well;
// List uses RangeScan, which covers every shard.
//
// Ephemeral keys:
//
// PutEphemeral backs the cluster-wide purge job lock. When a worker's session
// expires, the server removes its lock and another worker may take over.
package oxia
