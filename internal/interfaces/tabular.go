package interfaces

import "context"

// TabularRecord is one row destined for a Silver partition. PrimaryKey
// determines upsert identity within its partition; the record shape itself
// is the writer's schema-drift unit.
type TabularRecord struct {
	PrimaryKey string         `json:"primary_key"`
	Fields     map[string]any `json:"fields"`
}

// UpsertResult reports what an Upsert call actually did, so callers (the
// Index Normalizer, the Extraction Worker) can log and test idempotence.
type UpsertResult struct {
	PartitionETag string `json:"partition_etag"`
	Inserted      int    `json:"inserted"`
	Updated       int    `json:"updated"`
}

// TabularWriter is the partitioned, schema-checked Silver write path (C4).
// A partition is addressed by table name and partition key (e.g.
// table="filings", partition="2024"); writes within a partition are
// optimistic-concurrency guarded so two workers racing on the same
// partition never silently clobber each other.
type TabularWriter interface {
	// Upsert merges records into table's partition by PrimaryKey. Returns
	// ErrSchemaDrift if any record's field set is incompatible with the
	// partition's established schema, ErrConcurrentUpdate if the
	// partition's ETag changed between read and write (caller should
	// retry).
	Upsert(ctx context.Context, table string, partition string, records []TabularRecord) (UpsertResult, error)

	// Read returns every record currently stored in table's partition.
	Read(ctx context.Context, table string, partition string) ([]TabularRecord, error)
}
