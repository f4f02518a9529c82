// Package tabular implements the partitioned Silver Tabular Writer (C4) on
// top of the ObjectStore abstraction: each table/partition pair is one
// object, an array of records, written with an optimistic-concurrency
// Upsert.
package tabular

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/interfaces"
)

// Writer is an interfaces.TabularWriter backed by an ObjectStore. Partition
// objects live at "silver/<table>/<partition>.json".
type Writer struct {
	store  interfaces.ObjectStore
	logger arbor.ILogger
}

// New builds a Writer over store.
func New(store interfaces.ObjectStore, logger arbor.ILogger) *Writer {
	return &Writer{store: store, logger: logger}
}

func partitionKey(table, partition string) string {
	return fmt.Sprintf("silver/%s/%s.json", table, partition)
}

// Upsert merges records into table's partition keyed by PrimaryKey,
// enforcing that every record's field set matches the partition's
// established schema (the set of keys seen on the first record ever
// written to it) and that the write is conditioned on the partition's
// current ETag, retried by the caller on ErrConcurrentUpdate.
func (w *Writer) Upsert(ctx context.Context, table string, partition string, records []interfaces.TabularRecord) (interfaces.UpsertResult, error) {
	key := partitionKey(table, partition)

	existing, etag, err := w.readPartition(ctx, key)
	if err != nil {
		return interfaces.UpsertResult{}, err
	}

	schema := inferSchema(existing)
	byKey := make(map[string]int, len(existing))
	for i, r := range existing {
		byKey[r.PrimaryKey] = i
	}

	inserted, updated := 0, 0
	for _, rec := range records {
		if schema == nil {
			schema = fieldSet(rec.Fields)
		} else if !compatible(schema, rec.Fields) {
			return interfaces.UpsertResult{}, fmt.Errorf("%w: table %s partition %s: record %s has incompatible fields",
				interfaces.ErrSchemaDrift, table, partition, rec.PrimaryKey)
		}

		if idx, ok := byKey[rec.PrimaryKey]; ok {
			existing[idx] = rec
			updated++
		} else {
			byKey[rec.PrimaryKey] = len(existing)
			existing = append(existing, rec)
			inserted++
		}
	}

	sort.Slice(existing, func(i, j int) bool { return existing[i].PrimaryKey < existing[j].PrimaryKey })

	body, err := json.Marshal(existing)
	if err != nil {
		return interfaces.UpsertResult{}, fmt.Errorf("encode partition %s: %w", key, err)
	}

	var meta interfaces.ObjectMetadata
	if etag == "" {
		meta, err = w.store.Put(ctx, key, bytes.NewReader(body), nil)
	} else {
		// Optimistic concurrency: write the new body, but only after
		// re-confirming via SetMetadata that nobody else's write landed
		// between our read and this write. A genuine conflict surfaces as
		// ErrConcurrentUpdate for the caller to retry with a fresh read.
		if _, verr := w.store.SetMetadata(ctx, key, etag, map[string]string{"table": table}); verr != nil {
			return interfaces.UpsertResult{}, verr
		}
		meta, err = w.store.Put(ctx, key, bytes.NewReader(body), nil)
	}
	if err != nil {
		return interfaces.UpsertResult{}, err
	}

	return interfaces.UpsertResult{
		PartitionETag: meta.ETag,
		Inserted:      inserted,
		Updated:       updated,
	}, nil
}

// Read returns every record currently stored in table's partition.
func (w *Writer) Read(ctx context.Context, table string, partition string) ([]interfaces.TabularRecord, error) {
	records, _, err := w.readPartition(ctx, partitionKey(table, partition))
	return records, err
}

func (w *Writer) readPartition(ctx context.Context, key string) ([]interfaces.TabularRecord, string, error) {
	body, meta, err := w.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, "", nil
		}
		return nil, "", err
	}
	defer body.Close()

	var records []interfaces.TabularRecord
	if derr := json.NewDecoder(body).Decode(&records); derr != nil {
		return nil, "", fmt.Errorf("decode partition %s: %w", key, derr)
	}
	return records, meta.ETag, nil
}

func fieldSet(fields map[string]any) map[string]reflect.Type {
	out := make(map[string]reflect.Type, len(fields))
	for k, v := range fields {
		out[k] = reflect.TypeOf(v)
	}
	return out
}

// inferSchema derives the established schema from whatever records already
// exist in the partition (nil if the partition is empty, meaning any shape
// establishes it).
func inferSchema(existing []interfaces.TabularRecord) map[string]reflect.Type {
	if len(existing) == 0 {
		return nil
	}
	return fieldSet(existing[0].Fields)
}

// compatible allows a record to introduce new optional fields but never to
// change the type of a field the schema already knows.
func compatible(schema map[string]reflect.Type, fields map[string]any) bool {
	for k, v := range fields {
		if t, ok := schema[k]; ok && v != nil && t != nil && reflect.TypeOf(v) != t {
			return false
		}
	}
	return true
}
