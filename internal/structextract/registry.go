// Package structextract implements the polymorphic Structured Extractors
// (C6): a registry of per-filing-type parsers keyed by the schedule code
// (P, A, T, X, D, W, G, C, B, E, H, O), each producing zero or more
// StructuredRecords from a document's extracted text. Grounded on the
// teacher's regex-table extraction idiom
// (internal/services/identifiers/extractor.go).
package structextract

import (
	"context"
	"fmt"

	"github.com/ternarybob/discloser/internal/interfaces"
)

// Registry dispatches Extract calls to the StructuredExtractor registered
// for a document's filing type.
type Registry struct {
	extractors map[string]interfaces.StructuredExtractor
	fallback   interfaces.StructuredExtractor
}

// NewRegistry builds a Registry with the given extractors registered by
// their own FilingType(), plus fallback used for any type with no
// dedicated extractor.
func NewRegistry(fallback interfaces.StructuredExtractor, extractors ...interfaces.StructuredExtractor) *Registry {
	r := &Registry{
		extractors: make(map[string]interfaces.StructuredExtractor, len(extractors)),
		fallback:   fallback,
	}
	for _, e := range extractors {
		r.extractors[e.FilingType()] = e
	}
	return r
}

// Extract dispatches to the extractor registered for filingType, or the
// registry's fallback if none is registered.
func (r *Registry) Extract(ctx context.Context, filingType, docID string, text interfaces.TextExtractionResult) ([]interfaces.StructuredRecord, error) {
	extractor, ok := r.extractors[filingType]
	if !ok {
		if r.fallback == nil {
			return nil, fmt.Errorf("%w: no extractor registered for filing type %s", interfaces.ErrExtractionFailed, filingType)
		}
		extractor = r.fallback
	}
	return extractor.Extract(ctx, docID, text)
}

// Registered reports whether a dedicated (non-fallback) extractor exists
// for filingType.
func (r *Registry) Registered(filingType string) bool {
	_, ok := r.extractors[filingType]
	return ok
}
