package common

import (
	"github.com/google/uuid"
)

// NewDocumentID generates a unique document ID with the "doc_" prefix.
// Format: doc_<uuid>
func NewDocumentID() string {
	return "doc_" + uuid.New().String()
}

// NewRunID generates a unique orchestrator run ID with the "run_" prefix.
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewLeaseID generates a unique queue message lease/receipt ID.
func NewLeaseID() string {
	return "lease_" + uuid.New().String()
}
