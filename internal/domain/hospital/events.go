package hospital

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types published when documents change
const (
	EventRecordsCreated = "records.created"
	EventRecordsUpdated = "records.updated"
	EventRecordsDeleted = "records.deleted"
)

// Topics carrying record events
const (
	TopicRecords    = "hospital.records"
	TopicDeadLetter = "dead.letter"
)

// RecordsEvent announces a change to one or more documents of a collection
type RecordsEvent struct {
	Type       string    `json:"type"`
	Collection Kind      `json:"collection"`
	IDs        []string  `json:"ids"`
	Count      int       `json:"count"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ErrNotFound is returned when a document does not exist
var ErrNotFound = errors.New("not found")

// DuplicateError reports identifiers that are already stored or repeated
// within one request.
type DuplicateError struct {
	Collection Kind
	IDs        []string
}

func (e *DuplicateError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("duplicate %s", e.Collection)
	}
	return fmt.Sprintf("duplicate %s: %s", e.Collection, strings.Join(e.IDs, ", "))
}

// Filter narrows a collection listing. Empty fields match everything.
type Filter struct {
	OwnerID   string
	PatientID string
}
