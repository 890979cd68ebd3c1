package memory

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a memory document is read before the store
// has been initialized. Callers recover by calling Initialize, which is safe
// to call any number of times.
var ErrNotFound = errors.New("memory document not found")

// ErrDuplicateID is returned when an append would insert an entry whose ID
// already exists in the collection. IDs are store-generated, so hitting this
// means a precondition check upstream was bypassed.
var ErrDuplicateID = errors.New("duplicate entry id")

// ValidationError reports an entry that does not conform to its document
// schema. The store never coerces or drops fields; the caller must fix the
// entry and retry.
type ValidationError struct {
	Doc    string // relative document path, e.g. "procedural/failures.json"
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid entry for %s: field %q %s", e.Doc, e.Field, e.Reason)
}

// validationErr builds a ValidationError for a document field.
func validationErr(doc, field, reason string) error {
	return &ValidationError{Doc: doc, Field: field, Reason: reason}
}
