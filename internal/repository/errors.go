package repository

import "errors"

// ErrNotFound is returned when a slot or booking lookup finds no row.
var ErrNotFound = errors.New("repository: not found")

// ErrSerializationConflict is returned when a SERIALIZABLE transaction
// aborts because of a concurrent conflicting transaction. The coordinator
// classifies this and retries the whole attempt once before surfacing
// SLOT_LOCKED.
var ErrSerializationConflict = errors.New("repository: serialization conflict")

// ClassifyError exports classifyPgErr (slot_repository.go) for the one
// caller outside this package that needs it: the coordinator calls
// tx.Commit directly (no repository method wraps it), so it classifies the
// commit error itself before deciding whether to retry.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	return classifyPgErr(err)
}
