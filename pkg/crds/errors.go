package crds

import (
	"errors"
	"fmt"
)

var (
	// ErrInsertFailed indicates the value was not inserted as the store
	// already has the same or a newer value for the label. This is a no-op
	// rather than a protocol violation.
	ErrInsertFailed = errors.New("insert failed")

	// ErrInvalidSignature indicates the value was not signed by its author.
	ErrInvalidSignature = errors.New("invalid signature")
)

// DuplicatePushError is returned when a push message delivers a value the
// store already contains.
type DuplicatePushError struct {
	// NumDups is the number of times the value has been received as a
	// duplicate, including this one.
	NumDups uint8
}

func (e *DuplicatePushError) Error() string {
	return fmt.Sprintf("duplicate push: %d", e.NumDups)
}

func (e *DuplicatePushError) Is(target error) bool {
	return target == ErrInsertFailed
}
