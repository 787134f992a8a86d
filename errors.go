package mls

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when an operation needs an active
	// identity and none has been set with Init.
	ErrNotInitialized = errors.New("no identity initialized")

	// ErrNotFound is the kind shared by every unknown-group and
	// unknown-identity failure.
	ErrNotFound = errors.New("not found")

	ErrGroupNotFound        = fmt.Errorf("group %w", ErrNotFound)
	ErrMemberNotInitialized = fmt.Errorf("member identity %w", ErrNotFound)

	// ErrAlreadyMember is never returned as an error by the engine; it is
	// reported through AddResult.Notice.
	ErrAlreadyMember = errors.New("already a member of the group")

	ErrNotAMember  = errors.New("not a member of the group")
	ErrGroupExists = errors.New("group already exists")

	ErrCrypto           = errors.New("crypto failure")
	ErrEpochUnavailable = fmt.Errorf("no secret retained for epoch: %w", ErrCrypto)

	ErrStorage = errors.New("storage failure")

	// ErrStaleEpoch is returned by stores when a group changed on disk
	// between Load and Save.
	ErrStaleEpoch = fmt.Errorf("group changed since load: %w", ErrStorage)
)

// StorageError reports a failed Load or Save. Diverged is set when the
// in-memory state was already mutated, so memory and disk now disagree.
type StorageError struct {
	Op       string
	Diverged bool
	Err      error
}

func (e *StorageError) Error() string {
	if e.Diverged {
		return fmt.Sprintf("mls.session: %s failed after state was mutated (not persisted): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mls.session: %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

func cryptoError(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrCrypto)
}
