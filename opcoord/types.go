// Package opcoord implements the process-local user operation coordinator
// and exclusive-access scope described in spec.md §4.5: a permit per user
// that serializes goroutines within this process, combined with the
// cross-process advisory lock from package lockfile, acquired in a fixed
// order so that every exclusive operation in this module goes through one
// chokepoint.
package opcoord

import "errors"

// InstanceID tags a single holder of a user's permit, so that release can
// verify the caller releasing is the one that acquired it.
type InstanceID uint64

// Purpose is a diagnostic-only tag describing why a caller is entering an
// exclusive-access scope. It never affects control flow.
type Purpose string

const (
	PurposeDecrypt       Purpose = "decrypt"
	PurposeDecryptBatch  Purpose = "decrypt-batch"
	PurposeFFIMutation   Purpose = "ffi-mutation"
	PurposeCheckpoint    Purpose = "checkpoint"
	PurposeCloseAndDrain Purpose = "close-and-drain"
	PurposeAccountSwitch Purpose = "account-switch"
	PurposeMaintenance   Purpose = "maintenance"
	PurposeOther         Purpose = "other"
)

// ErrPermitTimeout is returned when the supplied deadline elapses while
// waiting for the process-local permit.
var ErrPermitTimeout = errors.New("opcoord: permit timeout")

// ErrCancelled is returned when the caller's context is cancelled for any
// reason other than an expired deadline while waiting for the
// process-local permit.
var ErrCancelled = errors.New("opcoord: cancelled")

// ErrAdvisoryLockTimeout is returned when the cross-process advisory lock
// could not be obtained within the remaining deadline.
var ErrAdvisoryLockTimeout = errors.New("opcoord: advisory lock timeout")

// ErrNotOwner is returned by Release when the caller does not currently
// hold the permit it is trying to release.
var ErrNotOwner = errors.New("opcoord: release by non-owner")

// ErrClosed is returned by any operation attempted after the coordinator
// has been closed.
var ErrClosed = errors.New("opcoord: closed")
