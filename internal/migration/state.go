package migration

import "github.com/dmitrijs2005/chatmigrate/internal/archive"

// State is one node of the migration state machine. There are no implicit
// states: every transition the orchestrator makes lands on one of these.
type State int

const (
	StateAwaitingLink State = iota
	StateLinkResolving
	StateDownloading
	StateDownloadFailed
	StateImportingArchive
	StateImportFailed
	StateAwaitingPassphrase
	StateActivating
	StateComplete
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateAwaitingLink:
		return "awaitingLink"
	case StateLinkResolving:
		return "linkResolving"
	case StateDownloading:
		return "downloading"
	case StateDownloadFailed:
		return "downloadFailed"
	case StateImportingArchive:
		return "importingArchive"
	case StateImportFailed:
		return "importFailed"
	case StateAwaitingPassphrase:
		return "awaitingPassphrase"
	case StateActivating:
		return "activating"
	case StateComplete:
		return "complete"
	case StateAbandoned:
		return "abandoned"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateAbandoned
}

// blocksCancellation reports whether explicit user cancellation is refused:
// once passphrase verification begins, the production database has already
// been overwritten and there is no automatic rollback, so the migration must
// run to completion or explicit failure.
func (s State) blocksCancellation() bool {
	return s == StateAwaitingPassphrase || s == StateActivating
}

// ErrorCategory is the user-facing classification of a failure.
type ErrorCategory int

const (
	CategoryInvalidLink ErrorCategory = iota
	CategoryTransferError
	CategoryWrongPassphrase
	CategoryKeychainError
	CategoryNotADatabase
	CategorySQLError
	CategoryStorageDeletion
	CategoryImportError
	CategoryUnknown
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryInvalidLink:
		return "invalidLink"
	case CategoryTransferError:
		return "transferError"
	case CategoryWrongPassphrase:
		return "wrongPassphrase"
	case CategoryKeychainError:
		return "keychainError"
	case CategoryNotADatabase:
		return "notADatabase"
	case CategorySQLError:
		return "sqlError"
	case CategoryStorageDeletion:
		return "storageDeletionError"
	case CategoryImportError:
		return "importError"
	default:
		return "unknown"
	}
}

// Failure is a classified, user-facing error carried by a StateChange.
// Failures are never silently swallowed: every recovered error shows up on
// exactly one event.
type Failure struct {
	Category ErrorCategory
	Message  string
}

// StateChange is one notification on the stream returned by Run. The
// presentation layer subscribes to these and renders; it never reaches into
// the orchestrator.
type StateChange struct {
	State State

	// Byte counters, meaningful while Downloading. Total is 0 until known.
	Downloaded int64
	Total      int64

	// Warnings carries non-fatal import problems on the transition into
	// AwaitingPassphrase.
	Warnings []archive.Warning

	// Failure is set on transitions caused by a recovered error.
	Failure *Failure
}
