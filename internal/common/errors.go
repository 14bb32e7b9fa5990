// Package common defines shared constants and sentinel errors used across
// chatmigrate components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Link resolution errors.
	ErrInvalidLink      = errors.New("invalid migration link")
	ErrLinkTokenInvalid = errors.New("link authorization token invalid")

	// Transfer errors.
	ErrTransfer          = errors.New("transfer error")
	ErrTransferCancelled = errors.New("transfer cancelled")

	// Import errors. ErrStorageDeletion means the production storage wipe
	// itself failed, before any archive content was unpacked.
	ErrStorageDeletion  = errors.New("storage deletion error")
	ErrImport           = errors.New("import error")
	ErrMissingDatabase  = errors.New("archive contains no database")
	ErrUnsafeEntryPath  = errors.New("unsafe archive entry path")
	ErrArchiveCorrupted = errors.New("archive corrupted")

	// Credential store errors (classified as KeychainError upstream).
	ErrKeychain = errors.New("keychain error")

	// Orchestrator errors.
	ErrMigrationInProgress = errors.New("another migration attempt is in progress")
	ErrBadInitialState     = errors.New("unsupported initial state")
)
