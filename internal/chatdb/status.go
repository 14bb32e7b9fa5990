package chatdb

import (
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"
)

// StatusCode is the classified result of a database-open attempt.
type StatusCode int

const (
	// StatusOk means the database opened and the passphrase (if any) matched.
	StatusOk StatusCode = iota
	// StatusInvalidConfirmation means the passphrase matched but a secondary
	// confirmation marker mismatched. Callers that already confirmed intent
	// treat this as success.
	StatusInvalidConfirmation
	// StatusNotADatabase means the file is not a readable database for the
	// given passphrase. This is how a wrong passphrase manifests.
	StatusNotADatabase
	// StatusKeychainError means the secure credential store failed.
	StatusKeychainError
	// StatusSQLError carries an underlying SQLite error code and message.
	StatusSQLError
	// StatusMigrationError means the schema migration step failed.
	StatusMigrationError
	// StatusUnknown carries an unclassified error message.
	StatusUnknown
)

func (c StatusCode) String() string {
	switch c {
	case StatusOk:
		return "ok"
	case StatusInvalidConfirmation:
		return "invalidConfirmation"
	case StatusNotADatabase:
		return "notADatabase"
	case StatusKeychainError:
		return "keychainError"
	case StatusSQLError:
		return "sqlError"
	case StatusMigrationError:
		return "migrationError"
	default:
		return "unknown"
	}
}

// MigrationStatus is the result code of any database-open attempt. It is
// never silently ignored: every caller either accepts it as success or maps
// it to a user-facing error category.
type MigrationStatus struct {
	Code    StatusCode
	SQLCode int
	Message string
}

func (s MigrationStatus) Ok() bool { return s.Code == StatusOk }

func (s MigrationStatus) String() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// SQLITE_NOTADB: "file is opened that is not a database file".
const sqliteNotADB = 26

// classifyOpenErr maps a low-level open/probe error onto a MigrationStatus.
func classifyOpenErr(err error) MigrationStatus {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		if serr.Code() == sqliteNotADB {
			return MigrationStatus{Code: StatusNotADatabase, SQLCode: serr.Code(), Message: serr.Error()}
		}
		return MigrationStatus{Code: StatusSQLError, SQLCode: serr.Code(), Message: serr.Error()}
	}
	return MigrationStatus{Code: StatusUnknown, Message: err.Error()}
}
