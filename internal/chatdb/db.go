// Package chatdb opens and classifies passphrase-protected chat databases.
//
// A keyed database stores a random salt and a verifier (SHA-256 of the
// argon2id master key) in its migration_meta table. Opening with a passphrase
// re-derives the key and compares verifiers; a mismatch is reported the same
// way an unreadable file is (StatusNotADatabase), so callers cannot tell a
// wrong passphrase from a foreign file.
package chatdb

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/chatmigrate/internal/chatdb/migrations"
	"github.com/dmitrijs2005/chatmigrate/internal/common"
	"github.com/dmitrijs2005/chatmigrate/internal/cryptox"
	"github.com/dmitrijs2005/chatmigrate/internal/dbx"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	metaSalt         = "salt"
	metaVerifier     = "verifier"
	metaConfirmation = "confirmation"

	// ConfirmationCurrent is the marker a database written by this version
	// carries. Databases with a different marker open with
	// StatusInvalidConfirmation.
	ConfirmationCurrent = "v1"
)

// DB is an open chat database handle.
type DB struct {
	sqlDB *sql.DB
	path  string
	key   []byte

	closeOnce sync.Once
	closeErr  error
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// MasterKey returns the derived master key, nil for unkeyed databases.
func (d *DB) MasterKey() []byte { return d.key }

// Close releases the underlying connection. Safe to call multiple times.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		common.WipeByteArray(d.key)
		if d.sqlDB != nil {
			d.closeErr = d.sqlDB.Close()
		}
	})
	return d.closeErr
}

// RunMigrations applies the embedded goose migrations to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// Open opens (creating if absent) the chat database at path and classifies
// the attempt. An empty passphrase opens or creates an unkeyed database,
// which is what transient inspection sandboxes use. A non-empty passphrase
// either initializes a fresh keyed database or is checked against the stored
// verifier.
//
// The returned *DB is non-nil only for StatusOk and StatusInvalidConfirmation.
func Open(ctx context.Context, path string, passphrase string) (*DB, MigrationStatus) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, classifyOpenErr(err)
	}

	// Probe before migrating so a non-database file classifies as
	// NotADatabase instead of MigrationError.
	if _, err := db.ExecContext(ctx, "SELECT count(*) FROM sqlite_master"); err != nil {
		_ = db.Close()
		return nil, classifyOpenErr(err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, MigrationStatus{Code: StatusMigrationError, Message: err.Error()}
	}

	meta := &metaRepo{db: db}

	salt, err := meta.get(ctx, metaSalt)
	switch {
	case err == nil:
		return openKeyed(ctx, db, meta, path, passphrase, salt)
	case errors.Is(err, common.ErrNotFound):
		return initNew(ctx, db, path, passphrase)
	default:
		_ = db.Close()
		return nil, classifyOpenErr(err)
	}
}

func openKeyed(ctx context.Context, db *sql.DB, meta *metaRepo, path, passphrase string, salt []byte) (*DB, MigrationStatus) {
	if passphrase == "" {
		_ = db.Close()
		return nil, MigrationStatus{Code: StatusNotADatabase, Message: "database requires a passphrase"}
	}

	verifier, err := meta.get(ctx, metaVerifier)
	if err != nil {
		_ = db.Close()
		return nil, classifyOpenErr(err)
	}

	key := cryptox.DeriveMasterKey([]byte(passphrase), salt)
	if !bytes.Equal(cryptox.MakeVerifier(key), verifier) {
		common.WipeByteArray(key)
		_ = db.Close()
		return nil, MigrationStatus{Code: StatusNotADatabase, Message: "file is not a database"}
	}

	handle := &DB{sqlDB: db, path: path, key: key}

	confirmation, err := meta.get(ctx, metaConfirmation)
	if err != nil || string(confirmation) != ConfirmationCurrent {
		return handle, MigrationStatus{Code: StatusInvalidConfirmation, Message: "confirmation marker mismatch"}
	}

	return handle, MigrationStatus{Code: StatusOk}
}

func initNew(ctx context.Context, db *sql.DB, path, passphrase string) (*DB, MigrationStatus) {
	if passphrase == "" {
		return &DB{sqlDB: db, path: path}, MigrationStatus{Code: StatusOk}
	}

	salt := common.GenerateRandByteArray(16)
	key := cryptox.DeriveMasterKey([]byte(passphrase), salt)

	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		meta := &metaRepo{db: tx}
		if err := meta.set(ctx, metaSalt, salt); err != nil {
			return err
		}
		if err := meta.set(ctx, metaVerifier, cryptox.MakeVerifier(key)); err != nil {
			return err
		}
		return meta.set(ctx, metaConfirmation, []byte(ConfirmationCurrent))
	})
	if err != nil {
		common.WipeByteArray(key)
		_ = db.Close()
		return nil, classifyOpenErr(err)
	}

	return &DB{sqlDB: db, path: path, key: key}, MigrationStatus{Code: StatusOk}
}

// SetConfirmation overwrites the confirmation marker. Used after the user
// explicitly confirms opening a database written by a different version.
func (d *DB) SetConfirmation(ctx context.Context, value string) error {
	meta := &metaRepo{db: d.sqlDB}
	return meta.set(ctx, metaConfirmation, []byte(value))
}

// InsertMessage stores a chat message. The export side uses it to build
// archives; tests use it to verify content survives a migration.
func (d *DB) InsertMessage(ctx context.Context, id, contact string, body []byte) error {
	query := `INSERT INTO messages (id, contact, body) VALUES (?, ?, ?)`
	if _, err := d.sqlDB.ExecContext(ctx, query, id, contact, body); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// CountMessages returns the number of stored messages.
func (d *DB) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	err := d.sqlDB.QueryRowContext(ctx, `SELECT count(*) FROM messages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// metaRepo reads and writes migration_meta rows through a DBTX, so the same
// code runs against both *sql.DB and *sql.Tx.
type metaRepo struct {
	db dbx.DBTX
}

func (r *metaRepo) get(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM migration_meta WHERE name=?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read meta %s: %w", name, err)
	}
	return value, nil
}

func (r *metaRepo) set(ctx context.Context, name string, value []byte) error {
	query := `INSERT INTO migration_meta (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	if _, err := r.db.ExecContext(ctx, query, name, value); err != nil {
		return fmt.Errorf("failed to write meta %s: %w", name, err)
	}
	return nil
}
