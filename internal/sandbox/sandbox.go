// Package sandbox manages disposable database workspaces used to stage and
// validate a migration archive before the production storage is touched.
// Every migration attempt owns exactly one sandbox; it is destroyed on every
// exit path, successful or not.
package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/dmitrijs2005/chatmigrate/internal/chatdb"
	"github.com/dmitrijs2005/chatmigrate/internal/filex"
	"github.com/dmitrijs2005/chatmigrate/internal/logging"
	"github.com/google/uuid"
)

// Sandbox creates isolated, collision-free workspaces under BaseDir.
type Sandbox struct {
	baseDir string
	log     logging.Logger
}

// New returns a Sandbox rooted at baseDir.
func New(baseDir string, log logging.Logger) *Sandbox {
	return &Sandbox{baseDir: baseDir, log: log}
}

// Session is one open sandbox: a private directory plus a database handle.
type Session struct {
	dir string
	db  *chatdb.DB

	closeOnce sync.Once
	closeErr  error
}

// Dir returns the sandbox directory; downloads are staged inside it.
func (s *Session) Dir() string { return s.dir }

// DB returns the sandbox database handle.
func (s *Session) DB() *chatdb.DB { return s.db }

// ArchivePath returns where the downloaded archive is staged.
func (s *Session) ArchivePath() string { return filepath.Join(s.dir, "archive.zip") }

// Close releases the database handle. Safe to call multiple times and must be
// called on every exit path before the directory is removed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.db != nil {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}

// Open creates a fresh sandbox directory at a generated path and opens a
// database inside it. An empty passphrase creates a transient inspection
// database. The returned MigrationStatus classifies the open attempt; the
// Session is non-nil only when the status is acceptable (Ok or
// InvalidConfirmation).
func (s *Sandbox) Open(ctx context.Context, passphrase string) (*Session, chatdb.MigrationStatus) {
	dir := filepath.Join(s.baseDir, "migrate-"+uuid.NewString())
	abs, err := filex.EnsureDir(dir)
	if err != nil {
		return nil, chatdb.MigrationStatus{Code: chatdb.StatusUnknown, Message: err.Error()}
	}

	db, st := chatdb.Open(ctx, filepath.Join(abs, "chat.db"), passphrase)
	if db == nil {
		s.Destroy(ctx, abs)
		return nil, st
	}

	return &Session{dir: abs, db: db}, st
}

// Destroy removes all files of the sandbox at path. Removal failures are
// logged and never escalated; cleanup is best-effort.
func (s *Sandbox) Destroy(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		s.log.Warn(ctx, "failed to remove sandbox files", "path", path, "error", err)
	}
}
