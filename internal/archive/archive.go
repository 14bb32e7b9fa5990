// Package archive packs and imports migration archives.
//
// An archive is a zip with a fixed layout:
//
//	db/chat.db      the passphrase-protected chat database (required)
//	settings.json   exported application settings (optional)
//	files/...       media files (optional; failures here are warnings)
//
// Import deliberately deletes production storage before unpacking. The flow
// guarantees the archive was fully downloaded and staged first, and accepts
// that an unpack failure leaves production storage empty until the user
// retries — a partial commit must never be mistaken for success.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/chatmigrate/internal/common"
	"github.com/dmitrijs2005/chatmigrate/internal/filex"
	"github.com/dmitrijs2005/chatmigrate/internal/logging"
)

const (
	// DatabaseEntry is the archive path of the chat database.
	DatabaseEntry = "db/chat.db"
	// SettingsEntry is the archive path of the exported settings.
	SettingsEntry = "settings.json"
	// FilesPrefix holds media files.
	FilesPrefix = "files/"
)

// DatabasePath returns where the imported chat database lives under prodDir.
func DatabasePath(prodDir string) string {
	return filepath.Join(prodDir, filepath.FromSlash(DatabaseEntry))
}

// SettingsPath returns where the imported settings live under prodDir.
func SettingsPath(prodDir string) string {
	return filepath.Join(prodDir, SettingsEntry)
}

// Warning is a non-fatal problem encountered during import. The caller
// surfaces "some errors occurred" but proceeds.
type Warning struct {
	Entry  string
	Reason string
}

// Importer unpacks archives into production storage.
type Importer struct {
	log logging.Logger
}

func NewImporter(log logging.Logger) *Importer {
	return &Importer{log: log}
}

// Import replaces the contents of prodDir with the contents of the archive
// at archivePath.
//
// Step 1 wipes prodDir; this is the irreversible step. Any error after it
// leaves production storage empty or partially written, by design: the
// caller keeps the staged archive and may retry the import, but nothing is
// silently rolled back.
func (im *Importer) Import(ctx context.Context, archivePath, prodDir string) ([]Warning, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrArchiveCorrupted, err)
	}
	defer r.Close()

	if !hasEntry(&r.Reader, DatabaseEntry) {
		return nil, common.ErrMissingDatabase
	}

	// Irreversible from here on.
	if err := filex.ClearDir(prodDir); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageDeletion, err)
	}

	var warnings []Warning
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return warnings, fmt.Errorf("%w: %v", common.ErrImport, err)
		}

		name := f.Name
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return warnings, fmt.Errorf("%w: %s", common.ErrUnsafeEntryPath, name)
		}
		if f.FileInfo().IsDir() {
			continue
		}

		switch {
		case name == DatabaseEntry, name == SettingsEntry:
			if err := extract(f, filepath.Join(prodDir, filepath.FromSlash(name))); err != nil {
				return warnings, fmt.Errorf("%w: %s: %v", common.ErrImport, name, err)
			}
		case strings.HasPrefix(name, FilesPrefix):
			if err := extract(f, filepath.Join(prodDir, filepath.FromSlash(name))); err != nil {
				im.log.Warn(ctx, "skipping media file", "entry", name, "error", err)
				warnings = append(warnings, Warning{Entry: name, Reason: err.Error()})
			}
		default:
			im.log.Warn(ctx, "unrecognized archive entry", "entry", name)
			warnings = append(warnings, Warning{Entry: name, Reason: "unrecognized entry"})
		}
	}

	return warnings, nil
}

func hasEntry(r *zip.Reader, name string) bool {
	for _, f := range r.File {
		if f.Name == name {
			return true
		}
	}
	return false
}

func extract(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
