package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Pack builds a migration archive at outPath from a chat database file, an
// optional settings JSON file, and an optional media directory. The source
// device runs this before uploading the archive.
func Pack(outPath, dbPath, settingsPath, mediaDir string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	w := zip.NewWriter(out)

	if err := addFile(w, DatabaseEntry, dbPath); err != nil {
		_ = w.Close()
		_ = out.Close()
		return err
	}

	if settingsPath != "" {
		if err := addFile(w, SettingsEntry, settingsPath); err != nil {
			_ = w.Close()
			_ = out.Close()
			return err
		}
	}

	if mediaDir != "" {
		err := filepath.WalkDir(mediaDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(mediaDir, path)
			if err != nil {
				return err
			}
			return addFile(w, FilesPrefix+filepath.ToSlash(rel), path)
		})
		if err != nil {
			_ = w.Close()
			_ = out.Close()
			return fmt.Errorf("pack media: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func addFile(w *zip.Writer, entry, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("pack %s: %w", entry, err)
	}
	defer src.Close()

	dst, err := w.Create(entry)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("pack %s: %w", entry, err)
	}
	return nil
}
