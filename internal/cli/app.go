// Package cli wires the migration state machine to an interactive terminal
// session: it renders state changes and collects the link, the retry
// decisions and the passphrase from the user.
package cli

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/chatmigrate/internal/archive"
	"github.com/dmitrijs2005/chatmigrate/internal/common"
	"github.com/dmitrijs2005/chatmigrate/internal/config"
	"github.com/dmitrijs2005/chatmigrate/internal/credstore"
	"github.com/dmitrijs2005/chatmigrate/internal/filex"
	"github.com/dmitrijs2005/chatmigrate/internal/link"
	"github.com/dmitrijs2005/chatmigrate/internal/logging"
	"github.com/dmitrijs2005/chatmigrate/internal/migration"
	"github.com/dmitrijs2005/chatmigrate/internal/sandbox"
	"github.com/dmitrijs2005/chatmigrate/internal/transfer"
)

// App runs one interactive migration attempt.
type App struct {
	config *config.Config
	orch   *migration.Orchestrator
	creds  credstore.Store
	log    logging.Logger

	reader *bufio.Reader
	out    io.Writer

	triedStored bool
}

// NewApp builds an App from configuration: transfer sources per link scheme,
// the sandbox, the credential store and the orchestrator itself.
func NewApp(cfg *config.Config, log logging.Logger) (*App, error) {
	storageDir, err := filex.EnsureDir(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("prepare storage dir: %w", err)
	}
	sandboxDir, err := filex.EnsureDir(cfg.SandboxDir)
	if err != nil {
		return nil, fmt.Errorf("prepare sandbox dir: %w", err)
	}

	mgr := transfer.NewManager(log)
	httpSrc := &transfer.HTTPSource{RelayEndpoint: cfg.RelayEndpoint}
	mgr.Register(link.SchemeSimplex, httpSrc)
	mgr.Register(link.SchemeXFTP, httpSrc)
	if cfg.S3Region != "" || cfg.S3BaseEndpoint != "" {
		mgr.Register(link.SchemeS3, &transfer.S3Source{
			Region:       cfg.S3Region,
			BaseEndpoint: cfg.S3BaseEndpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
		})
	}

	var signingKey []byte
	if cfg.LinkSigningKey != "" {
		signingKey, err = hex.DecodeString(cfg.LinkSigningKey)
		if err != nil {
			return nil, fmt.Errorf("parse link signing key: %w", err)
		}
	}

	// device key, credential and lock live outside the storage dir: the
	// import step wipes the storage dir
	metaDir, err := filex.EnsureDir(cfg.StorageDir + ".meta")
	if err != nil {
		return nil, fmt.Errorf("prepare meta dir: %w", err)
	}
	deviceKey, err := loadOrCreateDeviceKey(filepath.Join(metaDir, "device_key"))
	if err != nil {
		return nil, err
	}
	creds := credstore.NewFileStore(filepath.Join(metaDir, "credential"), deviceKey)

	orch := migration.New(migration.Options{
		StorageDir:  storageDir,
		LockPath:    filepath.Join(metaDir, "migration.lock"),
		Transfer:    mgr,
		Sandbox:     sandbox.New(sandboxDir, log),
		Resolver:    link.NewResolver(signingKey),
		Importer:    archive.NewImporter(log),
		Credentials: creds,
		Logger:      log,
		SettleDelay: cfg.SettleDelay,
	})

	return &App{
		config: cfg,
		orch:   orch,
		creds:  creds,
		log:    log,
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}, nil
}

// loadOrCreateDeviceKey reads the per-device credential sealing key, creating
// it on first run.
func loadOrCreateDeviceKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read device key: %w", err)
	}

	key = common.GenerateRandByteArray(32)
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write device key: %w", err)
	}
	return key, nil
}

// Run starts the migration and drives it to a terminal state, prompting the
// user whenever the machine waits for input.
func (a *App) Run(ctx context.Context) error {
	events, err := a.orch.Run(ctx)
	if err != nil {
		if errors.Is(err, common.ErrMigrationInProgress) {
			fmt.Fprintln(a.out, "Another migration attempt is already running.")
		}
		return err
	}

	for sc := range events {
		if err := a.handle(sc); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) handle(sc migration.StateChange) error {
	switch sc.State {
	case migration.StateAwaitingLink:
		return a.promptLink(sc)

	case migration.StateLinkResolving:
		fmt.Fprintln(a.out, "Checking link...")

	case migration.StateDownloading:
		a.printProgress(sc)

	case migration.StateDownloadFailed:
		return a.promptRetry(sc, "Download failed")

	case migration.StateImportingArchive:
		fmt.Fprintln(a.out, "\nImporting archive...")

	case migration.StateImportFailed:
		return a.promptRetry(sc, "Import failed")

	case migration.StateAwaitingPassphrase:
		return a.promptPassphrase(sc)

	case migration.StateActivating:
		fmt.Fprintln(a.out, "Verifying passphrase and activating database...")

	case migration.StateComplete:
		fmt.Fprintln(a.out, "Migration complete. Your chats are now on this device.")
		if a.orch.Settings() != nil {
			fmt.Fprintln(a.out, "Settings from the old device have been applied.")
		}

	case migration.StateAbandoned:
		fmt.Fprintln(a.out, "Migration abandoned.")
	}
	return nil
}

func (a *App) promptLink(sc migration.StateChange) error {
	if sc.Failure != nil {
		fmt.Fprintf(a.out, "Link rejected: %s\n", sc.Failure.Message)
	}

	text, err := GetSimpleText(a.reader,
		"Paste the migration link from your old device (empty line to abandon)", a.out)
	if err != nil {
		return err
	}
	if text == "" {
		a.orch.Cancel()
		return nil
	}
	a.orch.SubmitLink(text)
	return nil
}

func (a *App) printProgress(sc migration.StateChange) {
	if sc.Total > 0 {
		fmt.Fprintf(a.out, "\rDownloading... %d / %d bytes", sc.Downloaded, sc.Total)
		return
	}
	fmt.Fprintf(a.out, "\rDownloading... %d bytes", sc.Downloaded)
}

func (a *App) promptRetry(sc migration.StateChange, what string) error {
	msg := what
	if sc.Failure != nil {
		msg = fmt.Sprintf("%s: %s", what, sc.Failure.Message)
	}
	fmt.Fprintln(a.out, "\n"+msg)

	answer, err := GetSimpleText(a.reader,
		"Type 'retry' to try again, anything else to abandon", a.out)
	if err != nil {
		return err
	}
	if answer == "retry" {
		a.orch.Retry()
		return nil
	}
	a.orch.Cancel()
	return nil
}

func (a *App) promptPassphrase(sc migration.StateChange) error {
	if sc.Failure != nil {
		fmt.Fprintf(a.out, "Could not open the database: %s\n", sc.Failure.Message)
	}
	for _, w := range sc.Warnings {
		fmt.Fprintf(a.out, "warning: %s: %s\n", w.Entry, w.Reason)
	}

	// try the passphrase remembered on this device once, silently
	if sc.Failure == nil && !a.triedStored {
		a.triedStored = true
		if pass, err := a.creds.Load(); err == nil {
			fmt.Fprintln(a.out, "Using the passphrase remembered on this device.")
			a.orch.SubmitPassphrase(pass, false)
			return nil
		}
	}

	pw, err := GetPassword(a.out, "Enter the database passphrase: ")
	if err != nil {
		return err
	}

	remember, err := GetConfirmation(a.reader,
		"Remember this passphrase on this device? [y/N]", a.out)
	if err != nil {
		common.WipeByteArray(pw)
		return err
	}

	a.orch.SubmitPassphrase(string(pw), remember)
	common.WipeByteArray(pw)
	return nil
}
