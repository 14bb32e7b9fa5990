// Package migration implements the cross-device migration state machine:
// link resolution, archive download, import into production storage through a
// disposable sandbox, passphrase verification and final activation, with all
// retries user-triggered and a single-writer discipline over transitions.
package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dmitrijs2005/chatmigrate/internal/archive"
	"github.com/dmitrijs2005/chatmigrate/internal/chatdb"
	"github.com/dmitrijs2005/chatmigrate/internal/common"
	"github.com/dmitrijs2005/chatmigrate/internal/credstore"
	"github.com/dmitrijs2005/chatmigrate/internal/link"
	"github.com/dmitrijs2005/chatmigrate/internal/logging"
	"github.com/dmitrijs2005/chatmigrate/internal/sandbox"
	"github.com/dmitrijs2005/chatmigrate/internal/settings"
	"github.com/dmitrijs2005/chatmigrate/internal/transfer"
	"github.com/gofrs/flock"
)

// Options wires an Orchestrator's collaborators.
type Options struct {
	// StorageDir is the production chat storage directory. The import step
	// replaces its contents.
	StorageDir string

	Transfer    *transfer.Manager
	Sandbox     *sandbox.Sandbox
	Resolver    *link.Resolver
	Importer    *archive.Importer
	Credentials credstore.Store
	Logger      logging.Logger

	// SettleDelay is the pause between transfer completion and import,
	// letting underlying I/O flush. Zero disables it.
	SettleDelay time.Duration

	// LockPath guards against concurrent attempts. Defaults to
	// <StorageDir>.lock, a sibling of the storage dir: the import step
	// wipes the storage dir itself.
	LockPath string

	// InitialState is where the machine starts. StateAwaitingLink (default)
	// runs the whole flow; StateAwaitingPassphrase resumes an attempt whose
	// archive was already imported before the app restarted.
	InitialState State
}

type cmdKind int

const (
	cmdLink cmdKind = iota
	cmdPassphrase
	cmdRetry
	cmdCancel
)

type command struct {
	kind     cmdKind
	text     string
	remember bool
}

// Orchestrator drives one migration attempt. It is not designed for
// concurrent attempts: a file lock makes a second Run fail fast.
type Orchestrator struct {
	opts Options
	log  logging.Logger

	cmds chan command
	out  chan StateChange
	done chan struct{}

	lock *flock.Flock

	mu       sync.Mutex
	started  bool
	imported *settings.Settings
}

// New returns an Orchestrator. Run must be called exactly once.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.LockPath == "" {
		opts.LockPath = opts.StorageDir + ".lock"
	}
	return &Orchestrator{
		opts: opts,
		log:  opts.Logger,
		cmds: make(chan command, 8),
		out:  make(chan StateChange, 16),
		done: make(chan struct{}),
	}
}

// Run starts the state machine and returns its event stream. The stream
// carries every StateChange in transition order and closes after a terminal
// state. The caller must consume it.
func (o *Orchestrator) Run(ctx context.Context) (<-chan StateChange, error) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil, errors.New("orchestrator already running")
	}
	o.started = true
	o.mu.Unlock()

	initial := o.opts.InitialState
	if initial != StateAwaitingLink && initial != StateAwaitingPassphrase {
		return nil, fmt.Errorf("%w: %s", common.ErrBadInitialState, initial)
	}

	o.lock = flock.New(o.opts.LockPath)
	locked, err := o.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	if !locked {
		return nil, common.ErrMigrationInProgress
	}

	go o.loop(ctx, initial)
	return o.out, nil
}

// SubmitLink feeds raw link text while the machine awaits a link.
func (o *Orchestrator) SubmitLink(raw string) {
	o.send(command{kind: cmdLink, text: raw})
}

// SubmitPassphrase feeds the passphrase while the machine awaits one.
// When remember is true the passphrase is persisted to the credential store
// after successful verification, never before.
func (o *Orchestrator) SubmitPassphrase(passphrase string, remember bool) {
	o.send(command{kind: cmdPassphrase, text: passphrase, remember: remember})
}

// Retry re-runs the failed step: a failed download restarts from zero bytes
// with the same link and destination; a failed import runs again against the
// staged archive. Retries are only ever user-triggered.
func (o *Orchestrator) Retry() {
	o.send(command{kind: cmdRetry})
}

// Cancel abandons the migration. It is refused once passphrase verification
// has begun (see State.blocksCancellation).
func (o *Orchestrator) Cancel() {
	o.send(command{kind: cmdCancel})
}

// Settings returns the settings imported from the archive, nil when the
// archive carried none or the migration has not completed.
func (o *Orchestrator) Settings() *settings.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.imported
}

func (o *Orchestrator) send(c command) {
	select {
	case o.cmds <- c:
	case <-o.done:
		// machine already terminal, command dropped
	}
}

// attempt is the mutable context of one migration attempt, owned exclusively
// by the loop goroutine.
type attempt struct {
	state       State
	lnk         *link.Link
	sess        *sandbox.Session
	fileID      string
	events      <-chan transfer.Event
	archivePath string
	downloaded  int64
	total       int64
}

// loop is the single writer: transitions are applied one at a time, in
// arrival order, so a late progress event can never override a newer state.
func (o *Orchestrator) loop(ctx context.Context, initial State) {
	defer close(o.out)
	defer close(o.done)
	defer func() {
		if err := o.lock.Unlock(); err != nil {
			o.log.Warn(ctx, "failed to release migration lock", "error", err)
		}
	}()

	a := &attempt{state: initial}
	o.emit(ctx, StateChange{State: a.state})

	for {
		select {
		case <-ctx.Done():
			// hard teardown, not a user cancellation: clean up and stop
			o.cleanup(ctx, a)
			return

		case cmd := <-o.cmds:
			if done := o.handleCommand(ctx, a, cmd); done {
				return
			}

		case ev, ok := <-a.events:
			if !ok {
				a.events = nil
				continue
			}
			if done := o.handleTransferEvent(ctx, a, ev); done {
				return
			}
		}
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, a *attempt, cmd command) bool {
	switch cmd.kind {
	case cmdCancel:
		if a.state.blocksCancellation() {
			o.log.Warn(ctx, "cancellation refused", "state", a.state.String())
			return false
		}
		o.log.Info(ctx, "migration abandoned by user", "state", a.state.String())
		o.cleanup(ctx, a)
		a.state = StateAbandoned
		o.emit(ctx, StateChange{State: a.state})
		return true

	case cmdLink:
		if a.state != StateAwaitingLink {
			o.log.Warn(ctx, "link ignored", "state", a.state.String())
			return false
		}
		o.resolveAndDownload(ctx, a, cmd.text)
		return false

	case cmdRetry:
		switch a.state {
		case StateDownloadFailed:
			// restart from zero bytes, same link and destination
			o.startDownload(ctx, a)
		case StateImportFailed:
			o.runImport(ctx, a)
		default:
			o.log.Warn(ctx, "retry ignored", "state", a.state.String())
		}
		return false

	case cmdPassphrase:
		if a.state != StateAwaitingPassphrase {
			o.log.Warn(ctx, "passphrase ignored", "state", a.state.String())
			return false
		}
		return o.verifyAndActivate(ctx, a, cmd.text, cmd.remember)
	}
	return false
}

func (o *Orchestrator) handleTransferEvent(ctx context.Context, a *attempt, ev transfer.Event) bool {
	if a.state != StateDownloading {
		// late event from a transfer we already moved past
		o.log.Debug(ctx, "stale transfer event ignored", "state", a.state.String())
		return false
	}

	switch ev.Kind {
	case transfer.EventProgress:
		a.downloaded = ev.Downloaded
		a.total = ev.Total
		o.emit(ctx, StateChange{State: StateDownloading, Downloaded: a.downloaded, Total: a.total})

	case transfer.EventFailed:
		a.state = StateDownloadFailed
		a.fileID = ""
		o.emit(ctx, StateChange{
			State:      a.state,
			Downloaded: ev.Downloaded,
			Total:      ev.Total,
			Failure:    &Failure{Category: CategoryTransferError, Message: ev.Err.Error()},
		})

	case transfer.EventComplete:
		a.archivePath = ev.Path
		a.fileID = ""
		if o.opts.SettleDelay > 0 {
			// let the file system settle before reading the archive back
			time.Sleep(o.opts.SettleDelay)
		}
		o.runImport(ctx, a)
	}
	return false
}

func (o *Orchestrator) resolveAndDownload(ctx context.Context, a *attempt, raw string) {
	a.state = StateLinkResolving
	o.emit(ctx, StateChange{State: a.state})

	lnk, err := o.opts.Resolver.Resolve(raw)
	if err != nil {
		o.log.Info(ctx, "link rejected", "error", err)
		a.state = StateAwaitingLink
		o.emit(ctx, StateChange{State: a.state, Failure: &Failure{Category: CategoryInvalidLink, Message: err.Error()}})
		return
	}
	a.lnk = lnk

	// the sandbox session must exist before any bytes arrive
	sess, st := o.opts.Sandbox.Open(ctx, "")
	if sess == nil {
		o.log.Error(ctx, "sandbox open failed", "status", st.String())
		a.state = StateAwaitingLink
		o.emit(ctx, StateChange{State: a.state, Failure: classifyStatus(st)})
		return
	}
	a.sess = sess

	o.startDownload(ctx, a)
}

func (o *Orchestrator) startDownload(ctx context.Context, a *attempt) {
	fileID, events, err := o.opts.Transfer.Start(ctx, a.lnk, a.sess.ArchivePath())
	if err != nil {
		o.log.Error(ctx, "transfer start failed", "error", err)
		a.state = StateDownloadFailed
		o.emit(ctx, StateChange{State: a.state, Failure: &Failure{Category: CategoryTransferError, Message: err.Error()}})
		return
	}

	a.fileID = fileID
	a.events = events
	a.downloaded = 0
	a.total = 0
	a.state = StateDownloading
	o.emit(ctx, StateChange{State: a.state})
}

func (o *Orchestrator) runImport(ctx context.Context, a *attempt) {
	a.state = StateImportingArchive
	o.emit(ctx, StateChange{State: a.state})

	warnings, err := o.opts.Importer.Import(ctx, a.archivePath, o.opts.StorageDir)
	if err != nil {
		category := CategoryImportError
		if errors.Is(err, common.ErrStorageDeletion) {
			category = CategoryStorageDeletion
		}
		o.log.Error(ctx, "archive import failed", "error", err)
		a.state = StateImportFailed
		o.emit(ctx, StateChange{State: a.state, Failure: &Failure{Category: category, Message: err.Error()}})
		return
	}

	a.state = StateAwaitingPassphrase
	o.emit(ctx, StateChange{State: a.state, Warnings: warnings})
}

func (o *Orchestrator) verifyAndActivate(ctx context.Context, a *attempt, passphrase string, remember bool) bool {
	db, st := chatdb.Open(ctx, archive.DatabasePath(o.opts.StorageDir), passphrase)
	if st.Code != chatdb.StatusOk && st.Code != chatdb.StatusInvalidConfirmation {
		// stay here for retry; the machine never loses the imported archive
		o.log.Info(ctx, "passphrase verification failed", "status", st.Code.String())
		o.emit(ctx, StateChange{State: StateAwaitingPassphrase, Failure: classifyStatus(st)})
		return false
	}

	a.state = StateActivating
	o.emit(ctx, StateChange{State: a.state})

	if remember {
		if err := o.opts.Credentials.Save(passphrase); err != nil {
			// activation still runs to completion; remembering is best-effort
			o.log.Warn(ctx, "failed to persist passphrase", "error", err)
		}
	}

	o.applySettings(ctx)

	if err := db.Close(); err != nil {
		o.log.Warn(ctx, "failed to close production database", "error", err)
	}

	o.cleanup(ctx, a)
	a.state = StateComplete
	o.emit(ctx, StateChange{State: a.state})
	return true
}

func (o *Orchestrator) applySettings(ctx context.Context) {
	path := archive.SettingsPath(o.opts.StorageDir)
	if _, err := os.Stat(path); err != nil {
		return // archive carried no settings
	}

	s, err := settings.Load(path)
	if err != nil {
		o.log.Warn(ctx, "failed to load imported settings", "error", err)
		return
	}

	o.mu.Lock()
	o.imported = s
	o.mu.Unlock()
}

// cleanup runs on every exit path regardless of which state triggered it:
// cancel any in-flight transfer, close the sandbox handle, best-effort
// delete the temporary files.
func (o *Orchestrator) cleanup(ctx context.Context, a *attempt) {
	if a.fileID != "" {
		o.opts.Transfer.Cancel(a.fileID)
		a.fileID = ""
	}
	if a.events != nil {
		// let the transfer goroutine flush its terminal event and exit
		go func(events <-chan transfer.Event) {
			for range events {
			}
		}(a.events)
		a.events = nil
	}
	if a.sess != nil {
		if err := a.sess.Close(); err != nil {
			o.log.Warn(ctx, "failed to close sandbox session", "error", err)
		}
		o.opts.Sandbox.Destroy(ctx, a.sess.Dir())
		a.sess = nil
	}
}

func (o *Orchestrator) emit(ctx context.Context, sc StateChange) {
	select {
	case o.out <- sc:
	case <-ctx.Done():
	}
}

// classifyStatus maps a database-open status onto the user-facing taxonomy.
// NotADatabase surfaces as a wrong passphrase: for an encrypted database the
// two are indistinguishable.
func classifyStatus(st chatdb.MigrationStatus) *Failure {
	var category ErrorCategory
	switch st.Code {
	case chatdb.StatusNotADatabase:
		category = CategoryWrongPassphrase
	case chatdb.StatusKeychainError:
		category = CategoryKeychainError
	case chatdb.StatusSQLError:
		category = CategorySQLError
	default:
		category = CategoryUnknown
	}
	return &Failure{Category: category, Message: st.String()}
}
