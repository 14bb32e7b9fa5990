package migration

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteSource serves a canned archive, optionally failing the first N fetches.
type byteSource struct {
	mu       sync.Mutex
	data     []byte
	failures int
}

func (s *byteSource) Fetch(_ context.Context, _ *link.Link) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, 0, errors.New("relay unreachable")
	}
	return io.NopCloser(bytes.NewReader(s.data)), int64(len(s.data)), nil
}

// blockSource never delivers bytes until the transfer context is cancelled.
type blockSource struct{}

func (blockSource) Fetch(ctx context.Context, _ *link.Link) (io.ReadCloser, int64, error) {
	return blockedBody{ctx: ctx}, 100, nil
}

type blockedBody struct{ ctx context.Context }

func (b blockedBody) Read([]byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}
func (blockedBody) Close() error { return nil }

// makeSourceArchive builds the archive a source device would upload: a keyed
// chat database with one message plus exported settings.
func makeSourceArchive(t *testing.T, passphrase string) []byte {
	t.Helper()
	ctx := context.Background()
	tmp := t.TempDir()

	dbPath := filepath.Join(tmp, "chat.db")
	db, st := chatdb.Open(ctx, dbPath, passphrase)
	require.True(t, st.Ok(), "status: %v", st)
	require.NoError(t, db.InsertMessage(ctx, "m1", "alice", []byte("see you on the new device")))
	require.NoError(t, db.Close())

	s := settings.Defaults()
	s.DeveloperTools = true
	settingsPath := filepath.Join(tmp, "settings.json")
	require.NoError(t, s.Save(settingsPath))

	arcPath := filepath.Join(tmp, "archive.zip")
	require.NoError(t, archive.Pack(arcPath, dbPath, settingsPath, ""))

	data, err := os.ReadFile(arcPath)
	require.NoError(t, err)
	return data
}

type fixture struct {
	orch        *Orchestrator
	events      <-chan StateChange
	prodDir     string
	sandboxBase string
	creds       *credstore.FileStore
}

func newFixture(t *testing.T, src transfer.Source) *fixture {
	t.Helper()

	prodDir := t.TempDir()
	sandboxBase := t.TempDir()

	mgr := transfer.NewManager(logging.Nop())
	mgr.ChunkSize = 64
	mgr.Register(link.SchemeSimplex, src)

	creds := credstore.NewFileStore(filepath.Join(t.TempDir(), "credential"), make([]byte, 32))

	orch := New(Options{
		StorageDir:  prodDir,
		Transfer:    mgr,
		Sandbox:     sandbox.New(sandboxBase, logging.Nop()),
		Resolver:    link.NewResolver(nil),
		Importer:    archive.NewImporter(logging.Nop()),
		Credentials: creds,
		LockPath:    filepath.Join(t.TempDir(), "lock"),
	})

	events, err := orch.Run(context.Background())
	require.NoError(t, err)

	return &fixture{orch: orch, events: events, prodDir: prodDir, sandboxBase: sandboxBase, creds: creds}
}

// next returns the next event or fails the test after a timeout.
func next(t *testing.T, ch <-chan StateChange) StateChange {
	t.Helper()
	select {
	case sc, ok := <-ch:
		require.True(t, ok, "event stream closed unexpectedly")
		return sc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a state change")
		return StateChange{}
	}
}

// waitFor skips intermediate transitions (progress self-loops, importing)
// until the wanted state arrives.
func waitFor(t *testing.T, ch <-chan StateChange, want State) StateChange {
	t.Helper()
	for {
		sc := next(t, ch)
		if sc.State == want {
			return sc
		}
		require.False(t, sc.State.Terminal(),
			"reached terminal state %s while waiting for %s", sc.State, want)
	}
}

func assertClosed(t *testing.T, ch <-chan StateChange) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected the event stream to be closed")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the event stream to close")
	}
}

func TestMigration_HappyPath(t *testing.T) {
	fx := newFixture(t, &byteSource{data: makeSourceArchive(t, "correct")})

	assert.Equal(t, StateAwaitingLink, next(t, fx.events).State)

	fx.orch.SubmitLink("simplex:/file#abc")
	assert.Equal(t, StateLinkResolving, next(t, fx.events).State)
	assert.Equal(t, StateDownloading, next(t, fx.events).State)

	// progress self-loops with monotonically non-decreasing counters
	var last int64
	sc := next(t, fx.events)
	for sc.State == StateDownloading {
		assert.GreaterOrEqual(t, sc.Downloaded, last)
		last = sc.Downloaded
		sc = next(t, fx.events)
	}

	assert.Equal(t, StateImportingArchive, sc.State)

	sc = waitFor(t, fx.events, StateAwaitingPassphrase)
	assert.Empty(t, sc.Warnings)
	assert.Nil(t, sc.Failure)

	fx.orch.SubmitPassphrase("correct", true)
	assert.Equal(t, StateActivating, next(t, fx.events).State)
	assert.Equal(t, StateComplete, next(t, fx.events).State)
	assertClosed(t, fx.events)

	// the production database now opens with the migrated passphrase
	ctx := context.Background()
	db, st := chatdb.Open(ctx, archive.DatabasePath(fx.prodDir), "correct")
	require.True(t, st.Ok(), "status: %v", st)
	n, err := db.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, db.Close())

	// settings travelled with the archive
	imported := fx.orch.Settings()
	require.NotNil(t, imported)
	assert.True(t, imported.DeveloperTools)

	// "remember this device" persisted the passphrase after verification
	got, err := fx.creds.Load()
	require.NoError(t, err)
	assert.Equal(t, "correct", got)

	// the sandbox was destroyed on the way out
	entries, err := os.ReadDir(fx.sandboxBase)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMigration_InvalidLinkRejectedBeforeAnything(t *testing.T) {
	fx := newFixture(t, &byteSource{data: makeSourceArchive(t, "p")})
	next(t, fx.events) // AwaitingLink

	fx.orch.SubmitLink("http://not-a-migration-link")
	assert.Equal(t, StateLinkResolving, next(t, fx.events).State)

	sc := next(t, fx.events)
	assert.Equal(t, StateAwaitingLink, sc.State)
	require.NotNil(t, sc.Failure)
	assert.Equal(t, CategoryInvalidLink, sc.Failure.Category)

	// a valid link still works afterwards
	fx.orch.SubmitLink("simplex:/file#abc")
	assert.Equal(t, StateLinkResolving, next(t, fx.events).State)
	assert.Equal(t, StateDownloading, next(t, fx.events).State)
	waitFor(t, fx.events, StateAwaitingPassphrase)
}

func TestMigration_WrongPassphraseStaysAwaiting(t *testing.T) {
	fx := newFixture(t, &byteSource{data: makeSourceArchive(t, "correct")})
	next(t, fx.events) // AwaitingLink

	fx.orch.SubmitLink("simplex:/file#abc")
	next(t, fx.events) // LinkResolving
	next(t, fx.events) // Downloading
	waitFor(t, fx.events, StateAwaitingPassphrase)

	fx.orch.SubmitPassphrase("wrong", false)
	sc := next(t, fx.events)
	assert.Equal(t, StateAwaitingPassphrase, sc.State, "machine stays put, nothing is lost")
	require.NotNil(t, sc.Failure)
	assert.Equal(t, CategoryWrongPassphrase, sc.Failure.Category)

	// retrying with the right passphrase completes
	fx.orch.SubmitPassphrase("correct", false)
	assert.Equal(t, StateActivating, next(t, fx.events).State)
	assert.Equal(t, StateComplete, next(t, fx.events).State)

	// remember=false leaves the credential store empty
	_, err := fx.creds.Load()
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestMigration_CancellationBlockedOncePassphraseEntryBegins(t *testing.T) {
	fx := newFixture(t, &byteSource{data: makeSourceArchive(t, "correct")})
	next(t, fx.events) // AwaitingLink

	fx.orch.SubmitLink("simplex:/file#abc")
	next(t, fx.events) // LinkResolving
	next(t, fx.events) // Downloading
	waitFor(t, fx.events, StateAwaitingPassphrase)

	// cancellation must be refused: the production database is already
	// overwritten and there is no rollback
	fx.orch.Cancel()
	fx.orch.Cancel()

	fx.orch.SubmitPassphrase("correct", false)
	assert.Equal(t, StateActivating, next(t, fx.events).State)
	assert.Equal(t, StateComplete, next(t, fx.events).State)
	assertClosed(t, fx.events)
}

func TestMigration_DownloadFailedThenUserRetries(t *testing.T) {
	fx := newFixture(t, &byteSource{data: makeSourceArchive(t, "correct"), failures: 1})
	next(t, fx.events) // AwaitingLink

	fx.orch.SubmitLink("simplex:/file#abc")
	next(t, fx.events) // LinkResolving
	next(t, fx.events) // Downloading

	sc := waitFor(t, fx.events, StateDownloadFailed)
	require.NotNil(t, sc.Failure)
	assert.Equal(t, CategoryTransferError, sc.Failure.Category)

	// no automatic retry may happen
	select {
	case sc := <-fx.events:
		t.Fatalf("unexpected transition without user action: %s", sc.State)
	case <-time.After(200 * time.Millisecond):
	}

	fx.orch.Retry()
	assert.Equal(t, StateDownloading, next(t, fx.events).State)

	sc = next(t, fx.events)
	require.Equal(t, StateDownloading, sc.State)
	assert.LessOrEqual(t, sc.Downloaded, int64(64), "retry restarts counting from zero")

	waitFor(t, fx.events, StateAwaitingPassphrase)
	fx.orch.SubmitPassphrase("correct", false)
	assert.Equal(t, StateActivating, next(t, fx.events).State)
	assert.Equal(t, StateComplete, next(t, fx.events).State)
}

func TestMigration_ImportFailureIsRetryableNotRecovered(t *testing.T) {
	// an archive whose unpack fails after the wipe: valid zip, contains the
	// database entry, but also an entry escaping the storage dir
	data := makeZip(t, map[string][]byte{
		archive.DatabaseEntry: []byte("db"),
		"files/../../escape":  []byte("payload"),
	})

	fx := newFixture(t, &byteSource{data: data})
	next(t, fx.events) // AwaitingLink
	require.NoError(t, os.WriteFile(filepath.Join(fx.prodDir, "precious.db"), []byte("old"), 0o600))

	fx.orch.SubmitLink("simplex:/file#abc")
	next(t, fx.events) // LinkResolving
	next(t, fx.events) // Downloading

	sc := waitFor(t, fx.events, StateImportFailed)
	require.NotNil(t, sc.Failure)
	assert.Equal(t, CategoryImportError, sc.Failure.Category)

	// the wipe already happened and nothing restored the old content
	_, err := os.Stat(filepath.Join(fx.prodDir, "precious.db"))
	assert.True(t, os.IsNotExist(err), "no automatic fallback database is restored")

	// retry re-runs the import (and fails the same way)
	fx.orch.Retry()
	assert.Equal(t, StateImportingArchive, next(t, fx.events).State)
	assert.Equal(t, StateImportFailed, next(t, fx.events).State)

	// import failures may be abandoned
	fx.orch.Cancel()
	assert.Equal(t, StateAbandoned, next(t, fx.events).State)
	assertClosed(t, fx.events)

	entries, err := os.ReadDir(fx.sandboxBase)
	require.NoError(t, err)
	assert.Empty(t, entries, "sandbox destroyed on abandonment")
}

func TestMigration_AbandonDuringDownload(t *testing.T) {
	fx := newFixture(t, blockSource{})
	next(t, fx.events) // AwaitingLink

	fx.orch.SubmitLink("simplex:/file#abc")
	next(t, fx.events) // LinkResolving
	next(t, fx.events) // Downloading

	fx.orch.Cancel()
	sc := waitFor(t, fx.events, StateAbandoned)
	assert.Nil(t, sc.Failure)
	assertClosed(t, fx.events)

	entries, err := os.ReadDir(fx.sandboxBase)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMigration_ResumeAtPassphraseEntry(t *testing.T) {
	ctx := context.Background()
	prodDir := t.TempDir()

	// simulate an attempt whose archive was imported before a restart
	dbDir := filepath.Join(prodDir, "db")
	require.NoError(t, os.MkdirAll(dbDir, 0o700))
	db, st := chatdb.Open(ctx, filepath.Join(dbDir, "chat.db"), "correct")
	require.True(t, st.Ok())
	require.NoError(t, db.Close())

	orch := New(Options{
		StorageDir:   prodDir,
		Transfer:     transfer.NewManager(logging.Nop()),
		Sandbox:      sandbox.New(t.TempDir(), logging.Nop()),
		Resolver:     link.NewResolver(nil),
		Importer:     archive.NewImporter(logging.Nop()),
		Credentials:  credstore.NewFileStore(filepath.Join(t.TempDir(), "c"), make([]byte, 32)),
		LockPath:     filepath.Join(t.TempDir(), "lock"),
		InitialState: StateAwaitingPassphrase,
	})

	events, err := orch.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingPassphrase, next(t, events).State)
	orch.SubmitPassphrase("correct", false)
	assert.Equal(t, StateActivating, next(t, events).State)
	assert.Equal(t, StateComplete, next(t, events).State)
}

func TestMigration_RejectsUnsupportedInitialState(t *testing.T) {
	orch := New(Options{
		StorageDir:   t.TempDir(),
		InitialState: StateDownloading,
	})
	_, err := orch.Run(context.Background())
	assert.ErrorIs(t, err, common.ErrBadInitialState)
}

func TestMigration_SecondAttemptBlockedByLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")

	newOrch := func() *Orchestrator {
		return New(Options{
			StorageDir:  t.TempDir(),
			Transfer:    transfer.NewManager(logging.Nop()),
			Sandbox:     sandbox.New(t.TempDir(), logging.Nop()),
			Resolver:    link.NewResolver(nil),
			Importer:    archive.NewImporter(logging.Nop()),
			Credentials: credstore.NewFileStore(filepath.Join(t.TempDir(), "c"), make([]byte, 32)),
			LockPath:    lockPath,
		})
	}

	first := newOrch()
	events, err := first.Run(context.Background())
	require.NoError(t, err)
	next(t, events) // AwaitingLink

	_, err = newOrch().Run(context.Background())
	assert.ErrorIs(t, err, common.ErrMigrationInProgress)

	// releasing the first attempt frees the lock for a new one
	first.Cancel()
	waitFor(t, events, StateAbandoned)
	assertClosed(t, events)

	_, err = newOrch().Run(context.Background())
	assert.NoError(t, err)
}

// makeZip builds an in-memory zip with the given entries.
func makeZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}
