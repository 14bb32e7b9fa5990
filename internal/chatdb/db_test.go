package chatdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dbPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "chat.db")
}

func TestOpen_CreatesUnkeyedDatabase(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)

	db, st := Open(ctx, path, "")
	require.True(t, st.Ok(), "status: %v", st)
	require.NotNil(t, db)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.InsertMessage(ctx, "m1", "alice", []byte("hi")))
	n, err := db.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOpen_KeyedRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)

	db, st := Open(ctx, path, "correct")
	require.True(t, st.Ok(), "status: %v", st)
	require.NoError(t, db.InsertMessage(ctx, "m1", "bob", []byte("hello")))
	require.NoError(t, db.Close())

	// correct passphrase reopens
	db2, st := Open(ctx, path, "correct")
	require.True(t, st.Ok(), "status: %v", st)
	n, err := db2.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, db2.Close())
}

func TestOpen_WrongPassphraseIsNotADatabase(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)

	db, st := Open(ctx, path, "correct")
	require.True(t, st.Ok())
	require.NoError(t, db.Close())

	got, st := Open(ctx, path, "wrong")
	assert.Nil(t, got)
	assert.Equal(t, StatusNotADatabase, st.Code)
}

func TestOpen_KeyedWithoutPassphraseIsNotADatabase(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)

	db, st := Open(ctx, path, "correct")
	require.True(t, st.Ok())
	require.NoError(t, db.Close())

	got, st := Open(ctx, path, "")
	assert.Nil(t, got)
	assert.Equal(t, StatusNotADatabase, st.Code)
}

func TestOpen_GarbageFileIsNotADatabase(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)
	require.NoError(t, os.WriteFile(path, []byte("definitely not sqlite, but long enough to have a header"), 0o600))

	got, st := Open(ctx, path, "any")
	assert.Nil(t, got)
	assert.Equal(t, StatusNotADatabase, st.Code)
}

func TestOpen_ConfirmationMismatch(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)

	db, st := Open(ctx, path, "correct")
	require.True(t, st.Ok())
	require.NoError(t, db.SetConfirmation(ctx, "v0"))
	require.NoError(t, db.Close())

	db2, st := Open(ctx, path, "correct")
	assert.Equal(t, StatusInvalidConfirmation, st.Code)
	require.NotNil(t, db2, "handle is still usable on invalidConfirmation")
	require.NoError(t, db2.Close())
}

func TestClose_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, st := Open(ctx, dbPath(t), "pass")
	require.True(t, st.Ok())

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}
