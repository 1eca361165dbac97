package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwell/frontdesk/internal/approval"
	"github.com/fernwell/frontdesk/internal/history"
	"github.com/fernwell/frontdesk/internal/worker"
)

func testStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "sessions"), nil)
}

func testRecord(id string) *Record {
	rec := NewRecord(id, time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC))
	rec.Session.Requester = "Alice Tanaka"
	rec.Context["requester"] = "Alice Tanaka"
	return rec
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := testRecord("sess-a")
	rec.Session.ActiveWorker = string(worker.TypeTravel)
	rec.Workers[string(worker.TypeTravel)] = worker.State{
		Type:  worker.TypeTravel,
		Stage: worker.StageCollecting,
		Await: "date",
		Fields: map[string]string{
			"departure":   "Tokyo",
			"destination": "Yokohama",
		},
	}

	win := history.NewWindow(15)
	win.Append(history.RoleUser, "file my travel expenses")
	win.Append(history.RoleAgent, "Where did the first leg depart from?")
	rec.Windows[DispatcherWindow] = win.Snapshot()

	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Load(ctx, "sess-a")
	require.NoError(t, err)
	assert.Equal(t, "Alice Tanaka", got.Session.Requester)
	assert.Equal(t, string(worker.TypeTravel), got.Session.ActiveWorker)
	assert.Equal(t, "Tokyo", got.Workers[string(worker.TypeTravel)].Fields["departure"])
	assert.Equal(t, worker.StageCollecting, got.Workers[string(worker.TypeTravel)].Stage)

	restored := history.Restore(got.Windows[DispatcherWindow])
	assert.Equal(t, 2, restored.Len())
}

func TestFileStore_PendingActionSurvivesRestart(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := testRecord("sess-pending")
	rec.Pending = approval.NewPendingAction("travel.report", "travel", "1 leg, total 480", map[string]string{"total": "480"})
	rec.Workers["travel"] = worker.State{
		Type:    worker.TypeTravel,
		Stage:   worker.StageAwaitingApproval,
		Pending: rec.Pending,
	}
	require.NoError(t, store.Save(ctx, rec))

	// A second store simulates a fresh process after a crash.
	reopened := NewFileStore(store.dir, nil)
	got, err := reopened.Load(ctx, "sess-pending")
	require.NoError(t, err)
	require.NotNil(t, got.Pending)
	assert.Equal(t, rec.Pending.ID, got.Pending.ID)
	assert.Equal(t, worker.StageAwaitingApproval, got.Workers["travel"].Stage)
}

func TestFileStore_LoadMissing(t *testing.T) {
	store := testStore(t)
	_, err := store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_LoadCorrupt(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testRecord("sess-bad")))

	require.NoError(t, os.WriteFile(filepath.Join(store.dir, "sess-bad.json"), []byte("{not json"), 0600))

	_, err := store.Load(ctx, "sess-bad")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStore_LoadMismatchedID(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testRecord("sess-one")))

	// A record copied under the wrong filename must not be trusted.
	data, err := os.ReadFile(filepath.Join(store.dir, "sess-one.json"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.dir, "sess-two.json"), data, 0600))

	_, err = store.Load(ctx, "sess-two")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStore_SaveLeavesNoTempFiles(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Save(context.Background(), testRecord("sess-tmp")))

	entries, err := os.ReadDir(store.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestFileStore_ListAndDelete(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, store.Save(ctx, testRecord("sess-b")))
	require.NoError(t, store.Save(ctx, testRecord("sess-a")))

	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-a", "sess-b"}, ids)

	require.NoError(t, store.Delete(ctx, "sess-a"))
	require.NoError(t, store.Delete(ctx, "sess-a"), "deleting twice is fine")

	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-b"}, ids)
}

func TestFileStore_RejectsTraversalIDs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx, "../escape")
	assert.Error(t, err)

	rec := testRecord("ok")
	rec.Session.ID = "a/b"
	assert.Error(t, store.Save(ctx, rec))
}

func TestNewID(t *testing.T) {
	a := NewID("sess")
	b := NewID("sess")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "sess-")

	assert.Contains(t, NewID(""), "sess-")
}
