package history

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/pkg/log"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.json")
	store, err := NewStore(path, clockwork.NewFakeClock(), log.NewPrefixLogger("test"))
	require.NoError(t, err)
	return store, path
}

func entry(deviceID, compositeID, checksum string) *Entry {
	return &Entry{
		DeviceID:    deviceID,
		CompositeID: compositeID,
		DeviceName:  "Hub",
		OldVersion:  "1.0.0",
		NewVersion:  "1.1.0",
		Checksum:    checksum,
		RemoteID:    "acme-stable",
	}
}

func TestAddAndList(t *testing.T) {
	require := require.New(t)
	store, _ := newTestStore(t)

	require.NoError(store.Add(entry("dev1", "dock", "aa")))
	entries := store.List()
	require.Len(entries, 1)
	require.Equal(StatePending, entries[0].State)
	require.False(entries[0].Created.IsZero())
}

// at most one pending row may exist per composite-id
func TestPendingExclusivity(t *testing.T) {
	require := require.New(t)
	store, _ := newTestStore(t)

	require.NoError(store.Add(entry("dev1", "dock", "aa")))
	err := store.Add(entry("dev2", "dock", "bb"))
	require.ErrorIs(err, errdefs.ErrInvalidArgs)

	// a different composite is fine
	require.NoError(store.Add(entry("dev3", "other", "cc")))

	// resolving the pending row frees the composite
	require.NoError(store.SetState("dev1", "aa", StateSuccess, nil))
	require.NoError(store.Add(entry("dev2", "dock", "bb")))
}

func TestSetStateKeepsFirstError(t *testing.T) {
	require := require.New(t)
	store, _ := newTestStore(t)
	require.NoError(store.Add(entry("dev1", "dock", "aa")))

	first := errors.New("detach exploded")
	require.NoError(store.SetState("dev1", "aa", StateFailed, first))
	require.NoError(store.SetState("dev1", "aa", StateFailed, errors.New("cleanup also failed")))

	entries := store.List()
	require.Equal("detach exploded", entries[0].ErrorMsg)
	require.Equal(StateFailed, entries[0].State)
}

func TestSetStateRecordsErrorKind(t *testing.T) {
	require := require.New(t)
	store, _ := newTestStore(t)
	require.NoError(store.Add(entry("dev1", "dock", "aa")))

	cause := errors.Join(errors.New("replug never happened"), errdefs.ErrTimeout)
	require.NoError(store.SetState("dev1", "aa", StateFailed, cause))
	require.Equal("timeout", store.List()[0].ErrorKind)
}

func TestPersistsAcrossReopen(t *testing.T) {
	require := require.New(t)
	store, path := newTestStore(t)
	require.NoError(store.Add(entry("dev1", "dock", "aa")))
	require.NoError(store.SetState("dev1", "aa", StateNeedsActivation, nil))

	reopened, err := NewStore(path, clockwork.NewFakeClock(), log.NewPrefixLogger("test"))
	require.NoError(err)
	entries := reopened.List()
	require.Len(entries, 1)
	require.Equal(StateNeedsActivation, entries[0].State)

	// needs-activation rows are the resumable ones
	resumable := reopened.NeedsActivation()
	require.Len(resumable, 1)
	require.Equal("dev1", resumable[0].DeviceID)
}

func TestUnreportedAndSetReported(t *testing.T) {
	require := require.New(t)
	store, _ := newTestStore(t)

	require.NoError(store.Add(entry("dev1", "dock", "aa")))
	require.NoError(store.SetState("dev1", "aa", StateSuccess, nil))
	require.NoError(store.Add(entry("dev2", "dock2", "bb")))

	// pending rows are not reportable
	unreported := store.Unreported()
	require.Len(unreported, 1)
	require.Equal("dev1", unreported[0].DeviceID)

	require.NoError(store.SetReported("dev1", "aa"))
	require.Empty(store.Unreported())
}

func TestClearKeepsUnfinished(t *testing.T) {
	require := require.New(t)
	store, _ := newTestStore(t)

	require.NoError(store.Add(entry("dev1", "dock", "aa")))
	require.NoError(store.SetState("dev1", "aa", StateSuccess, nil))
	require.NoError(store.Add(entry("dev2", "dock2", "bb")))

	require.NoError(store.Clear())
	entries := store.List()
	require.Len(entries, 1)
	require.Equal("dev2", entries[0].DeviceID)
}

func TestPendingLookup(t *testing.T) {
	require := require.New(t)
	store, _ := newTestStore(t)
	require.NoError(store.Add(entry("dev1", "dock", "aa")))

	pending := store.Pending("dock")
	require.NotNil(pending)
	require.Equal("dev1", pending.DeviceID)
	require.Nil(store.Pending("elsewhere"))
}
