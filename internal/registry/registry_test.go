package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrCreateCreatesNewEntry(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)

	e, err := r.GetOrCreate("notes", "/home/user/notes", "")
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)
	require.Equal(t, "notes", e.Name)
}

func TestGetOrCreateMatchesExistingByNameAndPath(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)

	first, err := r.GetOrCreate("notes", "/home/user/notes", "")
	require.NoError(t, err)

	again, err := r.GetOrCreate("notes", "/home/user/notes", "")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
}

func TestGetOrCreatePathWinsOverNameOnAmbiguousMatch(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)

	// One graph renamed (path stable), another moved (name stable) -
	// both could match a lookup for ("notes", "/new/path"); path wins.
	byPath, err := r.GetOrCreate("old-name", "/new/path", "")
	require.NoError(t, err)
	_, err = r.GetOrCreate("notes", "/other/path", "")
	require.NoError(t, err)

	resolved, err := r.GetOrCreate("notes", "/new/path", "")
	require.NoError(t, err)
	require.Equal(t, byPath.ID, resolved.ID)
	require.Equal(t, "notes", resolved.Name, "path match should adopt the new display name")
}

func TestGetRejectsUnknownGraph(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)

	_, err = r.Get("nonexistent", "", "")
	require.ErrorIs(t, err, ErrUnknownGraph)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := Open(path)
	require.NoError(t, err)
	e, err := r.GetOrCreate("notes", "/home/user/notes", "")
	require.NoError(t, err)
	require.NoError(t, r.SetActive(e.ID))

	reopened, err := Open(path)
	require.NoError(t, err)
	got, err := reopened.Get(e.ID, "", "")
	require.NoError(t, err)
	require.Equal(t, e.Name, got.Name)
	require.Equal(t, e.ID, reopened.Active())
}

func TestMarkConfigUpdated(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)
	e, err := r.GetOrCreate("notes", "/home/user/notes", "")
	require.NoError(t, err)

	require.NoError(t, r.MarkConfigUpdated(e.ID))
	got, err := r.Get(e.ID, "", "")
	require.NoError(t, err)
	require.True(t, got.ConfigUpdated)

	require.ErrorIs(t, r.MarkConfigUpdated("nonexistent"), ErrUnknownGraph)
}
