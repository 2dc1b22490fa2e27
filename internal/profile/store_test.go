package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hopserrors "github.com/plyght/hops/internal/errors"
)

func TestStore_SaveLoadListDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	names, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, store.Save("dev", []byte("name = \"dev\"\n")))
	require.NoError(t, store.Save("ci", []byte("name = \"ci\"\n")))

	names, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"ci", "dev"}, names)

	data, err := store.Load("dev")
	require.NoError(t, err)
	assert.Equal(t, "name = \"dev\"\n", string(data))

	require.NoError(t, store.Delete("ci"))
	_, err = store.Load("ci")
	assert.ErrorIs(t, err, hopserrors.ErrNotFound)
}

func TestStore_UnknownProfile(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("missing")
	assert.ErrorIs(t, err, hopserrors.ErrNotFound)
	assert.ErrorIs(t, store.Delete("missing"), hopserrors.ErrNotFound)
}

func TestStore_RejectsTraversalNames(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "../escape", "a/b", "..", "sub\\dir"} {
		assert.Error(t, store.Save(name, []byte("x")), "name %q must be rejected", name)
	}
}
