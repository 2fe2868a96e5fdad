package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFor(t *testing.T) {
	cases := map[string]Format{
		"options.json":    FormatJSON,
		"options.YAML":    FormatYAML,
		"options.yml":     FormatYAML,
		"options.msgpack": FormatMsgpack,
	}
	for name, want := range cases {
		got, err := FormatFor(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := FormatFor("options.toml")
	assert.Error(t, err)
}

func TestStoreSaveLoadEachFormat(t *testing.T) {
	for _, name := range []string{"options.json", "options.yaml", "options.msgpack"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			store, err := NewStore(path, nil)
			require.NoError(t, err)

			opts := twoProfiles()
			require.NoError(t, store.Save(opts))

			loaded, err := store.Load()
			require.NoError(t, err)
			assert.Equal(t, opts, loaded)

			_, err = os.Stat(path + ".tmp")
			assert.True(t, os.IsNotExist(err), "temp file left behind")
		})
	}
}

func TestStoreLoadMissingFileGivesDefaults(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "options.json"), nil)
	require.NoError(t, err)
	opts, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), opts)
}

func TestStoreLoadRejectsInvalidTree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"profiles": 3}`), 0o644))
	store, err := NewStore(path, nil)
	require.NoError(t, err)
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrInvalidOptions)

	require.NoError(t, os.WriteFile(path, []byte(`[1,2]`), 0o644))
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestStoreRemembersOwnWrite(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "options.json"), nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(Default()))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.True(t, store.wroteLast(data))
	assert.False(t, store.wroteLast(append(data, ' ')))
}
