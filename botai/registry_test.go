package botai

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testPersonas(t testing.TB) *PersonaSet {
	t.Helper()
	ps, err := LoadPersonas("")
	require.NoError(t, err)
	return ps
}

// testRegistryStores returns one store per backend, each in a fresh
// temp dir
func testRegistryStores(t *testing.T) map[string]RegistryStore {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	boltStore, err := NewRegistryStore(
		&RegistryConfig{Backend: registryBackendBolt, Path: filepath.Join(dir, "registry.db")},
		nil,
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = boltStore.(io.Closer).Close()
		},
	)

	db, err := CreateDB(ctx, dbTypeSQLite, filepath.Join(dir, "registry.sqlite3"))
	require.NoError(t, err)
	dbStore, err := NewRegistryStore(&RegistryConfig{Backend: registryBackendDatabase}, db)
	require.NoError(t, err)

	jsonStore, err := NewRegistryStore(
		&RegistryConfig{Backend: registryBackendJSON, Path: filepath.Join(dir, "channels.json")},
		nil,
	)
	require.NoError(t, err)

	return map[string]RegistryStore{
		registryBackendJSON:     jsonStore,
		registryBackendBolt:     boltStore,
		registryBackendDatabase: dbStore,
	}
}

func TestActiveChannelRegistry_ToggleIsInverse(t *testing.T) {
	ctx := context.Background()

	for backend, store := range testRegistryStores(t) {
		t.Run(
			backend, func(t *testing.T) {
				require.NoError(t, store.Save(ctx, map[string]string{"7": "pirate"}))

				reg := NewActiveChannelRegistry(store, testPersonas(t), slog.Default())
				require.NoError(t, reg.Load(ctx))
				before, _, err := store.Load(ctx)
				require.NoError(t, err)

				result, err := reg.Toggle(ctx, "42", "standard")
				require.NoError(t, err)
				assert.Equal(t, ToggleActivated, result)

				persona, ok := reg.Lookup("42")
				assert.True(t, ok)
				assert.Equal(t, "standard", persona)

				result, err = reg.Toggle(ctx, "42", "standard")
				require.NoError(t, err)
				assert.Equal(t, ToggleDeactivated, result)

				_, ok = reg.Lookup("42")
				assert.False(t, ok)

				after, _, err := store.Load(ctx)
				require.NoError(t, err)
				assert.Equal(t, before, after)
				assert.Equal(t, map[string]string{"7": "pirate"}, reg.Snapshot())
			},
		)
	}
}

func TestActiveChannelRegistry_JSONDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "channels.json")
	store := &jsonRegistryStore{path: path}

	require.NoError(t, store.Save(ctx, map[string]string{"2": "tutor", "1": "pirate"}))
	original, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(
		t,
		"{\n    \"1\": \"pirate\",\n    \"2\": \"tutor\"\n}",
		string(original),
	)

	reg := NewActiveChannelRegistry(store, testPersonas(t), nil)
	require.NoError(t, reg.Load(ctx))

	_, err = reg.Toggle(ctx, "3", "standard")
	require.NoError(t, err)
	_, err = reg.Toggle(ctx, "3", "standard")
	require.NoError(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(original), string(after))
}

func TestActiveChannelRegistry_LoadMissing(t *testing.T) {
	ctx := context.Background()
	store := &jsonRegistryStore{path: filepath.Join(t.TempDir(), "nope.json")}

	reg := NewActiveChannelRegistry(store, testPersonas(t), nil)
	require.NoError(t, reg.Load(ctx))
	assert.Empty(t, reg.Snapshot())

	_, err := os.Stat(store.path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestActiveChannelRegistry_LoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.json")
	require.NoError(t, os.WriteFile(path, []byte(`["not", "an", "object"]`), 0o600))

	reg := NewActiveChannelRegistry(&jsonRegistryStore{path: path}, testPersonas(t), nil)
	assert.Error(t, reg.Load(context.Background()))
}

func TestActiveChannelRegistry_UnknownPersona(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "channels.json")
	reg := NewActiveChannelRegistry(&jsonRegistryStore{path: path}, testPersonas(t), nil)

	_, err := reg.Toggle(ctx, "42", "does-not-exist")
	assert.ErrorIs(t, err, ErrUnknownPersona)
	assert.Empty(t, reg.Snapshot())

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// stored entries with unknown personas are kept
	require.NoError(t, os.WriteFile(path, []byte(`{"9": "retired"}`), 0o600))
	require.NoError(t, reg.Load(ctx))
	persona, ok := reg.Lookup("9")
	assert.True(t, ok)
	assert.Equal(t, "retired", persona)

	// and can still be deactivated
	result, err := reg.Toggle(ctx, "9", "")
	require.NoError(t, err)
	assert.Equal(t, ToggleDeactivated, result)
}

type failingRegistryStore struct {
	RegistryStore
}

func (failingRegistryStore) Save(context.Context, map[string]string) error {
	return errors.New("disk full")
}

func TestActiveChannelRegistry_SaveFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := failingRegistryStore{
		RegistryStore: &jsonRegistryStore{path: filepath.Join(t.TempDir(), "c.json")},
	}
	reg := NewActiveChannelRegistry(store, testPersonas(t), nil)

	_, err := reg.Toggle(ctx, "42", "standard")
	assert.Error(t, err)
	_, ok := reg.Lookup("42")
	assert.False(t, ok)
}

func TestNewRegistryStore_Errors(t *testing.T) {
	_, err := NewRegistryStore(&RegistryConfig{Backend: registryBackendDatabase}, nil)
	assert.Error(t, err)

	_, err = NewRegistryStore(&RegistryConfig{Backend: "redis"}, nil)
	assert.Error(t, err)
}
