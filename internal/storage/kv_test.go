package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, err := kv.Get(ctx, "assembly_missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Put(ctx, "assembly_a", []byte(`{"id":"a"}`)))
	require.NoError(t, kv.Put(ctx, "backup_a_2", []byte("two")))
	require.NoError(t, kv.Put(ctx, "backup_a_1", []byte("one")))
	require.NoError(t, kv.Put(ctx, "backup_b_1", []byte("other")))

	got, err := kv.Get(ctx, "assembly_a")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a"}`, string(got))

	require.NoError(t, kv.Put(ctx, "assembly_a", []byte(`{"id":"a","v":2}`)))
	got, err = kv.Get(ctx, "assembly_a")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a","v":2}`, string(got))

	keys, err := kv.Keys(ctx, "backup_a_")
	require.NoError(t, err)
	assert.Equal(t, []string{"backup_a_1", "backup_a_2"}, keys)

	require.NoError(t, kv.Delete(ctx, "backup_a_1"))
	require.NoError(t, kv.Delete(ctx, "backup_a_1"))
	keys, err = kv.Keys(ctx, "backup_")
	require.NoError(t, err)
	assert.Equal(t, []string{"backup_a_2", "backup_b_1"}, keys)
}

func TestMemoryKV(t *testing.T) {
	kv := NewMemory(0)
	defer kv.Close()
	exerciseKV(t, kv)
}

func TestMemoryQuota(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory(16)

	require.NoError(t, kv.Put(ctx, "k", []byte("0123456789")))
	assert.EqualValues(t, 11, kv.Used())

	err := kv.Put(ctx, "k2", []byte("0123456789"))
	require.ErrorIs(t, err, ErrStorageFull)

	// Overwriting with a smaller value frees space.
	require.NoError(t, kv.Put(ctx, "k", []byte("01")))
	require.NoError(t, kv.Put(ctx, "k2", []byte("0123")))
	assert.EqualValues(t, 9, kv.Used())

	require.NoError(t, kv.Close())
	_, err = kv.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory(0)
	in := []byte("abc")
	require.NoError(t, kv.Put(ctx, "k", in))
	in[0] = 'z'
	out, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	out[1] = 'z'
	again, _ := kv.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestBadgerInMemoryKV(t *testing.T) {
	cfg := DefaultBadgerConfig()
	cfg.InMemory = true
	kv, err := OpenBadger(cfg)
	require.NoError(t, err)
	defer kv.Close()
	exerciseKV(t, kv)
}

func TestBadgerOnDiskPersists(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultBadgerConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 0

	kv, err := OpenBadger(cfg)
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, "assembly_x", []byte("payload")))
	require.NoError(t, kv.Close())

	kv, err = OpenBadger(cfg)
	require.NoError(t, err)
	defer kv.Close()
	got, err := kv.Get(ctx, "assembly_x")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestBadgerRequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	require.Error(t, err)
}

func TestSQLiteKV(t *testing.T) {
	kv, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer kv.Close()
	exerciseKV(t, kv)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	kv, err := Open(ctx, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, kv)
	kv.Close()

	kv, err = Open(ctx, Config{Backend: BackendBadger, InMemory: true}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Badger{}, kv)
	kv.Close()

	kv, err = Open(ctx, Config{Backend: BackendSQLite, Path: filepath.Join(t.TempDir(), "a.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, kv)
	kv.Close()

	_, err = Open(ctx, Config{Backend: "etcd"}, nil)
	require.Error(t, err)
}
