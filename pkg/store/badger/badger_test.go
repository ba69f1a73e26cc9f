package badger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T, path string) *Backend {
	b := New(path)
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPutGetClear(t *testing.T) {
	b := open(t, "")
	require.NoError(t, b.Put(map[string]string{
		"method": "bunker",
		"pubkey": "abcd",
		"relays": "wss://a,wss://b",
	}))
	v, err := b.Get("method")
	require.NoError(t, err)
	require.Equal(t, "bunker", v)

	all, err := b.All()
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "wss://a,wss://b", all["relays"])

	// empty values delete
	require.NoError(t, b.Put(map[string]string{"relays": ""}))
	_, err = b.Get("relays")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Clear())
	all, err = b.All()
	require.NoError(t, err)
	require.Empty(t, all)
	_, err = b.Get("method")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	b := New(dir)
	require.NoError(t, b.Init())
	require.NoError(t, b.Put(map[string]string{"pubkey": "ffff"}))
	require.NoError(t, b.Close())

	b = open(t, dir)
	v, err := b.Get("pubkey")
	require.NoError(t, err)
	require.Equal(t, "ffff", v)
}
