package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	c := Default()
	c.DataDir = dir
	c.Relays = []string{"wss://relay.example.com"}
	c.SignerTimeout = 3 * time.Second
	c.SupportNsec = "never written"
	require.NoError(t, c.Save(c.Path()))

	fi, err := os.Stat(c.Path())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), fi.Mode().Perm())
	b, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	require.NotContains(t, string(b), "never written")

	d := Default()
	d.DataDir = dir
	require.NoError(t, d.LoadDefault())
	require.Equal(t, []string{"wss://relay.example.com"}, d.Relays)
	require.Equal(t, 3*time.Second, d.SignerTimeout)
	require.Empty(t, d.SupportNsec)
}

func TestLoadDefaultMissing(t *testing.T) {
	c := Default()
	c.DataDir = filepath.Join(t.TempDir(), "nothing")
	require.NoError(t, c.LoadDefault())
	require.Equal(t, DefaultRelays, c.Relays)
}

func TestRelayList(t *testing.T) {
	c := &C{Relays: []string{"wss://a.example.com,https://b.example.com/",
		"wss://a.example.com"}}
	require.Equal(t, []string{"wss://a.example.com", "wss://b.example.com"},
		c.RelayList())
	c.Relays = []string{" , "}
	require.Equal(t, DefaultRelays, c.RelayList())
}

func TestEnvironment(t *testing.T) {
	t.Setenv("NOSTR_RELAYS", "wss://x.example.com,wss://y.example.com")
	t.Setenv("SUPPORT_NSEC", "nsec1test")
	c := Default()
	p, err := arg.NewParser(arg.Config{}, c)
	require.NoError(t, err)
	require.NoError(t, p.Parse(nil))
	require.Equal(t, []string{"wss://x.example.com", "wss://y.example.com"},
		c.RelayList())
	require.Equal(t, "nsec1test", c.SupportNsec)
}
