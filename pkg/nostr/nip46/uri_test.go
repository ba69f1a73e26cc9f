package nip46

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestParseBunkerURI(t *testing.T) {
	pk, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	b, err := ParseBunkerURI("bunker://" + pk +
		"?relay=wss%3A%2F%2Frelay.one&relay=relay.two/&secret=abc")
	require.NoError(t, err)
	require.Equal(t, pk, b.RemotePubkey)
	require.Equal(t, []string{"wss://relay.one", "wss://relay.two"}, b.Relays)
	require.Equal(t, "abc", b.Secret)

	again, err := ParseBunkerURI(b.String())
	require.NoError(t, err)
	require.Equal(t, b, again)
}

func TestParseBunkerURIRejects(t *testing.T) {
	pk, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	for name, uri := range map[string]string{
		"no pubkey":      "bunker://?relay=wss://r.one",
		"short pubkey":   "bunker://" + pk[:60] + "?relay=wss://r.one",
		"not on curve":   "bunker://" + strings.Repeat("f", 64) + "?relay=wss://r.one",
		"wrong scheme":   "nostrconnect://" + pk + "?relay=wss://r.one",
		"garbage":        "::::",
		"no relays":      "bunker://" + pk,
		"only bad relay": "bunker://" + pk + "?relay=",
	} {
		_, err := ParseBunkerURI(uri)
		require.Error(t, err, name)
	}
	_, err := ParseBunkerURI("bunker://" + pk)
	require.ErrorIs(t, err, ErrNoRelays)
	_, err = ParseBunkerURI("bunker://nope?relay=wss://r.one")
	require.ErrorIs(t, err, ErrInvalidURI)
}

func TestNostrConnectURI(t *testing.T) {
	pk, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	n := NostrConnectURI{
		ClientPubkey: pk,
		Relays:       []string{"wss://relay.one"},
		Secret:       "0123abcd",
		Perms:        []string{"sign_event:1059", "nip04_encrypt"},
		Metadata:     Metadata{Name: "signet", URL: "https://example.org"},
	}
	s := n.String()
	require.True(t, strings.HasPrefix(s, "nostrconnect://"+pk+"?"))
	back, err := ParseNostrConnectURI(s)
	require.NoError(t, err)
	require.Equal(t, n, back)

	_, err = ParseNostrConnectURI("nostrconnect://" + pk)
	require.ErrorIs(t, err, ErrNoRelays)
	_, err = ParseNostrConnectURI("bunker://" + pk + "?relay=wss://r.one")
	require.ErrorIs(t, err, ErrInvalidURI)
}
