package feedback

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/nip59"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/nostr/relaytest"
	"github.com/Hubmakerlabs/signet/pkg/signer"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestSupportNpub(t *testing.T) {
	pk, err := keys.ParsePubkey(SupportNpub)
	require.NoError(t, err)
	require.Len(t, pk, 64)
}

func TestParse(t *testing.T) {
	at := time.Unix(1700000000, 0)
	it := Parse(`{"type":"bug","message":"scores vanish","app_version":"1.2"}`,
		"ab", at)
	require.Equal(t, "bug", it.Type)
	require.Equal(t, "scores vanish", it.Message)
	require.Equal(t, json.RawMessage(`"1.2"`), it.Extra["app_version"])

	it = Parse("just words", "ab", at)
	require.Equal(t, Unknown, it.Type)
	require.Equal(t, "just words", it.Message)

	it = Parse(`{"message":"no type"}`, "ab", at)
	require.Equal(t, Unknown, it.Type)

	it = Parse(`{"type":"idea","message":{"nested":true}}`, "ab", at)
	require.Equal(t, `{"nested":true}`, it.Message)
}

func TestRaw(t *testing.T) {
	s, err := Raw(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", s)

	it := Parse(`{"type":"bug","message":"m","device":"pixel"}`, "ab",
		time.Unix(1700000000, 0))
	s, err = Raw([]Item{it})
	require.NoError(t, err)
	var out []map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	require.Len(t, out, 1)
	require.Equal(t, "bug", out[0]["type"])
	require.Equal(t, "pixel", out[0]["device"])
	require.Equal(t, "ab", out[0]["_sender_pubkey"])
	require.EqualValues(t, 1700000000, out[0]["_received_at"])
}

func TestDigest(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pk, _ := keys.GetPublicKey(nostr.GeneratePrivateKey())
	items := []Item{
		Parse(`{"type":"feature","message":"dark mode"}`, pk, now),
		Parse(`{"type":"bug","message":"crash on save"}`, pk, now),
		Parse(`{"type":"bug","message":"wrong par"}`, pk, now),
	}
	d := Digest(items, 7, now)
	require.Contains(t, d, "**Period:** Last 7 days")
	require.Contains(t, d, "**Total Feedback:** 3 items")
	require.Contains(t, d, "2024-05-01 12:00:00 UTC")
	// bigger groups first
	require.Less(t, strings.Index(d, "\n## bug"), strings.Index(d, "\n## feature"))
	require.Contains(t, d, "- crash on save (npub1")

	empty := Digest(nil, 3, now)
	require.Contains(t, empty, "No feedback received")
}

func TestFileName(t *testing.T) {
	require.Equal(t, "feedback_digest_20240501_120304.md",
		FileName(time.Date(2024, 5, 1, 12, 3, 4, 0, time.UTC)))
}

func TestFetch(t *testing.T) {
	n := relaytest.NewNetwork()
	urls, relays := n.Relays(2)
	p := pool.New(context.Background(), pool.WithDialer(n.Dial))
	defer p.Close()
	c := context.Background()

	support, err := signer.NewLocal(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	user, err := signer.NewLocal(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	for _, content := range []string{
		`{"type":"bug","message":"putt counter off by one"}`,
		`thanks for the app`,
	} {
		_, _, err = nip59.Send(c, user, p, urls, support.PublicKey(), content)
		require.NoError(t, err)
	}
	// a wrap for support that cannot be opened is skipped
	k := nostr.GeneratePrivateKey()
	junk := &nostr.Event{Kind: 1059, CreatedAt: nostr.Now(),
		Tags: nostr.Tags{{"p", support.PublicKey()}}, Content: "nope"}
	require.NoError(t, junk.Sign(k))
	relays[1].Store(junk)

	items := Fetch(c, support, p, urls, 7, time.Now())
	require.Len(t, items, 2)
	types := []string{items[0].Type, items[1].Type}
	require.ElementsMatch(t, []string{"bug", Unknown}, types)
	for _, it := range items {
		require.Equal(t, user.PublicKey(), it.Sender)
	}
}
