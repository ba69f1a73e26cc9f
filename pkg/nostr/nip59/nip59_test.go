package nip59

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/kind"
	"github.com/Hubmakerlabs/signet/pkg/nostr/nip44"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/nostr/relaytest"
	"github.com/Hubmakerlabs/signet/pkg/signer"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func identity(t *testing.T) *signer.Context {
	cx, err := signer.NewLocal(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	t.Cleanup(cx.Close)
	return cx
}

func TestWrapUnwrap(t *testing.T) {
	c := context.Background()
	alice, bob := identity(t), identity(t)
	rumor := NewRumor(bob.PublicKey(), "invoice paid", nostr.Tag{"subject", "x"})
	before := *rumor
	wrap, err := Wrap(c, alice, bob.PublicKey(), rumor)
	require.NoError(t, err)
	require.Equal(t, before, *rumor, "rumor must not be mutated")

	require.Equal(t, kind.GiftWrap.ToInt(), wrap.Kind)
	require.NotEqual(t, alice.PublicKey(), wrap.PubKey)
	require.Equal(t, nostr.Tags{{"p", bob.PublicKey()}}, wrap.Tags)
	ok, err := wrap.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
	now := nostr.Now()
	require.LessOrEqual(t, wrap.CreatedAt, now)
	require.GreaterOrEqual(t, wrap.CreatedAt,
		now-nostr.Timestamp(MaxTimestampSkew/time.Second)-1)

	m, err := Unwrap(c, bob, wrap)
	require.NoError(t, err)
	require.Equal(t, alice.PublicKey(), m.Sender)
	require.Equal(t, "invoice paid", m.Rumor.Content)
	require.Equal(t, kind.PrivateDirectMessage.ToInt(), m.Rumor.Kind)
	require.Equal(t, alice.PublicKey(), m.Rumor.PubKey)
	require.Empty(t, m.Rumor.Sig, "rumors stay unsigned")
	require.Equal(t, m.Rumor.GetID(), m.Rumor.ID)
	require.Equal(t, rumor.CreatedAt, m.Rumor.CreatedAt)
	require.Equal(t, wrap, m.Wrap)
}

func TestOneTimeKeys(t *testing.T) {
	c := context.Background()
	alice, bob := identity(t), identity(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		wrap, err := Wrap(c, alice, bob.PublicKey(), NewRumor(bob.PublicKey(), "x"))
		require.NoError(t, err)
		require.False(t, seen[wrap.PubKey], "wrap key reused")
		seen[wrap.PubKey] = true
	}
}

func TestUnwrapByThirdPartyFails(t *testing.T) {
	c := context.Background()
	alice, bob, eve := identity(t), identity(t), identity(t)
	wrap, err := Wrap(c, alice, bob.PublicKey(), NewRumor(bob.PublicKey(), "x"))
	require.NoError(t, err)
	_, err = Unwrap(c, eve, wrap)
	require.ErrorIs(t, err, ErrNotForMe)

	// even with the p tag rewritten the content stays closed
	forged := *wrap
	forged.Tags = nostr.Tags{{"p", eve.PublicKey()}}
	_, err = Unwrap(c, eve, &forged)
	require.Error(t, err)
}

func TestUnwrapRejects(t *testing.T) {
	c := context.Background()
	alice, bob := identity(t), identity(t)

	_, err := Unwrap(c, bob, &nostr.Event{Kind: 4})
	require.ErrorIs(t, err, ErrNotGiftWrap)

	wrap, err := Wrap(c, alice, bob.PublicKey(), NewRumor(bob.PublicKey(), "x"))
	require.NoError(t, err)
	tampered := *wrap
	tampered.CreatedAt++
	_, err = Unwrap(c, bob, &tampered)
	require.ErrorIs(t, err, ErrBadWrap)
}

// sealAs builds a wrap whose seal is signed by sealer around rumor, which may
// claim any author.
func sealAs(t *testing.T, sealer *signer.Context, recipient string,
	rumor *nostr.Event, corruptSig bool) *nostr.Event {

	c := context.Background()
	rj, _ := json.Marshal(rumor)
	ct, err := sealer.Encrypt(c, signer.NIP44, recipient, string(rj))
	require.NoError(t, err)
	seal, err := sealer.SignEvent(c, &nostr.Event{Kind: kind.Seal.ToInt(),
		CreatedAt: nostr.Now(), Tags: nostr.Tags{}, Content: ct})
	require.NoError(t, err)
	if corruptSig {
		seal.Sig = seal.Sig[:len(seal.Sig)-4] + "0000"
	}
	wrap, err := wrapSeal(seal, recipient)
	require.NoError(t, err)
	return wrap
}

func TestUnwrapRejectsImpersonation(t *testing.T) {
	c := context.Background()
	mallory, bob, alice := identity(t), identity(t), identity(t)
	rumor := NewRumor(bob.PublicKey(), "from alice, honest")
	rumor.PubKey = alice.PublicKey()
	rumor.ID = rumor.GetID()

	_, err := Unwrap(c, bob, sealAs(t, mallory, bob.PublicKey(), rumor, false))
	require.ErrorIs(t, err, ErrSenderMismatch)

	rumor.PubKey = mallory.PublicKey()
	_, err = Unwrap(c, bob, sealAs(t, mallory, bob.PublicKey(), rumor, true))
	require.ErrorIs(t, err, ErrBadSeal)

	m, err := Unwrap(c, bob, sealAs(t, mallory, bob.PublicKey(), rumor, false))
	require.NoError(t, err)
	require.Equal(t, mallory.PublicKey(), m.Sender)
}

func TestUnwrapRumorWithoutAuthor(t *testing.T) {
	c := context.Background()
	alice, bob := identity(t), identity(t)
	rumor := &nostr.Event{Kind: 14, CreatedAt: nostr.Now(),
		Tags: nostr.Tags{{"p", bob.PublicKey()}}, Content: "paid"}

	m, err := Unwrap(c, bob, sealAs(t, alice, bob.PublicKey(), rumor, false))
	require.NoError(t, err)
	require.Equal(t, alice.PublicKey(), m.Sender)
	require.Equal(t, alice.PublicKey(), m.Rumor.PubKey)
	require.Equal(t, "paid", m.Rumor.Content)
}

func TestUnwrapAllSkipsFailures(t *testing.T) {
	c := context.Background()
	alice, bob := identity(t), identity(t)
	var wraps []*nostr.Event
	for _, s := range []string{"one", "two", "three", "four", "five"} {
		w, err := Wrap(c, alice, bob.PublicKey(), NewRumor(bob.PublicKey(), s))
		require.NoError(t, err)
		wraps = append(wraps, w)
	}
	// corrupt the middle one's payload under a valid one-time signature
	k := nostr.GeneratePrivateKey()
	key, _ := nip44.ConversationKey(k, bob.PublicKey())
	junk, _ := nip44.Encrypt(key, "not a seal")
	bad := &nostr.Event{Kind: kind.GiftWrap.ToInt(), CreatedAt: nostr.Now(),
		Tags: nostr.Tags{{"p", bob.PublicKey()}}, Content: junk}
	require.NoError(t, bad.Sign(k))
	wraps[2] = bad

	results := UnwrapAll(c, bob, wraps)
	require.Len(t, results, 5)
	for i, r := range results {
		require.Same(t, wraps[i], r.Wrap)
	}
	require.ErrorIs(t, results[2].Err, ErrBadSeal)
	msgs := Delivered(results)
	require.Len(t, msgs, 4)
	var got []string
	for _, m := range msgs {
		got = append(got, m.Rumor.Content)
	}
	require.Equal(t, []string{"one", "two", "four", "five"}, got)
}

func TestWrapFailsClosedForRemoteCustody(t *testing.T) {
	n := relaytest.NewNetwork()
	urls, relays := n.Relays(1)
	p := pool.New(context.Background(), pool.WithDialer(n.Dial))
	defer p.Close()
	remote, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	cx, err := signer.Open(p, signer.Bunker{
		EphemeralKey: nostr.GeneratePrivateKey(),
		RemotePubkey: remote,
		Relays:       urls,
	}, remote)
	require.NoError(t, err)
	defer cx.Close()
	bob := identity(t)
	_, err = Wrap(context.Background(), cx, bob.PublicKey(),
		NewRumor(bob.PublicKey(), "x"))
	require.ErrorIs(t, err, signer.ErrUnsupported)
	require.Zero(t, relays[0].Published())
}

func TestSendFetchAndInbox(t *testing.T) {
	n := relaytest.NewNetwork()
	urls, relays := n.Relays(2)
	p := pool.New(context.Background(), pool.WithDialer(n.Dial),
		pool.WithListTimeout(2*time.Second))
	defer p.Close()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alice, bob := identity(t), identity(t)
	start := time.Now().Add(-time.Second)

	inbox, err := Inbox(c, bob, p, urls, start)
	require.NoError(t, err)

	// an old message, before the window
	old := NewRumor(bob.PublicKey(), "stale")
	old.CreatedAt = nostr.Timestamp(start.Add(-time.Hour).Unix())
	w, err := Wrap(c, alice, bob.PublicKey(), old)
	require.NoError(t, err)
	relays[0].Store(w)
	// and one nobody can open
	k := nostr.GeneratePrivateKey()
	junk := &nostr.Event{Kind: kind.GiftWrap.ToInt(), CreatedAt: nostr.Now(),
		Tags: nostr.Tags{{"p", bob.PublicKey()}}, Content: "garbage"}
	require.NoError(t, junk.Sign(k))
	relays[1].Store(junk)

	for _, s := range []string{"first", "second"} {
		_, ack, err := Send(c, alice, p, urls, bob.PublicKey(), s)
		require.NoError(t, err)
		require.Contains(t, urls, ack.Relay)
		select {
		case m := <-inbox:
			require.Equal(t, s, m.Rumor.Content)
			require.Equal(t, alice.PublicKey(), m.Sender)
		case <-c.Done():
			t.Fatal("inbox did not deliver")
		}
	}

	msgs := FetchSince(c, bob, p, urls, start)
	require.Len(t, msgs, 2)
	require.LessOrEqual(t, msgs[0].Rumor.CreatedAt, msgs[1].Rumor.CreatedAt)
	for _, m := range msgs {
		require.Equal(t, alice.PublicKey(), m.Sender)
	}
	all := FetchSince(c, bob, p, urls, start.Add(-2*time.Hour))
	require.Len(t, all, 3)
}
