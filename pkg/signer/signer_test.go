package signer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/nip46"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/nostr/relaytest"
	"github.com/Hubmakerlabs/signet/pkg/nostr/rpc"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/require"
)

func local(t *testing.T) *Context {
	cx, err := NewLocal(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	t.Cleanup(cx.Close)
	return cx
}

func TestLocalSignEvent(t *testing.T) {
	cx := local(t)
	tmpl := &nostr.Event{Kind: 1, Tags: nostr.Tags{{"t", "x"}}, Content: "hello"}
	ev, err := cx.SignEvent(context.Background(), tmpl)
	require.NoError(t, err)
	require.Equal(t, cx.PublicKey(), ev.PubKey)
	require.NotZero(t, ev.CreatedAt)
	require.Equal(t, ev.GetID(), ev.ID)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, tmpl.Sig)
	require.Empty(t, tmpl.PubKey)
	require.Zero(t, tmpl.CreatedAt)
}

func TestNewLocalAcceptsNsec(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)
	cx, err := NewLocal(nsec)
	require.NoError(t, err)
	pk, _ := nostr.GetPublicKey(sk)
	require.Equal(t, pk, cx.PublicKey())
	require.Equal(t, Local{SecretKey: sk}, cx.Backend())
	require.False(t, cx.IsRemote())

	_, err = NewLocal("nonsense")
	require.Error(t, err)
}

func TestLocalRoundTripBothSchemes(t *testing.T) {
	alice, bob := local(t), local(t)
	c := context.Background()
	for _, s := range []Scheme{NIP04, NIP44} {
		ct, err := alice.Encrypt(c, s, bob.PublicKey(), "pay 21 sats "+s.String())
		require.NoError(t, err)
		pt, err := bob.Decrypt(c, s, alice.PublicKey(), ct)
		require.NoError(t, err)
		require.Equal(t, "pay 21 sats "+s.String(), pt)

		// a third party cannot read it
		eve := local(t)
		if pt, err = eve.Decrypt(c, s, alice.PublicKey(), ct); err == nil {
			require.NotEqual(t, "pay 21 sats "+s.String(), pt)
		}
	}
}

func TestCurrentSchemeBetweenPeers(t *testing.T) {
	a, b := local(t), local(t)
	c := context.Background()
	ct, err := a.Encrypt(c, NIP44, b.PublicKey(), "secret")
	require.NoError(t, err)
	pt, err := b.Decrypt(c, NIP44, a.PublicKey(), ct)
	require.NoError(t, err)
	require.Equal(t, "secret", pt)
}

func TestLocalNip04Interop(t *testing.T) {
	alice := local(t)
	bobSK := nostr.GeneratePrivateKey()
	bobPub, _ := nostr.GetPublicKey(bobSK)
	ct, err := alice.Encrypt(context.Background(), NIP04, bobPub, "legacy")
	require.NoError(t, err)
	shared, _ := nip04.ComputeSharedSecret(alice.PublicKey(), bobSK)
	pt, err := nip04.Decrypt(ct, shared)
	require.NoError(t, err)
	require.Equal(t, "legacy", pt)
}

func TestLocalRejectsBadPeer(t *testing.T) {
	cx := local(t)
	_, err := cx.Encrypt(context.Background(), NIP04, "zz", "x")
	require.Error(t, err)
	_, err = cx.Encrypt(context.Background(), NIP44, "zz", "x")
	require.Error(t, err)
	_, err = cx.Encrypt(context.Background(), Scheme(7), local(t).PublicKey(), "x")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestConcurrentClose(t *testing.T) {
	cx := local(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NotPanics(t, cx.Close)
		}()
	}
	wg.Wait()
	_, err := cx.SignEvent(context.Background(), &nostr.Event{Kind: 1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestClosedContext(t *testing.T) {
	cx := local(t)
	cx.Close()
	cx.Close()
	_, err := cx.SignEvent(context.Background(), &nostr.Event{Kind: 1})
	require.ErrorIs(t, err, ErrClosed)
	_, err = cx.Encrypt(context.Background(), NIP44, cx.PublicKey(), "x")
	require.ErrorIs(t, err, ErrClosed)
}

type remoteFixture struct {
	urls   []string
	relays []*relaytest.Relay
	pool   *pool.Pool
	signer *nip46.Signer
	user   string
}

func newRemote(t *testing.T) (f *remoteFixture) {
	n := relaytest.NewNetwork()
	f = &remoteFixture{}
	f.urls, f.relays = n.Relays(2)
	f.pool = pool.New(context.Background(), pool.WithDialer(n.Dial))
	t.Cleanup(f.pool.Close)
	sk := nostr.GeneratePrivateKey()
	f.user, _ = nostr.GetPublicKey(sk)
	var err error
	f.signer, err = nip46.NewSigner(sk)
	require.NoError(t, err)
	f.signer.Secret = "letmein"
	c, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.signer.Listen(c, f.pool, f.urls, nil))
	return
}

func (f *remoteFixture) published() (n int) {
	for _, r := range f.relays {
		n += r.Published()
	}
	return
}

func TestBunkerContext(t *testing.T) {
	f := newRemote(t)
	c := context.Background()
	cx, err := Login(c, f.pool, Bunker{
		EphemeralKey: nostr.GeneratePrivateKey(),
		RemotePubkey: f.signer.PublicKey(),
		Relays:       f.urls,
		Secret:       "letmein",
	})
	require.NoError(t, err)
	defer cx.Close()
	require.True(t, cx.IsRemote())
	require.Equal(t, f.user, cx.PublicKey())

	ev, err := cx.SignEvent(c, &nostr.Event{Kind: 1, CreatedAt: nostr.Now(),
		Tags: nostr.Tags{}, Content: "remote"})
	require.NoError(t, err)
	require.Equal(t, f.user, ev.PubKey)
	ok, _ := ev.CheckSignature()
	require.True(t, ok)

	peer := local(t)
	ct, err := cx.Encrypt(c, NIP04, peer.PublicKey(), "via bunker")
	require.NoError(t, err)
	pt, err := peer.Decrypt(c, NIP04, f.user, ct)
	require.NoError(t, err)
	require.Equal(t, "via bunker", pt)
	back, _ := peer.Encrypt(c, NIP04, f.user, "back")
	pt, err = cx.Decrypt(c, NIP04, peer.PublicKey(), back)
	require.NoError(t, err)
	require.Equal(t, "back", pt)
}

func TestRemoteNip44FailsClosed(t *testing.T) {
	f := newRemote(t)
	c := context.Background()
	cx, err := Login(c, f.pool, Bunker{
		EphemeralKey: nostr.GeneratePrivateKey(),
		RemotePubkey: f.signer.PublicKey(),
		Relays:       f.urls,
		Secret:       "letmein",
	})
	require.NoError(t, err)
	defer cx.Close()
	before := f.published()
	_, err = cx.Encrypt(c, NIP44, local(t).PublicKey(), "x")
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = cx.Decrypt(c, NIP44, local(t).PublicKey(), "x")
	require.ErrorIs(t, err, ErrUnsupported)
	require.Equal(t, before, f.published(), "no request may leave")
}

func TestBunkerWrongSecret(t *testing.T) {
	f := newRemote(t)
	_, err := Login(context.Background(), f.pool, Bunker{
		EphemeralKey: nostr.GeneratePrivateKey(),
		RemotePubkey: f.signer.PublicKey(),
		Relays:       f.urls,
		Secret:       "wrong",
	})
	var re *rpc.RemoteError
	require.ErrorAs(t, err, &re)
}

func TestAppContext(t *testing.T) {
	f := newRemote(t)
	f.signer.Secret = ""
	c := context.Background()
	eph := nostr.GeneratePrivateKey()
	cx, err := Login(c, f.pool, App{
		EphemeralKey: eph,
		RemotePubkey: f.signer.PublicKey(),
		Relay:        f.urls[0],
	})
	require.NoError(t, err)
	require.Equal(t, f.user, cx.PublicKey())
	cx.Close()

	// restoring needs no round trip
	before := f.published()
	cx, err = Open(f.pool, App{EphemeralKey: eph,
		RemotePubkey: f.signer.PublicKey(), Relay: f.urls[0]}, f.user)
	require.NoError(t, err)
	defer cx.Close()
	require.Equal(t, f.user, cx.PublicKey())
	require.Equal(t, before, f.published())
	ev, err := cx.SignEvent(c, &nostr.Event{Kind: 7, Content: "+"})
	require.NoError(t, err)
	require.Equal(t, f.user, ev.PubKey)
}

func TestRemoteTimeoutAndClose(t *testing.T) {
	n := relaytest.NewNetwork()
	urls, _ := n.Relays(1)
	p := pool.New(context.Background(), pool.WithDialer(n.Dial))
	defer p.Close()
	remote, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	cx, err := Open(p, Bunker{EphemeralKey: nostr.GeneratePrivateKey(),
		RemotePubkey: remote, Relays: urls}, remote)
	require.NoError(t, err)
	cx.SetTimeout(200 * time.Millisecond)
	_, err = cx.SignEvent(context.Background(), &nostr.Event{Kind: 1})
	require.ErrorIs(t, err, rpc.ErrTimeout)

	cx.SetTimeout(5 * time.Second)
	errs := make(chan error, 1)
	go func() {
		_, err := cx.Encrypt(context.Background(), NIP04, remote, "x")
		errs <- err
	}()
	time.Sleep(100 * time.Millisecond)
	cx.Close()
	select {
	case err = <-errs:
		require.ErrorIs(t, err, rpc.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not interrupt the call")
	}
}
