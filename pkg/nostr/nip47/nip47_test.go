package nip47

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/kind"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/nostr/relaytest"
	"github.com/Hubmakerlabs/signet/pkg/nostr/rpc"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	wallet := nostr.GeneratePrivateKey()
	walletPub, _ := nostr.GetPublicKey(wallet)
	secret := nostr.GeneratePrivateKey()
	s := "nostr+walletconnect://" + walletPub +
		"?relay=wss%3A%2F%2Frelay.example.com&relay=wss://relay.example.com" +
		"&secret=" + secret + "&lud16=me@example.com"
	u, err := ParseURI(s)
	require.NoError(t, err)
	require.Equal(t, walletPub, u.WalletPubkey)
	require.Equal(t, []string{"wss://relay.example.com"}, u.Relays)
	require.Equal(t, secret, u.Secret)
	require.Equal(t, "me@example.com", u.Lud16)

	again, err := ParseURI(u.String())
	require.NoError(t, err)
	require.Equal(t, u, again)

	for _, bad := range []string{
		"",
		"bunker://" + walletPub + "?relay=wss://r.example.com&secret=" + secret,
		"nostr+walletconnect://nothex?relay=wss://r.example.com&secret=" + secret,
		"nostr+walletconnect://" + walletPub + "?relay=wss://r.example.com",
	} {
		_, err = ParseURI(bad)
		require.ErrorIs(t, err, ErrInvalidURI, bad)
	}
	_, err = ParseURI("nostr+walletconnect://" + walletPub + "?secret=" + secret)
	require.ErrorIs(t, err, ErrNoRelays)
}

// wallet answers requests with handle, or stays silent when handle returns
// nil.
type wallet struct {
	sk, pub string
	handle  func(req Request) *Response
}

func (w *wallet) serve(t *testing.T, c context.Context, p *pool.Pool,
	urls []string) {

	reqs, err := p.Subscribe(c, urls, nostr.Filters{{
		Kinds: []int{kind.NWCWalletRequest.ToInt()},
		Tags:  nostr.TagMap{"p": []string{w.pub}},
	}})
	require.NoError(t, err)
	go func() {
		for ie := range reqs {
			ev := ie.Event
			shared, err := nip04.ComputeSharedSecret(ev.PubKey, w.sk)
			if err != nil {
				continue
			}
			plain, err := nip04.Decrypt(ev.Content, shared)
			if err != nil {
				continue
			}
			var req Request
			if json.Unmarshal([]byte(plain), &req) != nil {
				continue
			}
			resp := w.handle(req)
			if resp == nil {
				continue
			}
			j, _ := json.Marshal(resp)
			out := &nostr.Event{
				PubKey:    w.pub,
				Kind:      kind.NWCWalletResponse.ToInt(),
				CreatedAt: nostr.Now(),
				Tags:      nostr.Tags{{"p", ev.PubKey}, {"e", ev.ID}},
			}
			out.Content, _ = nip04.Encrypt(string(j), shared)
			_ = out.Sign(w.sk)
			_, _ = p.Publish(c, urls, out)
		}
	}()
}

func setup(t *testing.T, handle func(Request) *Response) (cl *Client,
	w *wallet, n *relaytest.Network, p *pool.Pool) {

	n = relaytest.NewNetwork()
	urls, _ := n.Relays(2)
	p = pool.New(context.Background(), pool.WithDialer(n.Dial))
	t.Cleanup(p.Close)
	w = &wallet{sk: nostr.GeneratePrivateKey(), handle: handle}
	w.pub, _ = keys.GetPublicKey(w.sk)
	c, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.serve(t, c, p, urls)
	var err error
	cl, err = NewClient(p, URI{WalletPubkey: w.pub, Relays: urls,
		Secret: nostr.GeneratePrivateKey()})
	require.NoError(t, err)
	t.Cleanup(cl.Close)
	return
}

func result(method string, v any) *Response {
	j, _ := json.Marshal(v)
	return &Response{ResultType: method, Result: j}
}

func TestClientCalls(t *testing.T) {
	cl, _, _, _ := setup(t, func(req Request) *Response {
		switch req.Method {
		case GetInfo:
			return result(GetInfo, Info{Alias: "test wallet", Network: "regtest",
				Methods: []string{GetInfo, GetBalance, PayInvoice}})
		case GetBalance:
			return result(GetBalance, Balance{Balance: 21000})
		case PayInvoice:
			var p PayInvoiceParams
			j, _ := json.Marshal(req.Params)
			_ = json.Unmarshal(j, &p)
			if p.Invoice != "lnbc1" {
				return &Response{ResultType: PayInvoice,
					Error: &Error{Code: PaymentFailed, Message: "no route"}}
			}
			return result(PayInvoice, Payment{Preimage: "00ff", FeesPaid: 3})
		case MakeInvoice:
			return result(MakeInvoice, Transaction{Type: "incoming",
				Invoice: "lnbc2", PaymentHash: "ab", Amount: 5000})
		case LookupInvoice:
			return result(LookupInvoice, Transaction{Type: "incoming",
				PaymentHash: "ab", SettledAt: 1})
		}
		return &Response{ResultType: req.Method,
			Error: &Error{Code: NotImplemented, Message: req.Method}}
	})
	c := context.Background()

	info, err := cl.GetInfo(c)
	require.NoError(t, err)
	require.Equal(t, "test wallet", info.Alias)
	require.Contains(t, info.Methods, PayInvoice)

	bal, err := cl.GetBalance(c)
	require.NoError(t, err)
	require.EqualValues(t, 21000, bal)

	pay, err := cl.PayInvoice(c, "lnbc1", 0)
	require.NoError(t, err)
	require.Equal(t, "00ff", pay.Preimage)

	_, err = cl.PayInvoice(c, "lnbc-unpayable", 0)
	var werr *Error
	require.True(t, errors.As(err, &werr))
	require.Equal(t, PaymentFailed, werr.Code)
	require.Equal(t, "no route", werr.Message)

	tx, err := cl.MakeInvoice(c, MakeInvoiceParams{Amount: 5000})
	require.NoError(t, err)
	require.Equal(t, "lnbc2", tx.Invoice)

	tx, err = cl.LookupInvoice(c, LookupInvoiceParams{PaymentHash: "ab"})
	require.NoError(t, err)
	require.NotZero(t, tx.SettledAt)

	err = cl.Call(c, ListTransactions, nil, nil)
	require.True(t, errors.As(err, &werr))
	require.Equal(t, NotImplemented, werr.Code)
}

func TestClientDefaultsToWalletTimeout(t *testing.T) {
	cl, err := NewClient(nil, URI{WalletPubkey: mustPub(t),
		Relays: []string{"ws://r.test"}, Secret: nostr.GeneratePrivateKey()})
	require.NoError(t, err)
	require.Equal(t, rpc.WalletTimeout, cl.Timeout)
}

func mustPub(t *testing.T) string {
	pk, err := keys.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	return pk
}

func TestClientTimeout(t *testing.T) {
	cl, _, _, _ := setup(t, func(Request) *Response { return nil })
	cl.Timeout = 150 * time.Millisecond
	start := time.Now()
	_, err := cl.GetBalance(context.Background())
	require.ErrorIs(t, err, rpc.ErrTimeout)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestClientRejectsMismatchedResultType(t *testing.T) {
	cl, _, _, _ := setup(t, func(req Request) *Response {
		return result(GetInfo, Info{})
	})
	_, err := cl.GetBalance(context.Background())
	require.ErrorContains(t, err, "wallet answered get_info")
}

func TestCapabilities(t *testing.T) {
	cl, w, n, p := setup(t, func(Request) *Response { return nil })
	info := &nostr.Event{
		PubKey:    w.pub,
		Kind:      kind.NWCWalletInfo.ToInt(),
		CreatedAt: nostr.Now(),
		Content:   "get_info get_balance pay_invoice",
	}
	require.NoError(t, info.Sign(w.sk))
	r, ok := n.Get(cl.uri.Relays[0])
	require.True(t, ok)
	r.Store(info)

	methods, err := cl.Capabilities(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, []string{GetInfo, GetBalance, PayInvoice}, methods)
}
