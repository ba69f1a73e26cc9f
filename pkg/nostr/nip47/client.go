package nip47

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/kind"
	"github.com/Hubmakerlabs/signet/pkg/nostr/rpc"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// Client sends requests to one wallet service.
type Client struct {
	rpc       *rpc.Client
	uri       URI
	clientPub string
	shared    []byte
	// Timeout bounds each call, rpc.WalletTimeout when zero.
	Timeout time.Duration
}

func NewClient(t rpc.Transport, uri URI) (cl *Client, err error) {
	cl = &Client{rpc: rpc.NewClient(t), uri: uri, Timeout: rpc.WalletTimeout}
	if cl.clientPub, err = keys.GetPublicKey(uri.Secret); err != nil {
		return nil, err
	}
	if cl.shared, err = nip04.ComputeSharedSecret(uri.WalletPubkey,
		uri.Secret); err != nil {
		return nil, err
	}
	return
}

func (cl *Client) Close() { cl.rpc.Close() }

// Call sends method with params and decodes the result into result, which may
// be nil.
func (cl *Client) Call(c context.Context, method string, params,
	result any) (err error) {

	if params == nil {
		params = struct{}{}
	}
	var j []byte
	if j, err = json.Marshal(Request{Method: method, Params: params}); err != nil {
		return
	}
	ev := &nostr.Event{
		PubKey:    cl.clientPub,
		Kind:      kind.NWCWalletRequest.ToInt(),
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", cl.uri.WalletPubkey}},
	}
	if ev.Content, err = nip04.Encrypt(string(j), cl.shared); err != nil {
		return
	}
	if err = ev.Sign(cl.uri.Secret); err != nil {
		return
	}
	call := rpc.Call{
		ID:      ev.ID,
		Method:  method,
		Relays:  cl.uri.Relays,
		Request: ev,
		Filters: nostr.Filters{{
			Kinds:   []int{kind.NWCWalletResponse.ToInt()},
			Authors: []string{cl.uri.WalletPubkey},
			Tags:    nostr.TagMap{"e": []string{ev.ID}},
		}},
		Timeout: cl.Timeout,
	}
	var raw json.RawMessage
	if raw, err = rpc.Do(c, cl.rpc, call, cl.decoder(ev.ID, method)); err != nil {
		return
	}
	if result != nil && len(raw) > 0 {
		if err = json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("%s: decoding result: %w", method, err)
		}
	}
	return
}

func (cl *Client) decoder(requestEvent,
	method string) rpc.Decoder[json.RawMessage] {

	return func(ev *nostr.Event) (raw json.RawMessage, ok bool, err error) {
		if ev.PubKey != cl.uri.WalletPubkey || !rpc.HasTag(ev, "e",
			requestEvent) {
			return nil, false, nil
		}
		var valid bool
		if valid, err = ev.CheckSignature(); err != nil || !valid {
			return nil, false, fmt.Errorf("bad signature on %s", ev.ID)
		}
		var plain string
		if plain, err = nip04.Decrypt(ev.Content, cl.shared); err != nil {
			return nil, false, err
		}
		var resp Response
		if err = json.Unmarshal([]byte(plain), &resp); err != nil {
			return nil, false, err
		}
		if resp.Error != nil && (resp.Error.Code != "" || resp.Error.Message != "") {
			return nil, true, resp.Error
		}
		if resp.ResultType != "" && resp.ResultType != method {
			return nil, true, fmt.Errorf("%s: wallet answered %s", method,
				resp.ResultType)
		}
		return resp.Result, true, nil
	}
}

func (cl *Client) GetInfo(c context.Context) (info Info, err error) {
	err = cl.Call(c, GetInfo, nil, &info)
	return
}

func (cl *Client) GetBalance(c context.Context) (msats int64, err error) {
	var b Balance
	err = cl.Call(c, GetBalance, nil, &b)
	return b.Balance, err
}

func (cl *Client) PayInvoice(c context.Context, invoice string,
	amount int64) (p Payment, err error) {

	err = cl.Call(c, PayInvoice, PayInvoiceParams{Invoice: invoice,
		Amount: amount}, &p)
	return
}

func (cl *Client) MakeInvoice(c context.Context,
	params MakeInvoiceParams) (tx Transaction, err error) {

	err = cl.Call(c, MakeInvoice, params, &tx)
	return
}

func (cl *Client) LookupInvoice(c context.Context,
	params LookupInvoiceParams) (tx Transaction, err error) {

	err = cl.Call(c, LookupInvoice, params, &tx)
	return
}

// Fetcher is the relay side of Capabilities.
type Fetcher interface {
	ListEvents(c context.Context, urls []string, f nostr.Filters,
		timeout time.Duration) []*nostr.Event
}

// Capabilities reads the methods the wallet service advertises in its info
// event.
func (cl *Client) Capabilities(c context.Context, f Fetcher) (methods []string,
	err error) {

	evs := f.ListEvents(c, cl.uri.Relays, nostr.Filters{{
		Kinds:   []int{kind.NWCWalletInfo.ToInt()},
		Authors: []string{cl.uri.WalletPubkey},
		Limit:   1,
	}}, 0)
	var newest *nostr.Event
	for _, ev := range evs {
		if ok, _ := ev.CheckSignature(); !ok {
			continue
		}
		if newest == nil || ev.CreatedAt > newest.CreatedAt {
			newest = ev
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("no info event from wallet %s",
			cl.uri.WalletPubkey)
	}
	methods = strings.Fields(newest.Content)
	log.D.F("wallet %s supports %v", cl.uri.WalletPubkey, methods)
	return
}
