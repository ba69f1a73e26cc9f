// Package nip47 is a wallet connect client: payment requests to a wallet
// service, encrypted to it and carried over relays like remote signer calls
// but with the longer wallet timeout.
package nip47

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/signet/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// Methods a wallet service may support.
const (
	PayInvoice       = "pay_invoice"
	MultiPayInvoice  = "multi_pay_invoice"
	PayKeysend       = "pay_keysend"
	MakeInvoice      = "make_invoice"
	LookupInvoice    = "lookup_invoice"
	ListTransactions = "list_transactions"
	GetBalance       = "get_balance"
	GetInfo          = "get_info"
)

// Error codes a wallet service returns.
const (
	RateLimited         = "RATE_LIMITED"
	NotImplemented      = "NOT_IMPLEMENTED"
	InsufficientBalance = "INSUFFICIENT_BALANCE"
	QuotaExceeded       = "QUOTA_EXCEEDED"
	Restricted          = "RESTRICTED"
	Unauthorized        = "UNAUTHORIZED"
	Internal            = "INTERNAL"
	Other               = "OTHER"
	PaymentFailed       = "PAYMENT_FAILED"
	NotFound            = "NOT_FOUND"
)

var (
	ErrInvalidURI = errors.New("invalid wallet connect uri")
	ErrNoRelays   = errors.New("wallet connect uri names no relays")
)

// Error is a failure reported by the wallet service.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("wallet error %s: %s", e.Code, e.Message)
}

type Request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type Response struct {
	ResultType string          `json:"result_type"`
	Error      *Error          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type Info struct {
	Alias       string   `json:"alias,omitempty"`
	Color       string   `json:"color,omitempty"`
	Pubkey      string   `json:"pubkey,omitempty"`
	Network     string   `json:"network,omitempty"`
	BlockHeight uint64   `json:"block_height,omitempty"`
	BlockHash   string   `json:"block_hash,omitempty"`
	Methods     []string `json:"methods"`
}

type Balance struct {
	// Balance is in millisatoshis.
	Balance int64 `json:"balance"`
}

type PayInvoiceParams struct {
	Invoice string `json:"invoice"`
	Amount  int64  `json:"amount,omitempty"`
}

type Payment struct {
	Preimage string `json:"preimage"`
	FeesPaid int64  `json:"fees_paid,omitempty"`
}

type MakeInvoiceParams struct {
	Amount          int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Expiry          int64  `json:"expiry,omitempty"`
}

type LookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

type Transaction struct {
	Type            string `json:"type"`
	Invoice         string `json:"invoice,omitempty"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Preimage        string `json:"preimage,omitempty"`
	PaymentHash     string `json:"payment_hash"`
	Amount          int64  `json:"amount"`
	FeesPaid        int64  `json:"fees_paid,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	SettledAt       int64  `json:"settled_at,omitempty"`
}

// URI is nostr+walletconnect://<wallet-pubkey>?relay=...&secret=...
type URI struct {
	WalletPubkey string
	Relays       []string
	Secret       string
	Lud16        string
}

func ParseURI(s string) (u URI, err error) {
	var p *url.URL
	if p, err = url.Parse(strings.TrimSpace(s)); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	switch p.Scheme {
	case "nostr+walletconnect", "nostrwalletconnect":
	default:
		return u, fmt.Errorf("%w: scheme %q", ErrInvalidURI, p.Scheme)
	}
	host := p.Host
	if host == "" {
		// nostr+walletconnect:<pubkey>?... parses as opaque
		host = p.Opaque
	}
	if u.WalletPubkey, err = keys.ParsePubkey(host); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	q := p.Query()
	if u.Relays = normalize.URLs(q["relay"]); len(u.Relays) == 0 {
		return u, ErrNoRelays
	}
	if u.Secret, err = keys.ParseSecret(q.Get("secret")); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	u.Lud16 = q.Get("lud16")
	return
}

func (u URI) String() string {
	q := url.Values{}
	for _, r := range u.Relays {
		q.Add("relay", r)
	}
	q.Set("secret", u.Secret)
	if u.Lud16 != "" {
		q.Set("lud16", u.Lud16)
	}
	return "nostr+walletconnect://" + u.WalletPubkey + "?" + q.Encode()
}
