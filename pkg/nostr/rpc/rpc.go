// Package rpc correlates request events with response events carried over
// relays. A call subscribes for responses first, then publishes the request,
// then waits for the first response its decoder accepts, the deadline, or the
// client being closed.
package rpc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
	"lukechampine.com/frand"
)

var log, chk = slog.New(os.Stderr)

const (
	SignerTimeout = 10 * time.Second
	WalletTimeout = 60 * time.Second
)

var (
	ErrTimeout = errors.New("rpc: timed out waiting for response")
	ErrClosed  = errors.New("rpc: client closed")
)

// RemoteError is an error message returned verbatim by the remote side.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: remote error %s: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: remote error: %s", e.Method, e.Message)
}

// Transport is what a call needs from the relay layer. *pool.Pool implements
// it.
type Transport interface {
	Subscribe(c context.Context, urls []string,
		f nostr.Filters) (<-chan pool.IncomingEvent, error)
	Publish(c context.Context, urls []string, ev *nostr.Event) (pool.Ack, error)
}

var _ Transport = (*pool.Pool)(nil)

// NewID returns 128 random bits as hex, enough that concurrent calls never
// collide.
func NewID() string {
	var b [16]byte
	frand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Pending is an outstanding call.
type Pending struct {
	ID        string
	Method    string
	Params    []string
	CreatedAt time.Time
	cancel    context.CancelCauseFunc
}

// Call describes one request/response exchange.
type Call struct {
	ID      string
	Method  string
	Params  []string
	Relays  []string
	Request *nostr.Event
	// Filters select candidate responses, they are subscribed before Request
	// is published.
	Filters nostr.Filters
	Timeout time.Duration
}

// Decoder inspects a candidate response. ok false means the event does not
// answer this call and is skipped; ok true ends the call with v or err.
type Decoder[T any] func(ev *nostr.Event) (v T, ok bool, err error)

// Client owns the pending calls of one remote peer. Closing it fails every
// call in flight with ErrClosed.
type Client struct {
	Transport
	pending *xsync.MapOf[string, *Pending]
	closed  atomic.Bool
}

func NewClient(t Transport) *Client {
	return &Client{Transport: t, pending: xsync.NewMapOf[*Pending]()}
}

// Pending returns a snapshot of calls in flight.
func (cl *Client) Pending() (p []Pending) {
	cl.pending.Range(func(_ string, v *Pending) bool {
		p = append(p, *v)
		return true
	})
	return
}

func (cl *Client) Close() {
	if cl.closed.Swap(true) {
		return
	}
	cl.pending.Range(func(id string, v *Pending) bool {
		v.cancel(ErrClosed)
		cl.pending.Delete(id)
		return true
	})
}

func (cl *Client) Closed() bool { return cl.closed.Load() }

// Do runs call on cl and returns the first response accepted by decode.
func Do[T any](c context.Context, cl *Client, call Call,
	decode Decoder[T]) (v T, err error) {

	if cl.closed.Load() {
		return v, ErrClosed
	}
	if call.Timeout <= 0 {
		call.Timeout = SignerTimeout
	}
	if call.ID == "" {
		call.ID = NewID()
	}
	parent := c
	c, cancelCause := context.WithCancelCause(c)
	defer cancelCause(nil)
	c, cancel := context.WithTimeoutCause(c, call.Timeout, ErrTimeout)
	defer cancel()
	p := &Pending{
		ID:        call.ID,
		Method:    call.Method,
		Params:    call.Params,
		CreatedAt: time.Now(),
		cancel:    cancelCause,
	}
	if _, dup := cl.pending.LoadOrStore(call.ID, p); dup {
		return v, fmt.Errorf("rpc: duplicate request id %s", call.ID)
	}
	defer cl.pending.Delete(call.ID)
	// a Close racing the store above would have missed this entry
	if cl.closed.Load() {
		return v, ErrClosed
	}
	var responses <-chan pool.IncomingEvent
	if responses, err = cl.Subscribe(c, call.Relays, call.Filters); err != nil {
		return v, fmt.Errorf("%s: subscribe for response: %w",
			call.Method, cause(c, parent, err))
	}
	var ack pool.Ack
	if ack, err = cl.Publish(c, call.Relays, call.Request); err != nil {
		return v, fmt.Errorf("%s: publish request: %w", call.Method,
			cause(c, parent, err))
	}
	log.D.F("%s %s sent via %s", call.Method, call.ID, ack.Relay)
	for {
		select {
		case <-c.Done():
			return v, fmt.Errorf("%s %s: %w", call.Method, call.ID,
				cause(c, parent, c.Err()))
		case ie, more := <-responses:
			if !more {
				return v, fmt.Errorf("%s %s: %w", call.Method, call.ID,
					cause(c, parent, ErrTimeout))
			}
			var ok bool
			if v, ok, err = decode(ie.Event); !ok {
				if err != nil {
					log.D.F("%s %s: skipping %s from %s: %v", call.Method,
						call.ID, ie.Event.ID, ie.Relay, err)
				}
				continue
			}
			log.D.F("%s %s answered in %v", call.Method, call.ID,
				time.Since(p.CreatedAt))
			return
		}
	}
}

// cause picks the most useful reason a call ended: the caller's own
// cancellation wins, then client close or deadline.
func cause(c, parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if cc := context.Cause(c); cc != nil && c.Err() != nil {
		return cc
	}
	return err
}

// HasTag reports whether ev carries a tag whose first two fields are name and
// value.
func HasTag(ev *nostr.Event, name, value string) bool {
	for _, t := range ev.Tags {
		if len(t) >= 2 && t[0] == name && strings.EqualFold(t[1], value) {
			return true
		}
	}
	return false
}
