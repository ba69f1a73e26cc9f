// Package relaytest provides relays for tests: an in-memory relay reachable
// through a pool.Dialer, and a websocket server in front of it for tests that
// go through the go-nostr client.
package relaytest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

var (
	ErrDown         = errors.New("relay is down")
	ErrUnknownRelay = errors.New("unknown relay")
	ErrClosed       = errors.New("connection closed")
)

// Relay stores every valid event it is sent and forwards them to matching
// live subscriptions.
type Relay struct {
	url       string
	mx        sync.Mutex
	stored    []*nostr.Event
	ids       map[string]struct{}
	listeners map[*listener]struct{}
	published atomic.Int64

	publishDelay time.Duration
	publishErr   error
	withholdEOSE bool
	closeReason  string
	down         bool
}

func NewRelay(url string) *Relay {
	return &Relay{
		url:       normalize.URL(url),
		ids:       make(map[string]struct{}),
		listeners: make(map[*listener]struct{}),
	}
}

func (r *Relay) URL() string { return r.url }

// SetPublishDelay makes every publish wait before it is acknowledged.
func (r *Relay) SetPublishDelay(d time.Duration) {
	r.mx.Lock()
	r.publishDelay = d
	r.mx.Unlock()
}

// SetPublishError makes every publish fail with err, nil restores normal
// operation.
func (r *Relay) SetPublishError(err error) {
	r.mx.Lock()
	r.publishErr = err
	r.mx.Unlock()
}

// WithholdEOSE stops the relay from ever finishing a stored events query.
func (r *Relay) WithholdEOSE(on bool) {
	r.mx.Lock()
	r.withholdEOSE = on
	r.mx.Unlock()
}

// RefuseQueries answers every new subscription with CLOSED and reason, as a
// relay demanding auth does. An empty reason restores normal operation.
func (r *Relay) RefuseQueries(reason string) {
	r.mx.Lock()
	r.closeReason = reason
	r.mx.Unlock()
}

// SetDown makes dials fail and existing connections report disconnected.
func (r *Relay) SetDown(on bool) {
	r.mx.Lock()
	r.down = on
	r.mx.Unlock()
}

func (r *Relay) isDown() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.down
}

// Published counts accepted publishes, duplicates included.
func (r *Relay) Published() int { return int(r.published.Load()) }

// Events returns a snapshot of the stored events in arrival order.
func (r *Relay) Events() (evs []*nostr.Event) {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append(evs, r.stored...)
}

// Store adds events directly, bypassing signature checks and delays.
func (r *Relay) Store(evs ...*nostr.Event) {
	for _, ev := range evs {
		r.accept(ev)
	}
}

// Publish stores ev after the configured delay, rejecting it when it is badly
// signed or the relay is set to fail.
func (r *Relay) Publish(c context.Context, ev *nostr.Event) (err error) {
	r.mx.Lock()
	delay, perr, down := r.publishDelay, r.publishErr, r.down
	r.mx.Unlock()
	if down {
		return ErrDown
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Done():
			return c.Err()
		}
	}
	if perr != nil {
		return perr
	}
	if ev.GetID() != ev.ID {
		return errors.New("invalid: event id does not match content")
	}
	var ok bool
	if ok, err = ev.CheckSignature(); err != nil || !ok {
		return fmt.Errorf("invalid: bad signature %v", err)
	}
	r.published.Add(1)
	r.accept(ev)
	return nil
}

func (r *Relay) accept(ev *nostr.Event) {
	r.mx.Lock()
	if _, dup := r.ids[ev.ID]; dup {
		r.mx.Unlock()
		return
	}
	r.ids[ev.ID] = struct{}{}
	r.stored = append(r.stored, ev)
	var ls []*listener
	for l := range r.listeners {
		if l.filters.Match(ev) {
			ls = append(ls, l)
		}
	}
	r.mx.Unlock()
	for _, l := range ls {
		go l.deliver(ev)
	}
}

// listener.events is unbuffered so every stored match has been consumed by
// the time eose closes.
type listener struct {
	filters nostr.Filters
	events  chan *nostr.Event
	eose    chan struct{}
	closed  chan string
	done    chan struct{}
	mx      sync.RWMutex
	once    sync.Once
}

func (l *listener) deliver(ev *nostr.Event) {
	l.mx.RLock()
	defer l.mx.RUnlock()
	select {
	case <-l.done:
	default:
		select {
		case l.events <- ev:
		case <-l.done:
		}
	}
}

func (r *Relay) subscribe(f nostr.Filters) (l *listener) {
	l = &listener{
		filters: f,
		events:  make(chan *nostr.Event),
		eose:    make(chan struct{}),
		closed:  make(chan string, 1),
		done:    make(chan struct{}),
	}
	r.mx.Lock()
	if r.closeReason != "" {
		l.closed <- r.closeReason
		r.mx.Unlock()
		return
	}
	var matches []*nostr.Event
	for _, ev := range r.stored {
		if f.Match(ev) {
			matches = append(matches, ev)
		}
	}
	withhold := r.withholdEOSE
	r.listeners[l] = struct{}{}
	r.mx.Unlock()
	go func() {
		for _, ev := range matches {
			l.deliver(ev)
		}
		if !withhold {
			close(l.eose)
		}
	}()
	return
}

func (r *Relay) unsubscribe(l *listener) {
	l.once.Do(func() {
		r.mx.Lock()
		delete(r.listeners, l)
		r.mx.Unlock()
		close(l.done)
		l.mx.Lock()
		close(l.events)
		l.mx.Unlock()
	})
}

// Network routes dials to in-memory relays by url.
type Network struct {
	relays *xsync.MapOf[string, *Relay]
	dials  atomic.Int64
}

func NewNetwork() *Network {
	return &Network{relays: xsync.NewMapOf[*Relay]()}
}

// Add creates a relay reachable at url.
func (n *Network) Add(url string) (r *Relay) {
	r = NewRelay(url)
	n.relays.Store(r.url, r)
	return
}

// Relays creates count relays named ws://relayN.test and returns their urls.
func (n *Network) Relays(count int) (urls []string, relays []*Relay) {
	for i := 0; i < count; i++ {
		r := n.Add(fmt.Sprintf("ws://relay%d.test", n.relays.Size()))
		urls = append(urls, r.URL())
		relays = append(relays, r)
	}
	return
}

func (n *Network) Get(url string) (r *Relay, ok bool) {
	return n.relays.Load(normalize.URL(url))
}

// Dials counts connections opened through Dial.
func (n *Network) Dials() int { return int(n.dials.Load()) }

// Dial implements pool.Dialer.
func (n *Network) Dial(c context.Context, url string) (rl pool.Relay, err error) {
	r, ok := n.relays.Load(normalize.URL(url))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRelay, url)
	}
	if r.isDown() {
		return nil, ErrDown
	}
	n.dials.Add(1)
	return &conn{relay: r, subs: make(map[*listener]struct{})}, nil
}

type conn struct {
	relay  *Relay
	closed atomic.Bool
	mx     sync.Mutex
	subs   map[*listener]struct{}
}

func (c *conn) URL() string { return c.relay.url }

func (c *conn) IsConnected() bool { return !c.closed.Load() && !c.relay.isDown() }

func (c *conn) Publish(ctx context.Context, ev *nostr.Event) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.relay.Publish(ctx, ev)
}

func (c *conn) Subscribe(ctx context.Context,
	f nostr.Filters) (sub *pool.Subscription, err error) {

	if !c.IsConnected() {
		return nil, ErrClosed
	}
	l := c.relay.subscribe(f)
	c.mx.Lock()
	c.subs[l] = struct{}{}
	c.mx.Unlock()
	unsub := func() {
		c.relay.unsubscribe(l)
		c.mx.Lock()
		delete(c.subs, l)
		c.mx.Unlock()
	}
	go func() {
		select {
		case <-ctx.Done():
			unsub()
		case <-l.done:
		}
	}()
	return &pool.Subscription{
		Events:            l.events,
		EndOfStoredEvents: l.eose,
		Closed:            l.closed,
		Unsub:             unsub,
	}, nil
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mx.Lock()
	var ls []*listener
	for l := range c.subs {
		ls = append(ls, l)
	}
	c.subs = make(map[*listener]struct{})
	c.mx.Unlock()
	for _, l := range ls {
		c.relay.unsubscribe(l)
	}
	return nil
}
