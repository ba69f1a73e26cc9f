// Package pool fans queries and publishes out over a set of relays.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/signet/pkg/slog"
	"github.com/fiatjaf/generic-ristretto/z"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

const (
	MaxLocks = 50

	DefaultListTimeout    = 6 * time.Second
	DefaultPublishTimeout = 10 * time.Second
	DefaultConnectTimeout = 15 * time.Second
)

var (
	ErrNoRelays     = errors.New("no relays")
	ErrNoSubscriber = errors.New("no relay accepted the subscription")
)

type Option interface {
	IsPoolOption()
	Apply(*Pool)
}

// WithDialer replaces the go-nostr websocket dialer.
type WithDialer Dialer

func (_ WithDialer) IsPoolOption() {}
func (d WithDialer) Apply(p *Pool) { p.dial = Dialer(d) }

// WithListTimeout sets the default completion bound of ListEvents. Zero
// keeps DefaultListTimeout.
type WithListTimeout time.Duration

func (_ WithListTimeout) IsPoolOption() {}
func (t WithListTimeout) Apply(p *Pool) {
	if t > 0 {
		p.ListTimeout = time.Duration(t)
	}
}

// WithPublishTimeout bounds the sends that keep running after Publish has
// returned its first acknowledgement.
type WithPublishTimeout time.Duration

func (_ WithPublishTimeout) IsPoolOption() {}
func (t WithPublishTimeout) Apply(p *Pool) {
	if t > 0 {
		p.PublishTimeout = time.Duration(t)
	}
}

var (
	_ Option = (WithDialer)(nil)
	_ Option = WithListTimeout(0)
	_ Option = WithPublishTimeout(0)
)

var namedMutexPool = make([]sync.Mutex, MaxLocks)

func namedLock(name string) (unlock func()) {
	idx := z.MemHashString(name) % MaxLocks
	namedMutexPool[idx].Lock()
	return namedMutexPool[idx].Unlock
}

// Pool caches one connection per normalized relay url.
type Pool struct {
	Relays         *xsync.MapOf[string, Relay]
	ListTimeout    time.Duration
	PublishTimeout time.Duration
	ConnectTimeout time.Duration
	dial           Dialer
	ctx            context.Context
	cancel         context.CancelFunc
}

type IncomingEvent struct {
	Event *nostr.Event
	Relay string
}

// Ack reports which relay accepted a publish first.
type Ack struct {
	Relay string
}

func New(c context.Context, opts ...Option) (p *Pool) {
	c, cancel := context.WithCancel(c)
	p = &Pool{
		Relays:         xsync.NewMapOf[Relay](),
		ListTimeout:    DefaultListTimeout,
		PublishTimeout: DefaultPublishTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		dial:           DialNostr,
		ctx:            c,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt.Apply(p)
	}
	return
}

// EnsureRelay returns the cached connection for url, dialing a new one if
// there is none or the old one dropped.
func (p *Pool) EnsureRelay(c context.Context, url string) (rl Relay, err error) {
	nm := normalize.URL(url)
	if nm == "" {
		return nil, fmt.Errorf("invalid relay url %q", url)
	}
	defer namedLock(nm)()
	var ok bool
	if rl, ok = p.Relays.Load(nm); ok && rl.IsConnected() {
		return
	}
	if ok {
		p.Relays.Delete(nm)
		_ = rl.Close()
	}
	c, cancel := context.WithTimeout(c, p.ConnectTimeout)
	defer cancel()
	if rl, err = p.dial(c, nm); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", nm, err)
	}
	p.Relays.Store(nm, rl)
	return
}

// ListEvents queries every relay and returns the union of their stored events,
// deduplicated by id in order of first arrival. It completes when every relay
// has sent EOSE or failed, or when timeout elapses, whichever is first. Relay
// failures are logged, never returned. A zero timeout uses ListTimeout.
func (p *Pool) ListEvents(c context.Context, urls []string, f nostr.Filters,
	timeout time.Duration) (evs []*nostr.Event) {

	if timeout <= 0 {
		timeout = p.ListTimeout
	}
	c, cancel := context.WithTimeout(c, timeout)
	defer cancel()
	for ie := range p.subManyEose(c, normalize.URLs(urls), f) {
		evs = append(evs, ie.Event)
	}
	return
}

func (p *Pool) subManyEose(c context.Context, urls []string,
	f nostr.Filters) chan IncomingEvent {

	c, cancel := context.WithCancel(c)
	events := make(chan IncomingEvent)
	seenAlready := xsync.NewMapOf[struct{}]()
	wg := sync.WaitGroup{}
	wg.Add(len(urls))
	go func() {
		// every relay has finished, failed, or the deadline passed
		wg.Wait()
		cancel()
		close(events)
	}()
	for _, url := range urls {
		go func(nm string) {
			defer wg.Done()
			rl, err := p.EnsureRelay(c, nm)
			if chk.D(err) {
				return
			}
			sub, err := rl.Subscribe(c, f)
			if err != nil {
				log.D.F("error subscribing to %s with %v: %s", nm, f, err)
				return
			}
			defer sub.Unsub()
			for {
				select {
				case <-c.Done():
					return
				case <-sub.EndOfStoredEvents:
					return
				case reason := <-sub.Closed:
					log.D.F("%s closed query %v: %s", nm, f, reason)
					return
				case ev, more := <-sub.Events:
					if !more {
						return
					}
					if _, seen := seenAlready.LoadOrStore(ev.ID,
						struct{}{}); seen {
						continue
					}
					select {
					case events <- IncomingEvent{Event: ev, Relay: nm}:
					case <-c.Done():
						return
					}
				}
			}
		}(url)
	}
	return events
}

// Subscribe opens a live subscription on every relay and merges them into one
// deduplicated stream. It returns once each relay's subscription is either
// established or has failed, so an event published afterwards over the same
// pool cannot outrun it. The channel closes when c is done or every relay
// subscription has ended.
func (p *Pool) Subscribe(c context.Context, urls []string,
	f nostr.Filters) (out <-chan IncomingEvent, err error) {

	urls = normalize.URLs(urls)
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}
	type opened struct {
		url string
		sub *Subscription
		err error
	}
	results := make([]opened, len(urls))
	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func(i int, nm string) {
			defer wg.Done()
			results[i].url = nm
			rl, err := p.EnsureRelay(c, nm)
			if err != nil {
				results[i].err = err
				return
			}
			results[i].sub, results[i].err = rl.Subscribe(c, f)
		}(i, url)
	}
	wg.Wait()
	var errs []error
	var subs []opened
	for _, r := range results {
		if r.err != nil {
			log.D.F("subscribe %s: %v", r.url, r.err)
			errs = append(errs, fmt.Errorf("%s: %w", r.url, r.err))
			continue
		}
		subs = append(subs, r)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoSubscriber, errors.Join(errs...))
	}
	events := make(chan IncomingEvent)
	seenAlready := xsync.NewMapOf[struct{}]()
	var fwd sync.WaitGroup
	fwd.Add(len(subs))
	go func() {
		fwd.Wait()
		close(events)
	}()
	for _, o := range subs {
		go func(nm string, sub *Subscription) {
			defer fwd.Done()
			defer sub.Unsub()
			for {
				select {
				case <-c.Done():
					return
				case reason := <-sub.Closed:
					log.D.F("%s closed subscription: %s", nm, reason)
					return
				case ev, more := <-sub.Events:
					if !more {
						return
					}
					if _, seen := seenAlready.LoadOrStore(ev.ID,
						struct{}{}); seen {
						continue
					}
					select {
					case events <- IncomingEvent{Event: ev, Relay: nm}:
					case <-c.Done():
						return
					}
				}
			}
		}(o.url, o.sub)
	}
	return events, nil
}

// Publish sends ev to every relay in parallel and returns as soon as one of
// them accepts it. The remaining sends carry on in the background, bounded by
// PublishTimeout. It fails only when every relay fails, with their errors
// joined.
func (p *Pool) Publish(c context.Context, urls []string,
	ev *nostr.Event) (ack Ack, err error) {

	urls = normalize.URLs(urls)
	if len(urls) == 0 {
		return ack, ErrNoRelays
	}
	type result struct {
		url string
		err error
	}
	// buffered so stragglers never block after we return
	results := make(chan result, len(urls))
	bg, cancel := context.WithTimeout(p.ctx, p.PublishTimeout)
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(nm string) {
			defer wg.Done()
			results <- result{url: nm, err: p.publishOne(bg, nm, ev)}
		}(url)
	}
	go func() {
		wg.Wait()
		cancel()
	}()
	var errs []error
	for range urls {
		select {
		case r := <-results:
			if r.err == nil {
				log.T.F("published %s to %s", ev.ID, r.url)
				return Ack{Relay: r.url}, nil
			}
			log.D.F("publish %s to %s: %v", ev.ID, r.url, r.err)
			errs = append(errs, fmt.Errorf("%s: %w", r.url, r.err))
		case <-c.Done():
			return ack, c.Err()
		}
	}
	return ack, errors.Join(errs...)
}

func (p *Pool) publishOne(c context.Context, url string,
	ev *nostr.Event) (err error) {

	var rl Relay
	if rl, err = p.EnsureRelay(c, url); err != nil {
		return
	}
	return rl.Publish(c, ev)
}

// Close drops every cached connection and stops background publishes.
func (p *Pool) Close() {
	p.cancel()
	p.Relays.Range(func(url string, rl Relay) bool {
		chk.D(rl.Close())
		p.Relays.Delete(url)
		return true
	})
}
