package pool

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Relay is one connection to a relay. The pool only talks to relays through
// this interface so tests can dial in-memory relays.
type Relay interface {
	URL() string
	Subscribe(c context.Context, f nostr.Filters) (*Subscription, error)
	// Publish sends the event and waits for the relay's OK.
	Publish(c context.Context, ev *nostr.Event) error
	IsConnected() bool
	Close() error
}

// Subscription is a live REQ on one relay. Events is closed when the
// subscription ends, EndOfStoredEvents fires once the relay has sent its
// stored matches, and Closed carries the reason when the relay refuses or
// drops the REQ.
type Subscription struct {
	Events            <-chan *nostr.Event
	EndOfStoredEvents <-chan struct{}
	Closed            <-chan string
	Unsub             func()
}

// Dialer opens a connection to the relay at a normalized url.
type Dialer func(c context.Context, url string) (Relay, error)

// DialNostr connects with the go-nostr websocket client.
func DialNostr(c context.Context, url string) (rl Relay, err error) {
	var r *nostr.Relay
	if r, err = nostr.RelayConnect(c, url); err != nil {
		return
	}
	return &nostrRelay{r: r}, nil
}

type nostrRelay struct{ r *nostr.Relay }

func (n *nostrRelay) URL() string       { return n.r.URL }
func (n *nostrRelay) IsConnected() bool { return n.r.IsConnected() }
func (n *nostrRelay) Close() error      { return n.r.Close() }

func (n *nostrRelay) Publish(c context.Context, ev *nostr.Event) error {
	return n.r.Publish(c, *ev)
}

func (n *nostrRelay) Subscribe(c context.Context,
	f nostr.Filters) (sub *Subscription, err error) {

	var s *nostr.Subscription
	if s, err = n.r.Subscribe(c, f); err != nil {
		return
	}
	return &Subscription{
		Events:            s.Events,
		EndOfStoredEvents: s.EndOfStoredEvents,
		Closed:            s.ClosedReason,
		Unsub:             s.Unsub,
	}, nil
}
