package nip59

import (
	"context"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/kind"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

// Fetcher is the relay side of FetchSince.
type Fetcher interface {
	ListEvents(c context.Context, urls []string, f nostr.Filters,
		timeout time.Duration) []*nostr.Event
}

// Subscriber is the relay side of Inbox.
type Subscriber interface {
	Subscribe(c context.Context, urls []string,
		f nostr.Filters) (<-chan pool.IncomingEvent, error)
}

// Filter selects gift wraps for pubkey that may hold messages sent at or after
// since. Wrap timestamps are randomized into the past, so the relay-side
// bound is pushed back by MaxTimestampSkew.
func Filter(pubkey string, since time.Time) nostr.Filter {
	ts := nostr.Timestamp(since.Add(-MaxTimestampSkew).Unix())
	return nostr.Filter{
		Kinds: []int{kind.GiftWrap.ToInt()},
		Tags:  nostr.TagMap{"p": []string{pubkey}},
		Since: &ts,
	}
}

// FetchSince collects every message for id sent at or after since, in order
// of sending. Wraps that fail to open are logged and skipped.
func FetchSince(c context.Context, id Identity, f Fetcher, relays []string,
	since time.Time) (msgs []*Message) {

	wraps := f.ListEvents(c, relays,
		nostr.Filters{Filter(id.PublicKey(), since)}, 0)
	results := UnwrapAll(c, id, wraps)
	delivered := Delivered(results)
	if skipped := len(results) - len(delivered); skipped > 0 {
		log.I.F("fetched %d gift wraps, %d could not be opened", len(results),
			skipped)
	}
	bound := nostr.Timestamp(since.Unix())
	for _, m := range delivered {
		if m.Rumor.CreatedAt >= bound {
			msgs = append(msgs, m)
		}
	}
	slices.SortStableFunc(msgs, func(a, b *Message) int {
		return int(a.Rumor.CreatedAt) - int(b.Rumor.CreatedAt)
	})
	return
}

// Inbox delivers messages for id as they arrive, starting with those sent at
// or after since that relays still hold. Wraps that fail to open are skipped.
// The channel closes when c ends.
func Inbox(c context.Context, id Identity, s Subscriber, relays []string,
	since time.Time) (out <-chan *Message, err error) {

	var incoming <-chan pool.IncomingEvent
	if incoming, err = s.Subscribe(c, relays,
		nostr.Filters{Filter(id.PublicKey(), since)}); err != nil {
		return
	}
	bound := nostr.Timestamp(since.Unix())
	msgs := make(chan *Message)
	go func() {
		defer close(msgs)
		for ie := range incoming {
			m, err := Unwrap(c, id, ie.Event)
			if err != nil {
				log.D.F("inbox: skipping %s from %s: %v", ie.Event.ID,
					ie.Relay, err)
				continue
			}
			if m.Rumor.CreatedAt < bound {
				continue
			}
			select {
			case msgs <- m:
			case <-c.Done():
				return
			}
		}
	}()
	return msgs, nil
}
