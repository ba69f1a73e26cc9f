// Package feedback collects the feedback users send privately to the support
// identity and renders it as a digest.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/nip59"
	"github.com/Hubmakerlabs/signet/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// SupportNpub receives the feedback submitted from the app.
const SupportNpub = "npub1xg8nc32sw6u3m337wzhk8gs3nqmh73r86z6a93s3hetca4jvktls68qyue"

const Unknown = "unknown"

// Item is one piece of feedback. Fields other than type and message are kept
// as sent.
type Item struct {
	Type       string
	Message    string
	Sender     string
	ReceivedAt time.Time
	Extra      map[string]json.RawMessage
}

func (it Item) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(it.Extra)+4)
	for k, v := range it.Extra {
		m[k] = v
	}
	m["type"] = it.Type
	m["message"] = it.Message
	m["_sender_pubkey"] = it.Sender
	m["_received_at"] = it.ReceivedAt.Unix()
	return json.Marshal(m)
}

// Parse reads the content of a feedback message. Content that is not a JSON
// object becomes the message of an item of type unknown.
func Parse(content, sender string, at time.Time) (it Item) {
	it = Item{Type: Unknown, Sender: sender, ReceivedAt: at}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		it.Message = content
		return
	}
	for k, v := range fields {
		switch k {
		case "type":
			var s string
			if json.Unmarshal(v, &s) == nil && s != "" {
				it.Type = s
			}
		case "message":
			if json.Unmarshal(v, &it.Message) != nil {
				it.Message = string(v)
			}
		case "_sender_pubkey", "_received_at":
		default:
			if it.Extra == nil {
				it.Extra = make(map[string]json.RawMessage)
			}
			it.Extra[k] = v
		}
	}
	return
}

// Fetch opens every message sent to id in the last days days.
func Fetch(c context.Context, id nip59.Identity, f nip59.Fetcher,
	relays []string, days int, now time.Time) (items []Item) {

	since := now.Add(-time.Duration(days) * 24 * time.Hour)
	log.I.F("fetching feedback for %s since %s from %d relays",
		id.PublicKey(), since.Format(time.DateTime), len(relays))
	for _, m := range nip59.FetchSince(c, id, f, relays, since) {
		it := Parse(m.Rumor.Content, m.Sender, m.Rumor.CreatedAt.Time())
		log.D.F("%s: %s", it.Type, preview(it.Message, 40))
		items = append(items, it)
	}
	log.I.F("opened %d feedback messages", len(items))
	return
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

// Raw renders items as indented JSON.
func Raw(items []Item) (s string, err error) {
	if items == nil {
		items = []Item{}
	}
	var b []byte
	if b, err = json.MarshalIndent(items, "", "  "); err != nil {
		return
	}
	return string(b), nil
}

// Digest renders items as markdown grouped by type, largest group first.
func Digest(items []Item, days int, now time.Time) string {
	var b strings.Builder
	b.WriteString(header(items, days, now))
	if len(items) == 0 {
		b.WriteString("No feedback received in this period.\n")
		return b.String()
	}
	groups := make(map[string][]Item)
	for _, it := range items {
		groups[it.Type] = append(groups[it.Type], it)
	}
	types := make([]string, 0, len(groups))
	for t := range groups {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if len(groups[types[i]]) != len(groups[types[j]]) {
			return len(groups[types[i]]) > len(groups[types[j]])
		}
		return types[i] < types[j]
	})
	b.WriteString("## Summary\n\n")
	for _, t := range types {
		fmt.Fprintf(&b, "- %s: %d\n", t, len(groups[t]))
	}
	for _, t := range types {
		fmt.Fprintf(&b, "\n## %s\n\n", t)
		for _, it := range groups[t] {
			fmt.Fprintf(&b, "- %s (%s, %s)\n", preview(it.Message, 280),
				shortNpub(it.Sender), it.ReceivedAt.UTC().Format("2006-01-02 15:04"))
		}
	}
	return b.String()
}

func header(items []Item, days int, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Feedback Digest\n\n")
	fmt.Fprintf(&b, "**Period:** Last %d days  \n", days)
	fmt.Fprintf(&b, "**Generated:** %s  \n",
		now.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "**Total Feedback:** %d items\n\n---\n\n", len(items))
	return b.String()
}

func shortNpub(pk string) string {
	npub, err := keys.EncodeNpub(pk)
	if err != nil || len(npub) < 16 {
		return pk
	}
	return npub[:12] + "..." + npub[len(npub)-4:]
}

// FileName is where a digest generated at now is written.
func FileName(now time.Time) string {
	return "feedback_digest_" + now.Format("20060102_150405") + ".md"
}
