package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const DefaultModel = "claude-sonnet-4-20250514"

// Summarizer turns a prompt over the raw feedback into a written digest.
type Summarizer interface {
	Summarize(c context.Context, prompt string) (string, error)
}

// Claude summarizes with the Anthropic messages API.
type Claude struct {
	client    anthropic.Client
	Model     string
	MaxTokens int64
}

// NewClaude makes a summarizer for the given API key. Extra options, such as
// a different base URL, are passed to the client.
func NewClaude(apiKey string, opts ...option.RequestOption) *Claude {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Claude{
		client:    anthropic.NewClient(opts...),
		Model:     DefaultModel,
		MaxTokens: 2000,
	}
}

func (cl *Claude) Summarize(c context.Context, prompt string) (s string,
	err error) {

	var msg *anthropic.Message
	if msg, err = cl.client.Messages.New(c, anthropic.MessageNewParams{
		Model:     anthropic.Model(cl.Model),
		MaxTokens: cl.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}); err != nil {
		return
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("summary from %s has no text", cl.Model)
	}
	return b.String(), nil
}

// Prompt asks for a digest of items with bugs, requests and action items
// pulled out.
func Prompt(items []Item) (prompt string, err error) {
	var b []byte
	if b, err = json.MarshalIndent(items, "", "  "); err != nil {
		return
	}
	prompt = fmt.Sprintf(`Analyze these %d feedback submissions for the On-Chain Disc Golf app (a disc golf scorecard with Bitcoin/Lightning payments).

Provide a concise digest with:

1. **Summary** - Overall sentiment and key themes (2-3 sentences)

2. **Bug Reports** - List bugs with severity (Critical/High/Medium/Low)

3. **Feature Requests** - List requests with effort estimate

4. **General Feedback** - Notable comments, UX issues

5. **Action Items** - Top 3 things to address

Be concise. Focus on actionable insights.

Feedback:
`+"```json\n%s\n```", len(items), b)
	return
}

// Summarize renders items with s, under the same header as Digest. With no
// summarizer, no items, or a failed summary it returns the plain Digest.
func Summarize(c context.Context, s Summarizer, items []Item, days int,
	now time.Time) string {

	if s == nil || len(items) == 0 {
		return Digest(items, days, now)
	}
	prompt, err := Prompt(items)
	if chk.E(err) {
		return Digest(items, days, now)
	}
	log.I.F("summarizing %d feedback items", len(items))
	var summary string
	if summary, err = s.Summarize(c, prompt); err != nil {
		log.W.F("summary failed, falling back to the plain digest: %v", err)
		return Digest(items, days, now)
	}
	return header(items, days, now) + strings.TrimSpace(summary) + "\n"
}
