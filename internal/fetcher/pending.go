package fetcher

import (
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

// choiceAccumulator folds the deltas of one choice.
type choiceAccumulator struct {
	text      strings.Builder
	tokens    []string
	toolCalls int
}

// pendingRequest is the state of one attempt. It is created when the
// attempt starts and dropped when its FetchResult is built; it is only
// touched by the consuming loop.
type pendingRequest struct {
	requestID string
	debugName string
	retryTag  string
	username  string

	start      time.Time
	firstToken time.Time

	choices        map[int]*choiceAccumulator
	usage          *domain.Usage
	statefulMarker string
	deltas         int
}

func newPendingRequest(requestID, debugName, retryTag string, now time.Time) *pendingRequest {
	return &pendingRequest{
		requestID: requestID,
		debugName: debugName,
		retryTag:  retryTag,
		start:     now,
		choices:   make(map[int]*choiceAccumulator),
	}
}

func (p *pendingRequest) choice(index int) *choiceAccumulator {
	c, ok := p.choices[index]
	if !ok {
		c = &choiceAccumulator{}
		p.choices[index] = c
	}
	return c
}

// add records d. now is the arrival time.
func (p *pendingRequest) add(d domain.Delta, now time.Time) {
	p.deltas++
	switch d.Type {
	case domain.DeltaText:
		if p.firstToken.IsZero() {
			p.firstToken = now
		}
		c := p.choice(d.Choice)
		c.text.WriteString(d.Text)
		c.tokens = append(c.tokens, d.Text)
	case domain.DeltaToolCall:
		if p.firstToken.IsZero() {
			p.firstToken = now
		}
		if d.ToolCall != nil && d.ToolCall.Complete {
			p.choice(d.Choice).toolCalls++
		}
	case domain.DeltaUsage:
		if d.Usage != nil {
			u := *d.Usage
			p.usage = &u
		}
	case domain.DeltaStatefulMarker:
		p.statefulMarker = d.StatefulMarker
	}
}

func (p *pendingRequest) text(choice int) string {
	if c, ok := p.choices[choice]; ok {
		return c.text.String()
	}
	return ""
}

func (p *pendingRequest) toolCalls(choice int) int {
	if c, ok := p.choices[choice]; ok {
		return c.toolCalls
	}
	return 0
}

func (p *pendingRequest) tokens(choice int) []string {
	if c, ok := p.choices[choice]; ok {
		return c.tokens
	}
	return nil
}

// timeToFirstToken is zero when no output arrived.
func (p *pendingRequest) timeToFirstToken() time.Duration {
	if p.firstToken.IsZero() {
		return 0
	}
	return p.firstToken.Sub(p.start)
}
