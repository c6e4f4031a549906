// Package ai builds the retrieval-augmented agent chain: retrievers,
// citation handling, the tool registry, and the streaming predictor.
package ai

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/onyx-hq/onyx/pkg/models"
)

// CitationMarker is the request-scoped registry of retrieved documents. The
// RAG step assigns each document a marker number used in the prompt; the
// citation stream maps numbers the model actually cited onto display
// numbers ordered by first use.
type CitationMarker struct {
	mu      sync.Mutex
	sources map[int]models.CitationSource
	display map[int]int
	next    int
}

// NewCitationMarker returns an empty marker.
func NewCitationMarker() *CitationMarker {
	return &CitationMarker{
		sources: make(map[int]models.CitationSource),
		display: make(map[int]int),
	}
}

// Assign registers a retrieved document and returns its marker number.
func (m *CitationMarker) Assign(source models.CitationSource) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	source.Number = m.next
	m.sources[m.next] = source
	return m.next
}

// Token renders the citation token for a marker number, as shown to the
// model in the prompt.
func (m *CitationMarker) Token(number int) string {
	return fmt.Sprintf(":s[%d]", number)
}

// MarkUsed resolves a cited marker number to its display number, assigning
// the next display number on first use. Display numbers start at 1 and grow
// monotonically in order of first citation.
func (m *CitationMarker) MarkUsed(number int) (int, models.CitationSource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	source, ok := m.sources[number]
	if !ok {
		return 0, models.CitationSource{}, false
	}
	display, used := m.display[number]
	if !used {
		display = len(m.display) + 1
		m.display[number] = display
	}
	source.Number = display
	return display, source, true
}

// Citation state machine states.
const (
	expectColon = iota
	expectS
	expectBracket
	insideNumber
)

// CitationStream rewrites citation marks in the model's token stream. Text
// fed through it comes back with each recognized :s[N] replaced by its
// display-numbered form; the sources cited in that text are returned
// alongside.
type CitationStream struct {
	marker *CitationMarker
	state  int
	buf    []rune
	number []rune
}

// NewCitationStream builds a stream over the request's marker.
func NewCitationStream(marker *CitationMarker) *CitationStream {
	return &CitationStream{marker: marker}
}

// Feed processes one chunk of model output character by character and
// returns the rewritten text plus any sources cited within it, in
// left-to-right order.
func (c *CitationStream) Feed(text string) (string, []models.CitationSource) {
	var out []rune
	var sources []models.CitationSource
	for _, ch := range text {
		emitted, source := c.feedRune(ch)
		out = append(out, emitted...)
		if source != nil {
			sources = append(sources, *source)
		}
	}
	return string(out), sources
}

func (c *CitationStream) feedRune(ch rune) ([]rune, *models.CitationSource) {
	switch c.state {
	case expectColon:
		if ch == ':' {
			c.buf = append(c.buf, ch)
			c.state = expectS
			return nil, nil
		}
		return []rune{ch}, nil
	case expectS:
		if ch == 's' {
			c.buf = append(c.buf, ch)
			c.state = expectBracket
			return nil, nil
		}
		return c.mismatch(ch), nil
	case expectBracket:
		if ch == '[' {
			c.buf = append(c.buf, ch)
			c.state = insideNumber
			return nil, nil
		}
		return c.mismatch(ch), nil
	case insideNumber:
		if ch >= '0' && ch <= '9' {
			c.buf = append(c.buf, ch)
			c.number = append(c.number, ch)
			return nil, nil
		}
		if ch == ']' {
			return c.closeMark(ch)
		}
		return c.mismatch(ch), nil
	}
	return []rune{ch}, nil
}

// mismatch flushes the partial mark plus the offending character as plain
// content and resets.
func (c *CitationStream) mismatch(ch rune) []rune {
	out := append(c.buf, ch)
	c.reset()
	return out
}

func (c *CitationStream) closeMark(ch rune) ([]rune, *models.CitationSource) {
	raw := append(append([]rune(nil), c.buf...), ch)
	number, err := strconv.Atoi(string(c.number))
	c.reset()
	if err != nil || number < 0 {
		return raw, nil
	}
	display, source, ok := c.marker.MarkUsed(number)
	if !ok {
		return raw, nil
	}
	return []rune(c.marker.Token(display)), &source
}

func (c *CitationStream) reset() {
	c.state = expectColon
	c.buf = nil
	c.number = nil
}

// Flush returns any partially matched mark held in the buffer. Call once at
// end of stream so trailing text is not swallowed.
func (c *CitationStream) Flush() string {
	out := string(c.buf)
	c.reset()
	return out
}
