package ready

import (
	"regexp"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// DefaultBufferLength is the number of trailing output bytes searched for a pattern
const DefaultBufferLength = 1024

// Matcher searches combined process output for a readiness pattern.
//
// Chunks from stdout and stderr are appended to one bounded buffer in arrival
// order. Escape sequences are stripped from the accumulated buffer rather than
// from each chunk, because a colour sequence may straddle two chunks.
type Matcher struct {
	pattern *regexp.Regexp
	buf     *Buffer
	matched bool
	mu      sync.Mutex
}

// NewMatcher creates a matcher retaining at most limit bytes of output
func NewMatcher(pattern *regexp.Regexp, limit int) *Matcher {
	if limit <= 0 {
		limit = DefaultBufferLength
	}
	return &Matcher{
		pattern: pattern,
		buf:     NewBuffer(limit),
	}
}

// Feed appends chunk and reports whether it completed the first match.
// Once a match has been reported, further chunks are ignored.
func (m *Matcher) Feed(chunk []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.matched {
		return false
	}

	m.buf.Write(chunk)
	if !m.pattern.MatchString(ansi.Strip(m.buf.String())) {
		return false
	}

	m.matched = true
	m.buf.Reset()
	return true
}

// Matched reports whether the pattern has matched
func (m *Matcher) Matched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matched
}

// Len returns the number of buffered bytes
func (m *Matcher) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Len()
}
