package ready

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestBuffer_KeepsTail(t *testing.T) {
	buf := NewBuffer(8)

	buf.Write([]byte("abcd"))
	assert.Equal(t, "abcd", buf.String())

	buf.Write([]byte("efgh"))
	assert.Equal(t, "abcdefgh", buf.String())

	buf.Write([]byte("ij"))
	assert.Equal(t, "cdefghij", buf.String())

	buf.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", buf.String())
	assert.Equal(t, 8, buf.Len())
}

func TestMatcher_PatternSplitAcrossChunks(t *testing.T) {
	m := NewMatcher(regexp.MustCompile(`listening on`), 1024)

	assert.False(t, m.Feed([]byte("start")))
	assert.False(t, m.Feed([]byte("...listen")))
	assert.True(t, m.Feed([]byte("ing on 8080")))
	assert.True(t, m.Matched())
	assert.Equal(t, 0, m.Len(), "buffer is discarded after a match")

	// Only the first match is reported
	assert.False(t, m.Feed([]byte("listening on 8081")))
}

func TestMatcher_BufferNeverExceedsLimit(t *testing.T) {
	const limit = 32
	m := NewMatcher(regexp.MustCompile(`READY`), limit)

	for i := 0; i < 100; i++ {
		m.Feed([]byte(strings.Repeat("x", i%7+1)))
		require.LessOrEqual(t, m.Len(), limit)
	}

	// A pattern straddling two chunks near the end of a long log still matches
	assert.False(t, m.Feed([]byte(strings.Repeat("y", 40)+"REA")))
	assert.LessOrEqual(t, m.Len(), limit)
	assert.True(t, m.Feed([]byte("DY")))
}

func TestMatcher_StripsEscapesAcrossChunks(t *testing.T) {
	m := NewMatcher(regexp.MustCompile(`server ready`), 1024)

	// The colour sequence is split between the two chunks
	assert.False(t, m.Feed([]byte("server \x1b[3")))
	assert.True(t, m.Feed([]byte("2mready\x1b[0m")))
}

func TestSpec_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		mode  Mode
		delay time.Duration
		expr  string
	}{
		{name: "false disables", input: "ready: false", mode: Disabled},
		{name: "true uses default delay", input: "ready: true", mode: Timed, delay: DefaultDelay},
		{name: "milliseconds", input: "ready: 250", mode: Timed, delay: 250 * time.Millisecond},
		{name: "zero disables", input: "ready: 0", mode: Disabled},
		{name: "pattern", input: `ready: "listening on \\d+"`, mode: Pattern, expr: `listening on \d+`},
		{name: "bare word pattern", input: "ready: started", mode: Pattern, expr: "started"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var doc struct {
				Ready Spec `yaml:"ready"`
			}
			require.NoError(t, yaml.Unmarshal([]byte(tt.input), &doc))

			assert.Equal(t, tt.mode, doc.Ready.Mode)
			assert.Equal(t, tt.delay, doc.Ready.Delay)
			if tt.expr != "" {
				require.NotNil(t, doc.Ready.Pattern)
				assert.Equal(t, tt.expr, doc.Ready.Pattern.String())
			}
		})
	}
}

func TestSpec_UnmarshalYAML_InvalidPattern(t *testing.T) {
	var doc struct {
		Ready Spec `yaml:"ready"`
	}
	err := yaml.Unmarshal([]byte(`ready: "(unclosed"`), &doc)
	assert.ErrorContains(t, err, "invalid ready pattern")
}

func TestDetector_Disabled(t *testing.T) {
	d := NewDetector(Spec{Mode: Disabled}, 0)
	d.Start()

	select {
	case <-d.Ready():
	default:
		t.Fatal("disabled detector should fire on start")
	}
}

func TestDetector_Timed(t *testing.T) {
	d := NewDetector(After(50*time.Millisecond), 0)
	start := time.Now()
	d.Start()

	select {
	case <-d.Ready():
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timed detector did not fire")
	}
}

func TestDetector_StopPreventsTimer(t *testing.T) {
	d := NewDetector(After(30*time.Millisecond), 0)
	d.Start()
	d.Stop()

	select {
	case <-d.Ready():
		t.Fatal("stopped detector fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDetector_Pattern(t *testing.T) {
	spec, err := Match("listening on")
	require.NoError(t, err)

	d := NewDetector(spec, 1024)
	d.Start()

	d.Feed([]byte("start"))
	select {
	case <-d.Ready():
		t.Fatal("fired before the pattern appeared")
	default:
	}

	d.Feed([]byte("...listening on 8080"))
	select {
	case <-d.Ready():
	default:
		t.Fatal("did not fire after the pattern appeared")
	}
}
