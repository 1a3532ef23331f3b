// Package ready decides when a freshly spawned process is usable: immediately,
// after a fixed delay, or once its output matches a pattern.
package ready

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects how readiness is detected
type Mode int

const (
	// Disabled fires as soon as the process has been spawned
	Disabled Mode = iota
	// Timed fires once after a fixed delay
	Timed
	// Pattern fires on the first output match
	Pattern
)

// DefaultDelay is used when ready is not configured or set to true
const DefaultDelay = 1000 * time.Millisecond

func (m Mode) String() string {
	switch m {
	case Disabled:
		return "disabled"
	case Timed:
		return "timed"
	case Pattern:
		return "pattern"
	default:
		return "unknown"
	}
}

// Spec is the decoded value of the ready option
type Spec struct {
	Mode    Mode
	Delay   time.Duration
	Pattern *regexp.Regexp
}

// Default returns the ready setting applied when a task does not configure one
func Default() Spec {
	return Spec{Mode: Timed, Delay: DefaultDelay}
}

// After returns a timed spec, or a disabled one for non-positive delays
func After(d time.Duration) Spec {
	if d <= 0 {
		return Spec{Mode: Disabled}
	}
	return Spec{Mode: Timed, Delay: d}
}

// Match compiles expr into a pattern spec
func Match(expr string) (Spec, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid ready pattern %q: %w", expr, err)
	}
	return Spec{Mode: Pattern, Pattern: re}, nil
}

// UnmarshalYAML accepts false, true, a delay in milliseconds, or a pattern string
func (s *Spec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: ready must be false, a delay in milliseconds or a pattern", value.Line)
	}

	switch value.Tag {
	case "!!null":
		*s = Spec{Mode: Disabled}
	case "!!bool":
		var enabled bool
		if err := value.Decode(&enabled); err != nil {
			return err
		}
		if enabled {
			*s = Default()
		} else {
			*s = Spec{Mode: Disabled}
		}
	case "!!int":
		ms, err := strconv.ParseInt(value.Value, 0, 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid ready delay %q: %w", value.Line, value.Value, err)
		}
		*s = After(time.Duration(ms) * time.Millisecond)
	default:
		spec, err := Match(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*s = spec
	}

	return nil
}

func (s Spec) String() string {
	switch s.Mode {
	case Timed:
		return s.Delay.String()
	case Pattern:
		return "/" + s.Pattern.String() + "/"
	default:
		return "false"
	}
}
