package ppo

import (
	"errors"
	"fmt"
)

// ConfigError is a fatal pre-flight error: the named configuration field is
// missing or inconsistent.  It is surfaced before any training iteration
// starts and never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// ShapeError is a fatal per-batch error: tensors disagree on shape in a way
// padding cannot resolve.  The distributed job must abort.
type ShapeError struct {
	Op   string
	Want string
	Got  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: got %s, want %s", e.Op, e.Got, e.Want)
}

// ErrDegenerateSequence marks a response with no valid positions.  It cannot
// be skipped silently: the terminal reward is indexed off the last valid
// response position, so a degenerate example would corrupt the whole batch.
var ErrDegenerateSequence = errors.New("degenerate sequence: response has no valid positions")
