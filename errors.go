package gate

import "fmt"

// ConfigError reports invalid gate configuration: indivisible window/frame
// sizes, limit misuse, a bad storage kind, malformed initial data, or a
// malformed timestamp. Always raised at construction time.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "gate: config: " + e.Message }

func newConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// TypeMisuseError reports a value of the wrong shape reaching the gate,
// typically while decoding a Snapshot produced outside this package (see
// FromDict/FromFile). Update itself cannot raise this in Go, since its
// value parameter is statically typed as int64.
type TypeMisuseError struct {
	Message string
}

func (e *TypeMisuseError) Error() string { return "gate: type: " + e.Message }

func newTypeMisuseError(format string, args ...any) *TypeMisuseError {
	return &TypeMisuseError{Message: fmt.Sprintf(format, args...)}
}

// ThrottlingError is implemented by every error that signals a would-be
// update was rejected because it would exceed a configured ceiling.
type ThrottlingError interface {
	error
	Gate() *Gate
	Limit() int64
	throttling()
}

// OverflowError is implemented by every error that signals a negative
// update would have driven a frame or the window sum below zero.
type OverflowError interface {
	error
	Gate() *Gate
	overflow()
}

type throttlingBase struct {
	message string
	gate    *Gate
	limit   int64
}

func (e *throttlingBase) Error() string { return e.message }
func (e *throttlingBase) Gate() *Gate   { return e.gate }
func (e *throttlingBase) Limit() int64  { return e.limit }
func (*throttlingBase) throttling()     {}

// FrameLimitError reports that a single frame's value would exceed
// FrameLimit.
type FrameLimitError struct{ throttlingBase }

func newFrameLimitError(g *Gate, limit int64) *FrameLimitError {
	return &FrameLimitError{throttlingBase{
		message: fmt.Sprintf("gate: frame limit exceeded: %d", limit),
		gate:    g,
		limit:   limit,
	}}
}

// GateLimitError reports that the window sum would exceed GateLimit.
type GateLimitError struct{ throttlingBase }

func newGateLimitError(g *Gate, limit int64) *GateLimitError {
	return &GateLimitError{throttlingBase{
		message: fmt.Sprintf("gate: gate limit exceeded: %d", limit),
		gate:    g,
		limit:   limit,
	}}
}

// withGate returns a copy of the error carrying a back-reference to g. The
// storage layer constructs these errors without knowing about *Gate; Update
// rewraps them with the back-reference before returning to the caller.
func (e *FrameLimitError) withGate(g *Gate) error {
	c := *e
	c.gate = g
	return &c
}

func (e *GateLimitError) withGate(g *Gate) error {
	c := *e
	c.gate = g
	return &c
}

func (e *FrameOverflowError) withGate(g *Gate) error {
	c := *e
	c.gate = g
	return &c
}

func (e *GateOverflowError) withGate(g *Gate) error {
	c := *e
	c.gate = g
	return &c
}

// attachGate rewraps known throttling/overflow errors with a back-reference
// to g, leaving any other error untouched.
func attachGate(err error, g *Gate) error {
	switch e := err.(type) {
	case *FrameLimitError:
		return e.withGate(g)
	case *GateLimitError:
		return e.withGate(g)
	case *FrameOverflowError:
		return e.withGate(g)
	case *GateOverflowError:
		return e.withGate(g)
	default:
		return err
	}
}

type overflowBase struct {
	message string
	gate    *Gate
}

func (e *overflowBase) Error() string { return e.message }
func (e *overflowBase) Gate() *Gate   { return e.gate }
func (*overflowBase) overflow()       {}

// FrameOverflowError reports that a negative update would drive a frame's
// value below zero.
type FrameOverflowError struct{ overflowBase }

func newFrameOverflowError(g *Gate) *FrameOverflowError {
	return &FrameOverflowError{overflowBase{message: "gate: frame overflow: value must be >= 0", gate: g}}
}

// GateOverflowError reports that a negative update would drive the window
// sum below zero.
type GateOverflowError struct{ overflowBase }

func newGateOverflowError(g *Gate) *GateOverflowError {
	return &GateOverflowError{overflowBase{message: "gate: gate overflow: value must be >= 0", gate: g}}
}

// BackendError reports a storage backend failure: a connection problem, or
// a server-side script error that doesn't match the known taxonomy tokens.
type BackendError struct {
	Message string
	Cause   error
}

func (e *BackendError) Error() string {
	if e.Cause != nil {
		return "gate: backend: " + e.Message + ": " + e.Cause.Error()
	}
	return "gate: backend: " + e.Message
}

func (e *BackendError) Unwrap() error { return e.Cause }

func newBackendError(cause error, format string, args ...any) *BackendError {
	return &BackendError{Message: fmt.Sprintf(format, args...), Cause: cause}
}

var (
	_ ThrottlingError = (*FrameLimitError)(nil)
	_ ThrottlingError = (*GateLimitError)(nil)
	_ OverflowError   = (*FrameOverflowError)(nil)
	_ OverflowError   = (*GateOverflowError)(nil)
)
