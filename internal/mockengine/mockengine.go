// Package mockengine is a scriptable fake TlsEngine used to exercise the
// handshake and data-path automaton without a real cryptographic
// handshake. A test builds a fixed sequence of Steps describing exactly
// what the driver must do next (NEED_WRAP, NEED_UNWRAP, NEED_TASK,
// finally NotHandshaking) and this engine enforces that the driver calls
// Wrap/Unwrap in that order, panicking on a Wrap or Unwrap call the
// current step didn't expect. DelegatedTask does not panic: outside a
// task step it returns nil.
package mockengine

import (
	"bytes"
	"fmt"

	"github.com/brickingsoft/cryptosocket"
)

// StepKind identifies what the driver is expected to do at a given
// point in the script.
type StepKind int

const (
	StepWrap StepKind = iota
	StepUnwrap
	StepTask
)

// Step describes one point in a scripted handshake.
type Step struct {
	Kind StepKind

	// Produced is how many bytes Wrap writes to dst once accepted.
	Produced int
	// Consumed is how many bytes Unwrap must see available in src before
	// it accepts; fewer than this yields BUFFER_UNDERFLOW without
	// advancing the script.
	Consumed int
	// UnwrapProduced is how many bytes a StepUnwrap writes to dst once
	// accepted. A handshake unwrap is expected to produce none; set this
	// to script an engine that misbehaves and yields application data
	// mid-handshake.
	UnwrapProduced int
	// OverflowFirst makes the first call against this step return
	// BUFFER_OVERFLOW; the same step is retried and succeeds on the next
	// call, exercising the driver's grow-and-retry path.
	OverflowFirst bool

	WrapErr   error
	UnwrapErr error
	TaskErr   error
	BeginErr  error

	// Verdict, if set, is surfaced once from AuthorizationVerdict while
	// this step is current.
	Verdict *cryptosocket.AuthorizationVerdict
}

// Engine is the scriptable fake. The zero value is not usable; build one
// with New.
type Engine struct {
	client  bool
	session cryptosocket.SessionParameters
	steps   []Step

	pos             int
	overflowed      map[int]bool
	began           bool
	verdictReported map[int]bool
	sessionCreation bool
}

// New builds an Engine that plays back steps in order. session is
// returned verbatim from Session() throughout (a real engine's sizes
// don't change mid-script for a fixed test scenario).
func New(client bool, session cryptosocket.SessionParameters, steps []Step) *Engine {
	return &Engine{
		client:          client,
		session:         session,
		steps:           steps,
		overflowed:      make(map[int]bool),
		verdictReported: make(map[int]bool),
	}
}

func (e *Engine) current() *Step {
	if e.pos >= len(e.steps) {
		return nil
	}
	return &e.steps[e.pos]
}

func (e *Engine) BeginHandshake() error {
	e.began = true
	if s := e.current(); s != nil && s.BeginErr != nil {
		return s.BeginErr
	}
	return nil
}

// HandshakeState reports NotHandshaking once every scripted step has
// been consumed, and Finished is never returned separately: a script
// that wants to model "handshake completed" simply ends, since the
// driver treats NotHandshaking and Finished identically.
func (e *Engine) HandshakeState() cryptosocket.HandshakeStatus {
	s := e.current()
	if s == nil {
		return cryptosocket.NotHandshaking
	}
	switch s.Kind {
	case StepWrap:
		return cryptosocket.NeedWrap
	case StepUnwrap:
		return cryptosocket.NeedUnwrap
	default:
		return cryptosocket.NeedTask
	}
}

// dataWrap and dataUnwrap are the transform this engine applies once its
// handshake script is exhausted: the driver treats the handshake as
// COMPLETED at that point and starts calling Wrap/Unwrap for application
// data, which a scripted handshake step can't model. A byte-identity
// copy is enough to exercise the data-path plumbing.
func (e *Engine) dataWrap(src, dst []byte) (cryptosocket.OpResult, error) {
	if len(dst) == 0 && len(src) > 0 {
		return cryptosocket.OpResult{Status: cryptosocket.StatusBufferOverflow}, nil
	}
	n := copy(dst, src)
	return cryptosocket.OpResult{Status: cryptosocket.StatusOK, BytesConsumed: n, BytesProduced: n}, nil
}

func (e *Engine) dataUnwrap(src, dst []byte) (cryptosocket.OpResult, error) {
	if len(src) == 0 {
		return cryptosocket.OpResult{Status: cryptosocket.StatusOK}, nil
	}
	if len(dst) == 0 {
		return cryptosocket.OpResult{Status: cryptosocket.StatusBufferOverflow}, nil
	}
	n := copy(dst, src)
	return cryptosocket.OpResult{Status: cryptosocket.StatusOK, BytesConsumed: n, BytesProduced: n}, nil
}

func (e *Engine) Wrap(src, dst []byte) (cryptosocket.OpResult, error) {
	s := e.current()
	if s == nil {
		return e.dataWrap(src, dst)
	}
	if s.Kind != StepWrap {
		panic(fmt.Sprintf("mockengine: unscripted Wrap call at step %d", e.pos))
	}
	if s.WrapErr != nil {
		return cryptosocket.OpResult{}, s.WrapErr
	}
	if s.OverflowFirst && !e.overflowed[e.pos] {
		e.overflowed[e.pos] = true
		return cryptosocket.OpResult{Status: cryptosocket.StatusBufferOverflow, HandshakeStatus: e.HandshakeState()}, nil
	}
	n := copy(dst, bytes.Repeat([]byte{'w'}, s.Produced))
	e.pos++
	return cryptosocket.OpResult{Status: cryptosocket.StatusOK, BytesProduced: n, HandshakeStatus: e.HandshakeState()}, nil
}

func (e *Engine) Unwrap(src, dst []byte) (cryptosocket.OpResult, error) {
	s := e.current()
	if s == nil {
		return e.dataUnwrap(src, dst)
	}
	if s.Kind != StepUnwrap {
		panic(fmt.Sprintf("mockengine: unscripted Unwrap call at step %d", e.pos))
	}
	if s.UnwrapErr != nil {
		return cryptosocket.OpResult{}, s.UnwrapErr
	}
	if len(src) < s.Consumed {
		return cryptosocket.OpResult{Status: cryptosocket.StatusBufferUnderflow, HandshakeStatus: e.HandshakeState()}, nil
	}
	if s.OverflowFirst && !e.overflowed[e.pos] {
		e.overflowed[e.pos] = true
		return cryptosocket.OpResult{Status: cryptosocket.StatusBufferOverflow, HandshakeStatus: e.HandshakeState()}, nil
	}
	n := copy(dst, bytes.Repeat([]byte{'u'}, s.UnwrapProduced))
	e.pos++
	return cryptosocket.OpResult{Status: cryptosocket.StatusOK, BytesConsumed: s.Consumed, BytesProduced: n, HandshakeStatus: e.HandshakeState()}, nil
}

type taskFunc func() error

func (f taskFunc) Run() error { return f() }

func (e *Engine) DelegatedTask() cryptosocket.Task {
	s := e.current()
	if s == nil || s.Kind != StepTask {
		return nil
	}
	pos := e.pos
	return taskFunc(func() error {
		e.pos = pos + 1
		return e.steps[pos].TaskErr
	})
}

func (e *Engine) Session() cryptosocket.SessionParameters { return e.session }

func (e *Engine) DisableSessionCreation() { e.sessionCreation = false }

func (e *Engine) IsClient() bool { return e.client }

func (e *Engine) AuthorizationVerdict() (cryptosocket.AuthorizationVerdict, bool) {
	s := e.current()
	if s == nil || s.Verdict == nil || e.verdictReported[e.pos] {
		return cryptosocket.AuthorizationVerdict{}, false
	}
	e.verdictReported[e.pos] = true
	return *s.Verdict, true
}
