package cryptosocket_test

import (
	"testing"

	"github.com/brickingsoft/errors"

	"github.com/brickingsoft/cryptosocket"
	"github.com/brickingsoft/cryptosocket/internal/mockengine"
)

// memSocket is a minimal non-blocking Socket double: Read returns
// (0, nil) once its canned bytes run out or blocking is requested by the
// test, and Write records everything unless blockWrite is set.
type memSocket struct {
	readBuf    []byte
	writeBuf   []byte
	blockWrite bool
}

func (s *memSocket) Read(p []byte) (int, error) {
	if len(s.readBuf) == 0 {
		return 0, nil
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *memSocket) Write(p []byte) (int, error) {
	if s.blockWrite {
		return 0, nil
	}
	s.writeBuf = append(s.writeBuf, p...)
	return len(p), nil
}

func testSession() cryptosocket.SessionParameters {
	return cryptosocket.SessionParameters{ApplicationBufferSize: 4096, PacketBufferSize: 4096}
}

// TestHandshake_CompletesThroughTaskAndWrite reproduces spec.md §8
// scenario 1 exactly: a client handshake scripted NEED_WRAP →
// NEED_UNWRAP → NEED_TASK → NEED_WRAP → NOT_HANDSHAKING must yield the
// result sequence NEED_WRITE, NEED_READ, NEED_WORK, NEED_WRITE, DONE.
// The driver never performs more than one socket syscall per call: the
// first Handshake call produces the whole first flight in memory (the
// wrap step's 10 bytes) and returns NEED_WRITE without touching the
// socket at all, deferring that write to the next call's entry action.
func TestHandshake_CompletesThroughTaskAndWrite(t *testing.T) {
	sock := &memSocket{readBuf: make([]byte, 20)}
	engine := mockengine.New(true, testSession(), []mockengine.Step{
		{Kind: mockengine.StepWrap, Produced: 10},
		{Kind: mockengine.StepUnwrap, Consumed: 20},
		{Kind: mockengine.StepTask},
		{Kind: mockengine.StepWrap, Produced: 5},
	})

	cs, err := cryptosocket.NewClient(sock, cryptosocket.Config{Engine: engine})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	result, err := cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.NeedWrite {
		t.Fatalf("expected NEED_WRITE once the first flight is staged, got %v", result)
	}
	if len(sock.writeBuf) != 0 {
		t.Fatalf("expected no bytes written yet, got %d", len(sock.writeBuf))
	}

	result, err = cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.NeedRead {
		t.Fatalf("expected NEED_READ after this call flushes the first flight, got %v", result)
	}
	if len(sock.writeBuf) != 10 {
		t.Fatalf("expected the 10-byte flight to have been flushed, got %d bytes", len(sock.writeBuf))
	}

	result, err = cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.NeedWork {
		t.Fatalf("expected NEED_WORK once this call reads and unwraps the peer's data, got %v", result)
	}

	result, err = cs.DoHandshakeWork()
	if err != nil {
		t.Fatalf("DoHandshakeWork: %v", err)
	}
	if result != cryptosocket.NeedWrite {
		t.Fatalf("expected NEED_WRITE once the task runs and the final flight is staged, got %v", result)
	}
	if _, ok := cs.SecurityContext(); ok {
		t.Fatal("handshake must not be considered complete while the final flight is unflushed")
	}

	result, err = cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.Done {
		t.Fatalf("expected DONE once this call flushes the final flight, got %v", result)
	}

	if len(sock.writeBuf) != 15 {
		t.Fatalf("expected 15 bytes written to the socket (10 + 5), got %d", len(sock.writeBuf))
	}
	if _, ok := cs.SecurityContext(); !ok {
		t.Fatal("expected a security context once the handshake is done")
	}
}

func TestHandshake_NeedReadWhenSocketHasNothing(t *testing.T) {
	sock := &memSocket{}
	engine := mockengine.New(true, testSession(), []mockengine.Step{
		{Kind: mockengine.StepUnwrap, Consumed: 10},
	})
	cs, err := cryptosocket.NewClient(sock, cryptosocket.Config{Engine: engine})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	result, err := cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.NeedRead {
		t.Fatalf("expected NEED_READ with an empty socket, got %v", result)
	}
}

func TestHandshake_NeedWriteWhenSocketBlocks(t *testing.T) {
	sock := &memSocket{blockWrite: true}
	engine := mockengine.New(true, testSession(), []mockengine.Step{
		{Kind: mockengine.StepWrap, Produced: 128},
	})
	cs, err := cryptosocket.NewClient(sock, cryptosocket.Config{Engine: engine})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	result, err := cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.NeedWrite {
		t.Fatalf("expected NEED_WRITE when the socket refuses writes, got %v", result)
	}
}

func TestHandshake_TrailingFlushBeforeCompletion(t *testing.T) {
	sock := &memSocket{blockWrite: true}
	engine := mockengine.New(true, testSession(), []mockengine.Step{
		{Kind: mockengine.StepWrap, Produced: 16},
	})
	cs, err := cryptosocket.NewClient(sock, cryptosocket.Config{Engine: engine})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	result, err := cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.NeedWrite {
		t.Fatalf("expected NEED_WRITE while the final flight is stuck unflushed, got %v", result)
	}
	if _, ok := cs.SecurityContext(); ok {
		t.Fatal("handshake must not be considered complete while wrapBuf still holds unflushed bytes")
	}

	sock.blockWrite = false
	result, err = cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.Done {
		t.Fatalf("expected DONE once the trailing flight finally flushes, got %v", result)
	}
	if len(sock.writeBuf) != 16 {
		t.Fatalf("expected the full 16-byte flight to reach the socket, got %d", len(sock.writeBuf))
	}
}

func TestHandshake_PendingWriteTakesPriorityOverUnwrap(t *testing.T) {
	sock := &memSocket{blockWrite: true, readBuf: make([]byte, 20)}
	engine := mockengine.New(true, testSession(), []mockengine.Step{
		{Kind: mockengine.StepWrap, Produced: 10},
		{Kind: mockengine.StepUnwrap, Consumed: 20},
	})
	cs, err := cryptosocket.NewClient(sock, cryptosocket.Config{Engine: engine})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	// The wrap step's record can't be flushed (blockWrite); the driver
	// must report NEED_WRITE rather than moving on to read the data
	// already sitting in the socket, or it would deadlock a peer waiting
	// on the bytes we haven't sent yet.
	result, err := cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.NeedWrite {
		t.Fatalf("expected NEED_WRITE with a pending flush and staged read data, got %v", result)
	}
	if len(sock.readBuf) != 20 {
		t.Fatal("expected the driver not to touch the socket's read side while a write is pending")
	}
}

func TestHandshake_UnexpectedDataDuringUnwrapFails(t *testing.T) {
	sock := &memSocket{readBuf: make([]byte, 5)}
	engine := mockengine.New(true, testSession(), []mockengine.Step{
		{Kind: mockengine.StepUnwrap, Consumed: 5, UnwrapProduced: 1},
	})
	cs, err := cryptosocket.NewClient(sock, cryptosocket.Config{Engine: engine})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	result, err := cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.NeedRead {
		t.Fatalf("expected NEED_READ before any data has been read off the socket, got %v", result)
	}

	if _, err := cs.Handshake(); err == nil {
		t.Fatal("expected an error when the engine yields application data mid-handshake")
	}
}

func TestHandshake_UnknownEngineStateIsAnInvariantViolation(t *testing.T) {
	cs, err := cryptosocket.NewClient(&memSocket{}, cryptosocket.Config{Engine: &invalidStateEngine{}})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := cs.Handshake(); err == nil {
		t.Fatal("expected an error for a HandshakeStatus outside the known enum")
	}
}

// invalidStateEngine reports a HandshakeStatus value outside the
// documented enum, exercising the driver's fallback for a misbehaving
// TlsEngine implementation.
type invalidStateEngine struct{}

func (e *invalidStateEngine) BeginHandshake() error { return nil }
func (e *invalidStateEngine) Wrap(src, dst []byte) (cryptosocket.OpResult, error) {
	return cryptosocket.OpResult{}, nil
}
func (e *invalidStateEngine) Unwrap(src, dst []byte) (cryptosocket.OpResult, error) {
	return cryptosocket.OpResult{}, nil
}
func (e *invalidStateEngine) HandshakeState() cryptosocket.HandshakeStatus { return 99 }
func (e *invalidStateEngine) DelegatedTask() cryptosocket.Task             { return nil }
func (e *invalidStateEngine) Session() cryptosocket.SessionParameters      { return testSession() }
func (e *invalidStateEngine) DisableSessionCreation()                      {}
func (e *invalidStateEngine) IsClient() bool                               { return true }
func (e *invalidStateEngine) AuthorizationVerdict() (cryptosocket.AuthorizationVerdict, bool) {
	return cryptosocket.AuthorizationVerdict{}, false
}

// closedDuringWrapEngine and closedDuringUnwrapEngine each report
// STATUS_CLOSED from the operation named, exercising the driver's
// handling of an engine that shuts down mid-handshake.
type closedDuringWrapEngine struct{ invalidStateEngine }

func (e *closedDuringWrapEngine) HandshakeState() cryptosocket.HandshakeStatus {
	return cryptosocket.NeedWrap
}
func (e *closedDuringWrapEngine) Wrap(src, dst []byte) (cryptosocket.OpResult, error) {
	return cryptosocket.OpResult{Status: cryptosocket.StatusClosed}, nil
}

type closedDuringUnwrapEngine struct{ invalidStateEngine }

func (e *closedDuringUnwrapEngine) HandshakeState() cryptosocket.HandshakeStatus {
	return cryptosocket.NeedUnwrap
}
func (e *closedDuringUnwrapEngine) Unwrap(src, dst []byte) (cryptosocket.OpResult, error) {
	return cryptosocket.OpResult{Status: cryptosocket.StatusClosed}, nil
}

func TestHandshake_ClosedDuringWrapFails(t *testing.T) {
	cs, err := cryptosocket.NewClient(&memSocket{}, cryptosocket.Config{Engine: &closedDuringWrapEngine{}})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := cs.Handshake(); !errors.Is(err, cryptosocket.ErrClosedChannel) {
		t.Fatalf("expected ErrClosedChannel for a CLOSED wrap result, got %v", err)
	}
}

func TestHandshake_ClosedDuringUnwrapFails(t *testing.T) {
	sock := &memSocket{readBuf: []byte("x")}
	cs, err := cryptosocket.NewClient(sock, cryptosocket.Config{Engine: &closedDuringUnwrapEngine{}})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	result, err := cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.NeedRead {
		t.Fatalf("expected NEED_READ before any data has been read off the socket, got %v", result)
	}

	if _, err := cs.Handshake(); !errors.Is(err, cryptosocket.ErrClosedChannel) {
		t.Fatalf("expected ErrClosedChannel for a CLOSED unwrap result, got %v", err)
	}
}

// TestHandshake_AuthorizationRejectionAccounting exercises spec.md §8's
// authorization-accounting property: a rejected peer verdict increments
// peer_authorization_failures exactly once, and the delegated task's own
// failure — since it stems from that same rejection — must not also be
// counted as a certificate-verification failure.
func TestHandshake_AuthorizationRejectionAccounting(t *testing.T) {
	sock := &memSocket{}
	metrics := &cryptosocket.Metrics{}
	rejection := errors.Define("mockengine: peer rejected by trust manager")
	engine := mockengine.New(true, testSession(), []mockengine.Step{
		{
			Kind:    mockengine.StepTask,
			TaskErr: rejection,
			Verdict: &cryptosocket.AuthorizationVerdict{Succeeded: false, Details: "untrusted peer"},
		},
	})
	cs, err := cryptosocket.NewClient(sock, cryptosocket.Config{Engine: engine, Metrics: metrics})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	result, err := cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.NeedWork {
		t.Fatalf("expected NEED_WORK once the rejected verdict is captured, got %v", result)
	}
	if got := metrics.PeerAuthorizationFailures(); got != 1 {
		t.Fatalf("expected the verdict capture to count one peer authorization failure, got %d", got)
	}

	if _, err := cs.DoHandshakeWork(); !errors.Is(err, cryptosocket.ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed once the task fails, got %v", err)
	}
	if got := metrics.PeerAuthorizationFailures(); got != 1 {
		t.Fatalf("expected exactly one peer authorization failure, got %d", got)
	}
	if got := metrics.TLSCertificateVerificationFailures(); got != 0 {
		t.Fatalf("expected the rejection-caused task failure not to double-count as a certificate verification failure, got %d", got)
	}
}

func TestHandshake_OverflowThenRetrySucceeds(t *testing.T) {
	sock := &memSocket{}
	engine := mockengine.New(false, testSession(), []mockengine.Step{
		{Kind: mockengine.StepWrap, Produced: 32, OverflowFirst: true},
	})
	cs, err := cryptosocket.NewServer(sock, cryptosocket.Config{
		Engine:           engine,
		EnabledProtocols: nil,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	// The first call sees BUFFER_OVERFLOW and returns NEED_WRITE to defer
	// the retry to the next call, per spec.md §4.3's overflow handling;
	// no bytes are staged yet.
	result, err := cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.NeedWrite {
		t.Fatalf("expected NEED_WRITE to defer the overflow retry, got %v", result)
	}
	if len(sock.writeBuf) != 0 {
		t.Fatalf("expected nothing written yet, got %d bytes", len(sock.writeBuf))
	}

	// The retry succeeds and produces the 32-byte record, but the
	// handshake isn't complete until that record is actually flushed.
	result, err = cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.NeedWrite {
		t.Fatalf("expected NEED_WRITE once the retried wrap succeeds, got %v", result)
	}

	result, err = cs.Handshake()
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != cryptosocket.Done {
		t.Fatalf("expected the handshake to finish once the record is flushed, got %v", result)
	}
	if len(sock.writeBuf) != 32 {
		t.Fatalf("expected the 32-byte record despite the simulated overflow, got %d bytes", len(sock.writeBuf))
	}
}
