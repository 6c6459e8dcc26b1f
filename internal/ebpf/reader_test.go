package ebpf

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/CTFcrozone/Cerberus/internal/event"
)

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError + 10, // suppress all output
	}))
}

// fakeRing replays queued samples, then blocks until Close, mimicking the
// kernel ring buffer's readiness behavior.
type fakeRing struct {
	mu      sync.Mutex
	samples [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeRing(samples ...[]byte) *fakeRing {
	return &fakeRing{samples: samples, closed: make(chan struct{})}
}

func (f *fakeRing) Read() (ringbuf.Record, error) {
	f.mu.Lock()
	if len(f.samples) > 0 {
		s := f.samples[0]
		f.samples = f.samples[1:]
		f.mu.Unlock()
		return ringbuf.Record{RawSample: s}, nil
	}
	f.mu.Unlock()

	<-f.closed
	return ringbuf.Record{}, ringbuf.ErrClosed
}

func (f *fakeRing) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func receiveEvent(t *testing.T, ch <-chan event.CerberusEvent) event.CerberusEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("no event received within 2s")
		return nil
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestReader_NormalizesKill verifies the end of the transport path: a raw
// KILL record becomes a Generic event with the display name, trimmed comm,
// and container meta filled from the header.
func TestReader_NormalizesKill(t *testing.T) {
	rec := GenericEvent{Header: header(EventTypeKill), PID: 4242, UID: 1000, TGID: 4242, Meta: 9}
	copy(rec.Comm[:], "bash\x00\x00")

	ring := newFakeRing(recordBytes(&rec))
	out := make(chan event.CerberusEvent, 1)
	r := NewReader(ring, out, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	evt := receiveEvent(t, out)
	g, ok := evt.(*event.Generic)
	if !ok {
		t.Fatalf("event type %T, want *event.Generic", evt)
	}
	if g.Name != "KILL" {
		t.Errorf("Name = %q, want KILL", g.Name)
	}
	if g.Comm != "bash" {
		t.Errorf("Comm = %q, want bash (NUL-trimmed)", g.Comm)
	}
	if g.PID != 4242 || g.UID != 1000 || g.MetaWord != 9 {
		t.Errorf("identity fields wrong: %+v", g)
	}
	if g.Container.CgroupID != 7777 {
		t.Errorf("CgroupID = %d, want 7777", g.Container.CgroupID)
	}
	if got := r.Decoded(); got != 1 {
		t.Errorf("Decoded() = %d, want 1", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestReader_DropsUnknownType verifies that an unknown discriminant is
// counted and skipped while the loop keeps draining (end-to-end scenario:
// decode rejects unknown type).
func TestReader_DropsUnknownType(t *testing.T) {
	bad := GenericEvent{Header: header(99)}
	good := GenericEvent{Header: header(EventTypeCommitCreds), PID: 1}
	copy(good.Comm[:], "sudo")

	ring := newFakeRing(recordBytes(&bad), recordBytes(&good))
	out := make(chan event.CerberusEvent, 2)
	r := NewReader(ring, out, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	evt := receiveEvent(t, out)
	g, ok := evt.(*event.Generic)
	if !ok || g.Name != "COMMIT_CREDS" {
		t.Fatalf("got %#v, want COMMIT_CREDS generic event", evt)
	}
	if got := r.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

// TestReader_TruncatedRecordDropped verifies that a record shorter than its
// declared type increments the dropped counter.
func TestReader_TruncatedRecordDropped(t *testing.T) {
	rec := GenericEvent{Header: header(EventTypeKill)}
	full := recordBytes(&rec)

	ring := newFakeRing(full[:genericSize-8])
	out := make(chan event.CerberusEvent, 1)
	r := NewReader(ring, out, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Give the loop a moment to process, then stop it.
	deadline := time.Now().Add(2 * time.Second)
	for r.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
	cancel()
	<-done
}

// TestReader_CancelInterruptsRead verifies that cancellation closes the
// ring and Run returns promptly even with no traffic.
func TestReader_CancelInterruptsRead(t *testing.T) {
	ring := newFakeRing()
	out := make(chan event.CerberusEvent)
	r := NewReader(ring, out, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within 2s of cancellation")
	}
}

// TestNormalizer_AllVariants drives every wire type through normalization.
func TestNormalizer_AllVariants(t *testing.T) {
	n := newNormalizer()

	mod := ModuleInitEvent{Header: header(EventTypeModuleInit), PID: 7}
	copy(mod.Comm[:], "insmod")
	copy(mod.ModuleName[:], "evil")
	if got := n.normalize(&mod).(*event.Module); got.ModuleName != "evil" {
		t.Errorf("ModuleName = %q, want evil", got.ModuleName)
	}

	bprm := BprmSecurityCheckEvent{Header: header(EventTypeBprmCheck)}
	copy(bprm.Filepath[:], "/usr/bin/id")
	if got := n.normalize(&bprm).(*event.Bprm); got.Filepath != "/usr/bin/id" {
		t.Errorf("Filepath = %q", got.Filepath)
	}

	inet := InetSockSetStateEvent{Header: header(EventTypeInetSockSetState), OldState: 2, NewState: 1, Protocol: 6}
	is := n.normalize(&inet).(*event.InetSock)
	if is.OldState != "TCP_SYN_SENT" || is.NewState != "TCP_ESTABLISHED" || is.Protocol != "TCP" {
		t.Errorf("inet sock rendering wrong: %+v", is)
	}

	sock := SocketEvent{Header: header(EventTypeSocket), Port: 443, Family: 2}
	if got := n.normalize(&sock).(*event.Socket); got.Port != 443 {
		t.Errorf("Port = %d", got.Port)
	}

	bpf := BpfProgLoadEvent{Header: header(EventTypeBpfProgLoad), Tag: [BpfTagLen]byte{0xde, 0xad}}
	if got := n.normalize(&bpf).(*event.BpfProgLoad); got.Tag != "dead000000000000" {
		t.Errorf("Tag = %q, want dead000000000000", got.Tag)
	}
}

// TestNormalizer_InternsComm verifies repeated comm values share storage
// through the intern cache.
func TestNormalizer_InternsComm(t *testing.T) {
	n := newNormalizer()
	a := n.intern([]byte("bash\x00padding"))
	b := n.intern([]byte("bash\x00other"))
	if a != "bash" || b != "bash" {
		t.Fatalf("intern results = %q, %q", a, b)
	}
	if unsafe.StringData(a) != unsafe.StringData(b) {
		t.Errorf("repeated intern calls returned separate backing storage")
	}
}

// TestCommMaxLength exercises a comm occupying the whole array with no NUL:
// the full 16 bytes are kept, nothing beyond.
func TestCommMaxLength(t *testing.T) {
	rec := GenericEvent{Header: header(EventTypeKill)}
	copy(rec.Comm[:], "abcdefghijklmnop") // exactly CommLen, no NUL

	n := newNormalizer()
	g := n.normalize(&rec).(*event.Generic)
	if g.Comm != "abcdefghijklmnop" {
		t.Errorf("Comm = %q, want full 16 bytes", g.Comm)
	}
}

// --------------------------------------------------------------------------
// Display table tests
// --------------------------------------------------------------------------

func TestEventTypeNames(t *testing.T) {
	cases := map[uint8]string{
		EventTypeKill:             "KILL",
		EventTypeSocket:           "SOCKET",
		EventTypeCommitCreds:      "COMMIT_CREDS",
		EventTypeModuleInit:       "MODULE_INIT",
		EventTypeInetSockSetState: "INET_SOCK_SET_STATE",
		EventTypePtraceEnter:      "PTRACE_ENTER",
		EventTypeBprmCheck:        "BPRM_CHECK",
		EventTypeBpfProgLoad:      "BPF_PROG_LOAD",
		200:                       "UNKNOWN",
	}
	for typ, want := range cases {
		if got := eventTypeName(typ); got != want {
			t.Errorf("eventTypeName(%d) = %q, want %q", typ, got, want)
		}
	}
}

func TestTCPStateNames(t *testing.T) {
	if got := tcpStateName(1); got != "TCP_ESTABLISHED" {
		t.Errorf("state 1 = %q", got)
	}
	if got := tcpStateName(10); got != "TCP_LISTEN" {
		t.Errorf("state 10 = %q", got)
	}
	if got := tcpStateName(0); got != "UNKNOWN" {
		t.Errorf("state 0 = %q", got)
	}
}

func TestProtocolNames(t *testing.T) {
	if got := protocolName(6); got != "TCP" {
		t.Errorf("proto 6 = %q", got)
	}
	if got := protocolName(17); got != "UDP" {
		t.Errorf("proto 17 = %q", got)
	}
	if got := protocolName(1); got != "UNKNOWN" {
		t.Errorf("proto 1 = %q", got)
	}
}
