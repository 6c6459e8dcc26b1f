package ebpf

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/cilium/ebpf/ringbuf"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/CTFcrozone/Cerberus/internal/event"
)

// recordSource is the ring-buffer surface the Reader consumes. It is
// satisfied by *ringbuf.Reader; tests substitute an in-memory source.
type recordSource interface {
	Read() (ringbuf.Record, error)
	Close() error
}

// Reader is the ring-buffer reader worker. It drains records from the kernel
// ring, decodes them, normalizes them into CerberusEvents, and emits them on
// its outbound channel.
//
// Decode failures are counted and skipped; the loop never aborts on record
// content. Backpressure is absorbed by the bounded outbound channel — the
// reader blocks on send, and the kernel drops at the ring boundary if it
// overruns meanwhile.
type Reader struct {
	ring   recordSource
	out    chan<- event.CerberusEvent
	logger *slog.Logger

	norm    *normalizer
	decoded atomic.Uint64
	dropped atomic.Uint64
}

// NewReader creates a Reader draining ring into out. If logger is nil,
// slog.Default() is used.
func NewReader(ring recordSource, out chan<- event.CerberusEvent, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		ring:   ring,
		out:    out,
		logger: logger,
		norm:   newNormalizer(),
	}
}

// Decoded reports how many records were successfully decoded and emitted.
func (r *Reader) Decoded() uint64 { return r.decoded.Load() }

// Dropped reports how many records were dropped due to decode failures.
func (r *Reader) Dropped() uint64 { return r.dropped.Load() }

// Run consumes the ring until ctx is cancelled or the ring closes. It always
// returns nil on orderly shutdown; records still in the ring are left there.
func (r *Reader) Run(ctx context.Context) error {
	// Read blocks in epoll_wait; closing the ring is the only way to
	// interrupt it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.ring.Close()
		case <-done:
		}
	}()

	for {
		rec, err := r.ring.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		evt, err := Decode(rec.RawSample)
		if err != nil {
			r.dropped.Add(1)
			r.logger.Debug("dropping undecodable ring record",
				slog.Int("size", len(rec.RawSample)),
				slog.Any("error", err),
			)
			continue
		}

		out := r.norm.normalize(evt)
		select {
		case r.out <- out:
			r.decoded.Add(1)
		case <-ctx.Done():
			return nil
		}
	}
}

// ─── Normalization ────────────────────────────────────────────────────────────

// normalizer converts decoded wire records into owned CerberusEvents. Hot
// strings (comm, module names, file paths) are deduplicated through a small
// LRU so repeated events share backing storage.
type normalizer struct {
	interned *lru.Cache[string, string]
}

func newNormalizer() *normalizer {
	// Cannot fail for a positive size.
	cache, _ := lru.New[string, string](4096)
	return &normalizer{interned: cache}
}

// intern returns a previously seen copy of the string content of b, or
// stores and returns a fresh copy. b is trimmed at the first NUL.
func (n *normalizer) intern(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	if s, ok := n.interned.Get(string(b)); ok {
		return s
	}
	s := string(b)
	n.interned.Add(s, s)
	return s
}

// normalize copies a decoded wire record into an owned CerberusEvent. The
// wire record aliases ring memory and must not escape this call.
func (n *normalizer) normalize(evt EbpfEvent) event.CerberusEvent {
	switch e := evt.(type) {
	case *GenericEvent:
		return &event.Generic{
			Name:     eventTypeName(e.Header.EventType),
			Comm:     n.intern(e.Comm[:]),
			UID:      e.UID,
			PID:      e.PID,
			TGID:     e.TGID,
			MetaWord: e.Meta,
			Container: event.ContainerMeta{
				CgroupID: e.Header.CgroupID,
				MntNS:    e.Header.MntNS,
			},
		}
	case *ModuleInitEvent:
		return &event.Module{
			Comm:       n.intern(e.Comm[:]),
			ModuleName: n.intern(e.ModuleName[:]),
			UID:        e.UID,
			PID:        e.PID,
			TGID:       e.TGID,
			Container: event.ContainerMeta{
				CgroupID: e.Header.CgroupID,
				MntNS:    e.Header.MntNS,
			},
		}
	case *BprmSecurityCheckEvent:
		return &event.Bprm{
			Comm:     n.intern(e.Comm[:]),
			Filepath: n.intern(e.Filepath[:]),
			UID:      e.UID,
			PID:      e.PID,
			TGID:     e.TGID,
			Container: event.ContainerMeta{
				CgroupID: e.Header.CgroupID,
				MntNS:    e.Header.MntNS,
			},
		}
	case *InetSockSetStateEvent:
		return &event.InetSock{
			OldState: tcpStateName(e.OldState),
			NewState: tcpStateName(e.NewState),
			Protocol: protocolName(e.Protocol),
			SPort:    e.SPort,
			DPort:    e.DPort,
			SAddr:    e.SAddr,
			DAddr:    e.DAddr,
			Container: event.ContainerMeta{
				CgroupID: e.Header.CgroupID,
				MntNS:    e.Header.MntNS,
			},
		}
	case *SocketEvent:
		return &event.Socket{
			Addr:   e.Addr,
			Port:   e.Port,
			Family: e.Family,
			Op:     e.Op,
			Container: event.ContainerMeta{
				CgroupID: e.Header.CgroupID,
				MntNS:    e.Header.MntNS,
			},
		}
	case *BpfProgLoadEvent:
		return &event.BpfProgLoad{
			Comm:       n.intern(e.Comm[:]),
			UID:        e.UID,
			PID:        e.PID,
			TGID:       e.TGID,
			Tag:        hex.EncodeToString(e.Tag[:]),
			ProgType:   e.ProgType,
			AttachType: e.AttachType,
			Flags:      e.Flags,
			Container: event.ContainerMeta{
				CgroupID: e.Header.CgroupID,
				MntNS:    e.Header.MntNS,
			},
		}
	default:
		// Decode never yields a variant outside the schema.
		panic("ebpf: unreachable event variant")
	}
}

// ─── Display tables ───────────────────────────────────────────────────────────

// eventTypeName maps a wire discriminant to the display name rules match on
// via the "name" field.
func eventTypeName(t uint8) string {
	switch t {
	case EventTypeKill:
		return "KILL"
	case EventTypeSocket:
		return "SOCKET"
	case EventTypeCommitCreds:
		return "COMMIT_CREDS"
	case EventTypeModuleInit:
		return "MODULE_INIT"
	case EventTypeInetSockSetState:
		return "INET_SOCK_SET_STATE"
	case EventTypePtraceEnter:
		return "PTRACE_ENTER"
	case EventTypeBprmCheck:
		return "BPRM_CHECK"
	case EventTypeBpfProgLoad:
		return "BPF_PROG_LOAD"
	default:
		return "UNKNOWN"
	}
}

// tcpStateName renders the TCP_* state names from
// include/net/tcp_states.h.
func tcpStateName(state int32) string {
	switch state {
	case 1:
		return "TCP_ESTABLISHED"
	case 2:
		return "TCP_SYN_SENT"
	case 3:
		return "TCP_SYN_RECV"
	case 4:
		return "TCP_FIN_WAIT1"
	case 5:
		return "TCP_FIN_WAIT2"
	case 6:
		return "TCP_TIME_WAIT"
	case 7:
		return "TCP_CLOSE"
	case 8:
		return "TCP_CLOSE_WAIT"
	case 9:
		return "TCP_LAST_ACK"
	case 10:
		return "TCP_LISTEN"
	case 11:
		return "TCP_CLOSING"
	default:
		return "UNKNOWN"
	}
}

// protocolName renders IPPROTO_* numbers for the protocols the tracepoint
// reports.
func protocolName(proto uint16) string {
	switch proto {
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	default:
		return "UNKNOWN"
	}
}
