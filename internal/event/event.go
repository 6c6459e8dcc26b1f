// Package event defines the normalized event model shared by every Cerberus
// worker: the CerberusEvent variants produced by the ring-buffer reader, the
// container metadata attached to each of them, and the engine output events
// (matches, correlations, response requests) consumed by the sinks.
//
// The variants form a closed tagged sum: each concrete type embeds its typed
// fields plus a ContainerMeta, and implements the unexported marker method so
// that no type outside this package can masquerade as a CerberusEvent.
package event

import "fmt"

// Kind discriminates the CerberusEvent variants. It is the key of the rule
// index: a rule applies to a kind only if every condition field it references
// is defined for that kind.
type Kind uint8

const (
	KindGeneric Kind = iota
	KindInetSock
	KindSocket
	KindModule
	KindBprm
	KindBpfProgLoad
)

// Kinds lists every event kind. The rule index iterates this when deciding
// which kinds a rule applies to.
var Kinds = [...]Kind{KindGeneric, KindInetSock, KindSocket, KindModule, KindBprm, KindBpfProgLoad}

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindInetSock:
		return "inet_sock"
	case KindSocket:
		return "socket"
	case KindModule:
		return "module"
	case KindBprm:
		return "bprm"
	case KindBpfProgLoad:
		return "bpf_prog_load"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ContainerRuntime classifies the runtime that owns a container, derived from
// the cgroup path the task runs under.
type ContainerRuntime uint8

const (
	RuntimeUnknown ContainerRuntime = iota
	RuntimeDocker
	RuntimeContainerd
	RuntimeCrio
	RuntimeKubernetes
)

func (r ContainerRuntime) String() string {
	switch r {
	case RuntimeDocker:
		return "docker"
	case RuntimeContainerd:
		return "containerd"
	case RuntimeCrio:
		return "cri-o"
	case RuntimeKubernetes:
		return "kubernetes"
	default:
		return "unknown"
	}
}

// ContainerInfo describes the container a task belongs to. It is resolved
// lazily from the task's cgroup id and cached; Image, Pod, and Namespace are
// filled only when CRI metadata is available.
type ContainerInfo struct {
	CgroupID    uint64
	ContainerID string
	Image       string
	Pod         string
	Namespace   string
	Runtime     ContainerRuntime
}

// ContainerMeta ties an event to the cgroup it was emitted from. Container is
// nil until (and unless) the container resolver enriches the event; a lookup
// miss leaves it nil and never fails the pipeline.
type ContainerMeta struct {
	CgroupID  uint64
	MntNS     uint32
	Container *ContainerInfo
}

// EventMeta is the process identity attached to engine output events. Events
// without a task context (InetSock, Socket) carry zero values.
type EventMeta struct {
	UID  uint32
	PID  uint32
	Comm string
}

// CerberusEvent is the normalized event flowing from the ring-buffer reader
// through the optional container resolver into the rule engine.
type CerberusEvent interface {
	// Kind reports which variant this event is.
	Kind() Kind
	// Meta returns the mutable container metadata so the resolver can
	// enrich the event in place.
	Meta() *ContainerMeta
	// ProcMeta returns the process identity used in engine output events.
	ProcMeta() EventMeta

	cerberusEvent()
}

// Generic carries events whose payload is a bare task identity plus a
// type-specific meta word: KILL (meta=signal), COMMIT_CREDS, PTRACE_ENTER.
type Generic struct {
	// Name is the display name of the originating probe, e.g. "KILL".
	Name string
	Comm string
	UID  uint32
	PID  uint32
	TGID uint32
	// MetaWord is probe-specific: signal number for KILL, ptrace request
	// for PTRACE_ENTER, zero otherwise.
	MetaWord uint32

	Container ContainerMeta
}

// Module reports a kernel module load observed at do_init_module.
type Module struct {
	Comm       string
	ModuleName string
	UID        uint32
	PID        uint32
	TGID       uint32

	Container ContainerMeta
}

// Bprm reports a program execution observed at the bprm_check_security LSM
// hook.
type Bprm struct {
	Comm     string
	Filepath string
	UID      uint32
	PID      uint32
	TGID     uint32

	Container ContainerMeta
}

// InetSock reports a TCP state transition from the sock/inet_sock_set_state
// tracepoint. States and protocol are pre-rendered to their kernel names
// ("TCP_ESTABLISHED", "TCP", ...).
type InetSock struct {
	OldState string
	NewState string
	Protocol string
	SPort    uint16
	DPort    uint16
	SAddr    uint32
	DAddr    uint32

	Container ContainerMeta
}

// Socket reports a socket_connect LSM observation.
type Socket struct {
	Addr   uint32
	Port   uint16
	Family uint16
	Op     uint16

	Container ContainerMeta
}

// BpfProgLoad reports a BPF program load observed at the bpf_prog_load LSM
// hook.
type BpfProgLoad struct {
	Comm       string
	UID        uint32
	PID        uint32
	TGID       uint32
	Tag        string
	ProgType   uint32
	AttachType uint32
	Flags      uint32

	Container ContainerMeta
}

func (*Generic) Kind() Kind     { return KindGeneric }
func (*Module) Kind() Kind      { return KindModule }
func (*Bprm) Kind() Kind        { return KindBprm }
func (*InetSock) Kind() Kind    { return KindInetSock }
func (*Socket) Kind() Kind      { return KindSocket }
func (*BpfProgLoad) Kind() Kind { return KindBpfProgLoad }

func (e *Generic) Meta() *ContainerMeta     { return &e.Container }
func (e *Module) Meta() *ContainerMeta      { return &e.Container }
func (e *Bprm) Meta() *ContainerMeta        { return &e.Container }
func (e *InetSock) Meta() *ContainerMeta    { return &e.Container }
func (e *Socket) Meta() *ContainerMeta      { return &e.Container }
func (e *BpfProgLoad) Meta() *ContainerMeta { return &e.Container }

func (e *Generic) ProcMeta() EventMeta { return EventMeta{UID: e.UID, PID: e.PID, Comm: e.Comm} }
func (e *Module) ProcMeta() EventMeta  { return EventMeta{UID: e.UID, PID: e.PID, Comm: e.Comm} }
func (e *Bprm) ProcMeta() EventMeta    { return EventMeta{UID: e.UID, PID: e.PID, Comm: e.Comm} }
func (e *InetSock) ProcMeta() EventMeta { return EventMeta{} }
func (e *Socket) ProcMeta() EventMeta   { return EventMeta{} }
func (e *BpfProgLoad) ProcMeta() EventMeta {
	return EventMeta{UID: e.UID, PID: e.PID, Comm: e.Comm}
}

func (*Generic) cerberusEvent()     {}
func (*Module) cerberusEvent()      {}
func (*Bprm) cerberusEvent()        {}
func (*InetSock) cerberusEvent()    {}
func (*Socket) cerberusEvent()      {}
func (*BpfProgLoad) cerberusEvent() {}

// IPv4String renders an IPv4 address from the wire representation used by
// InetSock and Socket events: network byte order, so the lowest byte of the
// value is the first octet (0x0100007f is 127.0.0.1).
func IPv4String(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip), byte(ip>>8), byte(ip>>16), byte(ip>>24))
}
