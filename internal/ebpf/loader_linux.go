//go:build linux

package ebpf

import (
	"bytes"
	"fmt"
	"log/slog"

	cebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// bpfObjectBytes holds the pre-compiled eBPF program object.
//
// In a standard build this is nil and LoadProbes returns a descriptive
// error. When built with -tags bpf_embedded (after compiling
// cerberus.bpf.o), bpfobject_embed_linux.go sets this variable via
// //go:embed.
var bpfObjectBytes []byte

// eventsMapName is the ring-buffer map shared by every probe.
const eventsMapName = "EVENTS"

// attachKind states how a program in the object attaches to the kernel.
type attachKind uint8

const (
	attachLSM attachKind = iota
	attachKprobe
	attachTracepoint
)

// probeSpec describes one required program in the BPF object. Program names
// are load-time keys: a missing name is a fatal startup error.
type probeSpec struct {
	name  string
	kind  attachKind
	group string // tracepoint group, kprobe symbol
	point string // tracepoint name
}

// requiredProbes is the attach surface the object must provide.
var requiredProbes = []probeSpec{
	{name: "sys_enter_kill", kind: attachLSM},
	{name: "commit_creds", kind: attachKprobe, group: "commit_creds"},
	{name: "do_init_module", kind: attachKprobe, group: "do_init_module"},
	{name: "inet_sock_set_state", kind: attachTracepoint, group: "sock", point: "inet_sock_set_state"},
	{name: "sys_enter_ptrace", kind: attachTracepoint, group: "syscalls", point: "sys_enter_ptrace"},
	{name: "bprm_check_security", kind: attachLSM},
	{name: "socket_connect", kind: attachLSM},
	{name: "bpf_prog_load", kind: attachLSM},
}

// Probes owns the loaded BPF collection and its kernel attachments.
type Probes struct {
	coll  *cebpf.Collection
	links []link.Link
	ring  *cebpf.Map
}

// LoadProbes loads the BPF object into the kernel and attaches every
// required program. obj overrides the embedded object when non-nil.
//
// Requires CAP_BPF or CAP_SYS_ADMIN, and a kernel with BPF LSM enabled for
// the LSM programs.
func LoadProbes(obj []byte, logger *slog.Logger) (*Probes, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(obj) == 0 {
		obj = bpfObjectBytes
	}
	if len(obj) == 0 {
		return nil, fmt.Errorf("no BPF object available; build with -tags bpf_embedded or pass the object explicitly")
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock limit: %w", err)
	}

	spec, err := cebpf.LoadCollectionSpecFromReader(bytes.NewReader(obj))
	if err != nil {
		return nil, fmt.Errorf("parse BPF object: %w", err)
	}

	coll, err := cebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("load BPF collection: %w", err)
	}

	p := &Probes{coll: coll}

	ring, ok := coll.Maps[eventsMapName]
	if !ok {
		p.Close()
		return nil, fmt.Errorf("BPF object has no %q ring buffer map", eventsMapName)
	}
	p.ring = ring

	for _, ps := range requiredProbes {
		prog, ok := coll.Programs[ps.name]
		if !ok {
			p.Close()
			return nil, fmt.Errorf("BPF object has no program %q", ps.name)
		}

		var l link.Link
		switch ps.kind {
		case attachLSM:
			l, err = link.AttachLSM(link.LSMOptions{Program: prog})
		case attachKprobe:
			l, err = link.Kprobe(ps.group, prog, nil)
		case attachTracepoint:
			l, err = link.Tracepoint(ps.group, ps.point, prog, nil)
		}
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("attach %q: %w", ps.name, err)
		}
		p.links = append(p.links, l)

		logger.Debug("probe attached", slog.String("program", ps.name))
	}

	logger.Info("kernel probes loaded", slog.Int("programs", len(p.links)))
	return p, nil
}

// RingReader opens the shared ring buffer for consumption.
func (p *Probes) RingReader() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(p.ring)
	if err != nil {
		return nil, fmt.Errorf("open ring buffer: %w", err)
	}
	return rd, nil
}

// Close detaches every probe and releases the collection.
func (p *Probes) Close() {
	for _, l := range p.links {
		l.Close()
	}
	p.links = nil
	if p.coll != nil {
		p.coll.Close()
		p.coll = nil
	}
}
