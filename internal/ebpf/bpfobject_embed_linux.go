//go:build linux && bpf_embedded

package ebpf

import _ "embed"

// cerberus.bpf.o is produced by the kernel-side build; see the probe
// project's Makefile.
//
//go:embed cerberus.bpf.o
var embeddedBPFObject []byte

func init() {
	bpfObjectBytes = embeddedBPFObject
}
