// Package container resolves cgroup ids to container identities. The
// resolver walks the cgroup2 filesystem to find the directory whose inode
// matches the event's cgroup id, extracts the container id from the path's
// last segment, classifies the runtime, and optionally enriches the result
// with CRI metadata. Everything is best-effort: a miss leaves the event's
// container nil and never fails the pipeline.
package container

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/CTFcrozone/Cerberus/internal/event"
)

// defaultCgroupRoot is where the cgroup2 hierarchy is mounted.
const defaultCgroupRoot = "/sys/fs/cgroup"

// cacheSize bounds the cgroup-id → ContainerInfo cache. Entries are tiny;
// the bound exists to survive cgroup-id churn on busy hosts.
const cacheSize = 1024

// MetadataClient looks up image/pod metadata for a container id. The CRI
// client implements it; the resolver works without one.
type MetadataClient interface {
	ContainerMetadata(ctx context.Context, containerID string) (Metadata, error)
}

// Metadata is the optional enrichment a MetadataClient provides.
type Metadata struct {
	Image     string
	Pod       string
	Namespace string
}

// Resolver enriches events with container identity. It is a pipeline stage:
// events flow in, get their ContainerMeta filled on a cache hit or
// successful walk, and flow out.
type Resolver struct {
	in     <-chan event.CerberusEvent
	out    chan<- event.CerberusEvent
	logger *slog.Logger

	cgroupRoot string
	meta       MetadataClient

	// cache maps cgroup id → resolved info; nil entries record misses so
	// unresolvable ids are not re-walked per event.
	cache *lru.Cache[uint64, *event.ContainerInfo]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewResolver creates a resolver stage between in and out. meta may be nil.
func NewResolver(in <-chan event.CerberusEvent, out chan<- event.CerberusEvent, meta MetadataClient, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[uint64, *event.ContainerInfo](cacheSize)
	return &Resolver{
		in:         in,
		out:        out,
		logger:     logger,
		cgroupRoot: defaultCgroupRoot,
		meta:       meta,
		cache:      cache,
	}
}

// Run forwards events until ctx is cancelled or the inbound channel closes.
func (r *Resolver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-r.in:
			if !ok {
				return nil
			}
			meta := evt.Meta()
			if info := r.resolve(ctx, meta.CgroupID); info != nil {
				meta.Container = info
			}
			select {
			case r.out <- evt:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// resolve returns the container info for a cgroup id, consulting the cache
// first. cgroup id 0 (host root) is never resolved.
func (r *Resolver) resolve(ctx context.Context, cgroupID uint64) *event.ContainerInfo {
	if cgroupID == 0 {
		return nil
	}
	if info, ok := r.cache.Get(cgroupID); ok {
		r.hits.Add(1)
		return info
	}
	r.misses.Add(1)

	info := r.walk(cgroupID)
	if info != nil && r.meta != nil {
		if md, err := r.meta.ContainerMetadata(ctx, info.ContainerID); err == nil {
			info.Image = md.Image
			info.Pod = md.Pod
			info.Namespace = md.Namespace
		} else {
			r.logger.Debug("container metadata lookup failed",
				slog.String("container_id", info.ContainerID),
				slog.Any("error", err),
			)
		}
	}

	r.cache.Add(cgroupID, info)
	return info
}

// walk scans the cgroup hierarchy for the directory whose inode equals
// cgroupID and derives the container identity from its path.
func (r *Resolver) walk(cgroupID uint64) *event.ContainerInfo {
	var found string
	err := filepath.WalkDir(r.cgroupRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Cgroups come and go while we walk; skip what vanished.
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok || st.Ino != cgroupID {
			return nil
		}
		found = path
		return fs.SkipAll
	})
	if err != nil || found == "" {
		return nil
	}

	id, ok := ExtractContainerID(filepath.Base(found))
	if !ok {
		return nil
	}
	return &event.ContainerInfo{
		CgroupID:    cgroupID,
		ContainerID: id,
		Runtime:     DetectRuntime(found),
	}
}

// runtimePrefixes are the scope-name prefixes the common runtimes use for
// container cgroups.
var runtimePrefixes = []string{"docker-", "cri-containerd-", "crio-"}

// ExtractContainerID parses a container id out of a cgroup path segment:
// runtime prefixes and the ".scope" suffix are stripped, and the remainder
// must be at least 32 hex characters.
func ExtractContainerID(segment string) (string, bool) {
	s := strings.TrimSuffix(segment, ".scope")
	for _, p := range runtimePrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimPrefix(s, p)
			break
		}
	}
	if len(s) < 32 {
		return "", false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}
	return s, true
}

// DetectRuntime classifies the runtime that owns a cgroup path.
func DetectRuntime(cgroupPath string) event.ContainerRuntime {
	switch {
	case strings.Contains(cgroupPath, "kubepods") || strings.Contains(cgroupPath, "k8s"):
		return event.RuntimeKubernetes
	case strings.Contains(cgroupPath, "/docker/") || strings.Contains(cgroupPath, "docker-"):
		return event.RuntimeDocker
	case strings.Contains(cgroupPath, "/containerd/") || strings.Contains(cgroupPath, "containerd-"):
		return event.RuntimeContainerd
	case strings.Contains(cgroupPath, "/crio/") || strings.Contains(cgroupPath, "crio-"):
		return event.RuntimeCrio
	default:
		return event.RuntimeUnknown
	}
}
