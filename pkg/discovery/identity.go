package discovery

import (
	"bufio"
	"context"
	"regexp"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	cgroupPath    = "/proc/self/cgroup"
	mountinfoPath = "/proc/self/mountinfo"
)

var (
	// cgroup v1 paths end in the container id, e.g. /docker/<id> or /system.slice/docker-<id>.scope
	cgroupIDPattern = regexp.MustCompile(`[/-]([0-9a-f]{64})(?:\.scope)?$`)
	// cgroup v2 hides the id from /proc/self/cgroup; the engine-managed hostname bind still carries it
	mountinfoIDPattern = regexp.MustCompile(`/containers/([0-9a-f]{64})/(?:hostname|hosts|resolv\.conf)`)
)

// IdentityResolver returns the id of the container the process runs in.
type IdentityResolver interface {
	ContainerID(ctx context.Context) (string, error)
}

// ProcIdentity resolves the container id from process-local cgroup and mount information.
type ProcIdentity struct {
	fs afero.Fs
}

func NewProcIdentity(fs afero.Fs) *ProcIdentity {
	return &ProcIdentity{fs: fs}
}

func (p *ProcIdentity) ContainerID(_ context.Context) (string, error) {
	if id, err := scanFile(p.fs, cgroupPath, cgroupIDPattern); err == nil && id != "" {
		return id, nil
	}
	id, err := scanFile(p.fs, mountinfoPath, mountinfoIDPattern)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("no container id in cgroup or mountinfo")
	}
	return id, nil
}

// scanFile returns the first capture of pattern found on any line of path.
func scanFile(fs afero.Fs, path string, pattern *regexp.Regexp) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if m := pattern.FindStringSubmatch(scanner.Text()); m != nil {
			return m[1], nil
		}
	}
	return "", errors.Wrapf(scanner.Err(), "reading %s", path)
}

// FirstOf tries each resolver in order and returns the first id found.
type FirstOf []IdentityResolver

func (r FirstOf) ContainerID(ctx context.Context) (string, error) {
	var lastErr error
	for _, res := range r {
		if res == nil {
			continue
		}
		id, err := res.ContainerID(ctx)
		if err == nil && id != "" {
			return id, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no identity resolver configured")
	}
	return "", lastErr
}
