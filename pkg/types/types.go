package types

import "strings"

// Labels used to decide which workload a container or volume belongs to.
const (
	LabelSupervised     = "io.balena.supervised"
	LabelAppID          = "io.balena.app-id"
	LabelServiceName    = "io.balena.service-name"
	LabelComposeProject = "com.docker.compose.project"
	LabelComposeService = "com.docker.compose.service"
	LabelComposeVolume  = "com.docker.compose.volume"
)

// Volume is a storage volume discovered from the container runtime.
type Volume struct {
	Name   string
	Labels map[string]string
	Source string // mountpoint on the host
}

// Mount is one of the orchestrator's own container mounts.
type Mount struct {
	Name        string // empty for plain bind mounts
	Destination string
	RW          bool
}

// Mode returns the bind mode string for the mount's read/write flag.
func (m Mount) Mode() AccessMode {
	if m.RW {
		return ReadWrite
	}
	return ReadOnly
}

// ContainerMetadata describes the orchestrator's own container.
type ContainerMetadata struct {
	ID     string
	Image  string
	Labels map[string]string
	Mounts []Mount
}

// IsSupervised reports whether the container is managed by the fleet supervisor.
func (c *ContainerMetadata) IsSupervised() bool {
	return c.Labels[LabelSupervised] == "true"
}

// AppID returns the owning application id. Meaningful only in supervised mode.
func (c *ContainerMetadata) AppID() string {
	return c.Labels[LabelAppID]
}

// ProjectName returns the compose project name. Meaningful only outside supervised mode.
func (c *ContainerMetadata) ProjectName() string {
	return c.Labels[LabelComposeProject]
}

// ServiceName returns the service this container runs as, in either mode.
func (c *ContainerMetadata) ServiceName() string {
	if c.IsSupervised() {
		return c.Labels[LabelServiceName]
	}
	return c.Labels[LabelComposeService]
}

// NamedMounts returns the mounts that refer to a named volume.
func (c *ContainerMetadata) NamedMounts() []Mount {
	var out []Mount
	for _, m := range c.Mounts {
		if m.Name != "" {
			out = append(out, m)
		}
	}
	return out
}

// OwnerMode distinguishes the two ways a workload owns its volumes.
type OwnerMode int

const (
	// OwnerSupervised scopes volumes by the supervisor's application id.
	OwnerSupervised OwnerMode = iota
	// OwnerProject scopes volumes by the compose project name.
	OwnerProject
)

func (m OwnerMode) String() string {
	switch m {
	case OwnerSupervised:
		return "supervised"
	case OwnerProject:
		return "project"
	default:
		return "unknown"
	}
}

// Owner is the ownership key used to scope volume discovery to one workload.
type Owner struct {
	Mode OwnerMode
	Key  string
}

// SupervisedOwner returns an owner keyed by application id.
func SupervisedOwner(appID string) Owner { return Owner{Mode: OwnerSupervised, Key: appID} }

// ProjectOwner returns an owner keyed by compose project name.
func ProjectOwner(project string) Owner { return Owner{Mode: OwnerProject, Key: project} }

// Owns reports whether the volume carries this owner's ownership labels.
func (o Owner) Owns(v Volume) bool {
	if v.Name == "" || o.Key == "" || v.Labels == nil {
		return false
	}
	switch o.Mode {
	case OwnerSupervised:
		return v.Labels[LabelSupervised] == "true" && v.Labels[LabelAppID] == o.Key
	case OwnerProject:
		return v.Labels[LabelComposeProject] == o.Key
	default:
		return false
	}
}

// Aliases returns the names a volume can be referred to by in include and
// exclude lists: the runtime name, the bare name without the owner prefix,
// and in project mode the compose-assigned alias.
func (o Owner) Aliases(v Volume) []string {
	names := []string{v.Name}
	if bare := strings.TrimPrefix(v.Name, o.Key+"_"); bare != v.Name && bare != "" {
		names = append(names, bare)
	}
	if o.Mode == OwnerProject {
		if alias := v.Labels[LabelComposeVolume]; alias != "" && alias != v.Name {
			names = append(names, alias)
		}
	}
	return names
}

// AccessMode is the read/write mode of a bind specification.
type AccessMode string

const (
	ReadOnly  AccessMode = "ro"
	ReadWrite AccessMode = "rw"
)

// Reasons recorded in VolumeSelection.Excluded.
const (
	ReasonNotOwned    = "not owned by workload"
	ReasonOwnMount    = "mounted into orchestrator"
	ReasonExcluded    = "in exclusion list"
	ReasonNotIncluded = "not in inclusion list"
)

// VolumeSelection is the outcome of volume filtering.
type VolumeSelection struct {
	Eligible []Volume
	Excluded map[string]string // volume name -> reason
}

// Names returns the eligible volume names in order.
func (s VolumeSelection) Names() []string {
	names := make([]string, 0, len(s.Eligible))
	for _, v := range s.Eligible {
		names = append(names, v.Name)
	}
	return names
}

// TmpfsMount is a tmpfs provisioned inside the worker container.
type TmpfsMount struct {
	Path    string
	Options string
}

// WorkerSpec is the full configuration of an ephemeral worker container.
type WorkerSpec struct {
	Image       string
	Binds       []string // volumeName:containerPath:mode
	Env         []string // KEY=value
	AutoRemove  bool
	NetworkMode string
	Tmpfs       []TmpfsMount
}

// ContainerInfo is a summary of a container returned by the runtime's list call.
type ContainerInfo struct {
	ID     string
	Name   string
	State  string
	Labels map[string]string
}

// Operation is the kind of work an invocation performs.
type Operation string

const (
	OpBackup  Operation = "backup"
	OpRestore Operation = "restore"
	OpPrune   Operation = "prune"
	OpList    Operation = "list"
)

// ParseOperation maps a CLI word onto an Operation.
func ParseOperation(s string) (Operation, bool) {
	switch op := Operation(strings.ToLower(s)); op {
	case OpBackup, OpRestore, OpPrune, OpList:
		return op, true
	}
	return "", false
}

// OperationContext carries the per-invocation inputs to the sequencer.
type OperationContext struct {
	Operation Operation
	Args      []string // caller-supplied backup tool arguments
	DryRun    bool
	Verbosity int
}
