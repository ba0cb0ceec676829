package worker

import (
	"fmt"
	"path"
	"sort"

	"github.com/bitia-ru/container-volume-backup/pkg/types"
)

const (
	hostNetwork  = "host"
	tmpfsOptions = "rw,noexec,nosuid"
)

// Input is everything BuildSpec needs to configure a worker container.
type Input struct {
	Image      string
	Eligible   []types.Volume
	OwnMounts  []types.Mount
	Mode       types.AccessMode
	Supervised bool
	BindRoot   string
	TempDir    string
	Env        LookupFunc
}

// BuildSpec assembles the worker container configuration. It performs no I/O
// beyond calling in.Env, and the same input always yields the same spec.
func BuildSpec(in Input) types.WorkerSpec {
	spec := types.WorkerSpec{
		Image:      in.Image,
		Env:        FilterEnv(in.Env),
		AutoRemove: true,
	}

	volumes := append([]types.Volume(nil), in.Eligible...)
	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Name < volumes[j].Name })
	for _, v := range volumes {
		spec.Binds = append(spec.Binds, bind(v.Name, path.Join(in.BindRoot, v.Name), in.Mode))
	}

	// own volumes are replayed at their original destination and mode
	var own []types.Mount
	for _, m := range in.OwnMounts {
		if m.Name != "" {
			own = append(own, m)
		}
	}
	sort.SliceStable(own, func(i, j int) bool { return own[i].Destination < own[j].Destination })
	for _, m := range own {
		spec.Binds = append(spec.Binds, bind(m.Name, m.Destination, m.Mode()))
	}

	if in.Supervised {
		spec.NetworkMode = hostNetwork
	}
	if in.TempDir != "" {
		spec.Tmpfs = []types.TmpfsMount{{Path: in.TempDir, Options: tmpfsOptions}}
	}
	return spec
}

func bind(name, dest string, mode types.AccessMode) string {
	return fmt.Sprintf("%s:%s:%s", name, dest, mode)
}
