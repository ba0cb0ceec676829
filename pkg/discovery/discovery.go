package discovery

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bitia-ru/container-volume-backup/pkg/types"
)

// Runtime is the part of the container runtime discovery reads from.
type Runtime interface {
	InspectContainer(ctx context.Context, id string) (*types.ContainerMetadata, error)
	ListVolumes(ctx context.Context, labels map[string]string) ([]types.Volume, error)
}

// Discoverer resolves the orchestrator's own container and the volumes of
// the workload it belongs to.
type Discoverer struct {
	runtime  Runtime
	identity IdentityResolver
	logger   *zap.Logger
}

func New(runtime Runtime, identity IdentityResolver, logger *zap.Logger) *Discoverer {
	return &Discoverer{runtime: runtime, identity: identity, logger: logger.Named("discovery")}
}

// ResolveSelf identifies the orchestrator's container and reads its image,
// labels and mounts from the runtime.
func (d *Discoverer) ResolveSelf(ctx context.Context) (*types.ContainerMetadata, error) {
	id, err := d.identity.ContainerID(ctx)
	if err != nil {
		return nil, multierr.Combine(types.ErrEnvironmentUnsupported, err)
	}
	d.logger.Debug("resolved own container", zap.String("id", id))

	meta, err := d.runtime.InspectContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.ID == "" {
		meta.ID = id
	}
	d.logger.Debug("inspected own container",
		zap.String("image", meta.Image),
		zap.Int("mounts", len(meta.Mounts)),
		zap.Bool("supervised", meta.IsSupervised()),
	)
	return meta, nil
}

// OwnerOf derives the ownership key from the orchestrator's labels.
func OwnerOf(meta *types.ContainerMetadata) (types.Owner, error) {
	if meta.IsSupervised() {
		if meta.AppID() == "" {
			return types.Owner{}, errors.WithMessagef(types.ErrEnvironmentUnsupported, "supervised container has no %s label", types.LabelAppID)
		}
		return types.SupervisedOwner(meta.AppID()), nil
	}
	if meta.ProjectName() == "" {
		return types.Owner{}, errors.WithMessagef(types.ErrEnvironmentUnsupported, "container has neither %s nor %s label", types.LabelSupervised, types.LabelComposeProject)
	}
	return types.ProjectOwner(meta.ProjectName()), nil
}

// Discover lists the workload's volumes and filters them. An empty result is
// not an error here; callers decide how loudly to report it.
func (d *Discoverer) Discover(ctx context.Context, meta *types.ContainerMetadata, include, exclude []string) (types.VolumeSelection, error) {
	owner, err := OwnerOf(meta)
	if err != nil {
		return types.VolumeSelection{}, err
	}

	volumes, err := d.runtime.ListVolumes(ctx, ownerLabels(owner))
	if err != nil {
		return types.VolumeSelection{}, err
	}
	d.logger.Debug("listed volumes", zap.Stringer("mode", owner.Mode), zap.String("owner", owner.Key), zap.Int("count", len(volumes)))

	sel := SelectVolumes(volumes, owner, include, exclude, meta.NamedMounts())
	for name, reason := range sel.Excluded {
		d.logger.Debug("volume skipped", zap.String("volume", name), zap.String("reason", reason))
	}
	return sel, nil
}

func ownerLabels(owner types.Owner) map[string]string {
	switch owner.Mode {
	case types.OwnerSupervised:
		return map[string]string{types.LabelAppID: owner.Key}
	default:
		return map[string]string{types.LabelComposeProject: owner.Key}
	}
}
