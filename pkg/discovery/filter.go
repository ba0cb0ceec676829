package discovery

import (
	"sort"

	"github.com/bitia-ru/container-volume-backup/pkg/types"
)

// SelectVolumes decides which of the discovered volumes a backup or restore
// operates on. Volumes mounted into the orchestrator itself are never
// eligible, and exclusion always wins over inclusion.
func SelectVolumes(all []types.Volume, owner types.Owner, include, exclude []string, ownMounts []types.Mount) types.VolumeSelection {
	sel := types.VolumeSelection{Excluded: make(map[string]string)}

	own := make(map[string]bool, len(ownMounts))
	for _, m := range ownMounts {
		if m.Name != "" {
			own[m.Name] = true
		}
	}
	excluded := toSet(exclude)
	included := toSet(include)

	for _, v := range all {
		switch {
		case !owner.Owns(v):
			if v.Name != "" {
				sel.Excluded[v.Name] = types.ReasonNotOwned
			}
		case own[v.Name]:
			sel.Excluded[v.Name] = types.ReasonOwnMount
		case matchesAny(owner.Aliases(v), excluded):
			sel.Excluded[v.Name] = types.ReasonExcluded
		case len(included) > 0 && !matchesAny(owner.Aliases(v), included):
			sel.Excluded[v.Name] = types.ReasonNotIncluded
		default:
			sel.Eligible = append(sel.Eligible, v)
		}
	}

	sort.Slice(sel.Eligible, func(i, j int) bool {
		return sel.Eligible[i].Name < sel.Eligible[j].Name
	})
	return sel
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if n != "" {
			set[n] = true
		}
	}
	return set
}

func matchesAny(names []string, set map[string]bool) bool {
	for _, n := range names {
		if set[n] {
			return true
		}
	}
	return false
}
