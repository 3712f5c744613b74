package transfer

import (
	"sort"

	"github.com/mirrorops/bucketsync/internal/store"
)

// Plan lists the relative paths a transfer has to copy and delete to
// make the destination match the source.
type Plan struct {
	Copy   []string
	Delete []string
}

func (p *Plan) Empty() bool {
	return len(p.Copy) == 0 && len(p.Delete) == 0
}

// planUp decides what an upload has to do: copy local files that are
// missing remotely or differ by content hash, and (when mirroring
// deletions) remove remote keys with no local counterpart.
func planUp(local map[string]*FileInfo, remote map[string]*store.ObjectInfo, deleteExtraneous bool) *Plan {
	plan := &Plan{}

	for rel, file := range local {
		obj, ok := remote[rel]
		if !ok || obj.ETag != file.ETag {
			plan.Copy = append(plan.Copy, rel)
		}
	}

	if deleteExtraneous {
		for rel := range remote {
			if _, ok := local[rel]; !ok {
				plan.Delete = append(plan.Delete, rel)
			}
		}
	}

	sort.Strings(plan.Copy)
	sort.Strings(plan.Delete)
	return plan
}

// planDown is the mirror image of planUp.
func planDown(local map[string]*FileInfo, remote map[string]*store.ObjectInfo, deleteExtraneous bool) *Plan {
	plan := &Plan{}

	for rel, obj := range remote {
		file, ok := local[rel]
		if !ok || file.ETag != obj.ETag {
			plan.Copy = append(plan.Copy, rel)
		}
	}

	if deleteExtraneous {
		for rel := range local {
			if _, ok := remote[rel]; !ok {
				plan.Delete = append(plan.Delete, rel)
			}
		}
	}

	sort.Strings(plan.Copy)
	sort.Strings(plan.Delete)
	return plan
}
