package pipeline

import (
	"fmt"
	"hash/fnv"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mantle/backend"
	"github.com/vkngwrapper/mantle/spirv"
	"golang.org/x/exp/slices"
)

// StageModule pairs a reflected shader module with the stage it runs at
type StageModule struct {
	Stage  backend.ShaderStageFlags
	Module *spirv.Module
}

// LayoutDescription is a full pipeline layout derived from reflection,
// never hand-authored. Sets are ordered by ascending set index and
// bindings by ascending binding index; binding indices within a set are
// unique.
type LayoutDescription struct {
	Sets               []SetLayout
	PushConstantRanges []backend.PushConstantRange
}

// SetLayout is one descriptor set of a LayoutDescription
type SetLayout struct {
	Set      int
	Bindings []backend.DescriptorBinding
}

// MergeStages combines per-stage reflection into one layout description.
//
// A binding declared by several stages with the same kind unifies into a
// single entry carrying the union of stage visibility. The same (set,
// binding) slot with different kinds is an ErrBindingConflict. Overlapping
// push-constant ranges merge into one range with union visibility.
func MergeStages(stages []StageModule) (*LayoutDescription, error) {
	type slot struct {
		set     int
		binding int
	}
	merged := make(map[slot]*backend.DescriptorBinding)

	var pushRanges []backend.PushConstantRange

	for _, stage := range stages {
		for _, binding := range stage.Module.Bindings {
			key := slot{set: binding.Set, binding: binding.Binding}

			existing, ok := merged[key]
			if !ok {
				merged[key] = &backend.DescriptorBinding{
					Binding: binding.Binding,
					Kind:    binding.Kind,
					Count:   binding.Count,
					Stages:  stage.Stage,
				}
				continue
			}

			if existing.Kind != binding.Kind {
				return nil, cerrors.Wrapf(ErrBindingConflict,
					"(set %d, binding %d) is %s in one stage and %s in another",
					binding.Set, binding.Binding, existing.Kind, binding.Kind)
			}
			existing.Stages |= stage.Stage
			// An unbounded declaration (count 0) dominates; otherwise keep
			// the larger static count
			if existing.Count != 0 {
				if binding.Count == 0 || binding.Count > existing.Count {
					existing.Count = binding.Count
				}
			}
		}

		if pc := stage.Module.PushConstants; pc != nil {
			pushRanges = append(pushRanges, backend.PushConstantRange{
				Stages: stage.Stage,
				Offset: pc.Offset,
				Size:   pc.Size,
			})
		}
	}

	desc := &LayoutDescription{
		PushConstantRanges: mergePushRanges(pushRanges),
	}

	setIndices := make(map[int][]backend.DescriptorBinding)
	for key, binding := range merged {
		setIndices[key.set] = append(setIndices[key.set], *binding)
	}
	for set, bindings := range setIndices {
		slices.SortFunc(bindings, func(a, b backend.DescriptorBinding) bool {
			return a.Binding < b.Binding
		})
		desc.Sets = append(desc.Sets, SetLayout{Set: set, Bindings: bindings})
	}
	slices.SortFunc(desc.Sets, func(a, b SetLayout) bool {
		return a.Set < b.Set
	})

	return desc, nil
}

// mergePushRanges folds overlapping ranges into one entry with the union
// of stage visibility. Disjoint ranges stay separate, ordered by offset.
func mergePushRanges(ranges []backend.PushConstantRange) []backend.PushConstantRange {
	if len(ranges) == 0 {
		return nil
	}

	slices.SortFunc(ranges, func(a, b backend.PushConstantRange) bool {
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return a.Size < b.Size
	})

	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Offset < last.Offset+last.Size {
			last.Stages |= r.Stages
			if end := r.Offset + r.Size; end > last.Offset+last.Size {
				last.Size = end - last.Offset
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Info converts the description into the backend's layout-creation shape
func (d *LayoutDescription) Info() backend.PipelineLayoutInfo {
	info := backend.PipelineLayoutInfo{
		PushConstantRanges: d.PushConstantRanges,
	}
	for _, set := range d.Sets {
		info.SetLayouts = append(info.SetLayouts, backend.SetLayoutInfo{
			Set:      set.Set,
			Bindings: set.Bindings,
		})
	}
	return info
}

// PushConstantStages returns the union of stages that read push constants
func (d *LayoutDescription) PushConstantStages() backend.ShaderStageFlags {
	var stages backend.ShaderStageFlags
	for _, r := range d.PushConstantRanges {
		stages |= r.Stages
	}
	return stages
}

// digest is a stable fingerprint used to share identical pipeline layouts
// between pipelines
func (d *LayoutDescription) digest() string {
	h := fnv.New64a()
	for _, set := range d.Sets {
		fmt.Fprintf(h, "s%d:", set.Set)
		for _, b := range set.Bindings {
			fmt.Fprintf(h, "b%d/%d/%d/%d;", b.Binding, b.Kind, b.Count, b.Stages)
		}
	}
	for _, r := range d.PushConstantRanges {
		fmt.Fprintf(h, "p%d+%d/%d;", r.Offset, r.Size, r.Stages)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
