package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mantle/backend"
	"github.com/vkngwrapper/mantle/pipeline"
	"github.com/vkngwrapper/mantle/spirv"
)

func TestMergeStagesUnifiesVisibility(t *testing.T) {
	meshModule := &spirv.Module{
		EntryPoints: []spirv.EntryPoint{{Name: "main", Stage: backend.StageMesh}},
		Bindings: []spirv.Binding{
			{Set: 0, Binding: 0, Kind: backend.DescriptorUniformBuffer, Count: 1},
			{Set: 0, Binding: 1, Kind: backend.DescriptorStorageBuffer, Count: 1},
		},
	}
	fragModule := &spirv.Module{
		EntryPoints: []spirv.EntryPoint{{Name: "main", Stage: backend.StageFragment}},
		Bindings: []spirv.Binding{
			{Set: 0, Binding: 0, Kind: backend.DescriptorUniformBuffer, Count: 1},
			{Set: 1, Binding: 0, Kind: backend.DescriptorCombinedImageSampler, Count: 1},
		},
	}

	desc, err := pipeline.MergeStages([]pipeline.StageModule{
		{Stage: backend.StageMesh, Module: meshModule},
		{Stage: backend.StageFragment, Module: fragModule},
	})
	require.NoError(t, err)

	require.Len(t, desc.Sets, 2)
	require.Equal(t, 0, desc.Sets[0].Set)
	require.Equal(t, []backend.DescriptorBinding{
		{Binding: 0, Kind: backend.DescriptorUniformBuffer, Count: 1, Stages: backend.StageMesh | backend.StageFragment},
		{Binding: 1, Kind: backend.DescriptorStorageBuffer, Count: 1, Stages: backend.StageMesh},
	}, desc.Sets[0].Bindings)
	require.Equal(t, 1, desc.Sets[1].Set)
	require.Equal(t, []backend.DescriptorBinding{
		{Binding: 0, Kind: backend.DescriptorCombinedImageSampler, Count: 1, Stages: backend.StageFragment},
	}, desc.Sets[1].Bindings)
}

func TestMergeStagesCounts(t *testing.T) {
	testCases := map[string]struct {
		meshCount     int
		fragCount     int
		expectedCount int
	}{
		"larger static count wins": {meshCount: 4, fragCount: 16, expectedCount: 16},
		"unbounded dominates":      {meshCount: 0, fragCount: 16, expectedCount: 0},
		"unbounded in both":        {meshCount: 0, fragCount: 0, expectedCount: 0},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			desc, err := pipeline.MergeStages([]pipeline.StageModule{
				{
					Stage: backend.StageMesh,
					Module: &spirv.Module{
						EntryPoints: []spirv.EntryPoint{{Name: "main", Stage: backend.StageMesh}},
						Bindings:    []spirv.Binding{{Set: 0, Binding: 0, Kind: backend.DescriptorSampledImage, Count: testCase.meshCount}},
					},
				},
				{
					Stage: backend.StageFragment,
					Module: &spirv.Module{
						EntryPoints: []spirv.EntryPoint{{Name: "main", Stage: backend.StageFragment}},
						Bindings:    []spirv.Binding{{Set: 0, Binding: 0, Kind: backend.DescriptorSampledImage, Count: testCase.fragCount}},
					},
				},
			})
			require.NoError(t, err)
			require.Equal(t, testCase.expectedCount, desc.Sets[0].Bindings[0].Count)
		})
	}
}

func TestMergeStagesBindingConflict(t *testing.T) {
	_, err := pipeline.MergeStages([]pipeline.StageModule{
		{
			Stage: backend.StageMesh,
			Module: &spirv.Module{
				Bindings: []spirv.Binding{{Set: 0, Binding: 0, Kind: backend.DescriptorUniformBuffer, Count: 1}},
			},
		},
		{
			Stage: backend.StageFragment,
			Module: &spirv.Module{
				Bindings: []spirv.Binding{{Set: 0, Binding: 0, Kind: backend.DescriptorCombinedImageSampler, Count: 1}},
			},
		},
	})
	require.ErrorIs(t, err, pipeline.ErrBindingConflict)
}

func TestMergeStagesPushConstants(t *testing.T) {
	desc, err := pipeline.MergeStages([]pipeline.StageModule{
		{
			Stage: backend.StageTask,
			Module: &spirv.Module{
				PushConstants: &spirv.PushConstantRange{Offset: 0, Size: 32},
			},
		},
		{
			Stage: backend.StageMesh,
			Module: &spirv.Module{
				PushConstants: &spirv.PushConstantRange{Offset: 16, Size: 48},
			},
		},
		{
			Stage: backend.StageFragment,
			Module: &spirv.Module{
				PushConstants: &spirv.PushConstantRange{Offset: 128, Size: 16},
			},
		},
	})
	require.NoError(t, err)

	// The task and mesh ranges overlap and fold into one entry; the
	// fragment range is disjoint and stays separate
	require.Equal(t, []backend.PushConstantRange{
		{Stages: backend.StageTask | backend.StageMesh, Offset: 0, Size: 64},
		{Stages: backend.StageFragment, Offset: 128, Size: 16},
	}, desc.PushConstantRanges)
	require.Equal(t, backend.StageTask|backend.StageMesh|backend.StageFragment, desc.PushConstantStages())
}

func TestLayoutDescriptionInfo(t *testing.T) {
	desc, err := pipeline.MergeStages([]pipeline.StageModule{
		{
			Stage: backend.StageMesh,
			Module: &spirv.Module{
				Bindings:      []spirv.Binding{{Set: 2, Binding: 5, Kind: backend.DescriptorStorageBuffer, Count: 1}},
				PushConstants: &spirv.PushConstantRange{Offset: 0, Size: 16},
			},
		},
	})
	require.NoError(t, err)

	info := desc.Info()
	require.Equal(t, backend.PipelineLayoutInfo{
		SetLayouts: []backend.SetLayoutInfo{
			{
				Set: 2,
				Bindings: []backend.DescriptorBinding{
					{Binding: 5, Kind: backend.DescriptorStorageBuffer, Count: 1, Stages: backend.StageMesh},
				},
			},
		},
		PushConstantRanges: []backend.PushConstantRange{
			{Stages: backend.StageMesh, Offset: 0, Size: 16},
		},
	}, info)
}
